package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// loadJob reads a review job from a YAML file. Auth state is kept out of job
// files and comes from a separate JSON document.
func loadJob(jobPath, authPath string) (*models.ReviewRequest, error) {
	data, err := os.ReadFile(jobPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read job: %w", err)
	}
	var req models.ReviewRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job %s: %w", jobPath, err)
	}

	if authPath != "" {
		raw, err := os.ReadFile(authPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read auth state: %w", err)
		}
		var state models.AuthState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("failed to parse auth state %s: %w", authPath, err)
		}
		req.AuthState = &state
	}
	return &req, nil
}

func newReviewCommand() *cobra.Command {
	var jobPath, authPath, outPath string
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Run one review job and write its report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadJob(jobPath, authPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.shutdown(10 * time.Second)
			log := a.logger

			if req.Persistent || req.PollIntervalSeconds > 0 || req.SessionID != "" {
				log.Warn("sessions do not outlive the review command, running without one")
				req.Persistent = false
				req.PollIntervalSeconds = 0
				req.SessionID = ""
			}

			report, err := a.service.StartReview(ctx, *req, func(ev models.Event) error {
				entry := log.WithFields(logrus.Fields{"page": ev.Page, "viewport": ev.Viewport})
				switch ev.Type {
				case models.EventProgress:
					entry.Infof("📸 [%d/%d] %s", ev.Index, ev.Total, ev.Message)
				case models.EventResult:
					entry.WithField("findings", len(ev.Result.Findings)).Info("✓ Analyzed")
				case models.EventError:
					entry.Warn(ev.Message)
				}
				return nil
			})
			if err != nil {
				return err
			}

			log.WithFields(logrus.Fields{
				"report":   report.ID,
				"status":   report.Status,
				"findings": report.Summary.Findings,
				"critical": report.Summary.Critical,
			}).Info("🏁 Review finished")

			out := os.Stdout
			if outPath != "" {
				f, err := os.Create(outPath)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			if report.Status != models.ReportComplete {
				return fmt.Errorf("review ended %s: %s", report.Status, report.FatalError)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&jobPath, "file", "f", "job.yaml", "review job (YAML)")
	cmd.Flags().StringVar(&authPath, "auth-state", "", "captured auth state (JSON)")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "write the report here instead of stdout")
	return cmd
}
