package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/vizreview/pkg/models"
)

// jobSkeleton turns a discovery result into a review job that can be edited
// and passed to the review command
func jobSkeleton(origin string, res *models.DiscoveryResult) models.ReviewRequest {
	job := models.ReviewRequest{Origin: origin, Viewports: []string{"desktop", "mobile"}}
	for _, p := range res.Pages {
		if p.Error != "" {
			continue
		}
		job.Pages = append(job.Pages, models.PageSpec{Name: p.Name, Path: p.Path})
	}
	return job
}

func writeJob(w io.Writer, job models.ReviewRequest) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(job); err != nil {
		return err
	}
	return enc.Close()
}

func newDiscoverCommand() *cobra.Command {
	var maxPages int
	cmd := &cobra.Command{
		Use:   "discover <origin>",
		Short: "List the pages of a site as a review job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.shutdown(5 * time.Second)

			res, err := a.service.Discover(cmd.Context(), models.DiscoverRequest{Origin: args[0], MaxPages: maxPages})
			if err != nil {
				return err
			}
			a.logger.WithField("source", res.Source).Infof("🗺️ Found %d pages (%d links, %d skipped)",
				len(res.Pages), res.TotalLinksFound, res.PagesSkipped)

			if err := writeJob(os.Stdout, jobSkeleton(args[0], res)); err != nil {
				return fmt.Errorf("failed to write job: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&maxPages, "max-pages", "n", 0, "stop after this many pages (defaults to VIZ_CRAWL_MAX_PAGES)")
	return cmd
}
