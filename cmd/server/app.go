package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shehryarbajwa/vizreview/internal/analysis"
	"github.com/shehryarbajwa/vizreview/internal/browser"
	"github.com/shehryarbajwa/vizreview/internal/capture"
	"github.com/shehryarbajwa/vizreview/internal/config"
	"github.com/shehryarbajwa/vizreview/internal/discovery"
	"github.com/shehryarbajwa/vizreview/internal/logging"
	"github.com/shehryarbajwa/vizreview/internal/pipeline"
	"github.com/shehryarbajwa/vizreview/internal/poll"
	"github.com/shehryarbajwa/vizreview/internal/review"
	"github.com/shehryarbajwa/vizreview/internal/security"
	"github.com/shehryarbajwa/vizreview/internal/session"
	"github.com/shehryarbajwa/vizreview/internal/storage"
	"github.com/shehryarbajwa/vizreview/internal/token"
)

// app is every long-lived component of one process
type app struct {
	cfg     *config.Config
	logger  *logrus.Logger
	service *review.Service
	closers []func() error
}

// loadConfig reads the environment and builds the logger with secret
// redaction installed
func loadConfig() (*config.Config, *logrus.Logger, *logging.RedactHook, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	secrets := logging.NewRedactHook()
	secrets.Add(cfg.AnalysisAPIKey)
	logger.AddHook(secrets)
	return cfg, logger, secrets, nil
}

// newApp wires the orchestrator. Browsers are only needed for reviews, so
// withBrowsers=false skips the driver for discovery-only commands.
func newApp(ctx context.Context, withBrowsers bool) (*app, error) {
	cfg, logger, secrets, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger}

	store, err := storage.NewOS(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.WithField("dir", cfg.DataDir).Info("✓ Report store initialized")

	guard := &security.Guard{AllowPrivate: cfg.AllowPrivateTargets}

	var launcher browser.Launcher
	if withBrowsers {
		if launcher, err = a.newLauncher(ctx, cfg, logger); err != nil {
			a.close()
			return nil, err
		}
	}

	tokenClient := &http.Client{Timeout: 30 * time.Second, Transport: guard.Transport()}
	tokens := token.NewInjector(tokenClient, secrets, logger)
	capturer := capture.New(cfg.NavTimeout, cfg.ActionTimeout, logger)

	analyzer := analysis.NewOpenAI(analysis.OpenAIConfig{
		APIKey:  cfg.AnalysisAPIKey,
		BaseURL: cfg.AnalysisBaseURL,
		Model:   cfg.AnalysisModel,
		Timeout: cfg.AnalysisTimeout,
	}, logger)
	logger.WithField("model", cfg.AnalysisModel).Info("✓ Analyzer initialized")

	runner := pipeline.NewRunner(pipeline.Options{
		Store:    store,
		Capturer: capturer,
		Reviewer: analysis.NewReviewer(analyzer, logger),
		Tokens:   tokens,
		Launcher: launcher,
		Secrets:  secrets,
		Logger:   logger,
	})

	sessions := session.NewManager(session.Options{
		Launcher:        launcher,
		MinPollInterval: cfg.MinPollInterval,
		MaxSessions:     cfg.MaxSessions,
		Logger:          logger,
	})
	logger.WithField("max", cfg.MaxSessions).Info("✓ Session manager initialized")

	poller := poll.NewEngine(poll.Options{
		Store:     store,
		Capturer:  capturer,
		Tokens:    tokens,
		Runner:    runner,
		Threshold: cfg.DiffThreshold,
		Logger:    logger,
	})

	crawler := discovery.New(discovery.Options{
		Guard:       guard,
		Delay:       cfg.CrawlDelay,
		Concurrency: cfg.CrawlConcurrency,
		MaxPages:    cfg.CrawlMaxPages,
		Logger:      logger,
	})

	a.service = review.New(review.Options{
		Guard:      guard,
		Launcher:   launcher,
		Sessions:   sessions,
		Runner:     runner,
		Poller:     poller,
		Crawler:    crawler,
		Store:      store,
		Secrets:    secrets,
		NavTimeout: cfg.NavTimeout,
		Logger:     logger,
	})
	return a, nil
}

func (a *app) newLauncher(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (browser.Launcher, error) {
	driver := browser.NewDriver()
	logger.Info("⏳ Starting playwright driver...")
	if err := driver.Initialize(); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, driver.Stop)
	logger.Info("✓ Playwright driver initialized")

	if cfg.BrowserMode == config.BrowserLocal {
		return browser.NewLocalLauncher(driver, cfg.BrowserHeadless, logger), nil
	}

	docker, err := browser.NewDockerLauncher(driver, cfg.DockerImage, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker launcher: %w", err)
	}
	a.closers = append(a.closers, docker.Close)

	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	logger.Info("⏳ Ensuring browser image is available...")
	if err := docker.EnsureImage(pullCtx); err != nil {
		return nil, fmt.Errorf("failed to ensure image: %w", err)
	}
	logger.WithField("image", cfg.DockerImage).Info("✓ Browser image ready")
	return docker, nil
}

// shutdown closes every session and then the browser backends
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if a.service != nil {
		a.service.Shutdown(ctx)
	}
	a.close()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.WithError(err).Warn("cleanup failed")
		}
	}
	a.closers = nil
}

func displayHost(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if host == "" {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
