package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/vizreview/internal/api"
	"github.com/shehryarbajwa/vizreview/internal/ratelimit"
)

func newServeCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Addr
			}
			log := a.logger

			rateLimiter := ratelimit.NewLimiter(a.cfg.RateLimitPerHour, a.cfg.RateLimitBurst)
			log.Infof("✓ Rate limiter initialized (%d req/hour per client)", a.cfg.RateLimitPerHour)

			router := api.NewHandler(a.service, log).SetupRoutes(rateLimiter, a.cfg.RateLimitPerHour, a.cfg.TrustProxy)
			log.Info("✓ HTTP routes configured")

			// reviews run inside the request, so there is no write timeout;
			// a signal interrupts them through the base context
			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				BaseContext:       func(net.Listener) context.Context { return ctx },
				ReadHeaderTimeout: 15 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				host := displayHost(addr)
				log.Infof("🚀 Server starting on http://%s", host)
				log.Infof("📍 API endpoints available at http://%s/v1", host)
				log.Infof("📡 Review stream at ws://%s/v1/reviews/stream", host)
				log.Infof("⏱️  Minimum poll interval: %s", a.cfg.MinPollInterval)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				a.shutdown(10 * time.Second)
				return err
			case <-ctx.Done():
			}

			log.Info("⏳ Shutting down server gracefully...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.WithError(err).Warn("server forced to shutdown")
			}
			a.shutdown(10 * time.Second)

			log.Info("✅ Server stopped cleanly")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to VIZ_ADDR)")
	return cmd
}
