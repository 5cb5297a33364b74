package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/analytics"
	"github.com/sells-group/autonomy-engine/internal/ingest"
	"github.com/sells-group/autonomy-engine/internal/monitoring"
	"github.com/sells-group/autonomy-engine/internal/registry"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the confidence engine HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		queue, err := initQueue(ctx, st)
		if err != nil {
			return err
		}

		sweepInterval := time.Duration(cfg.Sweep.IntervalMinutes) * time.Minute
		staleAfter := sweepInterval * time.Duration(cfg.Monitoring.StaleSweepMultiple)
		collector := monitoring.NewCollector(st, queue, staleAfter)

		deps := apiDeps{
			ingest:    ingest.NewService(st, cfg.Engine),
			registry:  registry.New(st, cfg.Engine),
			analytics: analytics.NewService(st, cfg.Engine, sweepInterval, cfg.Monitoring.StaleSweepMultiple),
			queue:     queue,
			store:     st,
			collector: collector,
			lookback:  cfg.Monitoring.LookbackHours,
		}
		router := buildRouter(deps, cfg.Server.AllowedOrigins)

		// Background alerting when a webhook is configured.
		if cfg.Monitoring.WebhookURL != "" {
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			srv.Shutdown(ctx) //nolint:errcheck
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
