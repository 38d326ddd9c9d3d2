package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"miesc/internal/config"
	"miesc/internal/finding"
	"miesc/internal/logging"
	"miesc/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server [rest|rpc]",
	Short: "Serve the audit API",
	Long: `Serves the orchestration core.

  rest   HTTP server: REST mirror under /mcp/*, JSON-RPC on /rpc,
         SSE event streams on /mcp/events/{audit_id}, Prometheus /metrics
  rpc    line-delimited JSON-RPC 2.0 over stdin/stdout

The config file is watched. A reload hot-applies the log level and the
false-positive prior table; audit defaults apply to new audits.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"rest", "rpc"},
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := buildStack()
		if err != nil {
			return err
		}
		defer s.close()

		handler := newHandler(s)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) {
			logging.SetLevel(next.Logging.Level)
			if priors, perr := finding.LoadFPPriors(next.Correlation.FPPriorsPath); perr == nil {
				s.coord.SetFPPriors(priors)
			} else {
				logger.Warn("fp prior reload failed", zap.Error(perr))
			}
			logger.Info("configuration updated",
				zap.String("default_profile", next.Audit.DefaultProfile),
				zap.String("log_level", next.Logging.Level))
			cfg = next
		}, logger)
		if err == nil {
			if werr := watcher.Start(ctx); werr == nil {
				defer watcher.Stop()
			}
		} else {
			logger.Warn("config watcher unavailable", zap.Error(err))
		}

		switch args[0] {
		case "rpc":
			return server.NewStdioServer(handler, os.Stdout, logger).Serve(ctx, os.Stdin)

		case "rest":
			srv := server.NewHTTPServer(handler, server.HTTPOptions{
				Addr:         cfg.Server.RESTAddr,
				MaxBodyBytes: cfg.Server.MaxBodyBytes,
				SSEHeartbeat: cfg.SSEHeartbeat(),
			}, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}

		default:
			return cmd.Usage()
		}
	},
}
