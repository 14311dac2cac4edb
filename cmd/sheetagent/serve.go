package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sheetagent/internal/channel"
	"sheetagent/internal/config"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web UI and chat API",
		Long:  "Serves the browser UI, the chat API, file downloads and progress events. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}
			return runServe(cfg)
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen address (overrides server.host)")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port (overrides server.port)")
	return cmd
}

func runServe(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.startJanitor(ctx)

	web := channel.NewWeb(channel.WebConfig{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		Service:        a.service,
		Events:         a.events,
		Metrics:        a.metrics,
		MetricsPath:    cfg.Metrics.Endpoint,
		AuthToken:      cfg.Server.AuthToken,
		MaxUploadBytes: int64(cfg.Server.MaxUploadMB) << 20,
		Version:        version,
		Logger:         logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- web.Start(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web channel: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("shutting down...")

	const shutdownTimeout = 10 * time.Second
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("web channel: %w", err)
		}
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out, forcing exit")
		web.Stop()
		return fmt.Errorf("shutdown timed out")
	}
}
