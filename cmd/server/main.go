// Command server runs the xerolink gateway: the HTTP surface the compliance
// console uses to connect Xero organizations and load their accounting data.
// main wires high-level dependencies and keeps the server lifecycle small;
// business logic lives in the internal packages.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"xerolink/internal/connection"
	connHandler "xerolink/internal/connection/handler"
	"xerolink/internal/connection/statetoken"
	"xerolink/internal/connection/store"
	"xerolink/internal/platform/config"
	"xerolink/internal/platform/health"
	"xerolink/internal/platform/httpserver"
	"xerolink/internal/platform/logger"
	"xerolink/internal/platform/metrics"
	"xerolink/internal/syncer"
	"xerolink/internal/xero"
	httptransport "xerolink/internal/transport/http"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	root := &cobra.Command{
		Use:          "xerolink",
		Short:        "Xero connection gateway for the compliance console",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Printf("xerolink %s %s\n", version, runtime.Version())
		},
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	log.Info("initializing xerolink",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"has_credentials", cfg.Xero.HasCredentials(),
	)

	mtr := metrics.New()

	client := xero.NewClient(cfg.Xero, xero.WithLogger(log))
	demo := xero.NewDemoStore()

	orchestrator := syncer.New(client, demo,
		syncer.WithLogger(log),
		syncer.WithMetrics(mtr),
		syncer.WithRequestDelay(cfg.Sync.RequestDelay),
		syncer.WithFailureThreshold(cfg.Sync.FailureThreshold),
	)

	machine := connection.New(
		store.NewInMemorySessionStore(),
		client,
		orchestrator,
		statetoken.New(cfg.Session.SigningKey, statetoken.WithTTL(cfg.Session.StateTokenTTL)),
		connection.WithLogger(log),
		connection.WithMetrics(mtr),
		connection.WithCooldown(cfg.Session.StatusCooldown),
	)

	healthHandler := health.New(cfg.Environment)
	healthHandler.RegisterCheck("demo_data", demo.Healthy)

	router := httptransport.NewRouter(
		connHandler.New(machine, demo, log, cfg.Session.CookieName, cfg.Session.CookieMaxAgeSec),
		healthHandler,
		mtr,
		log,
	)

	srv := httpserver.New(cfg.Addr, router)

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	case <-ctx.Done():
	}

	log.Info("shutting down server gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Info("server stopped")
	return nil
}
