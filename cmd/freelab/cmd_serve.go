package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"freelab/internal/auth"
	"freelab/internal/config"
	"freelab/internal/logging"
	"freelab/internal/server"
)

var serveAddr string

// serveCmd runs the HTTP server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the step engine over HTTP",
	Long: `Starts the HTTP server:

  POST /v1/free/step                      advance the lab by one action
  POST /free/step                         same, unversioned path
  GET  /v1/classrooms/{id}/usage          current month usage and quota
  GET  /healthz                           liveness
  GET  /metrics                           Prometheus metrics

Pricing and the default quota are reloaded when the config file changes.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(backgroundContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logging.BootWarn("close: %v", err)
		}
	}()

	jwt, err := auth.NewJWTProvider(cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithLeeway(cfg.GetAuthLeeway()),
	)
	if err != nil {
		return err
	}

	srv := server.New(rt.engine, jwt, rt.metrics, server.Options{
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		ReadTimeout:     cfg.GetReadTimeout(),
		WriteTimeout:    cfg.GetWriteTimeout(),
		ShutdownTimeout: cfg.GetShutdownTimeout(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	if _, err := os.Stat(configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, configPath, config.DefaultWatchDebounce, func(c *config.Config) {
				applyReload(rt.meter, c)
			})
		})
	} else {
		logging.BootDebug("config %s not found, hot reload disabled", configPath)
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logging.Boot("server stopped")
	return nil
}

func backgroundContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
