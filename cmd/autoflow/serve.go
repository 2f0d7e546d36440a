package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rendis/autoflow/internal/api"
	"github.com/rendis/autoflow/internal/scheduler"
	mcpserver "github.com/rendis/autoflow/pkg/mcp"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var addr string
	var noSweep bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the sweep scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), opts, os.Stderr, func(ctx context.Context, a *app) error {
				if addr != "" {
					a.cfg.ListenAddr = addr
				}
				if noSweep {
					a.cfg.SweepEnabled = false
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides listen_addr")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the periodic sweeper")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	srv := api.NewServer(api.Deps{
		Service:  a.engine,
		Metrics:  a.metrics.Handler(),
		Observer: a.metrics,
		Health:   a.store.Ping,
		Hub:      a.hub,
		Logger:   a.logger,
	})

	if a.cfg.SweepEnabled {
		sweeper, err := scheduler.NewSweeper(a.engine, scheduler.Config{
			Schedule: a.cfg.SweepSchedule,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	} else {
		a.logger.Warn("sweeper disabled, due steps run only on explicit sweep calls")
	}

	ln, err := net.Listen("tcp", a.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.ListenAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()
	a.logger.Info("autoflow listening", slog.String("addr", ln.Addr().String()), slog.String("version", version))

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func newMCPCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// stdout carries the protocol, so logs go to stderr.
			return withApp(cmd.Context(), opts, os.Stderr, func(ctx context.Context, a *app) error {
				srv := mcpserver.NewAutoflowServer(mcpserver.AutoflowServerDeps{
					Service: a.engine,
					Version: version,
					Logger:  a.logger,
				})
				return srv.Serve(ctx)
			})
		},
	}
}
