package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/dannyzb/chunkrelay/internal/config"
	"github.com/dannyzb/chunkrelay/internal/control"
	"github.com/dannyzb/chunkrelay/internal/registry"
	"github.com/dannyzb/chunkrelay/internal/transfer"
	"github.com/dannyzb/chunkrelay/internal/transport"
	"github.com/dannyzb/chunkrelay/internal/version"
)

const shutdownGrace = 5 * time.Second

func main() {
	logger := log.Default
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger); err != nil {
		logger.WithDefaultLevel(log.Error).Printf("server: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger log.Logger) error {
	cfg := config.Load(ctx, logger)
	logger.WithDefaultLevel(log.Info).Printf("server: starting %s (port=%d wsPort=%d)", version.UserAgent, cfg.Port, cfg.WSPort)

	reg := registry.New(logger)

	hub := transport.New(reg, nil, transport.Config{HeartbeatInterval: cfg.HeartbeatInterval}, logger)
	manager := transfer.NewManager(hub, reg, cfg, logger)
	hub.SetDispatcher(manager)

	controlSrv := control.New(manager, reg, cfg.CORSOrigin, logger)

	wsServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.WSPort), Handler: hub}
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: controlSrv}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serveUntilShutdown(gctx, wsServer, logger, "ws") })
	g.Go(func() error { return serveUntilShutdown(gctx, httpServer, logger, "http") })

	return g.Wait()
}

func serveUntilShutdown(ctx context.Context, srv *http.Server, logger log.Logger, name string) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("%s server: %w", name, err)
		}
		return nil
	case <-ctx.Done():
		logger.WithDefaultLevel(log.Info).Printf("server: shutting down %s listener", name)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
