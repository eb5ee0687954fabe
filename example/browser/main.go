package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcp "github.com/MegaGrindStone/browser-mcp"
	"github.com/MegaGrindStone/browser-mcp/pkg/progress"
	"github.com/MegaGrindStone/browser-mcp/pkg/session"
	"github.com/MegaGrindStone/browser-mcp/pkg/transport"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Stdout may be the RPC channel, so logs always go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := transport.LoadConfig(".env")
	if err != nil {
		logger.Error("failed to load config", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", slog.String("err", err.Error()))
		os.Exit(1)
	}
}

func run(cfg transport.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sessions := session.NewManager(
		session.WithTimeout(cfg.SessionTimeout),
		session.WithAutoSync(cfg.EnableAutoSync),
		session.WithLogger(logger),
	)
	defer sessions.Close()

	notifier := progress.NewNotifier(progress.WithLogger(logger))
	defer notifier.Cleanup()

	factory, err := transport.New(cfg,
		transport.WithSessionManager(sessions),
		transport.WithProgressNotifier(notifier),
		transport.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}

	srv := mcp.NewServer(
		mcp.Info{Name: "browser-mcp", Version: "0.1.0"},
		newBrowserTools(sessions, notifier, logger),
		mcp.WithInstructions("Call navigate with a URL, then snapshot to inspect the page."),
		mcp.WithServerLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.Start(gctx)
		return nil
	})

	err = factory.Start(srv, transport.Callbacks{
		OnConnect: func(id string) {
			logger.Info("client connected", slog.String("sessionID", id))
		},
		OnDisconnect: func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		},
		OnError: func(err error) {
			logger.Error("transport failure", slog.String("err", err.Error()))
		},
	})
	if err != nil {
		stop()
		return errors.Join(fmt.Errorf("failed to start %s transport: %w", cfg.Type, err), g.Wait())
	}
	if addr := factory.Addr(); addr != "" {
		logger.Info("browser-mcp ready", slog.String("url", "http://"+addr+cfg.Path))
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-factory.Done():
			// The stdio peer closed its end.
		}
		// Stops the sweep as well.
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := factory.Cleanup(shutdownCtx); err != nil {
			return fmt.Errorf("failed to stop transport: %w", err)
		}
		logger.Info("browser-mcp stopped")
		return nil
	})

	return g.Wait()
}
