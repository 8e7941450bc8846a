package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brindlewood/codexbridge/internal/config"
	"github.com/brindlewood/codexbridge/internal/httpapi"
	"github.com/brindlewood/codexbridge/internal/identity"
	"github.com/brindlewood/codexbridge/internal/registry"
	"github.com/brindlewood/codexbridge/internal/session"
)

func newServeCmd(configFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP façade",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, *configFile)
		},
	}
	config.BindFlags(cmd.Flags())
	return cmd
}

func runServe(cmd *cobra.Command, configFile string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(cmd.Flags(), configFile)
	if err != nil {
		return fmt.Errorf("codexbridge: load config: %w", err)
	}

	factory := func(ctx context.Context, userID string) (*session.Session, error) {
		sess := session.New(session.Config{
			UserID:      userID,
			DataDir:     session.DataDirFor(cfg.BaseDataDir, userID),
			BinaryPath:  cfg.BinaryPath,
			WorkingDir:  cfg.WorkingDir,
			APIKey:      cfg.APIKey,
			Model:       cfg.DefaultModel,
			TurnTimeout: cfg.TurnTimeout(),
		})
		if err := sess.Start(ctx); err != nil {
			return nil, err
		}
		return sess, nil
	}

	reg := registry.New(registry.Config{
		MaxSessions:     cfg.MaxSessions,
		IdleTimeout:     cfg.IdleTimeout(),
		CleanupInterval: cfg.CleanupInterval(),
		CloseGrace:      5 * time.Second,
		Logger:          logger,
	}, factory)

	resolver := identity.New(identity.Method(cfg.SecurityMethod), cfg.AllowUserOverride)

	srv := httpapi.New(httpapi.Config{
		Registry:    reg,
		Resolver:    resolver,
		TurnTimeout: cfg.TurnTimeout(),
		BinaryPath:  cfg.BinaryPath,
		APIKey:      cfg.APIKey,
		Logger:      logger,
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: srv.Handler(),
	}

	logger.Info("codexbridge: listening", "addr", cfg.Addr(), "max_sessions", cfg.MaxSessions)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("codexbridge: received signal, shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("codexbridge: http server: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	_ = reg.Shutdown(ctx)
	return nil
}
