package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/steveyegge/gastown-townd/internal/auth"
	"github.com/steveyegge/gastown-townd/internal/config"
	"github.com/steveyegge/gastown-townd/internal/town"
	"github.com/steveyegge/gastown-townd/internal/townlog"
)

var (
	serveTownID string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve one town's control plane",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveTownID, "town", "", "town id to serve (required)")
	_ = serveCmd.MarkFlagRequired("town")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	lockPath := filepath.Join(cfg.DataDir, serveTownID+".lock")
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring town lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("town %q already being served (lock held by another process)", serveTownID)
	}
	defer func() { _ = fileLock.Unlock() }()

	logger := townlog.New(os.Stdout, "townd:"+serveTownID)

	secret := cfg.JWTSecret
	resolve := func(townID string) ([]byte, error) {
		if secret == "" {
			return nil, errors.New("no jwt secret configured")
		}
		return []byte(secret), nil
	}

	t, err := town.New(town.Options{
		TownID:        serveTownID,
		DBPath:        filepath.Join(cfg.DataDir, serveTownID+".db"),
		ContainerBase: cfg.ContainerRuntimeURL,
		Registry:      nil,
		SecretResolve: auth.SecretResolver(resolve),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("initializing town %q: %w", serveTownID, err)
	}
	defer func() { _ = t.Close() }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go tickLoop(ctx, t, logger)

	mux := newMux(t)
	logger.Printf("listening on %s", cfg.ListenAddr)
	return http.ListenAndServe(cfg.ListenAddr, mux)
}

// tickLoop runs the town's reconciliation tick on a fixed cadence.
// This is a simple polling loop standing in for a real per-town alarm
// wakeup; it is cheap enough at this interval for local/demo use.
func tickLoop(ctx context.Context, t *town.Town, logger *log.Logger) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Tick(ctx); err != nil {
				logger.Printf("tick error: %v", err)
			}
		}
	}
}
