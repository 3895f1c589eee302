package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gastown-townd/internal/config"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

var migrateTownID string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the town schema without serving traffic",
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().StringVar(&migrateTownID, "town", "", "town id to migrate (required)")
	_ = migrateCmd.MarkFlagRequired("town")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := sqlstore.Open(filepath.Join(cfg.DataDir, migrateTownID+".db"))
	if err != nil {
		return fmt.Errorf("migrating town %q: %w", migrateTownID, err)
	}
	defer func() { _ = store.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "schema applied for town %q\n", migrateTownID)
	return nil
}
