package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/steveyegge/gastown-townd/internal/config"
	"github.com/steveyegge/gastown-townd/internal/sqlstore"
)

var townCmd = &cobra.Command{
	Use:   "town",
	Short: "Manage towns",
	RunE:  requireSubcommand,
}

var townCreateCmd = &cobra.Command{
	Use:   "create <town-id>",
	Short: "Create a new town's database and schema",
	Args:  cobra.ExactArgs(1),
	RunE:  runTownCreate,
}

func init() {
	townCmd.AddCommand(townCreateCmd)
}

func runTownCreate(cmd *cobra.Command, args []string) error {
	townID := args[0]
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, townID+".db")
	if _, err := os.Stat(dbPath); err == nil {
		return fmt.Errorf("town %q already exists", townID)
	}

	store, err := sqlstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("creating town %q: %w", townID, err)
	}
	defer func() { _ = store.Close() }()

	fmt.Fprintf(cmd.OutOrStdout(), "town %q created at %s\n", townID, dbPath)
	return nil
}
