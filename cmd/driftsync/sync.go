package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftworks/driftsync/internal/config"
	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/engine"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/transport"
	"github.com/driftworks/driftsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one push/pull cycle and exit",
	Long: `Run a single sync cycle:

  1. Coalesce and push pending local operations
  2. Pull and apply remote changes, advancing the cursor

A workspace that has never synced is bootstrapped (full pull from the
beginning of the server oplog) first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		database, err := db.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("failed to open workspace database: %w", err)
		}
		defer database.Close()
		if err := database.InitSchema(); err != nil {
			return err
		}

		ctx := cmd.Context()
		client := transport.NewClient(nil, cfg.Server.BaseURL, cfg.Server.Token)
		eng, err := engine.New(ctx, database, cfg.WorkspaceID, recordApplier{},
			client, client, hooks.NewBus(), nil)
		if err != nil {
			return err
		}

		start := time.Now()
		fmt.Printf("%s Syncing workspace %s...\n", ui.RenderAccent("▶"), cfg.WorkspaceID)

		acked, err := eng.Flush(ctx)
		if err != nil {
			fmt.Printf("%s Push: %v\n", ui.RenderWarn("!"), err)
		} else {
			fmt.Printf("%s Pushed %d ops\n", ui.RenderPass("✓"), acked)
		}

		applied, err := pullOrBootstrap(ctx, eng)
		if err != nil {
			return err
		}
		fmt.Printf("%s Applied %d remote changes\n", ui.RenderPass("✓"), applied)
		fmt.Printf("%s Done in %v\n", ui.RenderPass("✓"), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func pullOrBootstrap(ctx context.Context, eng *engine.Engine) (int, error) {
	needsBootstrap, err := eng.Cursor().NeedsBootstrap(ctx)
	if err != nil {
		return 0, err
	}
	if needsBootstrap {
		fmt.Printf("%s First sync, bootstrapping workspace\n", ui.RenderAccent("▶"))
		return eng.Bootstrap(ctx)
	}
	return eng.Pull(ctx)
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
