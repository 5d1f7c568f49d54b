package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftworks/driftsync/internal/config"
	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/outbox"
	"github.com/driftworks/driftsync/internal/transfer"
	"github.com/driftworks/driftsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show workspace sync status",
	Long: `Display the current state of the workspace:

  - Device identity and clock
  - Cursor position and staleness
  - Pending and failed outbox operations
  - File transfers by state`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		if _, err := os.Stat(cfg.DatabasePath()); os.IsNotExist(err) {
			fmt.Printf("\n%s Workspace not initialized\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'driftsync sync' or 'driftsync daemon' first\n\n")
			return nil
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

		var deviceID string
		var clock int64
		database.RawDB().QueryRowContext(ctx,
			`SELECT device_id, clock FROM device_info WHERE workspace_id = ?`,
			cfg.WorkspaceID).Scan(&deviceID, &clock)

		ob := outbox.New(database, cfg.WorkspaceID, deviceID, nil, nil)
		pendingCount, err := ob.Count(ctx)
		if err != nil {
			return err
		}
		failed, err := ob.Failed(ctx)
		if err != nil {
			return err
		}

		var cursor int64
		var lastSync string
		row := database.RawDB().QueryRowContext(ctx,
			`SELECT cursor, COALESCE(last_sync_at, '') FROM sync_cursor WHERE workspace_id = ?`,
			cfg.WorkspaceID)
		row.Scan(&cursor, &lastSync)

		fmt.Printf("\n%s Workspace Status\n\n", ui.RenderAccent("●"))
		fmt.Printf("Workspace: %s\n", cfg.WorkspaceID)
		if deviceID != "" {
			fmt.Printf("Device: %s\n", deviceID)
			fmt.Printf("Clock: %d\n", clock)
		} else {
			fmt.Printf("Device: %s\n", ui.RenderMuted("not yet assigned"))
		}
		fmt.Printf("Cursor: %d\n", cursor)
		if lastSync != "" {
			fmt.Printf("Last sync: %s\n", lastSync)
		} else {
			fmt.Printf("Last sync: %s\n", ui.RenderMuted("never"))
		}
		fmt.Printf("Pending ops: %d\n", pendingCount)
		if len(failed) > 0 {
			fmt.Printf("Failed ops: %s\n", ui.RenderErr(fmt.Sprintf("%d", len(failed))))
			for _, op := range failed {
				fmt.Printf("   %s %s:%s (%s)\n", ui.RenderErr("✗"), op.TableName, op.PK, op.LastError)
			}
		} else {
			fmt.Printf("Failed ops: 0\n")
		}

		queue := transfer.NewQueue(database, cfg.WorkspaceID, nil, nil, nil, nil, nil)
		transfers, err := queue.List(ctx)
		if err != nil {
			return err
		}
		byState := make(map[string]int)
		for _, t := range transfers {
			byState[t.State]++
		}
		fmt.Printf("Transfers: %d queued, %d running, %d paused, %d failed, %d done\n\n",
			byState[transfer.StateQueued], byState[transfer.StateRunning],
			byState[transfer.StatePaused], byState[transfer.StateFailed],
			byState[transfer.StateDone])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
