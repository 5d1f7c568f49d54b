package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/driftworks/driftsync/internal/config"
	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/files"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/presign"
	"github.com/driftworks/driftsync/internal/protocol"
	"github.com/driftworks/driftsync/internal/transfer"
	"github.com/driftworks/driftsync/internal/transport"
	"github.com/driftworks/driftsync/internal/ui"
)

var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage attachment transfers",
	Long: `Inspect and control the content-addressed file transfer queue.

Attachments are identified by the hash of their bytes: uploading the same
content twice increments a reference count instead of moving bytes again.`,
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List file transfers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := openWorkspace()
		if err != nil {
			return err
		}
		defer database.Close()

		queue := transfer.NewQueue(database, cfg.WorkspaceID, nil, nil, nil, nil, nil)
		transfers, err := queue.List(cmd.Context())
		if err != nil {
			return err
		}
		if len(transfers) == 0 {
			fmt.Printf("%s No transfers\n", ui.RenderMuted("·"))
			return nil
		}

		for _, t := range transfers {
			marker := ui.RenderMuted("·")
			switch t.State {
			case transfer.StateDone:
				marker = ui.RenderPass("✓")
			case transfer.StateFailed:
				marker = ui.RenderErr("✗")
			case transfer.StateRunning:
				marker = ui.RenderAccent("▶")
			case transfer.StatePaused:
				marker = ui.RenderWarn("⏸")
			}
			fmt.Printf("%s %s  %-8s %-8s %3.0f%%  %s\n",
				marker, t.ID[:8], t.Direction, t.State, t.Progress()*100, t.Hash)
			if t.LastError != "" {
				fmt.Printf("    %s\n", ui.RenderErr(t.LastError))
			}
		}
		return nil
	},
}

var filesUploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload one attachment and wait for completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := openWorkspace()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := cfg.Validate(); err != nil {
			return err
		}

		path := args[0]
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		hash, size, err := files.HashOf(f)
		f.Close()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		bus := hooks.NewBus()
		client := transport.NewClient(nil, cfg.Server.BaseURL, cfg.Server.Token)
		store := files.New(database)
		presignSvc := presign.NewService(client, bus, nil)
		session := &presign.Session{WorkspaceID: cfg.WorkspaceID}
		mint := func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error) {
			return presignSvc.URL(ctx, session, cfg.WorkspaceID, hash, direction)
		}
		queue := transfer.NewQueue(database, cfg.WorkspaceID, store, bus,
			mint, transfer.NewHTTPTransferrer(nil), nil)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go queue.Run(runCtx)

		fmt.Printf("%s Uploading %s (%s, %d bytes)\n", ui.RenderAccent("▶"),
			filepath.Base(path), hash, size)

		t, err := queue.EnqueueUpload(ctx, transfer.UploadRequest{
			Hash:      hash,
			LocalPath: path,
			Name:      filepath.Base(path),
			SizeBytes: size,
		})
		if err != nil {
			return err
		}

		done, err := queue.Wait(ctx, t.ID)
		if err != nil {
			return err
		}
		fmt.Printf("%s Upload complete (%s)\n", ui.RenderPass("✓"), done.Hash)
		return nil
	},
}

var filesDownloadCmd = &cobra.Command{
	Use:   "download <hash> <dest>",
	Short: "Download one attachment by content hash and wait for completion",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := openWorkspace()
		if err != nil {
			return err
		}
		defer database.Close()
		if err := cfg.Validate(); err != nil {
			return err
		}

		hash, err := files.Normalize(args[0])
		if err != nil {
			return err
		}
		dest := args[1]

		ctx := cmd.Context()
		bus := hooks.NewBus()
		client := transport.NewClient(nil, cfg.Server.BaseURL, cfg.Server.Token)
		presignSvc := presign.NewService(client, bus, nil)
		session := &presign.Session{WorkspaceID: cfg.WorkspaceID}
		mint := func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error) {
			return presignSvc.URL(ctx, session, cfg.WorkspaceID, hash, direction)
		}

		var sizeBytes int64
		store := files.New(database)
		if meta, err := store.Get(ctx, hash); err == nil && meta != nil {
			sizeBytes = meta.SizeBytes
		}

		queue := transfer.NewQueue(database, cfg.WorkspaceID, store, bus,
			mint, transfer.NewHTTPTransferrer(nil), nil)

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go queue.Run(runCtx)

		fmt.Printf("%s Downloading %s\n", ui.RenderAccent("▶"), hash)

		t, err := queue.EnqueueDownload(ctx, hash, dest, sizeBytes)
		if err != nil {
			return err
		}
		if _, err := queue.Wait(ctx, t.ID); err != nil {
			return err
		}
		fmt.Printf("%s Saved to %s\n", ui.RenderPass("✓"), dest)
		return nil
	},
}

var filesPauseCmd = &cobra.Command{
	Use:   "pause <transfer-id>",
	Short: "Pause a queued or running transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transferAction(cmd, args[0], "paused",
			func(ctx context.Context, q *transfer.Queue, id string) error {
				return q.Pause(ctx, id)
			})
	},
}

var filesResumeCmd = &cobra.Command{
	Use:   "resume <transfer-id>",
	Short: "Resume a paused transfer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transferAction(cmd, args[0], "requeued",
			func(ctx context.Context, q *transfer.Queue, id string) error {
				return q.Resume(ctx, id)
			})
	},
}

var filesRetryCmd = &cobra.Command{
	Use:   "retry <transfer-id>",
	Short: "Requeue a failed transfer with a fresh attempt budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return transferAction(cmd, args[0], "requeued",
			func(ctx context.Context, q *transfer.Queue, id string) error {
				return q.Retry(ctx, id)
			})
	},
}

var filesGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Sweep unreferenced file metadata past its retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, database, err := openWorkspace()
		if err != nil {
			return err
		}
		defer database.Close()

		store := files.New(database)
		store.SetRetention(cfg.Retention.Files)
		n, err := store.SweepGC(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%s Swept %d unreferenced file records\n", ui.RenderPass("✓"), n)
		return nil
	},
}

func transferAction(cmd *cobra.Command, id, verb string,
	fn func(context.Context, *transfer.Queue, string) error) error {
	cfg, database, err := openWorkspace()
	if err != nil {
		return err
	}
	defer database.Close()

	queue := transfer.NewQueue(database, cfg.WorkspaceID, nil, nil, nil, nil, nil)
	if err := fn(cmd.Context(), queue, id); err != nil {
		return err
	}
	fmt.Printf("%s Transfer %s %s\n", ui.RenderPass("✓"), id, verb)
	return nil
}

// openWorkspace loads config and opens the workspace database.
func openWorkspace() (*config.Config, *db.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open workspace database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, nil, err
	}
	return cfg, database, nil
}

func init() {
	filesCmd.AddCommand(filesListCmd)
	filesCmd.AddCommand(filesUploadCmd)
	filesCmd.AddCommand(filesDownloadCmd)
	filesCmd.AddCommand(filesPauseCmd)
	filesCmd.AddCommand(filesResumeCmd)
	filesCmd.AddCommand(filesRetryCmd)
	filesCmd.AddCommand(filesGCCmd)
	rootCmd.AddCommand(filesCmd)
}
