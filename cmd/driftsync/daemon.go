package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftworks/driftsync/internal/config"
	"github.com/driftworks/driftsync/internal/dashboard"
	"github.com/driftworks/driftsync/internal/db"
	"github.com/driftworks/driftsync/internal/engine"
	"github.com/driftworks/driftsync/internal/files"
	"github.com/driftworks/driftsync/internal/hooks"
	"github.com/driftworks/driftsync/internal/presign"
	"github.com/driftworks/driftsync/internal/protocol"
	"github.com/driftworks/driftsync/internal/realtime"
	"github.com/driftworks/driftsync/internal/transfer"
	"github.com/driftworks/driftsync/internal/transport"
	"github.com/driftworks/driftsync/internal/ui"
	"github.com/driftworks/driftsync/internal/watcher"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync daemon (foreground)",
	Long: `Run the sync daemon in foreground mode.

The daemon will:
  1. Bootstrap or resume the workspace from its cursor
  2. Capture local writes into the outbox and push them in batches
  3. Pull and apply remote changes on a periodic loop
  4. Listen for server nudges to shorten sync latency
  5. Watch the attachments directory and upload new files
  6. Sweep expired tombstones and unreferenced file metadata`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return runDaemon(cfg)
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// recordApplier applies inbound changes to the local records mirror inside
// the pull transaction.
type recordApplier struct{}

func (recordApplier) ApplyPut(ctx context.Context, tx engine.Execer, tableName, pk string, payload json.RawMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (table_name, pk, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, pk) DO UPDATE SET
			payload = excluded.payload, updated_at = excluded.updated_at`,
		tableName, pk, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (recordApplier) ApplyDelete(ctx context.Context, tx engine.Execer, tableName, pk string) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM records WHERE table_name = ? AND pk = ?`, tableName, pk)
	return err
}

// daemonLogger writes to stderr, and also to a rotating file when one is
// configured.
func daemonLogger(cfg *config.Config) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		})
	}
	return log.New(out, "[driftsync] ", log.LstdFlags)
}

func runDaemon(cfg *config.Config) error {
	logger := daemonLogger(cfg)

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open workspace database: %w", err)
	}
	defer database.Close()
	if err := database.InitSchema(); err != nil {
		return err
	}

	bus := hooks.NewBus()
	client := transport.NewClient(nil, cfg.Server.BaseURL, cfg.Server.Token)

	engineConfig := engine.DefaultConfig()
	engineConfig.FlushInterval = cfg.Sync.FlushInterval
	engineConfig.PullInterval = cfg.Sync.PullInterval
	engineConfig.PullLimit = cfg.Sync.PullLimit
	engineConfig.StaleAfter = cfg.Sync.StaleAfter
	engineConfig.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := engine.New(ctx, database, cfg.WorkspaceID, recordApplier{}, client, client, bus, engineConfig)
	if err != nil {
		return err
	}
	eng.Tombstones().SetRetention(cfg.Retention.Tombstones)

	store := files.New(database)
	store.SetRetention(cfg.Retention.Files)

	presignSvc := presign.NewService(client, bus, nil)
	session := &presign.Session{
		WorkspaceID: cfg.WorkspaceID,
		DeviceID:    eng.DeviceID(),
	}
	mint := func(ctx context.Context, hash, direction, contentType string) (*protocol.PresignResult, error) {
		return presignSvc.URL(ctx, session, cfg.WorkspaceID, hash, direction)
	}

	transferConfig := transfer.DefaultConfig()
	transferConfig.Concurrency = cfg.Transfers.Concurrency
	transferConfig.MaxAttempts = cfg.Transfers.MaxAttempts
	transferConfig.Logger = logger
	queue := transfer.NewQueue(database, cfg.WorkspaceID, store, bus,
		mint, transfer.NewHTTPTransferrer(nil), transferConfig)

	fmt.Printf("%s Starting sync daemon\n", ui.RenderAccent("▶"))
	fmt.Printf("   Workspace: %s\n", cfg.WorkspaceID)
	fmt.Printf("   Device: %s\n", eng.DeviceID())
	fmt.Printf("   Database: %s\n", cfg.DatabasePath())
	fmt.Printf("   Server: %s\n", cfg.Server.BaseURL)
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	errCh := make(chan error, 4)

	go func() { errCh <- eng.Run(ctx) }()
	go func() { errCh <- queue.Run(ctx) }()

	if wsURL := nudgeURL(cfg); wsURL != "" {
		listener := realtime.NewListener(realtime.DefaultConfig(wsURL))
		listener.OnMessage(realtime.MessageTypeChanges, func(realtime.Message) {
			eng.PullNow()
		})
		go func() { errCh <- listener.Run(ctx) }()
	}

	if cfg.Attachments.Watch {
		if err := startAttachmentWatcher(ctx, cfg, queue, logger); err != nil {
			logger.Printf("Attachments watcher disabled: %v", err)
		}
	}

	go gcLoop(ctx, eng, store, logger)

	if cfg.Dashboard.Enabled {
		dash := dashboard.NewServer(&daemonStats{cfg: cfg, eng: eng, queue: queue}, &dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: logger,
		})
		dash.Attach(bus)
		if err := dash.Start(); err != nil {
			logger.Printf("Dashboard disabled: %v", err)
		} else {
			fmt.Printf("%s Dashboard on http://localhost:%d\n", ui.RenderAccent("▶"), cfg.Dashboard.Port)
			defer dash.Stop()
		}
	}

	<-ctx.Done()
	logger.Printf("Shutting down")
	return nil
}

// nudgeURL derives the WebSocket endpoint from the config.
func nudgeURL(cfg *config.Config) string {
	if cfg.Server.WebSocketURL != "" {
		return cfg.Server.WebSocketURL
	}
	base := cfg.Server.BaseURL
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:] + "/ws"
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:] + "/ws"
	}
	return ""
}

// startAttachmentWatcher turns settled attachment files into upload
// transfers.
func startAttachmentWatcher(ctx context.Context, cfg *config.Config, queue *transfer.Queue, logger *log.Logger) error {
	if err := os.MkdirAll(cfg.Attachments.Dir, 0755); err != nil {
		return err
	}
	aw, err := watcher.NewAttachmentWatcher(0)
	if err != nil {
		return err
	}
	if err := aw.Start(cfg.Attachments.Dir); err != nil {
		return err
	}
	logger.Printf("Watching attachments in %s", cfg.Attachments.Dir)

	go func() {
		defer aw.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-aw.Errors():
				if !ok {
					return
				}
				logger.Printf("Watcher error: %v", err)
			case ev, ok := <-aw.Events():
				if !ok {
					return
				}
				if ev.Op != watcher.OpAdd {
					continue
				}
				if err := enqueueAttachment(ctx, queue, ev.Path); err != nil {
					logger.Printf("Failed to enqueue upload for %s: %v", ev.Path, err)
				}
			}
		}
	}()
	return nil
}

func enqueueAttachment(ctx context.Context, queue *transfer.Queue, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	hash, size, err := files.HashOf(f)
	f.Close()
	if err != nil {
		return err
	}

	_, err = queue.EnqueueUpload(ctx, transfer.UploadRequest{
		Hash:      hash,
		LocalPath: path,
		Name:      filepath.Base(path),
		SizeBytes: size,
	})
	return err
}

// daemonStats feeds the dashboard from the live engine and transfer queue.
type daemonStats struct {
	cfg   *config.Config
	eng   *engine.Engine
	queue *transfer.Queue
}

func (d *daemonStats) Stats(ctx context.Context) (*dashboard.Stats, error) {
	cursor, err := d.eng.Cursor().Get(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := d.eng.Outbox().Count(ctx)
	if err != nil {
		return nil, err
	}
	failed, err := d.eng.Outbox().Failed(ctx)
	if err != nil {
		return nil, err
	}
	transfers, err := d.queue.List(ctx)
	if err != nil {
		return nil, err
	}
	byState := make(map[string]int)
	for _, t := range transfers {
		byState[t.State]++
	}

	return &dashboard.Stats{
		WorkspaceID:      d.cfg.WorkspaceID,
		DeviceID:         d.eng.DeviceID(),
		Cursor:           cursor,
		OutboxPending:    pending,
		OutboxFailed:     len(failed),
		TransfersByState: byState,
	}, nil
}

// gcLoop sweeps expired tombstones and unreferenced file metadata hourly.
func gcLoop(ctx context.Context, eng *engine.Engine, store *files.Store, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := eng.Tombstones().Sweep(ctx); err != nil {
				logger.Printf("Tombstone sweep failed: %v", err)
			} else if n > 0 {
				logger.Printf("Swept %d expired tombstones", n)
			}
			if n, err := store.SweepGC(ctx); err != nil {
				logger.Printf("File meta sweep failed: %v", err)
			} else if n > 0 {
				logger.Printf("Swept %d unreferenced file records", n)
			}
		}
	}
}
