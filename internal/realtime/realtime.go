// Package realtime subscribes to server nudges over WebSocket.
//
// The sync service broadcasts a small JSON message whenever another device
// pushes changes or finishes a file upload. Nudges only shorten latency:
// the engine's periodic pull loop remains the source of truth, so a dropped
// connection degrades to polling rather than to missed changes.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Message types broadcast by the sync service.
const (
	// MessageTypeChanges signals new oplog entries for the workspace.
	MessageTypeChanges = "changes"

	// MessageTypeFiles signals a completed file upload.
	MessageTypeFiles = "files"
)

// Message is one nudge from the server.
type Message struct {
	Type        string    `json:"type"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp,omitempty"`
}

// Config holds listener configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. wss://sync.example.com/ws.
	URL string

	// DialTimeout bounds each connection attempt (default: 10s).
	DialTimeout time.Duration

	// MaxBackoff caps the reconnect delay (default: 30s).
	MaxBackoff time.Duration

	// Logger for connection activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given endpoint.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:         url,
		DialTimeout: 10 * time.Second,
		MaxBackoff:  30 * time.Second,
		Logger:      log.New(os.Stderr, "[realtime] ", log.LstdFlags),
	}
}

// Listener maintains a WebSocket subscription and dispatches nudges to
// registered handlers by message type.
type Listener struct {
	config *Config

	mu       sync.RWMutex
	handlers map[string][]func(Message)
}

// NewListener creates a listener. Handlers are registered before Run.
func NewListener(config *Config) *Listener {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Listener{
		config:   config,
		handlers: make(map[string][]func(Message)),
	}
}

// OnMessage registers a handler for one message type. Handlers run on the
// read loop goroutine and must not block.
func (l *Listener) OnMessage(msgType string, fn func(Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[msgType] = append(l.handlers[msgType], fn)
}

// Run connects and dispatches nudges until ctx is cancelled, reconnecting
// with exponential backoff on any failure.
func (l *Listener) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		if err := l.listenOnce(ctx); err != nil && ctx.Err() == nil {
			l.config.Logger.Printf("Connection lost: %v (reconnecting in %v)", err, backoff)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// A connection that held for a while resets the backoff; only
		// rapid-fire failures escalate it.
		if time.Since(started) > l.config.MaxBackoff {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > l.config.MaxBackoff {
			backoff = l.config.MaxBackoff
		}
	}
}

// listenOnce dials and reads until the connection drops or ctx is
// cancelled.
func (l *Listener) listenOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.config.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.config.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	l.config.Logger.Printf("Connected to %s", l.config.URL)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			l.config.Logger.Printf("Ignoring malformed nudge: %v", err)
			continue
		}
		l.dispatch(msg)
	}
}

func (l *Listener) dispatch(msg Message) {
	l.mu.RLock()
	handlers := make([]func(Message), len(l.handlers[msg.Type]))
	copy(handlers, l.handlers[msg.Type])
	l.mu.RUnlock()

	for _, fn := range handlers {
		fn(msg)
	}
}
