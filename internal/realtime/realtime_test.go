package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// nudgeServer accepts one WebSocket client at a time and sends it the
// configured messages.
func nudgeServer(t *testing.T, messages []Message) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for _, msg := range messages {
			data, _ := json.Marshal(msg)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away.
		_, _, _ = conn.Read(ctx)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDispatchByType(t *testing.T) {
	url := nudgeServer(t, []Message{
		{Type: MessageTypeChanges, WorkspaceID: "ws-1"},
		{Type: MessageTypeFiles, WorkspaceID: "ws-1"},
		{Type: MessageTypeChanges, WorkspaceID: "ws-1"},
	})

	var changes, files atomic.Int32
	done := make(chan struct{})

	l := NewListener(DefaultConfig(url))
	l.OnMessage(MessageTypeChanges, func(msg Message) {
		if changes.Add(1) == 2 {
			close(done)
		}
	})
	l.OnMessage(MessageTypeFiles, func(msg Message) {
		files.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go l.Run(ctx)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for nudges")
	}
	if got := changes.Load(); got != 2 {
		t.Errorf("changes handled = %d, want 2", got)
	}
	if got := files.Load(); got != 1 {
		t.Errorf("files handled = %d, want 1", got)
	}
}

func TestMalformedNudgeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`not json`))
		data, _ := json.Marshal(Message{Type: MessageTypeChanges})
		_ = conn.Write(ctx, websocket.MessageText, data)
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	got := make(chan Message, 1)

	l := NewListener(DefaultConfig(url))
	l.OnMessage(MessageTypeChanges, func(msg Message) {
		select {
		case got <- msg:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go l.Run(ctx)

	select {
	case <-got:
		// The valid message after the garbage one still arrived.
	case <-ctx.Done():
		t.Fatal("valid nudge after malformed one was not delivered")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	url := nudgeServer(t, nil)

	l := NewListener(DefaultConfig(url))
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
