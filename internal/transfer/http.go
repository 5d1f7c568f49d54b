package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/driftworks/driftsync/internal/protocol"
)

// HTTPTransferrer moves bytes through presigned URLs with plain HTTP:
// PUT from the local file for uploads, GET into the local file for
// downloads. Downloads land in a temp file and rename into place so a
// half-fetched attachment is never visible at its final path.
type HTTPTransferrer struct {
	client *http.Client
}

// NewHTTPTransferrer creates a transferrer. A nil client gets a default
// with no overall timeout; transfer cancellation comes from the context.
func NewHTTPTransferrer(client *http.Client) *HTTPTransferrer {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPTransferrer{client: client}
}

// Transfer implements the Transferrer interface.
func (h *HTTPTransferrer) Transfer(ctx context.Context, t *Transfer, url *protocol.PresignResult, progress func(done int64)) (string, error) {
	switch t.Direction {
	case protocol.DirectionUpload:
		if err := h.upload(ctx, t, url, progress); err != nil {
			return "", err
		}
		return url.StorageID, nil
	case protocol.DirectionDownload:
		return "", h.download(ctx, t, url, progress)
	default:
		return "", fmt.Errorf("unknown transfer direction %q", t.Direction)
	}
}

func (h *HTTPTransferrer) upload(ctx context.Context, t *Transfer, url *protocol.PresignResult, progress func(done int64)) error {
	f, err := os.Open(t.LocalPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer f.Close()

	body := &progressReader{r: f, report: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url.URL, body)
	if err != nil {
		return err
	}
	req.ContentLength = t.BytesTotal
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	if t.MimeType != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", t.MimeType)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload rejected with status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPTransferrer) download(ctx context.Context, t *Transfer, url *protocol.PresignResult, progress func(done int64)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url.URL, nil)
	if err != nil {
		return err
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("download rejected with status %d", resp.StatusCode)
	}

	dir := filepath.Dir(t.LocalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".driftsync-download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	_, err = io.Copy(tmp, &progressReader{r: resp.Body, report: progress})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write download: %w", err)
	}
	return os.Rename(tmpName, t.LocalPath)
}

// progressReader reports cumulative bytes read, throttled so a fast
// transfer does not flood the progress store.
type progressReader struct {
	r      io.Reader
	report func(done int64)
	done   int64
	last   time.Time
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.done += int64(n)
		if p.report != nil && (time.Since(p.last) > 200*time.Millisecond || err == io.EOF) {
			p.report(p.done)
			p.last = time.Now()
		}
	}
	return n, err
}
