// Package transport retrieves remote distribution files into local paths.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/schollz/progressbar/v3"

	"github.com/cochaviz/bsdimg/internal/logging"
)

// HTTPTransport downloads over HTTP(S). A file appears at its local path only
// once it has been received completely.
type HTTPTransport struct {
	Client *http.Client
	Logger *slog.Logger
	// Progress receives a progress bar per download; nil disables it.
	Progress io.Writer
}

// Retrieve downloads remote into local, replacing any existing file.
func (t *HTTPTransport) Retrieve(ctx context.Context, remote, local string) error {
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("parse %q: %w", remote, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q in %s", u.Scheme, remote)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, remote, nil)
	if err != nil {
		return err
	}
	resp, err := t.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", remote, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
		return err
	}
	pending, err := renameio.NewPendingFile(local, renameio.WithPermissions(0o644))
	if err != nil {
		return err
	}
	defer pending.Cleanup()

	var dst io.Writer = pending
	if t.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetDescription(filepath.Base(local)),
			progressbar.OptionSetWriter(t.Progress),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() { fmt.Fprintln(t.Progress) }),
		)
		dst = io.MultiWriter(pending, bar)
	}

	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return fmt.Errorf("download %s: %w", remote, err)
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("download %s: got %d of %d bytes", remote, n, resp.ContentLength)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return err
	}

	logging.Ensure(t.Logger).Debug("retrieved file", "url", remote, "path", local, "bytes", n)
	return nil
}

func (t *HTTPTransport) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return http.DefaultClient
}
