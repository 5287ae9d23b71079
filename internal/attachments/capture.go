// ABOUTME: Best-effort HTTP capture of attachment URLs into a local directory
// ABOUTME: Returns stable substitute refs; failures pass the original URL through

package attachments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/modmail-gateway/internal/store"
)

// maxAttachmentSize caps a single capture at 50 MiB.
const maxAttachmentSize = 50 << 20

// downloadTimeout bounds one capture; a slow CDN must not stall a relay
// for long.
const downloadTimeout = 30 * time.Second

// Capturer downloads attachment URLs into a directory and builds public
// refs under baseURL (the log server's /attachments/ prefix).
type Capturer struct {
	dir     string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a capturer writing into dir. The directory is created if
// needed. baseURL is the externally reachable prefix for captured files,
// e.g. "http://localhost:8327/attachments".
func New(dir, baseURL string, logger *slog.Logger) (*Capturer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating attachments directory: %w", err)
	}
	return &Capturer{
		dir:     dir,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: downloadTimeout},
		logger:  logger.With("component", "attachments"),
	}, nil
}

// Dir returns the capture directory, for the file server.
func (c *Capturer) Dir() string {
	return c.dir
}

// Capture persists each URL best-effort and returns one ref per input, in
// order. A URL that cannot be captured is passed through as-is.
func (c *Capturer) Capture(ctx context.Context, urls []string) []store.Attachment {
	if len(urls) == 0 {
		return nil
	}

	refs := make([]store.Attachment, 0, len(urls))
	for _, raw := range urls {
		name := filenameFromURL(raw)
		stored, err := c.download(ctx, raw, name)
		if err != nil {
			c.logger.Warn("attachment capture failed, passing original URL through", "url", raw, "error", err)
			refs = append(refs, store.Attachment{Filename: name, URL: raw})
			continue
		}
		refs = append(refs, store.Attachment{
			Filename: name,
			URL:      c.baseURL + "/" + stored,
		})
	}
	return refs
}

// download fetches one URL into the capture directory and returns the
// stored file name.
func (c *Capturer) download(ctx context.Context, rawURL, name string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Prefix with a UUID so distinct uploads with the same name never
	// collide.
	stored := uuid.New().String() + "-" + name
	dest := filepath.Join(c.dir, stored)

	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("creating file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxAttachmentSize+1))
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("writing file: %w", err)
	}
	if n > maxAttachmentSize {
		os.Remove(dest)
		return "", fmt.Errorf("attachment exceeds %d bytes", maxAttachmentSize)
	}

	c.logger.Debug("captured attachment", "url", rawURL, "file", stored, "bytes", n)
	return stored, nil
}

// filenameFromURL extracts a safe display filename from a URL, falling back
// to "attachment" when the path gives nothing usable.
func filenameFromURL(rawURL string) string {
	name := "attachment"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return sanitizeFilename(name)
}

// sanitizeFilename strips path separators and control characters so a
// hostile filename cannot escape the capture directory.
func sanitizeFilename(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == 0:
			b.WriteRune('_')
		case r < 0x20:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" || out == "." || out == ".." {
		return "attachment"
	}
	return out
}
