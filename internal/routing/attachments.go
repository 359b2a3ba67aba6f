package routing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// AttachmentFetcher downloads a message attachment and returns the local
// path its contents were saved to.
type AttachmentFetcher interface {
	Fetch(ctx context.Context, url, filename string) (string, error)
}

// HTTPFetcher downloads attachments over HTTP into a per-process temp dir.
type HTTPFetcher struct {
	client *http.Client
	dir    string
}

// NewHTTPFetcher creates an HTTPFetcher with a bounded request timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		dir:    filepath.Join(os.TempDir(), "bridge-attachments"),
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url, filename string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("downloading %s: status %d", filename, resp.StatusCode)
	}

	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", err
	}

	name := sanitizeFilename(filename)
	out, err := os.CreateTemp(f.dir, "*-"+name)
	if err != nil {
		return "", err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(out.Name())
		return "", fmt.Errorf("saving %s: %w", filename, err)
	}
	return out.Name(), nil
}

// sanitizeFilename strips path separators and control characters from a
// user-supplied attachment name.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == '/' || r == '\\' {
			return '_'
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." {
		return "attachment.bin"
	}
	return name
}
