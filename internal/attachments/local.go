package attachments

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/transport"
)

// localBackend re-hosts attachments from local disk, served by the HTTP
// server under /attachments.
type localBackend struct {
	dir        string
	publicBase string
	httpClient *http.Client
	log        *logger.Logger
}

func NewLocalBackend(dir, publicBase string, log *logger.Logger) (Backend, error) {
	if dir == "" {
		return nil, fmt.Errorf("missing local attachment dir")
	}
	if publicBase == "" {
		return nil, fmt.Errorf("local attachment backend requires a public base URL")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &localBackend{
		dir:        dir,
		publicBase: strings.TrimRight(publicBase, "/"),
		httpClient: http.DefaultClient,
		log:        log.With("component", "LocalAttachmentBackend"),
	}, nil
}

func (b *localBackend) Save(ctx context.Context, att transport.Attachment) (Result, error) {
	name := SafeFilename(att.Filename)
	dest := filepath.Join(b.dir, att.ID, name)

	// Re-saving the same attachment is a no-op.
	if _, err := os.Stat(dest); err == nil {
		return Result{URL: b.publicURL(att.ID, name)}, nil
	}

	tmpPath, cleanup, err := downloadTemp(ctx, b.httpClient, att)
	if err != nil {
		b.log.Warn("Attachment download failed", "attachment_id", att.ID, "error", err)
		return Result{Failed: true, Reason: "attachment download failed"}, nil
	}
	defer cleanup()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Result{}, fmt.Errorf("create attachment subdir: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		// Rename across filesystems falls back to a copy.
		raw, readErr := os.ReadFile(tmpPath)
		if readErr != nil {
			return Result{}, fmt.Errorf("relocate attachment: %w", err)
		}
		if writeErr := os.WriteFile(dest, raw, 0o644); writeErr != nil {
			return Result{}, fmt.Errorf("relocate attachment: %w", writeErr)
		}
	}
	return Result{URL: b.publicURL(att.ID, name)}, nil
}

func (b *localBackend) publicURL(id, name string) string {
	return fmt.Sprintf("%s/attachments/%s/%s", b.publicBase, url.PathEscape(id), url.PathEscape(name))
}

// SafeFilename strips path separators so attachment names cannot escape the
// backing directory.
func SafeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == ".." {
		return "file"
	}
	return name
}
