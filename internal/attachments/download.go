package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/yungbote/relaymail/internal/transport"
)

const downloadAttempts = 3

// DownloadError is the terminal condition after the retry budget is
// exhausted.
type DownloadError struct {
	AttachmentID string
	Err          error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download attachment %s: %v", e.AttachmentID, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// downloadTemp fetches the attachment binary into a temporary file. The
// caller owns the file and must call cleanup on every path; cleanup is safe
// after a rename has moved the file away.
func downloadTemp(ctx context.Context, client *http.Client, att transport.Attachment) (string, func(), error) {
	if client == nil {
		client = http.DefaultClient
	}

	var lastErr error
	for attempt := 1; attempt <= downloadAttempts; attempt++ {
		path, cleanup, err := downloadOnce(ctx, client, att)
		if err == nil {
			return path, cleanup, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return "", func() {}, &DownloadError{AttachmentID: att.ID, Err: lastErr}
}

func downloadOnce(ctx context.Context, client *http.Client, att transport.Attachment) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("fetch %s: status %d", att.URL, resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "relaymail-att-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		cleanup()
		return "", nil, err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", nil, err
	}
	return tmp.Name(), func() { _ = os.Remove(tmp.Name()) }, nil
}

// FetchBytes downloads the attachment into memory, for inline re-delivery of
// small files. Same retry budget as downloadTemp.
func FetchBytes(ctx context.Context, att transport.Attachment) ([]byte, error) {
	path, cleanup, err := downloadTemp(ctx, http.DefaultClient, att)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return os.ReadFile(path)
}
