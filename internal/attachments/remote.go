package attachments

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/yungbote/relaymail/internal/platform/envutil"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/transport"
)

const uploadAttempts = 3

// remoteBackend re-uploads attachments to a storage bucket, with a size
// ceiling below the bucket's own limits so oversized files fail fast.
type remoteBackend struct {
	client     *storage.Client
	bucket     string
	maxBytes   int64
	httpClient *http.Client
	log        *logger.Logger
}

func NewRemoteBackend(bucket string, maxBytes int64, log *logger.Logger) (Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("missing remote attachment bucket")
	}

	var opts []option.ClientOption
	if creds := envutil.Str("GOOGLE_APPLICATION_CREDENTIALS", ""); creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	client, err := storage.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &remoteBackend{
		client:     client,
		bucket:     bucket,
		maxBytes:   maxBytes,
		httpClient: http.DefaultClient,
		log:        log.With("component", "RemoteAttachmentBackend"),
	}, nil
}

func (b *remoteBackend) Save(ctx context.Context, att transport.Attachment) (Result, error) {
	if b.maxBytes > 0 && att.Size > b.maxBytes {
		return Result{Failed: true, Reason: fmt.Sprintf("attachment too large to re-upload (%d bytes)", att.Size)}, nil
	}

	tmpPath, cleanup, err := downloadTemp(ctx, b.httpClient, att)
	if err != nil {
		b.log.Warn("Attachment download failed", "attachment_id", att.ID, "error", err)
		return Result{Failed: true, Reason: "attachment download failed"}, nil
	}
	defer cleanup()

	name := SafeFilename(att.Filename)
	object := fmt.Sprintf("attachments/%s/%s", att.ID, name)

	var lastErr error
	for attempt := 1; attempt <= uploadAttempts; attempt++ {
		if err := b.upload(ctx, object, tmpPath, att.ContentType); err != nil {
			lastErr = err
			b.log.Warn("Attachment upload failed", "attachment_id", att.ID, "attempt", attempt, "error", err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return Result{URL: b.publicURL(object)}, nil
	}
	b.log.Error("Attachment upload exhausted retries", "attachment_id", att.ID, "error", lastErr)
	return Result{Failed: true, Reason: "attachment re-upload failed"}, nil
}

func (b *remoteBackend) upload(ctx context.Context, object, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := b.client.Bucket(b.bucket).Object(object).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b *remoteBackend) publicURL(object string) string {
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.bucket, object)
}
