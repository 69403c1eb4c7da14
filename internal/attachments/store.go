package attachments

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/yungbote/relaymail/internal/config"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/transport"
)

// Result is the structured outcome of a save. Failed results carry a
// human-readable reason and are not errors: the relay reports them inline
// instead of aborting the message.
type Result struct {
	URL    string
	Failed bool
	Reason string
}

// Backend turns a transient attachment reference into a durable URL.
type Backend interface {
	Save(ctx context.Context, att transport.Attachment) (Result, error)
}

// Store fronts a backend with per-attachment-id save deduplication:
// concurrent saves for the same id share one in-flight operation, and the
// entry is evicted as soon as it resolves.
type Store struct {
	backend Backend
	group   singleflight.Group
	log     *logger.Logger
}

func NewStore(backend Backend, log *logger.Logger) *Store {
	return &Store{backend: backend, log: log.With("component", "AttachmentStore")}
}

// NewBackend builds the configured backend.
func NewBackend(cfg *config.Config, log *logger.Logger) (Backend, error) {
	switch cfg.Attachments.Backend {
	case config.BackendPassthrough:
		return NewPassthroughBackend(), nil
	case config.BackendLocal:
		return NewLocalBackend(cfg.Attachments.LocalDir, cfg.HTTP.PublicBaseURL, log)
	case config.BackendRemote:
		return NewRemoteBackend(cfg.Attachments.RemoteBucket, cfg.Attachments.MaxUploadBytes, log)
	default:
		return nil, fmt.Errorf("unknown attachment backend %q", cfg.Attachments.Backend)
	}
}

func (s *Store) Save(ctx context.Context, att transport.Attachment) (Result, error) {
	if att.ID == "" {
		return Result{}, fmt.Errorf("missing attachment id")
	}
	v, err, shared := s.group.Do(att.ID, func() (interface{}, error) {
		return s.backend.Save(ctx, att)
	})
	if err != nil {
		return Result{}, err
	}
	res := v.(Result)
	if shared {
		s.log.Debug("Attachment save deduplicated", "attachment_id", att.ID)
	}
	return res, nil
}
