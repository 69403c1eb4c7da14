package attachments

import (
	"context"

	"github.com/yungbote/relaymail/internal/transport"
)

// passthroughBackend hands back the original source URL without any I/O.
type passthroughBackend struct{}

func NewPassthroughBackend() Backend { return passthroughBackend{} }

func (passthroughBackend) Save(ctx context.Context, att transport.Attachment) (Result, error) {
	return Result{URL: att.URL}, nil
}
