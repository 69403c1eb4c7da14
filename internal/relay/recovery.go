package relay

import (
	"context"
	"errors"
	"sort"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
)

// RecoverDowntime replays requester messages that arrived while the process
// was down. Only history strictly newer than the last known requester-facing
// message is fetched, which makes a repeated pass a no-op.
func (s *service) RecoverDowntime(ctx context.Context) error {
	dbc := s.dbc(ctx)

	threads, err := s.threads.ListByStatus(dbc, domain.ThreadStatusOpen)
	if err != nil {
		return err
	}

	for _, t := range threads {
		if err := s.recoverThread(ctx, t); err != nil {
			s.log.Warn("Downtime recovery failed for thread", "thread_id", t.ID, "thread_number", t.ThreadNumber, "error", err)
		}
	}
	return nil
}

func (s *service) recoverThread(ctx context.Context, t *domain.Thread) error {
	dbc := s.dbc(ctx)

	last, err := s.messages.LatestUserFacing(dbc, t.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if last.DMMessageID == "" || t.DMChannelID == "" {
		return nil
	}

	msgs, err := s.messenger.MessagesAfter(ctx, t.DMChannelID, last.DMMessageID, 100)
	if err != nil {
		return err
	}

	var pending []int
	for i, m := range msgs {
		if m.AuthorID != t.UserID || m.FromBot {
			continue
		}
		pending = append(pending, i)
	}
	if len(pending) == 0 {
		return nil
	}

	sort.SliceStable(pending, func(a, b int) bool {
		return msgs[pending[a]].CreatedAt.Before(msgs[pending[b]].CreatedAt)
	})

	s.log.Info("Replaying messages received during downtime", "thread_id", t.ID, "count", len(pending))
	for i, idx := range pending {
		if err := s.ReceiveUserMessage(ctx, t, msgs[idx], ReceiveOptions{SkipAlert: i > 0}); err != nil {
			return err
		}
	}
	return nil
}
