package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yungbote/relaymail/internal/config"
	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

// Actor identifies who requested a state transition.
type Actor struct {
	ID   string
	Name string
}

type Service interface {
	Close(ctx context.Context, t *domain.Thread, actor Actor, silent bool) error
	HandleChannelDeleted(ctx context.Context, t *domain.Thread) error
	Suspend(ctx context.Context, t *domain.Thread, actor Actor) error
	Unsuspend(ctx context.Context, t *domain.Thread, actor Actor) (relay.Result, error)
	ScheduleClose(ctx context.Context, t *domain.Thread, at time.Time, actor Actor, silent bool) error
	CancelScheduledClose(ctx context.Context, t *domain.Thread) error
	ScheduleSuspend(ctx context.Context, t *domain.Thread, at time.Time, actor Actor) error
	CancelScheduledSuspend(ctx context.Context, t *domain.Thread) error
}

type service struct {
	log       *logger.Logger
	cfg       *config.Config
	threads   repos.ThreadRepo
	relay     relay.Service
	messenger transport.Messenger
}

func NewService(log *logger.Logger, cfg *config.Config, threads repos.ThreadRepo, relaySvc relay.Service, messenger transport.Messenger) Service {
	return &service{
		log:       log.With("service", "LifecycleService"),
		cfg:       cfg,
		threads:   threads,
		relay:     relaySvc,
		messenger: messenger,
	}
}

func (s *service) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

func (s *service) Close(ctx context.Context, t *domain.Thread, actor Actor, silent bool) error {
	if t.Status == domain.ThreadStatusClosed {
		return nil
	}

	if !silent && t.DMChannelID != "" {
		msg := s.cfg.Intake.CloseMessage
		if msg == "" {
			msg = "This conversation has been closed. Message us again to open a new one."
		}
		if err := s.relay.PostSystemMessageToUser(ctx, t, msg); err != nil {
			s.log.Warn("Could not deliver closing notice", "thread_id", t.ID, "error", err)
		}
	}

	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"status":                 domain.ThreadStatusClosed,
		"scheduled_close_at":     nil,
		"scheduled_close_id":     "",
		"scheduled_close_name":   "",
		"scheduled_close_silent": false,
		"scheduled_suspend_at":   nil,
		"scheduled_suspend_id":   "",
		"scheduled_suspend_name": "",
	})
	if err != nil {
		return fmt.Errorf("close thread: %w", err)
	}
	t.Status = domain.ThreadStatusClosed

	if t.ChannelID != "" {
		if err := s.messenger.DeleteChannel(ctx, t.ChannelID); err != nil && !transport.IsTargetGone(err) {
			s.log.Warn("Could not delete inbox channel", "thread_id", t.ID, "error", err)
		}
		if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"channel_id": ""}); err != nil {
			return err
		}
		t.ChannelID = ""
	}

	s.log.Info("Thread closed", "thread_id", t.ID, "thread_number", t.ThreadNumber, "closed_by", actor.Name, "silent", silent)
	return nil
}

// HandleChannelDeleted closes a thread whose inbox channel was removed
// out-of-band. The channel is already gone, so the close is silent on the
// team side but the requester still gets the closing notice.
func (s *service) HandleChannelDeleted(ctx context.Context, t *domain.Thread) error {
	if t.Status != domain.ThreadStatusOpen {
		return nil
	}
	t.ChannelID = ""
	if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"channel_id": ""}); err != nil {
		return err
	}
	return s.Close(ctx, t, Actor{Name: "system"}, false)
}

func (s *service) Suspend(ctx context.Context, t *domain.Thread, actor Actor) error {
	if t.Status != domain.ThreadStatusOpen {
		return fmt.Errorf("%w: only open threads can be suspended", apperr.ErrInvalidArgument)
	}
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"status":                 domain.ThreadStatusSuspended,
		"scheduled_suspend_at":   nil,
		"scheduled_suspend_id":   "",
		"scheduled_suspend_name": "",
	})
	if err != nil {
		return fmt.Errorf("suspend thread: %w", err)
	}
	t.Status = domain.ThreadStatusSuspended
	s.log.Info("Thread suspended", "thread_id", t.ID, "thread_number", t.ThreadNumber, "suspended_by", actor.Name)
	return s.relay.PostSystemMessage(ctx, t, "Thread suspended. New messages from the requester will open a fresh thread until it is unsuspended.")
}

func (s *service) Unsuspend(ctx context.Context, t *domain.Thread, actor Actor) (relay.Result, error) {
	if t.Status != domain.ThreadStatusSuspended {
		return relay.Result{Status: relay.ResultDenied, Reason: "thread is not suspended"}, nil
	}

	// Re-opening must not produce a second open thread for the requester.
	other, err := s.threads.FindOpenByUserID(s.dbc(ctx), t.UserID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return relay.Result{Status: relay.ResultFailed, Reason: "lookup failed"}, err
	}
	if other != nil {
		return relay.Result{
			Status: relay.ResultDenied,
			Reason: fmt.Sprintf("requester already has open thread #%d", other.ThreadNumber),
		}, nil
	}

	if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"status": domain.ThreadStatusOpen}); err != nil {
		return relay.Result{Status: relay.ResultFailed, Reason: "could not update status"}, err
	}
	t.Status = domain.ThreadStatusOpen
	s.log.Info("Thread unsuspended", "thread_id", t.ID, "thread_number", t.ThreadNumber, "unsuspended_by", actor.Name)
	if err := s.relay.PostSystemMessage(ctx, t, "Thread unsuspended."); err != nil {
		s.log.Warn("Could not announce unsuspend", "thread_id", t.ID, "error", err)
	}
	return relay.Result{Status: relay.ResultOK}, nil
}

func (s *service) ScheduleClose(ctx context.Context, t *domain.Thread, at time.Time, actor Actor, silent bool) error {
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"scheduled_close_at":     at.UTC(),
		"scheduled_close_id":     actor.ID,
		"scheduled_close_name":   actor.Name,
		"scheduled_close_silent": silent,
	})
	if err != nil {
		return err
	}
	atUTC := at.UTC()
	t.ScheduledCloseAt = &atUTC
	t.ScheduledCloseID = actor.ID
	t.ScheduledCloseName = actor.Name
	t.ScheduledCloseSilent = silent
	return nil
}

func (s *service) CancelScheduledClose(ctx context.Context, t *domain.Thread) error {
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"scheduled_close_at":     nil,
		"scheduled_close_id":     "",
		"scheduled_close_name":   "",
		"scheduled_close_silent": false,
	})
	if err != nil {
		return err
	}
	t.ScheduledCloseAt = nil
	t.ScheduledCloseID = ""
	t.ScheduledCloseName = ""
	t.ScheduledCloseSilent = false
	return nil
}

func (s *service) ScheduleSuspend(ctx context.Context, t *domain.Thread, at time.Time, actor Actor) error {
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"scheduled_suspend_at":   at.UTC(),
		"scheduled_suspend_id":   actor.ID,
		"scheduled_suspend_name": actor.Name,
	})
	if err != nil {
		return err
	}
	atUTC := at.UTC()
	t.ScheduledSuspendAt = &atUTC
	t.ScheduledSuspendID = actor.ID
	t.ScheduledSuspendName = actor.Name
	return nil
}

func (s *service) CancelScheduledSuspend(ctx context.Context, t *domain.Thread) error {
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"scheduled_suspend_at":   nil,
		"scheduled_suspend_id":   "",
		"scheduled_suspend_name": "",
	})
	if err != nil {
		return err
	}
	t.ScheduledSuspendAt = nil
	t.ScheduledSuspendID = ""
	t.ScheduledSuspendName = ""
	return nil
}
