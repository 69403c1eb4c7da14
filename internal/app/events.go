package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/yungbote/relaymail/internal/config"
	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	"github.com/yungbote/relaymail/internal/intake"
	"github.com/yungbote/relaymail/internal/lifecycle"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

// EventSource delivers inbound gateway events after a cursor.
type EventSource interface {
	PollEvents(ctx context.Context, cursor string) ([]transport.Event, string, error)
}

// App routes inbound transport events to the engine's public operations.
type App struct {
	log         *logger.Logger
	cfg         *config.Config
	threads     repos.ThreadRepo
	relay       relay.Service
	lifecycle   lifecycle.Service
	coordinator *intake.Coordinator
}

func New(
	log *logger.Logger,
	cfg *config.Config,
	threads repos.ThreadRepo,
	relaySvc relay.Service,
	lifecycleSvc lifecycle.Service,
	coordinator *intake.Coordinator,
) *App {
	return &App{
		log:         log.With("component", "App"),
		cfg:         cfg,
		threads:     threads,
		relay:       relaySvc,
		lifecycle:   lifecycleSvc,
		coordinator: coordinator,
	}
}

// Run polls the event source until the context is canceled.
func (a *App) Run(ctx context.Context, source EventSource) {
	cursor := ""
	for {
		if ctx.Err() != nil {
			a.log.Info("Event loop stopped")
			return
		}
		events, next, err := source.PollEvents(ctx, cursor)
		if err != nil {
			a.log.Warn("Event poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		cursor = next
		for _, ev := range events {
			a.Dispatch(ctx, ev)
		}
		if len(events) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (a *App) Dispatch(ctx context.Context, ev transport.Event) {
	var err error
	switch ev.Type {
	case transport.EventMessageCreated:
		err = a.onMessageCreated(ctx, ev.Message)
	case transport.EventMessageEdited:
		err = a.onMessageEdited(ctx, ev.Message)
	case transport.EventMessageDeleted:
		err = a.onMessageDeleted(ctx, ev.ChannelID, ev.MessageID)
	case transport.EventChannelDeleted:
		err = a.onChannelDeleted(ctx, ev.ChannelID)
	default:
		a.log.Debug("Ignoring event", "type", ev.Type)
	}
	if err != nil {
		a.log.Error("Event handling failed", "type", ev.Type, "error", err)
	}
}

func (a *App) onMessageCreated(ctx context.Context, msg transport.Message) error {
	if msg.FromBot {
		return nil
	}
	if msg.IsDM {
		return a.coordinator.HandleUserMessage(ctx, msg)
	}

	t, err := a.threads.FindByChannelID(dbctx.Context{Ctx: ctx}, msg.ChannelID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	if strings.HasPrefix(msg.Body, a.cfg.Relay.CommandPrefix) {
		return a.relay.RecordCommand(ctx, t, msg)
	}
	return a.relay.RecordChatMessage(ctx, t, msg)
}

func (a *App) onMessageEdited(ctx context.Context, msg transport.Message) error {
	if !msg.IsDM || msg.FromBot {
		return nil
	}
	t, err := a.threads.FindOpenByDMChannelID(dbctx.Context{Ctx: ctx}, msg.ChannelID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.relay.MirrorUserEdit(ctx, t, msg)
}

func (a *App) onMessageDeleted(ctx context.Context, channelID, messageID string) error {
	dbc := dbctx.Context{Ctx: ctx}

	if t, err := a.threads.FindOpenByDMChannelID(dbc, channelID); err == nil {
		return a.relay.MirrorUserDelete(ctx, t, messageID)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return err
	}

	t, err := a.threads.FindByChannelID(dbc, channelID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.relay.DeleteChatMessage(ctx, t, messageID)
}

func (a *App) onChannelDeleted(ctx context.Context, channelID string) error {
	t, err := a.threads.FindByChannelID(dbctx.Context{Ctx: ctx}, channelID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	return a.lifecycle.HandleChannelDeleted(ctx, t)
}
