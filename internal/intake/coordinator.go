package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/relaymail/internal/config"
	datadb "github.com/yungbote/relaymail/internal/data/db"
	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

// workflow steps
type step int

const (
	stepLanguage step = iota
	stepReason
	stepQueued
)

// pendingWorkflow holds intake state for one requester between their first
// contact and thread creation. Entries live until the workflow finalizes or
// the process restarts; the map is bounded by the number of requesters
// mid-intake, so no expiry is applied.
type pendingWorkflow struct {
	userID      string
	userName    string
	dmChannelID string

	buffer    []transport.Message
	language  string
	reason    string
	awaiting  step
	promptIDs []string
}

// Coordinator serializes thread creation through a single-consumer queue and
// runs the pre-creation language/reason workflow.
type Coordinator struct {
	log       *logger.Logger
	cfg       *config.Config
	txRunner  datadb.TxRunner
	threads   repos.ThreadRepo
	profiles  repos.UserProfileRepo
	relay     relay.Service
	messenger transport.Messenger

	mu      sync.Mutex
	pending map[string]*pendingWorkflow

	// All creation attempts, for every requester, funnel through this queue
	// in arrival order and execute one at a time.
	jobs chan string
}

func NewCoordinator(
	log *logger.Logger,
	cfg *config.Config,
	txRunner datadb.TxRunner,
	threads repos.ThreadRepo,
	profiles repos.UserProfileRepo,
	relaySvc relay.Service,
	messenger transport.Messenger,
) *Coordinator {
	return &Coordinator{
		log:       log.With("service", "IntakeCoordinator"),
		cfg:       cfg,
		txRunner:  txRunner,
		threads:   threads,
		profiles:  profiles,
		relay:     relaySvc,
		messenger: messenger,
		pending:   map[string]*pendingWorkflow{},
		jobs:      make(chan string, 256),
	}
}

func (c *Coordinator) Start(ctx context.Context) {
	go c.drain(ctx)
}

func (c *Coordinator) drain(ctx context.Context) {
	c.log.Info("Thread creation queue started")
	for {
		select {
		case <-ctx.Done():
			c.log.Info("Thread creation queue stopped")
			return
		case userID := <-c.jobs:
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("Thread creation panicked", "user_id", userID, "panic", r)
						c.discardPending(ctx, userID, "Something went wrong opening your ticket. Please try again.")
					}
				}()
				c.createThread(ctx, userID)
			}()
		}
	}
}

func (c *Coordinator) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

// HandleUserMessage is the entry point for every inbound requester message.
func (c *Coordinator) HandleUserMessage(ctx context.Context, msg transport.Message) error {
	if msg.FromBot {
		return nil
	}

	t, err := c.threads.FindOpenByUserID(c.dbc(ctx), msg.AuthorID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return err
	}
	if t != nil {
		if lang, ok := c.parseLangCommand(msg.Body); ok {
			return c.setThreadLanguage(ctx, t, lang)
		}
		return c.relay.ReceiveUserMessage(ctx, t, msg, relay.ReceiveOptions{})
	}

	c.mu.Lock()
	wf := c.pending[msg.AuthorID]
	if wf == nil {
		wf = &pendingWorkflow{
			userID:      msg.AuthorID,
			userName:    msg.AuthorName,
			dmChannelID: msg.ChannelID,
			buffer:      []transport.Message{msg},
		}
		c.pending[msg.AuthorID] = wf
		c.mu.Unlock()
		return c.beginWorkflow(ctx, wf)
	}
	c.mu.Unlock()
	return c.advanceWorkflow(ctx, wf, msg)
}

func (c *Coordinator) parseLangCommand(body string) (string, bool) {
	prefix := c.cfg.Relay.CommandPrefix + "lang "
	if !strings.HasPrefix(body, prefix) {
		return "", false
	}
	lang := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(body, prefix)))
	if lang == "" {
		return "", false
	}
	return lang, true
}

func (c *Coordinator) languageAllowed(lang string) bool {
	if len(c.cfg.Intake.Languages) == 0 {
		return true
	}
	for _, l := range c.cfg.Intake.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func (c *Coordinator) setThreadLanguage(ctx context.Context, t *domain.Thread, lang string) error {
	if !c.languageAllowed(lang) {
		return c.relay.PostSystemMessageToUser(ctx, t, fmt.Sprintf("Unsupported language %q. Available: %s.", lang, strings.Join(c.cfg.Intake.Languages, ", ")))
	}
	if err := c.profiles.SetLanguage(c.dbc(ctx), t.UserID, lang); err != nil {
		return err
	}
	meta, err := mergeMetadata(t.Metadata, map[string]interface{}{domain.MetaLanguage: lang})
	if err != nil {
		return err
	}
	if err := c.threads.UpdateFields(c.dbc(ctx), t.ID, map[string]interface{}{"metadata": meta}); err != nil {
		return err
	}
	t.Metadata = meta
	return c.relay.PostSystemMessageToUser(ctx, t, fmt.Sprintf("Language set to %s.", lang))
}

// enqueue appends a finished workflow to the creation queue.
func (c *Coordinator) enqueue(wf *pendingWorkflow) {
	c.mu.Lock()
	wf.awaiting = stepQueued
	c.mu.Unlock()
	c.jobs <- wf.userID
}

func (c *Coordinator) discardPending(ctx context.Context, userID, notice string) {
	c.mu.Lock()
	wf := c.pending[userID]
	delete(c.pending, userID)
	c.mu.Unlock()
	if wf == nil {
		return
	}
	c.teardownPrompts(ctx, wf)
	if notice != "" {
		if _, err := c.messenger.SendMessage(ctx, wf.dmChannelID, transport.MessageContent{Text: notice}, nil, transport.SendOptions{}); err != nil {
			c.log.Warn("Could not deliver intake notice", "user_id", userID, "error", err)
		}
	}
}

func (c *Coordinator) teardownPrompts(ctx context.Context, wf *pendingWorkflow) {
	for _, id := range wf.promptIDs {
		if err := c.messenger.DeleteMessage(ctx, wf.dmChannelID, id); err != nil && !transport.IsTargetGone(err) {
			c.log.Debug("Could not delete intake prompt", "user_id", wf.userID, "error", err)
		}
	}
	wf.promptIDs = nil
}
