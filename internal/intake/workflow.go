package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/datatypes"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

// beginWorkflow decides which intake steps the requester still owes and
// either prompts for the first one or queues creation immediately.
func (c *Coordinator) beginWorkflow(ctx context.Context, wf *pendingWorkflow) error {
	if len(c.cfg.Intake.Languages) > 0 {
		profile, err := c.profiles.GetByUserID(c.dbc(ctx), wf.userID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
		if profile != nil && profile.Language != "" {
			wf.language = profile.Language
		}
	}
	// A deployment-wide default stands in for a missing preference, so the
	// language prompt only appears when no default is configured.
	if wf.language == "" {
		wf.language = c.cfg.Intake.DefaultLanguage
	}

	return c.promptNextStep(ctx, wf)
}

func (c *Coordinator) promptNextStep(ctx context.Context, wf *pendingWorkflow) error {
	if len(c.cfg.Intake.Languages) > 0 && wf.language == "" {
		wf.awaiting = stepLanguage
		prompt := fmt.Sprintf(
			"Before we open your ticket, pick a language: %s.\nReply with the code, or use %slang <code> at any time.",
			strings.Join(c.cfg.Intake.Languages, ", "), c.cfg.Relay.CommandPrefix,
		)
		return c.sendPrompt(ctx, wf, prompt)
	}

	if len(c.cfg.Intake.Reasons) > 0 && wf.reason == "" {
		wf.awaiting = stepReason
		var b strings.Builder
		b.WriteString("What is your request about? Reply with a number:\n")
		for i, r := range c.cfg.Intake.Reasons {
			fmt.Fprintf(&b, "%d. %s\n", i+1, r.Label)
		}
		return c.sendPrompt(ctx, wf, b.String())
	}

	c.enqueue(wf)
	return nil
}

func (c *Coordinator) sendPrompt(ctx context.Context, wf *pendingWorkflow, text string) error {
	id, err := c.messenger.SendMessage(ctx, wf.dmChannelID, transport.MessageContent{Text: text}, nil, transport.SendOptions{})
	if err != nil {
		return fmt.Errorf("send intake prompt: %w", err)
	}
	c.mu.Lock()
	wf.promptIDs = append(wf.promptIDs, id)
	c.mu.Unlock()
	return nil
}

// advanceWorkflow feeds a subsequent inbound message into a pending
// workflow: selections advance the outstanding step, everything else joins
// the replay buffer.
func (c *Coordinator) advanceWorkflow(ctx context.Context, wf *pendingWorkflow, msg transport.Message) error {
	if lang, ok := c.parseLangCommand(msg.Body); ok {
		return c.applyLanguageSelection(ctx, wf, lang)
	}

	c.mu.Lock()
	awaiting := wf.awaiting
	c.mu.Unlock()

	switch awaiting {
	case stepLanguage:
		lang := strings.ToLower(strings.TrimSpace(msg.Body))
		if c.isConfiguredLanguage(lang) {
			return c.applyLanguageSelection(ctx, wf, lang)
		}
	case stepReason:
		if reason, ok := c.matchReason(msg.Body); ok {
			c.mu.Lock()
			wf.reason = reason
			c.mu.Unlock()
			return c.promptNextStep(ctx, wf)
		}
	}

	c.mu.Lock()
	wf.buffer = append(wf.buffer, msg)
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) isConfiguredLanguage(lang string) bool {
	for _, l := range c.cfg.Intake.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

func (c *Coordinator) applyLanguageSelection(ctx context.Context, wf *pendingWorkflow, lang string) error {
	if !c.languageAllowed(lang) {
		return c.sendPrompt(ctx, wf, fmt.Sprintf("Unsupported language %q. Available: %s.", lang, strings.Join(c.cfg.Intake.Languages, ", ")))
	}
	if err := c.profiles.SetLanguage(c.dbc(ctx), wf.userID, lang); err != nil {
		return err
	}
	c.mu.Lock()
	wf.language = lang
	c.mu.Unlock()
	return c.promptNextStep(ctx, wf)
}

func (c *Coordinator) matchReason(body string) (string, bool) {
	body = strings.TrimSpace(body)
	if n, err := strconv.Atoi(body); err == nil && n >= 1 && n <= len(c.cfg.Intake.Reasons) {
		r := c.cfg.Intake.Reasons[n-1]
		if r.Value != "" {
			return r.Value, true
		}
		return r.Label, true
	}
	for _, r := range c.cfg.Intake.Reasons {
		if strings.EqualFold(r.Label, body) || (r.Value != "" && strings.EqualFold(r.Value, body)) {
			if r.Value != "" {
				return r.Value, true
			}
			return r.Label, true
		}
	}
	return "", false
}

// createThread runs on the single creation consumer, so attempts are totally
// ordered and the open-thread re-check cannot interleave with another
// attempt for the same requester.
func (c *Coordinator) createThread(ctx context.Context, userID string) {
	c.mu.Lock()
	wf := c.pending[userID]
	c.mu.Unlock()
	if wf == nil {
		return
	}

	if denial := c.checkRequirements(wf); denial != "" {
		c.log.Info("Intake denied", "user_id", userID, "reason", denial)
		c.discardPending(ctx, userID, denial)
		return
	}

	// A racing attempt may have created the thread while this one queued.
	existing, err := c.threads.FindOpenByUserID(c.dbc(ctx), userID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		c.log.Error("Open-thread re-check failed", "user_id", userID, "error", err)
		c.discardPending(ctx, userID, "Something went wrong opening your ticket. Please try again.")
		return
	}
	if existing != nil {
		c.finishWorkflow(ctx, existing, wf)
		return
	}

	meta := map[string]interface{}{}
	if wf.language != "" {
		meta[domain.MetaLanguage] = wf.language
	}
	if wf.reason != "" {
		meta[domain.MetaReason] = wf.reason
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		metaJSON = []byte("{}")
	}

	var t *domain.Thread
	err = c.txRunner.InTx(ctx, func(txc dbctx.Context) error {
		number, err := c.threads.NextThreadNumber(txc)
		if err != nil {
			return err
		}
		channelID, err := c.messenger.CreateSubChannel(ctx, c.cfg.Intake.InboxCategoryID, channelName(number, wf.userName))
		if err != nil {
			return err
		}
		t, err = c.threads.Create(txc, &domain.Thread{
			ThreadNumber:      number,
			Status:            domain.ThreadStatusOpen,
			UserID:            wf.userID,
			UserName:          wf.userName,
			ChannelID:         channelID,
			DMChannelID:       wf.dmChannelID,
			NextMessageNumber: 1,
			AlertIDs:          domain.AlertSet{},
			Metadata:          datatypes.JSON(metaJSON),
		})
		return err
	})
	if err != nil {
		c.log.Error("Thread creation failed", "user_id", userID, "error", err)
		c.discardPending(ctx, userID, "Something went wrong opening your ticket. Please try again.")
		return
	}

	c.log.Info("Thread created", "user_id", userID, "thread_id", t.ID, "thread_number", t.ThreadNumber)
	c.postIntakeSummary(ctx, t, wf)
	c.finishWorkflow(ctx, t, wf)

	if c.cfg.Intake.ResponseMessage != "" {
		if err := c.relay.PostSystemMessageToUser(ctx, t, c.cfg.Intake.ResponseMessage); err != nil {
			c.log.Warn("Could not send intake acknowledgment", "thread_id", t.ID, "error", err)
		}
	}
}

func (c *Coordinator) checkRequirements(wf *pendingWorkflow) string {
	if len(wf.buffer) == 0 {
		return ""
	}
	first := wf.buffer[0]
	now := time.Now().UTC()

	if h := c.cfg.Intake.MinAccountAgeHours; h > 0 && !first.AuthorCreatedAt.IsZero() {
		if now.Sub(first.AuthorCreatedAt) < time.Duration(h)*time.Hour {
			return fmt.Sprintf("Your account must be at least %d hours old to open a ticket.", h)
		}
	}
	if m := c.cfg.Intake.MinMembershipMinutes; m > 0 && !first.AuthorJoinedAt.IsZero() {
		if now.Sub(first.AuthorJoinedAt) < time.Duration(m)*time.Minute {
			return fmt.Sprintf("You must be a member for at least %d minutes to open a ticket.", m)
		}
	}
	return ""
}

func (c *Coordinator) postIntakeSummary(ctx context.Context, t *domain.Thread, wf *pendingWorkflow) {
	closed, err := c.threads.CountClosedByUserID(c.dbc(ctx), t.UserID)
	if err != nil {
		c.log.Warn("Could not count previous threads", "thread_id", t.ID, "error", err)
	}

	var b strings.Builder
	if c.cfg.Intake.MentionOnNewThread != "" {
		b.WriteString(c.cfg.Intake.MentionOnNewThread + " ")
	}
	fmt.Fprintf(&b, "New thread #%d for %s (%s).", t.ThreadNumber, t.UserName, t.UserID)
	if wf.language != "" {
		fmt.Fprintf(&b, " Language: %s.", wf.language)
	}
	if wf.reason != "" {
		fmt.Fprintf(&b, " Reason: %s.", wf.reason)
	}
	if closed > 0 {
		fmt.Fprintf(&b, " %d previous thread(s).", closed)
	}
	if err := c.relay.PostSystemMessage(ctx, t, b.String()); err != nil {
		c.log.Warn("Could not post intake summary", "thread_id", t.ID, "error", err)
	}
}

// finishWorkflow replays every buffered message through the inbound relay
// path and tears the pending state down. Messages that arrive during the
// replay keep appending to the buffer, so the teardown loops until the
// buffer drains.
func (c *Coordinator) finishWorkflow(ctx context.Context, t *domain.Thread, wf *pendingWorkflow) {
	c.teardownPrompts(ctx, wf)

	for {
		c.mu.Lock()
		if len(wf.buffer) == 0 {
			delete(c.pending, wf.userID)
			c.mu.Unlock()
			return
		}
		batch := wf.buffer
		wf.buffer = nil
		c.mu.Unlock()

		for _, msg := range batch {
			if err := c.relay.ReceiveUserMessage(ctx, t, msg, relay.ReceiveOptions{}); err != nil {
				c.log.Warn("Could not replay buffered message", "thread_id", t.ID, "error", err)
			}
		}
	}
}

func channelName(number int, userName string) string {
	name := strings.ToLower(strings.TrimSpace(userName))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "user"
	}
	return fmt.Sprintf("%04d-%s", number, slug)
}

func mergeMetadata(existing datatypes.JSON, updates map[string]interface{}) (datatypes.JSON, error) {
	meta := map[string]interface{}{}
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &meta); err != nil {
			return nil, err
		}
	}
	for k, v := range updates {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}
