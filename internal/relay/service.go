package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/relaymail/internal/attachments"
	"github.com/yungbote/relaymail/internal/config"
	datadb "github.com/yungbote/relaymail/internal/data/db"
	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/platform/translate"
	"github.com/yungbote/relaymail/internal/transport"
)

// ResultStatus classifies the outcome of a staff-initiated operation.
type ResultStatus int

const (
	ResultOK ResultStatus = iota
	ResultDenied
	ResultFailed
)

type Result struct {
	Status ResultStatus
	Reason string
}

func ok() Result                  { return Result{Status: ResultOK} }
func denied(reason string) Result { return Result{Status: ResultDenied, Reason: reason} }
func failed(reason string) Result { return Result{Status: ResultFailed, Reason: reason} }

// Staff identifies the team member performing an operation.
type Staff struct {
	ID       string
	Name     string
	RoleName string
}

type ReceiveOptions struct {
	// SkipAlert suppresses watcher notifications, used when replaying
	// recovered history.
	SkipAlert bool
}

type Service interface {
	ReceiveUserMessage(ctx context.Context, t *domain.Thread, msg transport.Message, opts ReceiveOptions) error
	Reply(ctx context.Context, t *domain.Thread, staff Staff, body string, anonymous bool, atts []transport.Attachment) (Result, error)
	EditReply(ctx context.Context, t *domain.Thread, staff Staff, number int, newBody string, quiet bool) (Result, error)
	DeleteReply(ctx context.Context, t *domain.Thread, staff Staff, number int, quiet bool) (Result, error)
	MirrorUserEdit(ctx context.Context, t *domain.Thread, msg transport.Message) error
	MirrorUserDelete(ctx context.Context, t *domain.Thread, dmMessageID string) error
	PostSystemMessage(ctx context.Context, t *domain.Thread, body string) error
	PostSystemMessageToUser(ctx context.Context, t *domain.Thread, body string) error
	RecordChatMessage(ctx context.Context, t *domain.Thread, msg transport.Message) error
	RecordCommand(ctx context.Context, t *domain.Thread, msg transport.Message) error
	DeleteChatMessage(ctx context.Context, t *domain.Thread, inboxMessageID string) error
	AddAlert(ctx context.Context, t *domain.Thread, userID string) error
	RemoveAlert(ctx context.Context, t *domain.Thread, userID string) error
	RecoverDowntime(ctx context.Context) error
}

type service struct {
	log        *logger.Logger
	cfg        *config.Config
	txRunner   datadb.TxRunner
	threads    repos.ThreadRepo
	messages   repos.ThreadMessageRepo
	messenger  transport.Messenger
	renderer   Renderer
	translator translate.Translator
	store      *attachments.Store
}

func NewService(
	log *logger.Logger,
	cfg *config.Config,
	txRunner datadb.TxRunner,
	threads repos.ThreadRepo,
	messages repos.ThreadMessageRepo,
	messenger transport.Messenger,
	renderer Renderer,
	translator translate.Translator,
	store *attachments.Store,
) Service {
	return &service{
		log:        log.With("service", "RelayService"),
		cfg:        cfg,
		txRunner:   txRunner,
		threads:    threads,
		messages:   messages,
		messenger:  messenger,
		renderer:   renderer,
		translator: translator,
		store:      store,
	}
}

func (s *service) dbc(ctx context.Context) dbctx.Context {
	return dbctx.Context{Ctx: ctx}
}

// threadLanguage reads the negotiated conversation language off the thread
// metadata bag.
func threadLanguage(t *domain.Thread) string {
	if len(t.Metadata) == 0 {
		return ""
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(t.Metadata, &meta); err != nil {
		return ""
	}
	if v, ok := meta[domain.MetaLanguage].(string); ok {
		return v
	}
	return ""
}

// translateForTeam produces the team-language rendition of a requester
// body. An empty result means the original text stands alone, including on
// translator failure.
func (s *service) translateForTeam(ctx context.Context, t *domain.Thread, body string) string {
	if !s.cfg.Translate.Enabled {
		return ""
	}
	lang := threadLanguage(t)
	if lang == "" || lang == s.cfg.Translate.TeamLanguage {
		return ""
	}
	out, err := s.translator.Translate(ctx, body, s.cfg.Translate.TeamLanguage, lang)
	if err != nil {
		s.log.Warn("Translation failed, relaying untranslated", "thread_id", t.ID, "error", err)
		return ""
	}
	return out
}

func (s *service) ReceiveUserMessage(ctx context.Context, t *domain.Thread, msg transport.Message, opts ReceiveOptions) error {
	dbc := s.dbc(ctx)

	urls, failures := s.saveAttachments(ctx, msg.Attachments)
	translated := s.translateForTeam(ctx, t, msg.Body)

	row := &domain.ThreadMessage{
		ThreadID:    t.ID,
		MessageType: domain.MessageTypeFromUser,
		UserID:      msg.AuthorID,
		UserName:    msg.AuthorName,
		Body:        msg.Body,
		Attachments: domain.StringList(urls),
		DMChannelID: msg.ChannelID,
		DMMessageID: msg.ID,
	}
	row, err := s.messages.Create(dbc, row)
	if err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}

	if t.ScheduledCloseAt != nil {
		if err := s.cancelScheduledCloseForActivity(ctx, t); err != nil {
			s.log.Warn("Failed to cancel scheduled close", "thread_id", t.ID, "error", err)
		}
	}

	if !opts.SkipAlert && t.AlertIDs.Len() > 0 {
		s.fireAlerts(ctx, t)
	}

	sendOpts := transport.SendOptions{}
	if msg.ReplyToID != "" {
		if ref, err := s.messages.FindByEitherMessageID(dbc, t.ID, msg.ReplyToID); err == nil && ref.InboxMessageID != "" {
			sendOpts.ReplyToMessageID = ref.InboxMessageID
		}
	}

	content := s.renderer.UserMessage(t, row, translated)
	inboxID, err := s.messenger.SendMessage(ctx, t.ChannelID, content, nil, sendOpts)
	if err != nil {
		switch {
		case transport.IsTargetGone(err):
			s.log.Warn("Inbox channel gone, closing thread", "thread_id", t.ID)
			return s.closeForMissingChannel(ctx, t)
		case transport.IsContentRejected(err):
			s.log.Warn("Inbound relay rejected by policy", "thread_id", t.ID, "error", err)
			notice := fmt.Sprintf("A message from %s was blocked by the platform content filter and was not relayed.", t.UserName)
			if perr := s.PostSystemMessage(ctx, t, notice); perr != nil {
				s.log.Warn("Could not deliver content filter notice", "thread_id", t.ID, "error", perr)
			}
			return nil
		default:
			return fmt.Errorf("relay inbound message: %w", err)
		}
	}
	if err := s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"inbox_message_id": inboxID}); err != nil {
		return fmt.Errorf("record inbox message id: %w", err)
	}

	for _, reason := range failures {
		_ = s.PostSystemMessage(ctx, t, reason)
	}
	return nil
}

func (s *service) Reply(ctx context.Context, t *domain.Thread, staff Staff, body string, anonymous bool, atts []transport.Attachment) (Result, error) {
	dbc := s.dbc(ctx)

	if s.cfg.Relay.AnonymousReplies {
		anonymous = true
	}

	urls, failures := s.saveAttachments(ctx, atts)
	files := s.smallAttachmentFiles(ctx, atts)

	var row *domain.ThreadMessage
	err := s.txRunner.InTx(ctx, func(txc dbctx.Context) error {
		number, err := s.threads.AllocateMessageNumber(txc, t.ID)
		if err != nil {
			return err
		}
		row = &domain.ThreadMessage{
			ThreadID:         t.ID,
			MessageType:      domain.MessageTypeToUser,
			MessageNumber:    &number,
			UserID:           staff.ID,
			UserName:         staff.Name,
			RoleName:         staff.RoleName,
			IsAnonymous:      anonymous,
			Body:             body,
			Attachments:      domain.StringList(urls),
			SmallAttachments: domain.StringList(fileNames(files)),
		}
		row, err = s.messages.Create(txc, row)
		return err
	})
	if err != nil {
		return failed("could not persist reply"), fmt.Errorf("persist reply: %w", err)
	}

	dmContent := s.renderer.StaffReplyDM(row)
	inboxContent := s.renderer.StaffReplyInbox(row)
	limit := s.cfg.Relay.MessageCharLimit
	if dmContent.PlainLength() > limit || inboxContent.PlainLength() > limit {
		if err := s.messages.DeleteByID(dbc, row.ID); err != nil {
			return failed("over-length cleanup failed"), fmt.Errorf("delete over-length reply row: %w", err)
		}
		notice := fmt.Sprintf("Reply not sent: it renders longer than the %d character limit for a single message. Edits must target exactly one message, so long replies are rejected.", limit)
		_ = s.PostSystemMessage(ctx, t, notice)
		return denied("reply exceeds single-message limit"), nil
	}

	// Requester first. A reply the requester never saw must not be recorded
	// as sent.
	dmID, err := s.messenger.SendMessage(ctx, t.DMChannelID, dmContent, files, transport.SendOptions{})
	if err != nil {
		if delErr := s.messages.DeleteByID(dbc, row.ID); delErr != nil {
			s.log.Error("Failed to delete undelivered reply row", "thread_id", t.ID, "error", delErr)
		}
		_ = s.PostSystemMessage(ctx, t, fmt.Sprintf("Reply %s was not delivered to the requester and has been discarded.", deliveryFailureDetail(err)))
		return failed("DM delivery failed"), nil
	}

	if t.ScheduledCloseAt != nil {
		if err := s.cancelScheduledCloseForActivity(ctx, t); err != nil {
			s.log.Warn("Failed to cancel scheduled close", "thread_id", t.ID, "error", err)
		}
	}

	inboxID, err := s.messenger.SendMessage(ctx, t.ChannelID, inboxContent, nil, transport.SendOptions{})
	if err != nil {
		// The DM copy is out. Keep the row addressable by its dm id.
		s.log.Warn("Failed to mirror reply to inbox", "thread_id", t.ID, "error", err)
	}

	if err := s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{
		"dm_channel_id":    t.DMChannelID,
		"dm_message_id":    dmID,
		"inbox_message_id": inboxID,
	}); err != nil {
		return failed("could not record message ids"), fmt.Errorf("record reply ids: %w", err)
	}

	for _, reason := range failures {
		_ = s.PostSystemMessage(ctx, t, reason)
	}
	return ok(), nil
}

func (s *service) EditReply(ctx context.Context, t *domain.Thread, staff Staff, number int, newBody string, quiet bool) (Result, error) {
	dbc := s.dbc(ctx)

	row, err := s.messages.FindByMessageNumber(dbc, t.ID, number)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return denied(fmt.Sprintf("no reply with number %d", number)), nil
		}
		return failed("lookup failed"), err
	}
	if row.UserID != staff.ID {
		return denied("you can only edit your own replies"), nil
	}

	oldBody := row.Body
	edited := *row
	edited.Body = newBody

	dmContent := s.renderer.StaffReplyDM(&edited)
	inboxContent := s.renderer.StaffReplyInbox(&edited)
	limit := s.cfg.Relay.MessageCharLimit
	if dmContent.PlainLength() > limit || inboxContent.PlainLength() > limit {
		_ = s.PostSystemMessage(ctx, t, fmt.Sprintf("Edit not applied: the new text renders longer than the %d character limit.", limit))
		return denied("edit exceeds single-message limit"), nil
	}

	if row.DMMessageID != "" {
		if err := s.messenger.EditMessage(ctx, row.DMChannelID, row.DMMessageID, dmContent); err != nil {
			return failed("could not edit requester copy"), nil
		}
	}
	if row.InboxMessageID != "" {
		if err := s.messenger.EditMessage(ctx, t.ChannelID, row.InboxMessageID, inboxContent); err != nil {
			s.log.Warn("Failed to edit inbox copy", "thread_id", t.ID, "error", err)
		}
	}

	if err := s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"body": newBody}); err != nil {
		return failed("could not persist edit"), err
	}

	if !quiet {
		audit := &domain.ThreadMessage{
			ThreadID:    t.ID,
			MessageType: domain.MessageTypeReplyEdited,
			UserID:      staff.ID,
			UserName:    staff.Name,
			Body:        fmt.Sprintf("Reply %d edited.\nBefore: %s\nAfter: %s", number, oldBody, newBody),
			Metadata:    mustMetadata(map[string]interface{}{"reply_message_id": row.ID.String()}),
		}
		if _, err := s.messages.Create(dbc, audit); err != nil {
			s.log.Warn("Failed to record edit audit row", "thread_id", t.ID, "error", err)
		}
		_ = s.PostSystemMessage(ctx, t, fmt.Sprintf("%s edited reply %d.", staff.Name, number))
	}
	return ok(), nil
}

func (s *service) DeleteReply(ctx context.Context, t *domain.Thread, staff Staff, number int, quiet bool) (Result, error) {
	dbc := s.dbc(ctx)

	row, err := s.messages.FindByMessageNumber(dbc, t.ID, number)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return denied(fmt.Sprintf("no reply with number %d", number)), nil
		}
		return failed("lookup failed"), err
	}
	if row.UserID != staff.ID {
		return denied("you can only delete your own replies"), nil
	}

	if row.DMMessageID != "" {
		if err := s.messenger.DeleteMessage(ctx, row.DMChannelID, row.DMMessageID); err != nil && !transport.IsTargetGone(err) {
			return failed("could not delete requester copy"), nil
		}
	}
	if row.InboxMessageID != "" {
		if err := s.messenger.DeleteMessage(ctx, t.ChannelID, row.InboxMessageID); err != nil && !transport.IsTargetGone(err) {
			s.log.Warn("Failed to delete inbox copy", "thread_id", t.ID, "error", err)
		}
	}

	if !quiet {
		audit := &domain.ThreadMessage{
			ThreadID:    t.ID,
			MessageType: domain.MessageTypeReplyDeleted,
			UserID:      staff.ID,
			UserName:    staff.Name,
			Body:        fmt.Sprintf("Reply %d deleted. Content was: %s", number, row.Body),
		}
		if _, err := s.messages.Create(dbc, audit); err != nil {
			s.log.Warn("Failed to record delete audit row", "thread_id", t.ID, "error", err)
		}
		_ = s.PostSystemMessage(ctx, t, fmt.Sprintf("%s deleted reply %d.", staff.Name, number))
	}

	if err := s.messages.DeleteByID(dbc, row.ID); err != nil {
		return failed("could not delete reply record"), err
	}
	return ok(), nil
}

func (s *service) MirrorUserEdit(ctx context.Context, t *domain.Thread, msg transport.Message) error {
	dbc := s.dbc(ctx)

	row, err := s.messages.FindByEitherMessageID(dbc, t.ID, msg.ID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}
	oldBody := row.Body

	if err := s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"body": msg.Body}); err != nil {
		return fmt.Errorf("persist mirrored edit: %w", err)
	}

	if s.cfg.Relay.LiveUpdateEdits {
		if row.InboxMessageID == "" {
			return nil
		}
		edited := *row
		edited.Body = msg.Body
		content := s.renderer.UserMessage(t, &edited, s.translateForTeam(ctx, t, msg.Body))
		if err := s.messenger.EditMessage(ctx, t.ChannelID, row.InboxMessageID, content); err != nil {
			s.log.Warn("Failed to live-update mirrored edit", "thread_id", t.ID, "error", err)
		}
		return nil
	}
	return s.PostSystemMessage(ctx, t, fmt.Sprintf("%s edited their message.\nBefore: %s\nAfter: %s", t.UserName, oldBody, msg.Body))
}

func (s *service) MirrorUserDelete(ctx context.Context, t *domain.Thread, dmMessageID string) error {
	dbc := s.dbc(ctx)

	row, err := s.messages.FindByEitherMessageID(dbc, t.ID, dmMessageID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil
		}
		return err
	}

	if s.cfg.Relay.LiveUpdateEdits {
		if row.InboxMessageID != "" {
			if err := s.messenger.DeleteMessage(ctx, t.ChannelID, row.InboxMessageID); err != nil && !transport.IsTargetGone(err) {
				s.log.Warn("Failed to delete mirrored copy", "thread_id", t.ID, "error", err)
			}
		}
		return s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{
			"metadata": mustMetadata(map[string]interface{}{"deleted_by_user": true}),
		})
	}
	return s.PostSystemMessage(ctx, t, fmt.Sprintf("%s deleted their message. Content was: %s", t.UserName, row.Body))
}

func (s *service) PostSystemMessage(ctx context.Context, t *domain.Thread, body string) error {
	dbc := s.dbc(ctx)

	row := &domain.ThreadMessage{
		ThreadID:    t.ID,
		MessageType: domain.MessageTypeSystem,
		Body:        body,
	}
	row, err := s.messages.Create(dbc, row)
	if err != nil {
		return fmt.Errorf("persist system message: %w", err)
	}
	if t.ChannelID == "" {
		return nil
	}
	inboxID, err := s.messenger.SendMessage(ctx, t.ChannelID, s.renderer.System(body), nil, transport.SendOptions{})
	if err != nil {
		if transport.IsTargetGone(err) {
			return s.closeForMissingChannel(ctx, t)
		}
		return fmt.Errorf("send system message: %w", err)
	}
	return s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"inbox_message_id": inboxID})
}

func (s *service) PostSystemMessageToUser(ctx context.Context, t *domain.Thread, body string) error {
	dbc := s.dbc(ctx)

	row := &domain.ThreadMessage{
		ThreadID:    t.ID,
		MessageType: domain.MessageTypeSystemToUser,
		Body:        body,
		DMChannelID: t.DMChannelID,
	}
	row, err := s.messages.Create(dbc, row)
	if err != nil {
		return fmt.Errorf("persist user-facing system message: %w", err)
	}
	dmID, err := s.messenger.SendMessage(ctx, t.DMChannelID, s.renderer.SystemToUser(body), nil, transport.SendOptions{})
	if err != nil {
		if delErr := s.messages.DeleteByID(dbc, row.ID); delErr != nil {
			s.log.Error("Failed to delete undelivered system message row", "thread_id", t.ID, "error", delErr)
		}
		return fmt.Errorf("send user-facing system message: %w", err)
	}
	return s.messages.UpdateFields(dbc, row.ID, map[string]interface{}{"dm_message_id": dmID})
}

func (s *service) RecordChatMessage(ctx context.Context, t *domain.Thread, msg transport.Message) error {
	_, err := s.messages.Create(s.dbc(ctx), &domain.ThreadMessage{
		ThreadID:       t.ID,
		MessageType:    domain.MessageTypeChat,
		UserID:         msg.AuthorID,
		UserName:       msg.AuthorName,
		Body:           msg.Body,
		InboxMessageID: msg.ID,
	})
	return err
}

func (s *service) RecordCommand(ctx context.Context, t *domain.Thread, msg transport.Message) error {
	_, err := s.messages.Create(s.dbc(ctx), &domain.ThreadMessage{
		ThreadID:       t.ID,
		MessageType:    domain.MessageTypeCommand,
		UserID:         msg.AuthorID,
		UserName:       msg.AuthorName,
		Body:           msg.Body,
		InboxMessageID: msg.ID,
	})
	return err
}

func (s *service) DeleteChatMessage(ctx context.Context, t *domain.Thread, inboxMessageID string) error {
	return s.messages.DeleteChatByInboxMessageID(s.dbc(ctx), t.ID, inboxMessageID)
}

func (s *service) cancelScheduledCloseForActivity(ctx context.Context, t *domain.Thread) error {
	dbc := s.dbc(ctx)
	err := s.threads.UpdateFields(dbc, t.ID, map[string]interface{}{
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
	return s.PostSystemMessage(ctx, t, "Scheduled close canceled: the thread saw new activity.")
}

// AddAlert registers a watcher to be mentioned on the thread's next inbound
// message.
func (s *service) AddAlert(ctx context.Context, t *domain.Thread, userID string) error {
	set := domain.NewAlertSet(t.AlertIDs.IDs()...)
	set.Add(userID)
	if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"alert_ids": set}); err != nil {
		return fmt.Errorf("persist alert watcher: %w", err)
	}
	t.AlertIDs = set
	return nil
}

func (s *service) RemoveAlert(ctx context.Context, t *domain.Thread, userID string) error {
	set := domain.NewAlertSet(t.AlertIDs.IDs()...)
	set.Remove(userID)
	if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"alert_ids": set}); err != nil {
		return fmt.Errorf("persist alert watcher removal: %w", err)
	}
	t.AlertIDs = set
	return nil
}

func (s *service) fireAlerts(ctx context.Context, t *domain.Thread) {
	ids := t.AlertIDs.IDs()
	mentions := make([]string, 0, len(ids))
	for _, id := range ids {
		mentions = append(mentions, "<@"+id+">")
	}
	notice := fmt.Sprintf("%s New message from %s.", strings.Join(mentions, " "), t.UserName)
	if err := s.PostSystemMessage(ctx, t, notice); err != nil {
		s.log.Warn("Failed to deliver alert", "thread_id", t.ID, "error", err)
		return
	}
	if err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{"alert_ids": ""}); err != nil {
		s.log.Warn("Failed to clear alerts", "thread_id", t.ID, "error", err)
		return
	}
	t.AlertIDs = domain.AlertSet{}
}

func (s *service) closeForMissingChannel(ctx context.Context, t *domain.Thread) error {
	err := s.threads.UpdateFields(s.dbc(ctx), t.ID, map[string]interface{}{
		"status":                 domain.ThreadStatusClosed,
		"channel_id":             "",
		"scheduled_close_at":     nil,
		"scheduled_close_id":     "",
		"scheduled_close_name":   "",
		"scheduled_close_silent": false,
		"scheduled_suspend_at":   nil,
		"scheduled_suspend_id":   "",
		"scheduled_suspend_name": "",
	})
	if err != nil {
		return fmt.Errorf("close thread for missing channel: %w", err)
	}
	t.Status = domain.ThreadStatusClosed
	t.ChannelID = ""
	s.log.Info("Thread closed: inbox channel no longer exists", "thread_id", t.ID, "thread_number", t.ThreadNumber)
	return nil
}

func (s *service) saveAttachments(ctx context.Context, atts []transport.Attachment) ([]string, []string) {
	var urls []string
	var failures []string
	for _, att := range atts {
		res, err := s.store.Save(ctx, att)
		if err != nil {
			s.log.Error("Attachment save failed", "attachment_id", att.ID, "error", err)
			failures = append(failures, fmt.Sprintf("Attachment %s could not be stored.", att.Filename))
			continue
		}
		if res.Failed {
			failures = append(failures, fmt.Sprintf("Attachment %s: %s", att.Filename, res.Reason))
			continue
		}
		urls = append(urls, res.URL)
	}
	return urls, failures
}

func (s *service) smallAttachmentFiles(ctx context.Context, atts []transport.Attachment) []transport.File {
	var files []transport.File
	for _, att := range atts {
		if att.Size <= 0 || att.Size > s.cfg.Relay.SmallAttachmentMax {
			continue
		}
		raw, err := attachments.FetchBytes(ctx, att)
		if err != nil {
			s.log.Warn("Could not fetch small attachment for inline delivery", "attachment_id", att.ID, "error", err)
			continue
		}
		files = append(files, transport.File{Name: attachments.SafeFilename(att.Filename), Content: raw})
	}
	return files
}

func fileNames(files []transport.File) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		out = append(out, f.Name)
	}
	return out
}

func deliveryFailureDetail(err error) string {
	switch transport.KindOf(err) {
	case transport.KindTargetGone:
		return "(requester channel gone)"
	case transport.KindContentRejected:
		return "(rejected by content policy)"
	default:
		return "(transport failure)"
	}
}

func mustMetadata(m map[string]interface{}) datatypes.JSON {
	raw, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte("{}"))
	}
	return datatypes.JSON(raw)
}
