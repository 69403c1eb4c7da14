package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/relaymail/internal/attachments"
	"github.com/yungbote/relaymail/internal/config"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/platform/translate"
	"github.com/yungbote/relaymail/internal/transport"
)

type fakeTxRunner struct{}

func (fakeTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return fn(dbctx.Context{Ctx: ctx})
}

type fakeThreadRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Thread
}

func newFakeThreadRepo() *fakeThreadRepo {
	return &fakeThreadRepo{rows: map[uuid.UUID]*domain.Thread{}}
}

func (f *fakeThreadRepo) add(t *domain.Thread) *domain.Thread {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.NextMessageNumber < 1 {
		t.NextMessageNumber = 1
	}
	if t.AlertIDs == nil {
		t.AlertIDs = domain.AlertSet{}
	}
	f.rows[t.ID] = t
	return t
}

func (f *fakeThreadRepo) Create(dbc dbctx.Context, row *domain.Thread) (*domain.Thread, error) {
	return f.add(row), nil
}

func (f *fakeThreadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.rows[id]; ok {
		return t, nil
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeThreadRepo) FindOpenByUserID(dbc dbctx.Context, userID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.UserID == userID && t.Status == domain.ThreadStatusOpen {
			return t, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeThreadRepo) FindByChannelID(dbc dbctx.Context, channelID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.ChannelID == channelID {
			return t, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeThreadRepo) FindOpenByDMChannelID(dbc dbctx.Context, dmChannelID string) (*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.rows {
		if t.DMChannelID == dmChannelID && t.Status == domain.ThreadStatusOpen {
			return t, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeThreadRepo) ListByUserID(dbc dbctx.Context, userID string, limit int) ([]*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Thread
	for _, t := range f.rows {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) ListByStatus(dbc dbctx.Context, status string) ([]*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Thread
	for _, t := range f.rows {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadNumber < out[j].ThreadNumber })
	return out, nil
}

func (f *fakeThreadRepo) ListDueScheduledClose(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Thread
	for _, t := range f.rows {
		if t.Status == domain.ThreadStatusOpen && t.ScheduledCloseAt != nil && !t.ScheduledCloseAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) ListDueScheduledSuspend(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Thread
	for _, t := range f.rows {
		if t.Status == domain.ThreadStatusOpen && t.ScheduledSuspendAt != nil && !t.ScheduledSuspendAt.After(now) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeThreadRepo) NextThreadNumber(dbc dbctx.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := 0
	for _, t := range f.rows {
		if t.ThreadNumber > max {
			max = t.ThreadNumber
		}
	}
	return max + 1, nil
}

func (f *fakeThreadRepo) CountClosedByUserID(dbc dbctx.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.rows {
		if t.UserID == userID && t.Status == domain.ThreadStatusClosed {
			n++
		}
	}
	return n, nil
}

func (f *fakeThreadRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error) {
	return f.GetByID(dbc, id)
}

func (f *fakeThreadRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return apperr.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "status":
			t.Status = v.(string)
		case "channel_id":
			t.ChannelID = v.(string)
		case "scheduled_close_at":
			if v == nil {
				t.ScheduledCloseAt = nil
			} else if at, ok := v.(time.Time); ok {
				t.ScheduledCloseAt = &at
			}
		case "scheduled_close_id":
			t.ScheduledCloseID = v.(string)
		case "scheduled_close_name":
			t.ScheduledCloseName = v.(string)
		case "scheduled_close_silent":
			t.ScheduledCloseSilent = v.(bool)
		case "scheduled_suspend_at":
			if v == nil {
				t.ScheduledSuspendAt = nil
			} else if at, ok := v.(time.Time); ok {
				t.ScheduledSuspendAt = &at
			}
		case "scheduled_suspend_id":
			t.ScheduledSuspendID = v.(string)
		case "scheduled_suspend_name":
			t.ScheduledSuspendName = v.(string)
		case "alert_ids":
			switch val := v.(type) {
			case string:
				if val == "" {
					t.AlertIDs = domain.AlertSet{}
				}
			case domain.AlertSet:
				t.AlertIDs = domain.NewAlertSet(val.IDs()...)
			}
		case "metadata":
			if m, ok := v.(datatypes.JSON); ok {
				t.Metadata = m
			}
		}
	}
	return nil
}

func (f *fakeThreadRepo) AllocateMessageNumber(dbc dbctx.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return 0, apperr.ErrNotFound
	}
	n := t.NextMessageNumber
	if n < 1 {
		n = 1
	}
	t.NextMessageNumber = n + 1
	return n, nil
}

type fakeMessageRepo struct {
	mu   sync.Mutex
	rows []*domain.ThreadMessage
	seq  int
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{}
}

func (f *fakeMessageRepo) Create(dbc dbctx.Context, row *domain.ThreadMessage) (*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	if row.CreatedAt.IsZero() {
		f.seq++
		row.CreatedAt = time.Unix(0, 0).Add(time.Duration(f.seq) * time.Second)
	}
	f.rows = append(f.rows, row)
	return row, nil
}

func (f *fakeMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeMessageRepo) ListByThread(dbc dbctx.Context, threadID uuid.UUID) ([]*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ThreadMessage
	for _, m := range f.rows {
		if m.ThreadID == threadID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMessageRepo) FindByEitherMessageID(dbc dbctx.Context, threadID uuid.UUID, externalID string) (*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ThreadID == threadID && (m.DMMessageID == externalID || m.InboxMessageID == externalID) {
			return m, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeMessageRepo) FindByMessageNumber(dbc dbctx.Context, threadID uuid.UUID, number int) (*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ThreadID == threadID && m.MessageNumber != nil && *m.MessageNumber == number {
			return m, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (f *fakeMessageRepo) LatestUserFacing(dbc dbctx.Context, threadID uuid.UUID) (*domain.ThreadMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *domain.ThreadMessage
	for _, m := range f.rows {
		if m.ThreadID != threadID || !m.UserFacing() {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
			latest = m
		}
	}
	if latest == nil {
		return nil, apperr.ErrNotFound
	}
	return latest, nil
}

func (f *fakeMessageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.rows {
		if m.ID != id {
			continue
		}
		for k, v := range updates {
			switch k {
			case "body":
				m.Body = v.(string)
			case "dm_channel_id":
				m.DMChannelID = v.(string)
			case "dm_message_id":
				m.DMMessageID = v.(string)
			case "inbox_message_id":
				m.InboxMessageID = v.(string)
			case "metadata":
				if raw, ok := v.(datatypes.JSON); ok {
					m.Metadata = raw
				}
			}
		}
		return nil
	}
	return apperr.ErrNotFound
}

func (f *fakeMessageRepo) DeleteByID(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.rows {
		if m.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeMessageRepo) DeleteChatByInboxMessageID(dbc dbctx.Context, threadID uuid.UUID, inboxMessageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.rows[:0]
	for _, m := range f.rows {
		if m.ThreadID == threadID && m.InboxMessageID == inboxMessageID && m.MessageType == domain.MessageTypeChat {
			continue
		}
		out = append(out, m)
	}
	f.rows = out
	return nil
}

func (f *fakeMessageRepo) byType(messageType string) []*domain.ThreadMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ThreadMessage
	for _, m := range f.rows {
		if m.MessageType == messageType {
			out = append(out, m)
		}
	}
	return out
}

type sentMessage struct {
	ChannelID string
	Content   transport.MessageContent
	Files     []transport.File
	Opts      transport.SendOptions
	ID        string
}

type editedMessage struct {
	ChannelID string
	MessageID string
	Content   transport.MessageContent
}

type fakeMessenger struct {
	mu      sync.Mutex
	seq     int
	sent    []sentMessage
	edited  []editedMessage
	deleted [][2]string

	failSendTo map[string]error
	history    map[string][]transport.Message
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{
		failSendTo: map[string]error{},
		history:    map[string][]transport.Message{},
	}
}

func (f *fakeMessenger) SendMessage(ctx context.Context, channelID string, content transport.MessageContent, files []transport.File, opts transport.SendOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failSendTo[channelID]; err != nil {
		return "", err
	}
	f.seq++
	id := fmt.Sprintf("sent-%d", f.seq)
	f.sent = append(f.sent, sentMessage{ChannelID: channelID, Content: content, Files: files, Opts: opts, ID: id})
	return id, nil
}

func (f *fakeMessenger) EditMessage(ctx context.Context, channelID, messageID string, content transport.MessageContent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edited = append(f.edited, editedMessage{ChannelID: channelID, MessageID: messageID, Content: content})
	return nil
}

func (f *fakeMessenger) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, [2]string{channelID, messageID})
	return nil
}

func (f *fakeMessenger) MessagesAfter(ctx context.Context, channelID, afterMessageID string, limit int) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.history[channelID]
	for i, m := range msgs {
		if m.ID == afterMessageID {
			return append([]transport.Message(nil), msgs[i+1:]...), nil
		}
	}
	return append([]transport.Message(nil), msgs...), nil
}

func (f *fakeMessenger) CreateSubChannel(ctx context.Context, parentID, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("inbox-%d", f.seq), nil
}

func (f *fakeMessenger) DeleteChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, [2]string{channelID, ""})
	return nil
}

func (f *fakeMessenger) CreateDMChannel(ctx context.Context, userID string) (string, error) {
	return "dm-" + userID, nil
}

func (f *fakeMessenger) sentTo(channelID string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.ChannelID == channelID {
			out = append(out, m)
		}
	}
	return out
}

// fakeTranslator marks the text so assertions can tell a translated body
// from the original.
type fakeTranslator struct{}

func (fakeTranslator) Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error) {
	return "translated: " + text, nil
}

type testEnv struct {
	cfg       *config.Config
	threads   *fakeThreadRepo
	messages  *fakeMessageRepo
	messenger *fakeMessenger
	svc       Service
}

func newTestEnv() *testEnv {
	log, _ := logger.New("test")
	cfg := &config.Config{}
	cfg.Relay.RenderMode = config.RenderPlain
	cfg.Relay.MessageCharLimit = 2000
	cfg.Relay.SmallAttachmentMax = 2 << 20
	cfg.Relay.CommandPrefix = "!"
	cfg.Translate.TeamLanguage = "en"

	threads := newFakeThreadRepo()
	messages := newFakeMessageRepo()
	messenger := newFakeMessenger()
	store := attachments.NewStore(attachments.NewPassthroughBackend(), log)
	svc := NewService(log, cfg, fakeTxRunner{}, threads, messages, messenger, NewRenderer(cfg.Relay.RenderMode), translate.NewNoop(), store)

	return &testEnv{cfg: cfg, threads: threads, messages: messages, messenger: messenger, svc: svc}
}

// withTranslator rebuilds the service around a different translator.
func (e *testEnv) withTranslator(tr translate.Translator) {
	log, _ := logger.New("test")
	store := attachments.NewStore(attachments.NewPassthroughBackend(), log)
	e.svc = NewService(log, e.cfg, fakeTxRunner{}, e.threads, e.messages, e.messenger, NewRenderer(e.cfg.Relay.RenderMode), tr, store)
}

func (e *testEnv) seedThread(userID string) *domain.Thread {
	return e.threads.add(&domain.Thread{
		ThreadNumber: len(e.threads.rows) + 1,
		Status:       domain.ThreadStatusOpen,
		UserID:       userID,
		UserName:     "user-" + userID,
		ChannelID:    "inbox-" + userID,
		DMChannelID:  "dm-" + userID,
	})
}
