package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/yungbote/relaymail/internal/config"
	repos "github.com/yungbote/relaymail/internal/data/repos/relay"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
	"github.com/yungbote/relaymail/internal/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

type stubTxRunner struct{}

func (stubTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return fn(dbctx.Context{Ctx: ctx})
}

type stubThreads struct {
	repos.ThreadRepo

	mu   sync.Mutex
	rows []*domain.Thread
}

func (s *stubThreads) Create(dbc dbctx.Context, row *domain.Thread) (*domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	s.rows = append(s.rows, row)
	return row, nil
}

func (s *stubThreads) FindOpenByUserID(dbc dbctx.Context, userID string) (*domain.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.rows {
		if t.UserID == userID && t.Status == domain.ThreadStatusOpen {
			return t, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (s *stubThreads) NextThreadNumber(dbc dbctx.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	max := 0
	for _, t := range s.rows {
		if t.ThreadNumber > max {
			max = t.ThreadNumber
		}
	}
	return max + 1, nil
}

func (s *stubThreads) CountClosedByUserID(dbc dbctx.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.rows {
		if t.UserID == userID && t.Status == domain.ThreadStatusClosed {
			n++
		}
	}
	return n, nil
}

func (s *stubThreads) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.rows {
		if t.ID != id {
			continue
		}
		if m, ok := updates["metadata"]; ok {
			if raw, ok := m.(datatypes.JSON); ok {
				t.Metadata = raw
			}
		}
		return nil
	}
	return apperr.ErrNotFound
}

func (s *stubThreads) open() []*domain.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Thread
	for _, t := range s.rows {
		if t.Status == domain.ThreadStatusOpen {
			out = append(out, t)
		}
	}
	return out
}

type stubProfiles struct {
	mu        sync.Mutex
	languages map[string]string
}

func newStubProfiles() *stubProfiles {
	return &stubProfiles{languages: map[string]string{}}
}

func (s *stubProfiles) GetByUserID(dbc dbctx.Context, userID string) (*domain.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lang, ok := s.languages[userID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &domain.UserProfile{UserID: userID, Language: lang}, nil
}

func (s *stubProfiles) SetLanguage(dbc dbctx.Context, userID, language string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages[userID] = language
	return nil
}

// stubRelay records relayed and announced traffic in arrival order.
type stubRelay struct {
	relay.Service

	mu          sync.Mutex
	relayed     []transport.Message
	toTeam      []string
	toRequester []string
}

func (s *stubRelay) ReceiveUserMessage(ctx context.Context, t *domain.Thread, msg transport.Message, opts relay.ReceiveOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayed = append(s.relayed, msg)
	return nil
}

func (s *stubRelay) PostSystemMessage(ctx context.Context, t *domain.Thread, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toTeam = append(s.toTeam, body)
	return nil
}

func (s *stubRelay) PostSystemMessageToUser(ctx context.Context, t *domain.Thread, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toRequester = append(s.toRequester, body)
	return nil
}

type stubMessenger struct {
	transport.Messenger

	mu      sync.Mutex
	seq     int
	dmSends map[string][]string
	deleted []string
}

func newStubMessenger() *stubMessenger {
	return &stubMessenger{dmSends: map[string][]string{}}
}

func (s *stubMessenger) SendMessage(ctx context.Context, channelID string, content transport.MessageContent, files []transport.File, opts transport.SendOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.dmSends[channelID] = append(s.dmSends[channelID], content.Text)
	return fmt.Sprintf("prompt-%d", s.seq), nil
}

func (s *stubMessenger) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, messageID)
	return nil
}

func (s *stubMessenger) CreateSubChannel(ctx context.Context, parentID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("inbox-%d", s.seq), nil
}

type intakeEnv struct {
	cfg       *config.Config
	threads   *stubThreads
	profiles  *stubProfiles
	relay     *stubRelay
	messenger *stubMessenger
	coord     *Coordinator
}

func newIntakeEnv(cfg *config.Config) *intakeEnv {
	log, _ := logger.New("test")
	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.Relay.CommandPrefix == "" {
		cfg.Relay.CommandPrefix = "!"
	}
	env := &intakeEnv{
		cfg:       cfg,
		threads:   &stubThreads{},
		profiles:  newStubProfiles(),
		relay:     &stubRelay{},
		messenger: newStubMessenger(),
	}
	env.coord = NewCoordinator(log, cfg, stubTxRunner{}, env.threads, env.profiles, env.relay, env.messenger)
	return env
}

// drainJobs consumes the creation queue synchronously, standing in for the
// Start goroutine.
func (e *intakeEnv) drainJobs(ctx context.Context) {
	for {
		select {
		case userID := <-e.coord.jobs:
			e.coord.createThread(ctx, userID)
		default:
			return
		}
	}
}

func dmMessage(id, userID, body string) transport.Message {
	return transport.Message{
		ID:              id,
		ChannelID:       "dm-" + userID,
		AuthorID:        userID,
		AuthorName:      "user-" + userID,
		AuthorCreatedAt: time.Now().Add(-30 * 24 * time.Hour),
		AuthorJoinedAt:  time.Now().Add(-7 * 24 * time.Hour),
		Body:            body,
		IsDM:            true,
		CreatedAt:       time.Now(),
	}
}

func TestConcurrentFirstContactCreatesOneThread(t *testing.T) {
	env := newIntakeEnv(nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := dmMessage(fmt.Sprintf("m-%d", i), "u1", fmt.Sprintf("message %d", i))
			if err := env.coord.HandleUserMessage(ctx, msg); err != nil {
				t.Errorf("handle %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	env.drainJobs(ctx)

	if open := env.threads.open(); len(open) != 1 {
		t.Fatalf("open threads = %d, want 1", len(open))
	}
	if len(env.relay.relayed) != 5 {
		t.Fatalf("relayed %d buffered messages, want 5", len(env.relay.relayed))
	}
	if len(env.coord.pending) != 0 {
		t.Fatalf("pending workflows not drained: %d", len(env.coord.pending))
	}
}

func TestWorkflowPromptsAndReplaysInOrder(t *testing.T) {
	cfg := &config.Config{}
	cfg.Intake.Languages = []string{"en", "fr"}
	cfg.Intake.Reasons = []config.ReasonOption{{Label: "Billing"}, {Label: "Bug report", Value: "bug"}}
	env := newIntakeEnv(cfg)
	ctx := context.Background()

	steps := []string{"hello there", "some more detail", "en", "2"}
	for i, body := range steps {
		if err := env.coord.HandleUserMessage(ctx, dmMessage(fmt.Sprintf("m-%d", i), "u1", body)); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	env.drainJobs(ctx)

	open := env.threads.open()
	if len(open) != 1 {
		t.Fatalf("open threads = %d, want 1", len(open))
	}
	var meta map[string]string
	if err := json.Unmarshal(open[0].Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta[domain.MetaLanguage] != "en" || meta[domain.MetaReason] != "bug" {
		t.Fatalf("metadata = %v", meta)
	}
	if lang := env.profiles.languages["u1"]; lang != "en" {
		t.Fatalf("profile language = %q, want en", lang)
	}

	// Selections are consumed by the workflow; only real content replays.
	if len(env.relay.relayed) != 2 {
		t.Fatalf("relayed %d messages, want 2", len(env.relay.relayed))
	}
	if env.relay.relayed[0].Body != "hello there" || env.relay.relayed[1].Body != "some more detail" {
		t.Fatalf("replay order: %q then %q", env.relay.relayed[0].Body, env.relay.relayed[1].Body)
	}

	// Both prompts were sent, then torn down after creation.
	if prompts := env.messenger.dmSends["dm-u1"]; len(prompts) != 2 {
		t.Fatalf("prompts sent = %d, want 2", len(prompts))
	}
	if len(env.messenger.deleted) != 2 {
		t.Fatalf("prompts deleted = %d, want 2", len(env.messenger.deleted))
	}

	if len(env.relay.toTeam) != 1 {
		t.Fatalf("intake summaries = %d, want 1", len(env.relay.toTeam))
	}
	summary := env.relay.toTeam[0]
	for _, want := range []string{"New thread #1", "Language: en", "Reason: bug"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("summary %q missing %q", summary, want)
		}
	}
}

func TestKnownLanguageSkipsPrompt(t *testing.T) {
	cfg := &config.Config{}
	cfg.Intake.Languages = []string{"en", "fr"}
	env := newIntakeEnv(cfg)
	env.profiles.languages["u1"] = "fr"
	ctx := context.Background()

	if err := env.coord.HandleUserMessage(ctx, dmMessage("m-0", "u1", "bonjour")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	env.drainJobs(ctx)

	if prompts := env.messenger.dmSends["dm-u1"]; len(prompts) != 0 {
		t.Fatalf("prompts sent = %d, want 0", len(prompts))
	}
	open := env.threads.open()
	if len(open) != 1 {
		t.Fatalf("open threads = %d, want 1", len(open))
	}
	var meta map[string]string
	if err := json.Unmarshal(open[0].Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta[domain.MetaLanguage] != "fr" {
		t.Fatalf("metadata language = %q, want fr", meta[domain.MetaLanguage])
	}
}

func TestDefaultLanguageSkipsPrompt(t *testing.T) {
	cfg := &config.Config{}
	cfg.Intake.Languages = []string{"en", "fr"}
	cfg.Intake.DefaultLanguage = "en"
	env := newIntakeEnv(cfg)
	ctx := context.Background()

	if err := env.coord.HandleUserMessage(ctx, dmMessage("m-0", "u1", "hello")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	env.drainJobs(ctx)

	if prompts := env.messenger.dmSends["dm-u1"]; len(prompts) != 0 {
		t.Fatalf("prompts sent = %d, want 0", len(prompts))
	}
	open := env.threads.open()
	if len(open) != 1 {
		t.Fatalf("open threads = %d, want 1", len(open))
	}
	var meta map[string]string
	if err := json.Unmarshal(open[0].Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta[domain.MetaLanguage] != "en" {
		t.Fatalf("metadata language = %q, want en", meta[domain.MetaLanguage])
	}
}

func TestAccountAgeRequirementDeniesIntake(t *testing.T) {
	cfg := &config.Config{}
	cfg.Intake.MinAccountAgeHours = 24
	env := newIntakeEnv(cfg)
	ctx := context.Background()

	msg := dmMessage("m-0", "u1", "help")
	msg.AuthorCreatedAt = time.Now().Add(-time.Hour)
	if err := env.coord.HandleUserMessage(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	env.drainJobs(ctx)

	if open := env.threads.open(); len(open) != 0 {
		t.Fatalf("open threads = %d, want 0", len(open))
	}
	sends := env.messenger.dmSends["dm-u1"]
	if len(sends) != 1 || !strings.Contains(sends[0], "24 hours") {
		t.Fatalf("expected a denial notice, got %v", sends)
	}
	if len(env.coord.pending) != 0 {
		t.Fatalf("pending workflow survived denial")
	}
}

func TestLangCommandOnOpenThread(t *testing.T) {
	cfg := &config.Config{}
	cfg.Intake.Languages = []string{"en", "fr"}
	env := newIntakeEnv(cfg)
	ctx := context.Background()

	th := &domain.Thread{
		ID: uuid.New(), ThreadNumber: 1, Status: domain.ThreadStatusOpen,
		UserID: "u1", UserName: "user-u1", ChannelID: "inbox-1", DMChannelID: "dm-u1",
		Metadata: []byte(`{"language":"en"}`),
	}
	env.threads.rows = append(env.threads.rows, th)

	if err := env.coord.HandleUserMessage(ctx, dmMessage("m-0", "u1", "!lang fr")); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if lang := env.profiles.languages["u1"]; lang != "fr" {
		t.Fatalf("profile language = %q, want fr", lang)
	}
	var meta map[string]string
	if err := json.Unmarshal(th.Metadata, &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta[domain.MetaLanguage] != "fr" {
		t.Fatalf("thread language = %q, want fr", meta[domain.MetaLanguage])
	}
	if len(env.relay.toRequester) != 1 || !strings.Contains(env.relay.toRequester[0], "Language set to fr") {
		t.Fatalf("confirmation = %v", env.relay.toRequester)
	}
	if len(env.relay.relayed) != 0 {
		t.Fatalf("command leaked into the relay: %v", env.relay.relayed)
	}
}

func TestChannelNameSlug(t *testing.T) {
	cases := map[string]string{
		"Some User": "0012-some-user",
		"Ünïcode":   "0012-ncode",
		"  ":        "0012-user",
		"a_b-c 9":   "0012-a-b-c-9",
	}
	for in, want := range cases {
		if got := channelName(12, in); got != want {
			t.Fatalf("channelName(12, %q) = %q, want %q", in, got, want)
		}
	}
}
