package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/relaymail/internal/platform/envutil"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

// Translator converts text between languages. An empty result with a nil
// error means translation was unavailable and the caller should use the
// original text.
type Translator interface {
	Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error)
}

type noop struct{}

func (noop) Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error) {
	return "", nil
}

// NewNoop returns a translator that never translates.
func NewNoop() Translator { return noop{} }

type openAITranslator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewOpenAI returns a translator backed by an OpenAI-compatible
// chat-completions endpoint. Failures are soft: the caller always gets the
// empty string rather than an error it must branch on.
func NewOpenAI(log *logger.Logger) (Translator, error) {
	apiKey := envutil.Str("OPENAI_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("missing env var OPENAI_API_KEY")
	}
	return &openAITranslator{
		baseURL:    strings.TrimRight(envutil.Str("OPENAI_BASE_URL", "https://api.openai.com/v1"), "/"),
		apiKey:     apiKey,
		model:      envutil.Str("OPENAI_MODEL", "gpt-4o-mini"),
		httpClient: &http.Client{Timeout: envutil.Duration("OPENAI_TIMEOUT", 20*time.Second)},
		log:        log.With("component", "Translator"),
	}, nil
}

func (t *openAITranslator) Translate(ctx context.Context, text, targetLanguage, sourceLanguage string) (string, error) {
	if strings.TrimSpace(text) == "" || targetLanguage == "" || targetLanguage == sourceLanguage {
		return "", nil
	}

	system := fmt.Sprintf("Translate the user's message to %s. Reply with the translation only.", targetLanguage)
	if sourceLanguage != "" {
		system = fmt.Sprintf("Translate the user's message from %s to %s. Reply with the translation only.", sourceLanguage, targetLanguage)
	}

	payload := map[string]interface{}{
		"model": t.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": text},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.log.Warn("Translation call failed", "error", err)
		return "", nil
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.log.Warn("Translation call rejected", "status", resp.StatusCode)
		return "", nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil
	}
	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &out); err != nil || len(out.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
