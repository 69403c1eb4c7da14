package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yungbote/relaymail/internal/platform/envutil"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

// Event is an inbound gateway event.
type Event struct {
	Type      string  `json:"type"`
	ChannelID string  `json:"channel_id,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
	Message   Message `json:"message,omitempty"`
	Cursor    string  `json:"cursor"`
}

// Event types delivered by the gateway.
const (
	EventMessageCreated = "message_created"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventChannelDeleted = "channel_deleted"
)

// Gateway is an HTTP client for the chat gateway service.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

const gatewaySendAttempts = 3

func NewGateway(log *logger.Logger) (*Gateway, error) {
	baseURL := strings.TrimRight(envutil.Str("GATEWAY_BASE_URL", ""), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("missing env var GATEWAY_BASE_URL")
	}
	token := envutil.Str("GATEWAY_TOKEN", "")
	timeout := envutil.Duration("GATEWAY_TIMEOUT", 30*time.Second)
	return &Gateway{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With("component", "Gateway"),
	}, nil
}

func (g *Gateway) SendMessage(ctx context.Context, channelID string, content MessageContent, files []File, opts SendOptions) (string, error) {
	path := fmt.Sprintf("/channels/%s/messages", url.PathEscape(channelID))
	payload := map[string]interface{}{"content": content}
	if opts.ReplyToMessageID != "" {
		payload["reply_to_id"] = opts.ReplyToMessageID
	}

	var out struct {
		ID string `json:"id"`
	}
	var err error
	if len(files) > 0 {
		err = g.doMultipart(ctx, "SendMessage", path, payload, files, &out)
	} else {
		err = g.doJSON(ctx, "SendMessage", http.MethodPost, path, payload, &out)
	}
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *Gateway) EditMessage(ctx context.Context, channelID, messageID string, content MessageContent) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return g.doJSON(ctx, "EditMessage", http.MethodPatch, path, map[string]interface{}{"content": content}, nil)
}

func (g *Gateway) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/channels/%s/messages/%s", url.PathEscape(channelID), url.PathEscape(messageID))
	return g.doJSON(ctx, "DeleteMessage", http.MethodDelete, path, nil, nil)
}

func (g *Gateway) MessagesAfter(ctx context.Context, channelID, afterMessageID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	path := fmt.Sprintf("/channels/%s/messages?after=%s&limit=%d",
		url.PathEscape(channelID), url.QueryEscape(afterMessageID), limit)
	var out struct {
		Messages []Message `json:"messages"`
	}
	if err := g.doJSON(ctx, "MessagesAfter", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (g *Gateway) CreateSubChannel(ctx context.Context, parentID, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := g.doJSON(ctx, "CreateSubChannel", http.MethodPost, "/channels", map[string]interface{}{
		"parent_id": parentID,
		"name":      name,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

func (g *Gateway) DeleteChannel(ctx context.Context, channelID string) error {
	path := fmt.Sprintf("/channels/%s", url.PathEscape(channelID))
	return g.doJSON(ctx, "DeleteChannel", http.MethodDelete, path, nil, nil)
}

func (g *Gateway) CreateDMChannel(ctx context.Context, userID string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := g.doJSON(ctx, "CreateDMChannel", http.MethodPost, "/dm-channels", map[string]interface{}{
		"user_id": userID,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

// PollEvents fetches inbound events after the given cursor. An empty cursor
// starts at the present.
func (g *Gateway) PollEvents(ctx context.Context, cursor string) ([]Event, string, error) {
	path := fmt.Sprintf("/events?after=%s", url.QueryEscape(cursor))
	var out struct {
		Events []Event `json:"events"`
		Cursor string  `json:"cursor"`
	}
	if err := g.doJSON(ctx, "PollEvents", http.MethodGet, path, nil, &out); err != nil {
		return nil, cursor, err
	}
	next := out.Cursor
	if next == "" {
		next = cursor
	}
	return out.Events, next, nil
}

func (g *Gateway) doJSON(ctx context.Context, op, method, path string, payload interface{}, out interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: marshal payload: %w", op, err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= gatewaySendAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if g.token != "" {
			req.Header.Set("Authorization", "Bearer "+g.token)
		}

		err = g.execute(op, req, out)
		if err == nil {
			return nil
		}
		if KindOf(err) != KindTransient || ctx.Err() != nil {
			return err
		}
		lastErr = err
		g.log.Warn("Gateway call failed, retrying", "op", op, "attempt", attempt, "error", err)
	}
	return lastErr
}

func (g *Gateway) doMultipart(ctx context.Context, op, path string, payload map[string]interface{}, files []File, out interface{}) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", op, err)
	}
	if err := mw.WriteField("payload", string(meta)); err != nil {
		return fmt.Errorf("%s: write payload field: %w", op, err)
	}
	for i, f := range files {
		fw, err := mw.CreateFormFile(fmt.Sprintf("file%d", i), f.Name)
		if err != nil {
			return fmt.Errorf("%s: create form file: %w", op, err)
		}
		if _, err := fw.Write(f.Content); err != nil {
			return fmt.Errorf("%s: write form file: %w", op, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%s: close multipart: %w", op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(buf.Bytes()))
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	return g.execute(op, req, out)
}

func (g *Gateway) execute(op string, req *http.Request, out interface{}) error {
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return NewError(KindTransient, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return NewError(KindTransient, op, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return NewError(KindTransient, op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return NewError(KindTargetGone, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		return NewError(KindContentRejected, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	default:
		return NewError(KindTransient, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(raw)))
	}
}

func truncate(raw []byte) string {
	const max = 256
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
