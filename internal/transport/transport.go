package transport

import (
	"context"
	"time"
)

// MessageContent is the rendered payload delivered to a surface. Either Text
// or Card is set, depending on the deployment's render mode.
type MessageContent struct {
	Text string `json:"text,omitempty"`
	Card *Card  `json:"card,omitempty"`
}

// Card is the rich rendering of a relayed message.
type Card struct {
	Title     string      `json:"title,omitempty"`
	Body      string      `json:"body"`
	Color     string      `json:"color,omitempty"`
	Footer    string      `json:"footer,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	Fields    []CardField `json:"fields,omitempty"`
}

type CardField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PlainLength returns the character count the single-message ceiling is
// checked against.
func (c MessageContent) PlainLength() int {
	if c.Card != nil {
		n := len([]rune(c.Card.Body))
		for _, f := range c.Card.Fields {
			n += len([]rune(f.Value))
		}
		return n
	}
	return len([]rune(c.Text))
}

// File is an inline upload re-delivered alongside a message.
type File struct {
	Name    string
	Content []byte
}

type SendOptions struct {
	// ReplyToMessageID attaches a reply reference on the outbound message.
	ReplyToMessageID string
}

// Attachment is a transient attachment reference as delivered by the
// transport. The source URL is not assumed to outlive the retry window.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// Message is an inbound message event payload.
type Message struct {
	ID         string `json:"id"`
	ChannelID  string `json:"channel_id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name"`
	// Account-age fields used by intake requirement checks.
	AuthorCreatedAt time.Time `json:"author_created_at,omitempty"`
	AuthorJoinedAt  time.Time `json:"author_joined_at,omitempty"`

	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyToID   string       `json:"reply_to_id,omitempty"`
	IsDM        bool         `json:"is_dm"`
	FromBot     bool         `json:"from_bot"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Messenger is the delivery capability exposed by the chat transport.
type Messenger interface {
	SendMessage(ctx context.Context, channelID string, content MessageContent, files []File, opts SendOptions) (string, error)
	EditMessage(ctx context.Context, channelID, messageID string, content MessageContent) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	MessagesAfter(ctx context.Context, channelID, afterMessageID string, limit int) ([]Message, error)
	CreateSubChannel(ctx context.Context, parentID, name string) (string, error)
	DeleteChannel(ctx context.Context, channelID string) error
	CreateDMChannel(ctx context.Context, userID string) (string, error)
}
