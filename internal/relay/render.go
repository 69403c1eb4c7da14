package relay

import (
	"fmt"
	"strings"
	"time"

	"github.com/yungbote/relaymail/internal/config"
	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/transport"
)

// Renderer builds the surface-appropriate presentation of a thread message.
// One renderer is selected per deployment and injected into the service.
type Renderer interface {
	UserMessage(t *domain.Thread, m *domain.ThreadMessage, translated string) transport.MessageContent
	StaffReplyDM(m *domain.ThreadMessage) transport.MessageContent
	StaffReplyInbox(m *domain.ThreadMessage) transport.MessageContent
	System(body string) transport.MessageContent
	SystemToUser(body string) transport.MessageContent
}

func NewRenderer(mode string) Renderer {
	if mode == config.RenderPlain {
		return plainRenderer{}
	}
	return cardRenderer{}
}

func staffSignature(m *domain.ThreadMessage) string {
	if m.IsAnonymous {
		if m.RoleName != "" {
			return m.RoleName
		}
		return "Staff"
	}
	if m.RoleName != "" {
		return fmt.Sprintf("(%s) %s", m.RoleName, m.UserName)
	}
	return m.UserName
}

func attachmentLines(m *domain.ThreadMessage) string {
	if len(m.Attachments) == 0 {
		return ""
	}
	return "\n" + strings.Join(m.Attachments, "\n")
}

type plainRenderer struct{}

func (plainRenderer) UserMessage(t *domain.Thread, m *domain.ThreadMessage, translated string) transport.MessageContent {
	body := m.Body
	if translated != "" {
		body = fmt.Sprintf("%s\n> %s", body, translated)
	}
	return transport.MessageContent{
		Text: fmt.Sprintf("**%s**: %s%s", m.UserName, body, attachmentLines(m)),
	}
}

func (plainRenderer) StaffReplyDM(m *domain.ThreadMessage) transport.MessageContent {
	return transport.MessageContent{
		Text: fmt.Sprintf("**%s**: %s%s", staffSignature(m), m.Body, attachmentLines(m)),
	}
}

func (plainRenderer) StaffReplyInbox(m *domain.ThreadMessage) transport.MessageContent {
	number := 0
	if m.MessageNumber != nil {
		number = *m.MessageNumber
	}
	return transport.MessageContent{
		Text: fmt.Sprintf("[%d] **%s**: %s%s", number, staffSignature(m), m.Body, attachmentLines(m)),
	}
}

func (plainRenderer) System(body string) transport.MessageContent {
	return transport.MessageContent{Text: body}
}

func (plainRenderer) SystemToUser(body string) transport.MessageContent {
	return transport.MessageContent{Text: body}
}

type cardRenderer struct{}

const (
	colorInbound = "#2bb673"
	colorReply   = "#3b88c3"
	colorSystem  = "#95a5a6"
)

func (cardRenderer) UserMessage(t *domain.Thread, m *domain.ThreadMessage, translated string) transport.MessageContent {
	card := &transport.Card{
		Title:     m.UserName,
		Body:      m.Body,
		Color:     colorInbound,
		Timestamp: m.CreatedAt,
	}
	if translated != "" {
		card.Fields = append(card.Fields, transport.CardField{Name: "Translation", Value: translated})
	}
	for _, u := range m.Attachments {
		card.Fields = append(card.Fields, transport.CardField{Name: "Attachment", Value: u})
	}
	return transport.MessageContent{Card: card}
}

func (cardRenderer) StaffReplyDM(m *domain.ThreadMessage) transport.MessageContent {
	card := &transport.Card{
		Title:     staffSignature(m),
		Body:      m.Body,
		Color:     colorReply,
		Timestamp: m.CreatedAt,
	}
	for _, u := range m.Attachments {
		card.Fields = append(card.Fields, transport.CardField{Name: "Attachment", Value: u})
	}
	return transport.MessageContent{Card: card}
}

func (r cardRenderer) StaffReplyInbox(m *domain.ThreadMessage) transport.MessageContent {
	content := r.StaffReplyDM(m)
	if m.MessageNumber != nil {
		content.Card.Footer = fmt.Sprintf("Message %d", *m.MessageNumber)
	}
	return content
}

func (cardRenderer) System(body string) transport.MessageContent {
	return transport.MessageContent{Card: &transport.Card{Body: body, Color: colorSystem, Timestamp: time.Now().UTC()}}
}

func (cardRenderer) SystemToUser(body string) transport.MessageContent {
	return transport.MessageContent{Card: &transport.Card{Body: body, Color: colorSystem, Timestamp: time.Now().UTC()}}
}
