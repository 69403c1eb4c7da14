package relay

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ThreadMessage types.
const (
	MessageTypeFromUser     = "from_user"
	MessageTypeToUser       = "to_user"
	MessageTypeSystem       = "system"
	MessageTypeSystemToUser = "system_to_user"
	MessageTypeChat         = "chat"
	MessageTypeCommand      = "command"
	MessageTypeReplyEdited  = "reply_edited"
	MessageTypeReplyDeleted = "reply_deleted"
)

type ThreadMessage struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadID uuid.UUID `gorm:"type:uuid;not null;index" json:"thread_id"`

	MessageType string `gorm:"column:message_type;not null;index" json:"message_type"`

	// Assigned only for to_user rows, by the allocation transaction.
	MessageNumber *int `gorm:"column:message_number;index" json:"message_number,omitempty"`

	UserID      string `gorm:"column:user_id;not null;default:''" json:"user_id"`
	UserName    string `gorm:"column:user_name;not null;default:''" json:"user_name"`
	RoleName    string `gorm:"column:role_name;not null;default:''" json:"role_name,omitempty"`
	IsAnonymous bool   `gorm:"column:is_anonymous;not null;default:false" json:"is_anonymous"`

	Body string `gorm:"column:body;type:text;not null;default:''" json:"body"`

	Attachments      StringList `gorm:"type:jsonb;column:attachments" json:"attachments,omitempty"`
	SmallAttachments StringList `gorm:"type:jsonb;column:small_attachments" json:"small_attachments,omitempty"`

	// Surface identities. Each is unique within the thread when present and
	// is the join key for mirroring edits and deletes.
	DMChannelID    string `gorm:"column:dm_channel_id;not null;default:''" json:"dm_channel_id,omitempty"`
	DMMessageID    string `gorm:"column:dm_message_id;not null;default:'';index" json:"dm_message_id,omitempty"`
	InboxMessageID string `gorm:"column:inbox_message_id;not null;default:'';index" json:"inbox_message_id,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (ThreadMessage) TableName() string { return "thread_message" }

// UserFacing reports whether the row represents content the requester saw,
// which is what downtime recovery keys its cursor on.
func (m *ThreadMessage) UserFacing() bool {
	switch m.MessageType {
	case MessageTypeFromUser, MessageTypeToUser, MessageTypeSystemToUser:
		return true
	}
	return false
}
