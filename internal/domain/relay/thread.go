package relay

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Thread statuses.
const (
	ThreadStatusOpen      = "open"
	ThreadStatusClosed    = "closed"
	ThreadStatusSuspended = "suspended"
)

// Metadata keys set by the intake workflow.
const (
	MetaLanguage = "language"
	MetaReason   = "reason"
)

type Thread struct {
	ID           uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ThreadNumber int       `gorm:"column:thread_number;not null;uniqueIndex" json:"thread_number"`
	Status       string    `gorm:"column:status;not null;default:'open';index" json:"status"`

	UserID   string `gorm:"column:user_id;not null;index" json:"user_id"`
	UserName string `gorm:"column:user_name;not null;default:''" json:"user_name"`

	// Team-facing channel. Cleared when the channel is gone.
	ChannelID string `gorm:"column:channel_id;not null;default:'';index" json:"channel_id"`
	// Requester-facing private channel.
	DMChannelID string `gorm:"column:dm_channel_id;not null;default:''" json:"dm_channel_id"`

	// Counter for outbound message numbering. Mutated only inside the
	// row-locked allocation transaction.
	NextMessageNumber int `gorm:"column:next_message_number;not null;default:1" json:"next_message_number"`

	ScheduledCloseAt     *time.Time `gorm:"column:scheduled_close_at;index" json:"scheduled_close_at,omitempty"`
	ScheduledCloseID     string     `gorm:"column:scheduled_close_id;not null;default:''" json:"scheduled_close_id,omitempty"`
	ScheduledCloseName   string     `gorm:"column:scheduled_close_name;not null;default:''" json:"scheduled_close_name,omitempty"`
	ScheduledCloseSilent bool       `gorm:"column:scheduled_close_silent;not null;default:false" json:"scheduled_close_silent"`

	ScheduledSuspendAt   *time.Time `gorm:"column:scheduled_suspend_at;index" json:"scheduled_suspend_at,omitempty"`
	ScheduledSuspendID   string     `gorm:"column:scheduled_suspend_id;not null;default:''" json:"scheduled_suspend_id,omitempty"`
	ScheduledSuspendName string     `gorm:"column:scheduled_suspend_name;not null;default:''" json:"scheduled_suspend_name,omitempty"`

	// Watchers pinged on the next inbound message, then cleared.
	AlertIDs AlertSet `gorm:"type:text;column:alert_ids;not null;default:''" json:"alert_ids,omitempty"`

	// Pointer to the archived transcript, owned by an external collaborator.
	LogStorageType string         `gorm:"column:log_storage_type;not null;default:''" json:"log_storage_type,omitempty"`
	LogStorageData datatypes.JSON `gorm:"type:jsonb;column:log_storage_data" json:"log_storage_data,omitempty"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Thread) TableName() string { return "thread" }
