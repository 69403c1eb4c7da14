package relay

import (
	"time"

	"github.com/google/uuid"
)

// UserProfile persists per-requester preferences across threads.
type UserProfile struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	UserID   string    `gorm:"column:user_id;not null;uniqueIndex" json:"user_id"`
	Language string    `gorm:"column:language;not null;default:''" json:"language"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profile" }
