package relay

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

type ThreadMessageRepo interface {
	Create(dbc dbctx.Context, row *domain.ThreadMessage) (*domain.ThreadMessage, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ThreadMessage, error)
	ListByThread(dbc dbctx.Context, threadID uuid.UUID) ([]*domain.ThreadMessage, error)
	FindByEitherMessageID(dbc dbctx.Context, threadID uuid.UUID, externalID string) (*domain.ThreadMessage, error)
	FindByMessageNumber(dbc dbctx.Context, threadID uuid.UUID, number int) (*domain.ThreadMessage, error)
	LatestUserFacing(dbc dbctx.Context, threadID uuid.UUID) (*domain.ThreadMessage, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	DeleteByID(dbc dbctx.Context, id uuid.UUID) error
	DeleteChatByInboxMessageID(dbc dbctx.Context, threadID uuid.UUID, inboxMessageID string) error
}

type threadMessageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadMessageRepo(db *gorm.DB, log *logger.Logger) ThreadMessageRepo {
	return &threadMessageRepo{db: db, log: log.With("repo", "ThreadMessageRepo")}
}

func (r *threadMessageRepo) Create(dbc dbctx.Context, row *domain.ThreadMessage) (*domain.ThreadMessage, error) {
	if row == nil {
		return nil, fmt.Errorf("missing message row")
	}
	if row.ThreadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if len(row.Metadata) == 0 {
		row.Metadata = datatypes.JSON([]byte("{}"))
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	if err := txx.WithContext(dbc.Ctx).Create(row).Error; err != nil {
		return nil, err
	}
	return row, nil
}

func (r *threadMessageRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.ThreadMessage, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.ThreadMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadMessageRepo) ListByThread(dbc dbctx.Context, threadID uuid.UUID) ([]*domain.ThreadMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*domain.ThreadMessage
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.ThreadMessage{}).
		Where("thread_id = ?", threadID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadMessageRepo) FindByEitherMessageID(dbc dbctx.Context, threadID uuid.UUID, externalID string) (*domain.ThreadMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if externalID == "" {
		return nil, fmt.Errorf("missing external message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.ThreadMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND (dm_message_id = ? OR inbox_message_id = ?)", threadID, externalID, externalID).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadMessageRepo) FindByMessageNumber(dbc dbctx.Context, threadID uuid.UUID, number int) (*domain.ThreadMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	if number < 1 {
		return nil, apperr.ErrNotFound
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.ThreadMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND message_number = ?", threadID, number).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadMessageRepo) LatestUserFacing(dbc dbctx.Context, threadID uuid.UUID) (*domain.ThreadMessage, error) {
	if threadID == uuid.Nil {
		return nil, fmt.Errorf("missing thread_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.ThreadMessage
	if err := txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND message_type IN ?", threadID, []string{
			domain.MessageTypeFromUser,
			domain.MessageTypeToUser,
			domain.MessageTypeSystemToUser,
		}).
		Order("created_at DESC").
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadMessageRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&domain.ThreadMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *threadMessageRepo) DeleteByID(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&domain.ThreadMessage{}).Error
}

func (r *threadMessageRepo) DeleteChatByInboxMessageID(dbc dbctx.Context, threadID uuid.UUID, inboxMessageID string) error {
	if threadID == uuid.Nil {
		return fmt.Errorf("missing thread_id")
	}
	if inboxMessageID == "" {
		return fmt.Errorf("missing inbox message id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Where("thread_id = ? AND inbox_message_id = ? AND message_type = ?", threadID, inboxMessageID, domain.MessageTypeChat).
		Delete(&domain.ThreadMessage{}).Error
}
