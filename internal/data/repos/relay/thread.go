package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

type ThreadRepo interface {
	Create(dbc dbctx.Context, row *domain.Thread) (*domain.Thread, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error)
	FindOpenByUserID(dbc dbctx.Context, userID string) (*domain.Thread, error)
	FindByChannelID(dbc dbctx.Context, channelID string) (*domain.Thread, error)
	FindOpenByDMChannelID(dbc dbctx.Context, dmChannelID string) (*domain.Thread, error)
	ListByUserID(dbc dbctx.Context, userID string, limit int) ([]*domain.Thread, error)
	ListByStatus(dbc dbctx.Context, status string) ([]*domain.Thread, error)
	ListDueScheduledClose(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error)
	ListDueScheduledSuspend(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error)
	NextThreadNumber(dbc dbctx.Context) (int, error)
	CountClosedByUserID(dbc dbctx.Context, userID string) (int64, error)
	LockByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error

	// AllocateMessageNumber performs the atomic read-increment-write against
	// next_message_number and returns the pre-increment value. Requires dbc.Tx.
	AllocateMessageNumber(dbc dbctx.Context, id uuid.UUID) (int, error)
}

type threadRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewThreadRepo(db *gorm.DB, log *logger.Logger) ThreadRepo {
	return &threadRepo{db: db, log: log.With("repo", "ThreadRepo")}
}

func (r *threadRepo) Create(dbc dbctx.Context, row *domain.Thread) (*domain.Thread, error) {
	if row == nil {
		return nil, fmt.Errorf("missing thread row")
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

func (r *threadRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.Thread
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

func (r *threadRepo) FindOpenByUserID(dbc dbctx.Context, userID string) (*domain.Thread, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Where("user_id = ? AND status = ?", userID, domain.ThreadStatusOpen).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) FindByChannelID(dbc dbctx.Context, channelID string) (*domain.Thread, error) {
	if channelID == "" {
		return nil, fmt.Errorf("missing channel_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Where("channel_id = ?", channelID).
		Order("created_at DESC").
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) FindOpenByDMChannelID(dbc dbctx.Context, dmChannelID string) (*domain.Thread, error) {
	if dmChannelID == "" {
		return nil, fmt.Errorf("missing dm_channel_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Where("dm_channel_id = ? AND status = ?", dmChannelID, domain.ThreadStatusOpen).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) ListByUserID(dbc dbctx.Context, userID string, limit int) ([]*domain.Thread, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user_id")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadRepo) ListByStatus(dbc dbctx.Context, status string) ([]*domain.Thread, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("status = ?", status).
		Order("thread_number ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadRepo) ListDueScheduledClose(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("status = ? AND scheduled_close_at IS NOT NULL AND scheduled_close_at <= ?", domain.ThreadStatusOpen, now).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadRepo) ListDueScheduledSuspend(dbc dbctx.Context, now time.Time) ([]*domain.Thread, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*domain.Thread
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("status = ? AND scheduled_suspend_at IS NOT NULL AND scheduled_suspend_at <= ?", domain.ThreadStatusOpen, now).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *threadRepo) NextThreadNumber(dbc dbctx.Context) (int, error) {
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var max int
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Select("COALESCE(MAX(thread_number), 0)").
		Scan(&max).Error; err != nil {
		return 0, err
	}
	return max + 1, nil
}

func (r *threadRepo) CountClosedByUserID(dbc dbctx.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("missing user_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var n int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("user_id = ? AND status = ?", userID, domain.ThreadStatusClosed).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *threadRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*domain.Thread, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	if dbc.Tx == nil {
		return nil, fmt.Errorf("LockByID requires dbc.Tx")
	}
	var out domain.Thread
	if err := dbc.Tx.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *threadRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["updated_at"] = time.Now().UTC()
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *threadRepo) AllocateMessageNumber(dbc dbctx.Context, id uuid.UUID) (int, error) {
	row, err := r.LockByID(dbc, id)
	if err != nil {
		return 0, err
	}
	number := row.NextMessageNumber
	if number < 1 {
		number = 1
	}
	if err := dbc.Tx.WithContext(dbc.Ctx).
		Model(&domain.Thread{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"next_message_number": number + 1,
			"updated_at":          time.Now().UTC(),
		}).Error; err != nil {
		return 0, err
	}
	return number, nil
}
