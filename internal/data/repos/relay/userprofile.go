package relay

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
	"github.com/yungbote/relaymail/internal/platform/apperr"
	"github.com/yungbote/relaymail/internal/platform/dbctx"
	"github.com/yungbote/relaymail/internal/platform/logger"
)

type UserProfileRepo interface {
	GetByUserID(dbc dbctx.Context, userID string) (*domain.UserProfile, error)
	SetLanguage(dbc dbctx.Context, userID, language string) error
}

type userProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserProfileRepo(db *gorm.DB, log *logger.Logger) UserProfileRepo {
	return &userProfileRepo{db: db, log: log.With("repo", "UserProfileRepo")}
}

func (r *userProfileRepo) GetByUserID(dbc dbctx.Context, userID string) (*domain.UserProfile, error) {
	if userID == "" {
		return nil, fmt.Errorf("missing user_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out domain.UserProfile
	if err := txx.WithContext(dbc.Ctx).
		Where("user_id = ?", userID).
		Take(&out).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

func (r *userProfileRepo) SetLanguage(dbc dbctx.Context, userID, language string) error {
	if userID == "" {
		return fmt.Errorf("missing user_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	row := &domain.UserProfile{UserID: userID, Language: language}
	return txx.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"language": language, "updated_at": time.Now().UTC()}),
		}).
		Create(row).Error
}
