package testutil

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	domain "github.com/yungbote/relaymail/internal/domain/relay"
)

// SeedThread inserts an open thread for the given requester id.
func SeedThread(tb testing.TB, ctx context.Context, tx *gorm.DB, userID string) *domain.Thread {
	tb.Helper()
	row := &domain.Thread{
		ThreadNumber:      rand.Intn(1 << 28),
		Status:            domain.ThreadStatusOpen,
		UserID:            userID,
		UserName:          fmt.Sprintf("user-%s", userID),
		ChannelID:         fmt.Sprintf("chan-%d", rand.Int63()),
		DMChannelID:       fmt.Sprintf("dm-%d", rand.Int63()),
		NextMessageNumber: 1,
		AlertIDs:          domain.AlertSet{},
		Metadata:          datatypes.JSON([]byte("{}")),
	}
	if err := tx.WithContext(ctx).Create(row).Error; err != nil {
		tb.Fatalf("seed thread: %v", err)
	}
	return row
}
