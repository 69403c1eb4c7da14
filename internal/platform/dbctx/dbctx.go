package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repos fall back to their pooled handle when Tx is nil.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
