package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// EnsureDefault inserts state when the organization has none. An existing
	// row is left untouched.
	EnsureDefault(ctx context.Context, db *gorm.DB, state *NumberingState) error
	FindForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*NumberingState, error)
	FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*NumberingState, error)
	// Save writes the mutable columns when the stored version still equals
	// expectedVersion and bumps it. It reports whether a row was written.
	Save(ctx context.Context, db *gorm.DB, state *NumberingState, expectedVersion int64) (bool, error)
}
