package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicing/internal/numbering/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureDefault(ctx context.Context, db *gorm.DB, state *domain.NumberingState) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}},
			DoNothing: true,
		}).
		Create(state).Error
}

// FindForUpdate locks the row until the surrounding transaction ends.
// Dialects without row locks (SQLite) drop the locking clause and rely on
// their database-wide write lock.
func (r *repo) FindForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.NumberingState, error) {
	var state domain.NumberingState
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("org_id = ?", orgID).
		Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *repo) FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.NumberingState, error) {
	var state domain.NumberingState
	err := db.WithContext(ctx).
		Where("org_id = ?", orgID).
		Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (r *repo) Save(ctx context.Context, db *gorm.DB, state *domain.NumberingState, expectedVersion int64) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.NumberingState{}).
		Where("org_id = ? AND version = ?", state.OrgID, expectedVersion).
		Updates(map[string]any{
			"prefix_template":  state.PrefixTemplate,
			"last_prefix":      state.LastPrefix,
			"next_number":      state.NextNumber,
			"number_padding":   state.NumberPadding,
			"default_currency": state.DefaultCurrency,
			"version":          expectedVersion + 1,
			"updated_at":       state.UpdatedAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	state.Version = expectedVersion + 1
	return true, nil
}
