package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Service interface {
	// Reserve assigns the next invoice number of the organization inside tx.
	// The caller owns tx; committing it makes the reservation durable and
	// rolling it back releases the number.
	Reserve(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, issueDate time.Time) (Reservation, error)
	GetSettings(ctx context.Context, orgID snowflake.ID) (NumberingState, error)
	UpdateSettings(ctx context.Context, orgID snowflake.ID, req UpdateSettingsRequest) (NumberingState, error)
	// Preview returns the number the next reservation would produce without
	// changing any state.
	Preview(ctx context.Context, orgID snowflake.ID, issueDate time.Time) (Reservation, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidIssueDate      = errors.New("invalid_issue_date")
	ErrInvalidPrefixTemplate = errors.New("invalid_prefix_template")
	ErrInvalidNumberPadding  = errors.New("invalid_number_padding")
	ErrInvalidCurrency       = errors.New("invalid_currency")
	ErrMissingTransaction    = errors.New("missing_transaction")
	ErrNumberingConflict     = errors.New("invoice_numbering_conflict")
)
