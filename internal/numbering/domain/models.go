package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// NumberingState is the durable per-organization invoice counter. It is the
// only source of truth for the next sequence; nothing caches it in memory.
type NumberingState struct {
	OrgID           snowflake.ID `gorm:"primaryKey;column:org_id" json:"org_id"`
	PrefixTemplate  string       `gorm:"type:varchar(50);not null" json:"prefix_template"`
	LastPrefix      *string      `gorm:"type:varchar(100)" json:"last_prefix,omitempty"`
	NextNumber      int64        `gorm:"not null;default:1" json:"next_number"`
	NumberPadding   int          `gorm:"not null;default:4" json:"number_padding"`
	DefaultCurrency string       `gorm:"type:char(3);not null" json:"default_currency"`
	Version         int64        `gorm:"not null;default:0" json:"-"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

func (NumberingState) TableName() string {
	return "invoice_numbering_states"
}

// Reservation is the outcome of reserving, or previewing, an invoice number.
type Reservation struct {
	Number          string `json:"number"`
	Prefix          string `json:"prefix"`
	Sequence        int64  `json:"sequence"`
	DefaultCurrency string `json:"default_currency"`
}

type UpdateSettingsRequest struct {
	PrefixTemplate  *string `json:"prefix_template"`
	NumberPadding   *int    `json:"number_padding"`
	DefaultCurrency *string `json:"default_currency"`
}
