// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/invoicing/internal/invoice/totals"
	"github.com/smallbiznis/invoicing/pkg/db"
	"gorm.io/datatypes"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "DRAFT"
)

// Invoice represents an issued invoice. Totals are derived from the items on
// every read and never stored.
type Invoice struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_org_number,priority:1" json:"org_id"`
	InvoiceNumber string            `gorm:"type:varchar(120);not null;uniqueIndex:ux_invoices_org_number,priority:2" json:"invoice_number"`
	CustomerName  string            `gorm:"type:text;not null" json:"customer_name"`
	Status        InvoiceStatus     `gorm:"type:varchar(20);not null;default:'DRAFT'" json:"status"`
	Currency      string            `gorm:"type:char(3);not null" json:"currency"`
	IssueDate     time.Time         `gorm:"not null" json:"issue_date"`
	DueDate       *time.Time        `json:"due_date,omitempty"`
	Notes         string            `gorm:"type:text" json:"notes,omitempty"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`

	Items  []InvoiceItem `gorm:"-" json:"items"`
	Totals totals.Totals `gorm:"-" json:"totals"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// InvoiceItem represents a line on an invoice.
type InvoiceItem struct {
	ID          snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID `gorm:"not null;index" json:"-"`
	InvoiceID   snowflake.ID `gorm:"not null;index" json:"-"`
	Position    int          `gorm:"not null" json:"position"`
	Description string       `gorm:"type:text;not null" json:"description"`
	Quantity    db.Decimal   `gorm:"not null" json:"quantity"`
	UnitPrice   db.Decimal   `gorm:"not null" json:"unit_price"`
	CreatedAt   time.Time    `gorm:"not null" json:"created_at"`
}

// TableName sets the database table name.
func (InvoiceItem) TableName() string { return "invoice_items" }

// LineItem converts the stored item to calculator input.
func (i InvoiceItem) LineItem() totals.LineItem {
	return totals.LineItem{
		Description: i.Description,
		Quantity:    i.Quantity.Decimal,
		UnitPrice:   i.UnitPrice.Decimal,
	}
}
