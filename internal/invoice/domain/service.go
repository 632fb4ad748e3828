package domain

import (
	"context"
	"errors"

	"github.com/smallbiznis/invoicing/internal/invoice/totals"
	"github.com/smallbiznis/invoicing/pkg/db/pagination"
)

type CreateInvoiceItem struct {
	Description string `json:"description" validate:"required,max=500"`
	Quantity    string `json:"quantity" validate:"required,decimal"`
	UnitPrice   string `json:"unit_price" validate:"required,decimal"`
}

type CreateInvoiceRequest struct {
	CustomerName string              `json:"customer_name" validate:"required,max=200"`
	Currency     string              `json:"currency" validate:"omitempty,len=3,alpha"`
	IssueDate    string              `json:"issue_date" validate:"omitempty,datetime=2006-01-02"`
	DueDate      string              `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Notes        string              `json:"notes" validate:"max=2000"`
	Metadata     map[string]any      `json:"metadata"`
	Items        []CreateInvoiceItem `json:"items" validate:"required,min=1,max=500,dive"`
}

type ListInvoiceRequest struct {
	pagination.Pagination
	Currency      string `form:"currency" validate:"omitempty,len=3,alpha"`
	InvoiceNumber string `form:"invoice_number"`
	IssuedFrom    string `form:"issued_from" validate:"omitempty,datetime=2006-01-02"`
	IssuedTo      string `form:"issued_to" validate:"omitempty,datetime=2006-01-02"`
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type PreviewItem struct {
	Description string `json:"description" validate:"required,max=500"`
	Quantity    string `json:"quantity" validate:"required,decimal"`
	UnitPrice   string `json:"unit_price" validate:"required,decimal"`
	TaxRate     string `json:"tax_rate" validate:"omitempty,decimal"`
}

type PreviewTotalsRequest struct {
	Currency        string        `json:"currency" validate:"required,len=3,alpha"`
	Items           []PreviewItem `json:"items" validate:"max=500,dive"`
	DiscountType    string        `json:"discount_type" validate:"omitempty,oneof=percent fixed"`
	DiscountValue   string        `json:"discount_value" validate:"omitempty,decimal"`
	ShippingAmount  string        `json:"shipping_amount" validate:"omitempty,decimal"`
	ShippingTaxRate string        `json:"shipping_tax_rate" validate:"omitempty,decimal"`
}

// PreviewTotalsResponse carries the stored-invoice totals next to the
// discount, tax and shipping breakdown.
type PreviewTotalsResponse struct {
	Currency  string           `json:"currency"`
	Totals    totals.Totals    `json:"totals"`
	Breakdown totals.Breakdown `json:"breakdown"`
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	GetByID(ctx context.Context, id string) (Invoice, error)
	PreviewTotals(ctx context.Context, req PreviewTotalsRequest) (PreviewTotalsResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidInvoiceID    = errors.New("invalid_invoice_id")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
)
