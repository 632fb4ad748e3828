package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	govalidator "github.com/go-playground/validator/v10"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/invoicing/internal/clock"
	"github.com/smallbiznis/invoicing/internal/currency"
	invoicedomain "github.com/smallbiznis/invoicing/internal/invoice/domain"
	"github.com/smallbiznis/invoicing/internal/invoice/totals"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	obsmetrics "github.com/smallbiznis/invoicing/internal/observability/metrics"
	"github.com/smallbiznis/invoicing/internal/orgcontext"
	"github.com/smallbiznis/invoicing/internal/validator"
	"github.com/smallbiznis/invoicing/pkg/db"
	"github.com/smallbiznis/invoicing/pkg/db/option"
	"github.com/smallbiznis/invoicing/pkg/db/pagination"
	"github.com/smallbiznis/invoicing/pkg/repository"
	"github.com/smallbiznis/invoicing/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const dateLayout = "2006-01-02"

type ServiceParam struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	NumberingSvc numberingdomain.Service
	Clock        clock.Clock           `optional:"true"`
	RetryPolicy  db.RetryPolicy        `optional:"true"`
	Validate     *govalidator.Validate `optional:"true"`
	Metrics      *obsmetrics.Metrics   `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID        *snowflake.Node
	numberingSvc numberingdomain.Service
	clock        clock.Clock
	retry        db.RetryPolicy
	validate     *govalidator.Validate
	metrics      *obsmetrics.Metrics

	invoicerepo repository.Store[invoicedomain.Invoice]
	itemrepo    repository.Store[invoicedomain.InvoiceItem]
}

func NewService(p ServiceParam) invoicedomain.Service {
	svcClock := p.Clock
	if svcClock == nil {
		svcClock = clock.SystemClock{}
	}
	validate := p.Validate
	if validate == nil {
		validate = validator.New()
	}
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("invoice.service"),
		genID: p.GenID,

		numberingSvc: p.NumberingSvc,
		clock:        svcClock,
		retry:        p.RetryPolicy,
		validate:     validate,
		metrics:      p.Metrics,

		invoicerepo: repository.NewStore[invoicedomain.Invoice](p.DB),
		itemrepo:    repository.NewStore[invoicedomain.InvoiceItem](p.DB),
	}
}

// Create reserves the next invoice number and stores the invoice in one
// transaction. Retryable conflicts replay the whole unit, reservation
// included, so a number is never reused across attempts.
func (s *Service) Create(ctx context.Context, req invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if err := validator.Struct(s.validate, req); err != nil {
		return invoicedomain.Invoice{}, err
	}

	issueDate := dateOf(s.clock.Now())
	if req.IssueDate != "" {
		issueDate, _ = time.Parse(dateLayout, req.IssueDate)
	}
	var dueDate *time.Time
	if req.DueDate != "" {
		parsed, _ := time.Parse(dateLayout, req.DueDate)
		if parsed.Before(issueDate) {
			return invoicedomain.Invoice{}, validator.NewFieldError("due_date", "invalid_due_date", "must not be before issue_date")
		}
		dueDate = &parsed
	}
	lines, err := parseCreateItems(req.Items)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	var created invoicedomain.Invoice
	err = db.RunInTx(ctx, s.db, s.retry, func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, int64(orgID)); err != nil {
			return err
		}

		reservation, err := s.numberingSvc.Reserve(ctx, tx, orgID, issueDate)
		if err != nil {
			return err
		}

		invoiceCurrency := currency.Normalize(req.Currency)
		if invoiceCurrency == "" {
			invoiceCurrency = reservation.DefaultCurrency
		}

		now := s.clock.Now()
		invoice := invoicedomain.Invoice{
			ID:            s.genID.Generate(),
			OrgID:         orgID,
			InvoiceNumber: reservation.Number,
			CustomerName:  strings.TrimSpace(req.CustomerName),
			Status:        invoicedomain.InvoiceStatusDraft,
			Currency:      invoiceCurrency,
			IssueDate:     issueDate,
			DueDate:       dueDate,
			Notes:         req.Notes,
			Metadata:      datatypes.JSONMap(req.Metadata),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.invoicerepo.WithTx(tx).Insert(ctx, &invoice); err != nil {
			return errors.Wrap(err, "insert invoice")
		}

		items := make([]*invoicedomain.InvoiceItem, 0, len(lines))
		for i, line := range lines {
			items = append(items, &invoicedomain.InvoiceItem{
				ID:          s.genID.Generate(),
				OrgID:       orgID,
				InvoiceID:   invoice.ID,
				Position:    i + 1,
				Description: line.Description,
				Quantity:    db.NewDecimal(line.Quantity),
				UnitPrice:   db.NewDecimal(line.UnitPrice),
				CreatedAt:   now,
			})
		}
		if err := s.itemrepo.WithTx(tx).InsertBatch(ctx, items); err != nil {
			return errors.Wrap(err, "insert invoice items")
		}

		invoice.Items = derefItems(items)
		created = invoice
		return nil
	})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	s.withTotals(ctx, &created)
	s.metrics.RecordInvoiceCreated(ctx, created.Currency)
	s.log.Info("invoice created",
		zap.String("org_id", orgID.String()),
		zap.String("invoice_id", created.ID.String()),
		zap.String("invoice_number", created.InvoiceNumber),
		zap.String("currency", created.Currency),
	)
	return created, nil
}

func (s *Service) List(ctx context.Context, req invoicedomain.ListInvoiceRequest) (invoicedomain.ListInvoiceResponse, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	if err := validator.Struct(s.validate, req); err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}
	if _, err := pagination.DecodeCursor(req.PageToken); err != nil {
		return invoicedomain.ListInvoiceResponse{}, invoicedomain.ErrInvalidPageToken
	}

	filter := &invoicedomain.Invoice{
		OrgID:         orgID,
		Currency:      currency.Normalize(req.Currency),
		InvoiceNumber: strings.TrimSpace(req.InvoiceNumber),
	}

	options := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{OrderBy: "desc"}),
	}
	if req.IssuedFrom != "" {
		from, _ := time.Parse(dateLayout, req.IssuedFrom)
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "issue_date",
			Operator: option.GTE,
			Value:    from,
		}))
	}
	if req.IssuedTo != "" {
		to, _ := time.Parse(dateLayout, req.IssuedTo)
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "issue_date",
			Operator: option.LTE,
			Value:    to,
		}))
	}
	options = append(options, option.ApplyPagination(req.Pagination))

	rows, err := s.invoicerepo.List(ctx, filter, options...)
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, errors.Wrap(err, "list invoices")
	}

	rows, pageInfo := pagination.BuildCursorPageInfo(rows, req.Size(), func(inv *invoicedomain.Invoice) pagination.Cursor {
		return pagination.Cursor{ID: inv.ID.String()}
	})

	itemsByInvoice, err := s.loadItems(ctx, orgID, lo.Map(rows, func(inv *invoicedomain.Invoice, _ int) snowflake.ID {
		return inv.ID
	}))
	if err != nil {
		return invoicedomain.ListInvoiceResponse{}, err
	}

	invoices := make([]invoicedomain.Invoice, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		invoice := *row
		invoice.Items = itemsByInvoice[invoice.ID]
		s.withTotals(ctx, &invoice)
		invoices = append(invoices, invoice)
	}

	return invoicedomain.ListInvoiceResponse{PageInfo: pageInfo, Invoices: invoices}, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	orgID, err := s.orgIDFromContext(ctx)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || invoiceID == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}

	item, err := s.invoicerepo.Get(ctx, &invoicedomain.Invoice{ID: invoiceID, OrgID: orgID})
	if errors.Is(err, repository.ErrNotFound) {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return invoicedomain.Invoice{}, errors.Wrap(err, "load invoice")
	}

	itemsByInvoice, err := s.loadItems(ctx, orgID, []snowflake.ID{item.ID})
	if err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice := *item
	invoice.Items = itemsByInvoice[invoice.ID]
	s.withTotals(ctx, &invoice)
	return invoice, nil
}

// PreviewTotals computes both totals variants for unsaved items. Nothing is
// persisted.
func (s *Service) PreviewTotals(ctx context.Context, req invoicedomain.PreviewTotalsRequest) (invoicedomain.PreviewTotalsResponse, error) {
	if err := validator.Struct(s.validate, req); err != nil {
		return invoicedomain.PreviewTotalsResponse{}, err
	}

	taxed := make([]totals.TaxedLineItem, 0, len(req.Items))
	for _, item := range req.Items {
		taxed = append(taxed, totals.TaxedLineItem{
			LineItem: totals.LineItem{
				Description: strings.TrimSpace(item.Description),
				Quantity:    parseDecimal(item.Quantity),
				UnitPrice:   parseDecimal(item.UnitPrice),
			},
			TaxRate: parseDecimal(item.TaxRate),
		})
	}

	code := currency.Normalize(req.Currency)
	canonical := totals.Compute(lo.Map(taxed, func(item totals.TaxedLineItem, _ int) totals.LineItem {
		return item.LineItem
	}), code)
	breakdown := totals.ComputeBreakdown(totals.BreakdownInput{
		Items:           taxed,
		DiscountType:    totals.DiscountType(req.DiscountType),
		DiscountValue:   parseDecimal(req.DiscountValue),
		ShippingAmount:  parseDecimal(req.ShippingAmount),
		ShippingTaxRate: parseDecimal(req.ShippingTaxRate),
	}, code)

	s.metrics.RecordTotalsComputed(ctx, code, "canonical")
	s.metrics.RecordTotalsComputed(ctx, code, "breakdown")

	return invoicedomain.PreviewTotalsResponse{
		Currency:  code,
		Totals:    canonical,
		Breakdown: breakdown,
	}, nil
}

func (s *Service) loadItems(ctx context.Context, orgID snowflake.ID, invoiceIDs []snowflake.ID) (map[snowflake.ID][]invoicedomain.InvoiceItem, error) {
	if len(invoiceIDs) == 0 {
		return map[snowflake.ID][]invoicedomain.InvoiceItem{}, nil
	}

	rows, err := s.itemrepo.List(ctx, &invoicedomain.InvoiceItem{OrgID: orgID},
		option.ApplyOperator(option.Condition{
			Field:    "invoice_id",
			Operator: option.IN,
			Value:    lo.ToAnySlice(invoiceIDs),
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "load invoice items")
	}

	grouped := lo.GroupBy(derefItems(rows), func(item invoicedomain.InvoiceItem) snowflake.ID {
		return item.InvoiceID
	})
	for id := range grouped {
		slices.SortFunc(grouped[id], func(a, b invoicedomain.InvoiceItem) int {
			return a.Position - b.Position
		})
	}
	return grouped, nil
}

// withTotals derives totals from the items. They are never read from storage.
func (s *Service) withTotals(ctx context.Context, invoice *invoicedomain.Invoice) {
	invoice.Totals = totals.Compute(lo.Map(invoice.Items, func(item invoicedomain.InvoiceItem, _ int) totals.LineItem {
		return item.LineItem()
	}), invoice.Currency)
	if invoice.Items == nil {
		invoice.Items = []invoicedomain.InvoiceItem{}
	}
	s.metrics.RecordTotalsComputed(ctx, invoice.Currency, "canonical")
}

func (s *Service) orgIDFromContext(ctx context.Context) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return 0, invoicedomain.ErrInvalidOrganization
	}
	return orgID, nil
}

func parseCreateItems(items []invoicedomain.CreateInvoiceItem) ([]totals.LineItem, error) {
	lines := make([]totals.LineItem, 0, len(items))
	for i, item := range items {
		quantity, err := decimal.NewFromString(strings.TrimSpace(item.Quantity))
		if err != nil {
			return nil, validator.NewFieldError(fmt.Sprintf("items[%d].quantity", i), "invalid_decimal", "must be a decimal number")
		}
		unitPrice, err := decimal.NewFromString(strings.TrimSpace(item.UnitPrice))
		if err != nil {
			return nil, validator.NewFieldError(fmt.Sprintf("items[%d].unit_price", i), "invalid_decimal", "must be a decimal number")
		}
		lines = append(lines, totals.LineItem{
			Description: strings.TrimSpace(item.Description),
			Quantity:    quantity,
			UnitPrice:   unitPrice,
		})
	}
	return lines, nil
}

// parseDecimal reads a value that already passed the decimal validation.
// Empty optional fields read as zero.
func parseDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}

func derefItems(items []*invoicedomain.InvoiceItem) []invoicedomain.InvoiceItem {
	return lo.FilterMap(items, func(item *invoicedomain.InvoiceItem, _ int) (invoicedomain.InvoiceItem, bool) {
		if item == nil {
			return invoicedomain.InvoiceItem{}, false
		}
		return *item, true
	})
}

func dateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
