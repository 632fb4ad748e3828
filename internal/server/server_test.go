package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/smallbiznis/invoicing/internal/clock"
	"github.com/smallbiznis/invoicing/internal/config"
	invoicedomain "github.com/smallbiznis/invoicing/internal/invoice/domain"
	invoiceservice "github.com/smallbiznis/invoicing/internal/invoice/service"
	numberingdomain "github.com/smallbiznis/invoicing/internal/numbering/domain"
	numberingrepository "github.com/smallbiznis/invoicing/internal/numbering/repository"
	numberingservice "github.com/smallbiznis/invoicing/internal/numbering/service"
	"github.com/smallbiznis/invoicing/internal/observability"
	"github.com/smallbiznis/invoicing/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testOrgHeader = "777"

type apiError struct {
	Error struct {
		Type    string            `json:"type"`
		Message string            `json:"message"`
		Errors  []ValidationError `json:"errors"`
	} `json:"error"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(
		&numberingdomain.NumberingState{},
		&invoicedomain.Invoice{},
		&invoicedomain.InvoiceItem{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	fake := clock.NewFakeClock(time.Date(2025, time.March, 7, 9, 0, 0, 0, time.UTC))
	retry := db.RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	numberingSvc := numberingservice.NewService(numberingservice.ServiceParam{
		DB:          conn,
		Log:         zap.NewNop(),
		Repo:        numberingrepository.Provide(),
		Defaults:    config.StaticNumberingDefaults(config.DefaultNumberingDefaults()),
		Clock:       fake,
		RetryPolicy: retry,
	})
	invoiceSvc := invoiceservice.NewService(invoiceservice.ServiceParam{
		DB:           conn,
		Log:          zap.NewNop(),
		GenID:        node,
		NumberingSvc: numberingSvc,
		Clock:        fake,
		RetryPolicy:  retry,
	})

	return newServerWith(invoiceSvc, numberingSvc, fake)
}

func newServerWith(invoiceSvc invoicedomain.Service, numberingSvc numberingdomain.Service, c clock.Clock) *Server {
	engine := NewEngine(observability.Config{Environment: "test"}, nil)
	return NewServer(ServerParams{
		Gin:          engine,
		Cfg:          config.Config{Environment: "test"},
		InvoiceSvc:   invoiceSvc,
		NumberingSvc: numberingSvc,
		Clock:        c,
	})
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderOrg, testOrgHeader)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type invoiceEnvelope struct {
	Data struct {
		ID            string `json:"id"`
		InvoiceNumber string `json:"invoice_number"`
		Currency      string `json:"currency"`
		Status        string `json:"status"`
		Items         []any  `json:"items"`
		Totals        struct {
			Subtotal string `json:"subtotal"`
			Total    string `json:"total"`
		} `json:"totals"`
	} `json:"data"`
}

func validInvoiceBody() map[string]any {
	return map[string]any{
		"customer_name": "Acme Ltd",
		"items": []map[string]any{
			{"description": "Consulting", "quantity": "3", "unit_price": "10.005"},
		},
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIRequiresOrgHeader(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", decode[apiError](t, w).Error.Type)

	req = httptest.NewRequest(http.MethodGet, "/api/invoices", nil)
	req.Header.Set(HeaderOrg, "not-a-number")
	w = httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateAndFetchInvoice(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/invoices", validInvoiceBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decode[invoiceEnvelope](t, w)
	assert.Equal(t, "INV-2025-0001", created.Data.InvoiceNumber)
	assert.Equal(t, "USD", created.Data.Currency)
	assert.Equal(t, "DRAFT", created.Data.Status)
	assert.Equal(t, "30.02", created.Data.Totals.Total)
	require.NotEmpty(t, created.Data.ID)

	w = doRequest(t, s, http.MethodGet, "/api/invoices/"+created.Data.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	fetched := decode[invoiceEnvelope](t, w)
	assert.Equal(t, created.Data.InvoiceNumber, fetched.Data.InvoiceNumber)
	assert.Len(t, fetched.Data.Items, 1)
	assert.Equal(t, "30.02", fetched.Data.Totals.Total)
}

func TestCreateInvoiceValidation(t *testing.T) {
	s := newTestServer(t)

	body := validInvoiceBody()
	body["items"] = []map[string]any{{"description": "x", "quantity": "lots", "unit_price": "1"}}
	w := doRequest(t, s, http.MethodPost, "/api/invoices", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	resp := decode[apiError](t, w)
	assert.Equal(t, "validation_error", resp.Error.Type)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "items[0].quantity", resp.Error.Errors[0].Field)
	assert.Equal(t, "invalid_decimal", resp.Error.Errors[0].Code)

	w = doRequest(t, s, http.MethodPost, "/api/invoices", "{not json")
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp = decode[apiError](t, w)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "invalid_request", resp.Error.Errors[0].Code)
}

func TestGetInvoiceErrors(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/invoices/123456", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/invoices/abc", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[apiError](t, w)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "invalid_invoice_id", resp.Error.Errors[0].Code)
	assert.Equal(t, "invoice_id", resp.Error.Errors[0].Field)
}

func TestListInvoicesPaginates(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		w := doRequest(t, s, http.MethodPost, "/api/invoices", validInvoiceBody())
		require.Equal(t, http.StatusCreated, w.Code)
	}

	type listEnvelope struct {
		Data     []map[string]any `json:"data"`
		PageInfo struct {
			NextPageToken string `json:"next_page_token"`
			HasMore       bool   `json:"has_more"`
		} `json:"page_info"`
	}

	w := doRequest(t, s, http.MethodGet, "/api/invoices?page_size=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	page := decode[listEnvelope](t, w)
	require.Len(t, page.Data, 2)
	assert.True(t, page.PageInfo.HasMore)
	assert.Equal(t, "INV-2025-0003", page.Data[0]["invoice_number"])

	w = doRequest(t, s, http.MethodGet, "/api/invoices?page_size=2&page_token="+page.PageInfo.NextPageToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page = decode[listEnvelope](t, w)
	require.Len(t, page.Data, 1)
	assert.False(t, page.PageInfo.HasMore)

	w = doRequest(t, s, http.MethodGet, "/api/invoices?page_size=0", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestPreviewInvoiceTotals(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/api/invoices/preview-totals", map[string]any{
		"currency": "JPY",
		"items": []map[string]any{
			{"description": "Widget", "quantity": "3", "unit_price": "10.5", "tax_rate": "10"},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data invoicedomain.PreviewTotalsResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "32", resp.Data.Totals.Total)
	assert.Equal(t, "3", resp.Data.Breakdown.TaxTotal)
	assert.Equal(t, "35", resp.Data.Breakdown.Total)
}

func TestNumberingSettingsEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/api/settings/numbering", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var settings struct {
		Data numberingdomain.NumberingState `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &settings))
	assert.Equal(t, "INV-YYYY-", settings.Data.PrefixTemplate)
	assert.Equal(t, int64(1), settings.Data.NextNumber)

	w = doRequest(t, s, http.MethodPatch, "/api/settings/numbering", map[string]any{
		"prefix_template": "FAC-YY-",
		"number_padding":  6,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(t, s, http.MethodGet, "/api/settings/numbering/preview?issue_date=2025-12-31", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var preview struct {
		Data numberingdomain.Reservation `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &preview))
	assert.Equal(t, "FAC-25-000001", preview.Data.Number)

	w = doRequest(t, s, http.MethodGet, "/api/settings/numbering/preview", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(t, s, http.MethodGet, "/api/settings/numbering/preview?issue_date=31-12-2025", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_issue_date", decode[apiError](t, w).Error.Errors[0].Code)

	w = doRequest(t, s, http.MethodPatch, "/api/settings/numbering", map[string]any{"number_padding": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode[apiError](t, w)
	require.Len(t, resp.Error.Errors, 1)
	assert.Equal(t, "number_padding", resp.Error.Errors[0].Field)
}

func TestUnknownRoute(t *testing.T) {
	s := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[apiError](t, w).Error.Type)
}

type conflictingInvoiceService struct {
	invoicedomain.Service
}

func (conflictingInvoiceService) Create(context.Context, invoicedomain.CreateInvoiceRequest) (invoicedomain.Invoice, error) {
	return invoicedomain.Invoice{}, db.MarkRetryable(numberingdomain.ErrNumberingConflict)
}

func TestCreateInvoiceConflictMapsTo409(t *testing.T) {
	s := newServerWith(conflictingInvoiceService{}, nil, clock.SystemClock{})

	w := doRequest(t, s, http.MethodPost, "/api/invoices", validInvoiceBody())
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "conflict", decode[apiError](t, w).Error.Type)
}
