package cora

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.BaseURL = srv.URL
	if cfg.Token == "" {
		cfg.Token = "secret"
	}
	c, err := NewClient(cfg, srv.Client(), zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestCreateInvoice(t *testing.T) {
	var got map[string]interface{}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/invoices", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "req-1", r.Header.Get("X-Request-ID"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"invoice_id":"inv-1","status":"open","boleto_url":"https://cora.test/b/inv-1"}`))
	}, Config{})

	ctx := logger.WithRequestID(context.Background(), "req-1")
	inv, err := c.CreateInvoice(ctx, InvoiceRequest{
		Code:     "tx-1",
		Kind:     "boleto",
		Amount:   decimal.RequireFromString("613.25"),
		DueDate:  "2025-03-10",
		Customer: Customer{Name: "Ana Souza", Document: "12345678900"},
	})
	require.NoError(t, err)
	assert.Equal(t, "inv-1", inv.ID)
	assert.Equal(t, StatusOpen, inv.Status)
	assert.Equal(t, "https://cora.test/b/inv-1", inv.BoletoURL)

	assert.Equal(t, float64(61325), got["amount"])
	assert.Equal(t, "tx-1", got["code"])
	assert.Equal(t, "2025-03-10", got["due_date"])
	assert.Equal(t, "Ana Souza", got["customer"].(map[string]interface{})["name"])
}

func TestCreateInvoice_RejectsNonPositiveAmount(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}, Config{})

	_, err := c.CreateInvoice(context.Background(), InvoiceRequest{Code: "tx", Amount: decimal.Zero})
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestGetInvoice_Paid(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/invoices/inv-9", r.URL.Path)
		_, _ = w.Write([]byte(`{"invoice_id":"inv-9","status":"paid","paid_at":"2025-02-14T13:45:00Z","payment_method":"pix"}`))
	}, Config{})

	inv, err := c.GetInvoice(context.Background(), "inv-9")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, inv.Status)
	require.NotNil(t, inv.PaidAt)
	assert.True(t, inv.PaidAt.Equal(time.Date(2025, time.February, 14, 13, 45, 0, 0, time.UTC)))
	assert.Equal(t, "pix", inv.PaymentMethod)
}

func TestCancelInvoice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		_, _ = w.Write([]byte(`{"invoice_id":"inv-3","status":"cancelled"}`))
	}, Config{})

	inv, err := c.CancelInvoice(context.Background(), "inv-3")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, inv.Status)
}

func TestErrorsAreProviderErrors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantMsg    string
	}{
		{"validation message", http.StatusUnprocessableEntity, `{"message":"invalid document"}`, 422, "invalid document"},
		{"plain text", http.StatusBadGateway, "upstream exploded", 502, "upstream exploded"},
		{"malformed body", http.StatusOK, `{"invoice_id":`, 200, "malformed response"},
		{"unknown status", http.StatusOK, `{"invoice_id":"x","status":"archived"}`, 200, "malformed response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{})

			_, err := c.GetInvoice(context.Background(), "x")
			require.Error(t, err)
			var pe *domain.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantStatus, pe.StatusCode)
			assert.Equal(t, "get", pe.Op)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestTimeoutIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond}, nil, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.GetInvoice(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
}

func TestCircuitBreakerOpensOnServerErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, Config{BreakerConsecutiveFailures: 2, BreakerTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		_, err := c.GetInvoice(context.Background(), "x")
		require.Error(t, err)
	}
	_, err := c.GetInvoice(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, domain.IsProvider(err))
	assert.Contains(t, err.Error(), "circuit breaker")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}, Config{BreakerConsecutiveFailures: 2, BreakerTimeout: time.Hour})

	for i := 0; i < 4; i++ {
		_, err := c.GetInvoice(context.Background(), "x")
		require.Error(t, err)
		assert.NotContains(t, err.Error(), "circuit breaker")
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "not a url"}, nil, zerolog.Nop())
	assert.Error(t, err)
}
