package cora

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/logger"
	"github.com/dvloznov/school-finance/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

const maxErrorBody = 4 << 10

// Config configures the provider client.
type Config struct {
	BaseURL string
	Token   string
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration

	// Breaker settings. Zero values take the defaults below.
	BreakerMaxRequests         uint32
	BreakerInterval            time.Duration
	BreakerTimeout             time.Duration
	BreakerConsecutiveFailures uint32
}

// Client calls the provider API through a circuit breaker. Network errors,
// timeouts and 5xx answers count as breaker failures; 4xx answers do not.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, log zerolog.Logger) (*Client, error) {
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("NewClient: invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerMaxRequests == 0 {
		cfg.BreakerMaxRequests = 1
	}
	if cfg.BreakerInterval <= 0 {
		cfg.BreakerInterval = time.Minute
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.BreakerConsecutiveFailures == 0 {
		cfg.BreakerConsecutiveFailures = 5
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    httpClient,
		log:     log,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cora",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.ProviderBreakerState.Set(breakerGauge(to))
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Provider circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			var pe *domain.ProviderError
			if errors.As(err, &pe) {
				return pe.StatusCode >= 400 && pe.StatusCode < 500
			}
			return err == nil
		},
	})
	return c, nil
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

// CreateInvoice issues a new invoice.
func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error) {
	if !req.Amount.IsPositive() {
		return nil, &domain.ProviderError{Op: "create", Err: errors.New("amount must be positive")}
	}
	body := wireRequest{
		InvoiceRequest: req,
		AmountCents:    req.Amount.Shift(2).Round(0).IntPart(),
	}
	return c.do(ctx, "create", http.MethodPost, "/invoices", body)
}

// GetInvoice fetches the current provider state of an invoice.
func (c *Client) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	return c.do(ctx, "get", http.MethodGet, "/invoices/"+url.PathEscape(id), nil)
}

// CancelInvoice withdraws an open invoice.
func (c *Client) CancelInvoice(ctx context.Context, id string) (*Invoice, error) {
	return c.do(ctx, "cancel", http.MethodDelete, "/invoices/"+url.PathEscape(id), nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body interface{}) (*Invoice, error) {
	start := time.Now()
	defer func() {
		metrics.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	result, err := c.cb.Execute(func() (interface{}, error) {
		return c.roundTrip(ctx, op, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &domain.ProviderError{Op: op, Err: fmt.Errorf("circuit breaker: %w", err)}
	}
	if err != nil {
		return nil, err
	}
	return result.(*Invoice), nil
}

func (c *Client) roundTrip(ctx context.Context, op, method, path string, body interface{}) (*Invoice, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, &domain.ProviderError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &domain.ProviderError{Op: op, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if reqID := logger.RequestID(ctx); reqID != "" {
		req.Header.Set("X-Request-ID", reqID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(readErrorMessage(resp.Body))}
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	if inv.ID == "" || !inv.Status.Valid() {
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed response: invoice_id %q status %q", inv.ID, inv.Status)}
	}
	return &inv, nil
}

func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil && eb.Message != "" {
		return eb.Message
	}
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		return "empty response body"
	}
	return msg
}
