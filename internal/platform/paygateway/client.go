// Package paygateway talks to a Mercado Pago style payment provider: it
// creates checkout preferences, fetches payment state, and verifies and
// parses webhook notifications.
package paygateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
)

// ProviderError is a non-2xx answer from the provider API.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Transient reports whether retrying the same call later may succeed.
func (e *ProviderError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTransient reports whether err is a network failure or a retryable
// provider answer.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	return err != nil
}

// Client is an API client for the payment provider.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	log         zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, accessToken string, log zerolog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		log:         log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// CheckoutRequest describes the checkout preference created for one order.
type CheckoutRequest struct {
	OrderID     string
	Title       string
	Description string
	AmountCents int64
	Currency    string
	PayerEmail  string
	// BaseURL is the public URL of this service; back and notification URLs
	// are derived from it.
	BaseURL string
}

// Checkout is the provider's answer to a checkout preference request.
type Checkout struct {
	PreferenceID     string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point,omitempty"`
}

type preferenceItem struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Quantity    int     `json:"quantity"`
	CurrencyID  string  `json:"currency_id"`
	UnitPrice   float64 `json:"unit_price"`
}

type preference struct {
	Items             []preferenceItem  `json:"items"`
	Payer             map[string]string `json:"payer,omitempty"`
	BackURLs          map[string]string `json:"back_urls"`
	AutoReturn        string            `json:"auto_return"`
	ExternalReference string            `json:"external_reference"`
	NotificationURL   string            `json:"notification_url"`
}

func (c *Client) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	base := strings.TrimRight(req.BaseURL, "/")
	pref := preference{
		Items: []preferenceItem{{
			Title:       req.Title,
			Description: req.Description,
			Quantity:    1,
			CurrencyID:  strings.ToUpper(req.Currency),
			UnitPrice:   float64(req.AmountCents) / 100,
		}},
		BackURLs: map[string]string{
			"success": base + "/payment/success",
			"failure": base + "/payment/failure",
			"pending": base + "/payment/pending",
		},
		AutoReturn:        "approved",
		ExternalReference: req.OrderID,
		NotificationURL:   base + "/webhooks/payments",
	}
	if req.PayerEmail != "" {
		pref.Payer = map[string]string{"email": req.PayerEmail}
	}

	var out Checkout
	if err := c.do(ctx, "create_checkout", http.MethodPost, "/checkout/preferences", pref, &out); err != nil {
		return Checkout{}, err
	}
	if out.PreferenceID == "" {
		return Checkout{}, fmt.Errorf("payment provider create_checkout: empty preference id")
	}
	return out, nil
}

// Payment is the subset of the provider's payment resource we act on.
type Payment struct {
	ID                string     `json:"-"`
	RawID             FlexibleID `json:"id"`
	Status            string     `json:"status"`
	StatusDetail      string     `json:"status_detail"`
	ExternalReference string     `json:"external_reference"`
	TransactionAmount float64    `json:"transaction_amount"`
	CurrencyID        string     `json:"currency_id"`
	DateCreated       *time.Time `json:"date_created"`
	DateApproved      *time.Time `json:"date_approved"`
	DateLastUpdated   *time.Time `json:"date_last_updated"`
}

func (c *Client) GetPayment(ctx context.Context, id string) (Payment, error) {
	var p Payment
	if err := c.do(ctx, "get_payment", http.MethodGet, "/v1/payments/"+id, nil, &p); err != nil {
		return Payment{}, err
	}
	p.ID = string(p.RawID)
	return p, nil
}

// MerchantOrder groups the payments made against one checkout.
type MerchantOrder struct {
	ID                FlexibleID `json:"id"`
	ExternalReference string     `json:"external_reference"`
	Payments          []struct {
		ID     FlexibleID `json:"id"`
		Status string     `json:"status"`
	} `json:"payments"`
}

func (c *Client) GetMerchantOrder(ctx context.Context, id string) (MerchantOrder, error) {
	var mo MerchantOrder
	if err := c.do(ctx, "get_merchant_order", http.MethodGet, "/merchant_orders/"+id, nil, &mo); err != nil {
		return MerchantOrder{}, err
	}
	return mo, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues(op, "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("payment provider %s: %w", op, err)
	}
	defer resp.Body.Close()
	metrics.ProviderRequestDuration.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Error().Str("op", op).Int("status", resp.StatusCode).Msg("payment provider request failed")
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Body: snippet}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}

// FlexibleID accepts identifiers the provider sends either as JSON numbers or
// strings.
type FlexibleID string

func (f *FlexibleID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*f = FlexibleID(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*f = FlexibleID(n.String())
	return nil
}
