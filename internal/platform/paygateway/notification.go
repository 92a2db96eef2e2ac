package paygateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrMalformedNotification is returned when a delivery carries neither a
// notification type nor a resource id.
var ErrMalformedNotification = errors.New("malformed payment notification")

// Notification is a webhook delivery as sent by the provider. Only the
// resource reference is trusted; its state is always fetched from the API.
type Notification struct {
	ID          string    `json:"-"`
	Type        string    `json:"-"`
	Action      string    `json:"-"`
	DataID      string    `json:"-"`
	LiveMode    bool      `json:"-"`
	DateCreated time.Time `json:"-"`
}

type rawNotification struct {
	ID          FlexibleID `json:"id"`
	Type        string     `json:"type"`
	Topic       string     `json:"topic"`
	Action      string     `json:"action"`
	LiveMode    bool       `json:"live_mode"`
	DateCreated *time.Time `json:"date_created"`
	Resource    string     `json:"resource"`
	Data        struct {
		ID FlexibleID `json:"id"`
	} `json:"data"`
}

// ParseNotification decodes a webhook body. Query parameters fill in what the
// body lacks, as in the provider's query-string style notifications
// ("?type=payment&data.id=123" or "?topic=merchant_order&id=456").
func ParseNotification(body []byte, query url.Values) (Notification, error) {
	var raw rawNotification
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &raw); err != nil {
			return Notification{}, fmt.Errorf("%w: %v", ErrMalformedNotification, err)
		}
	}

	n := Notification{
		ID:       string(raw.ID),
		Type:     raw.Type,
		Action:   raw.Action,
		DataID:   string(raw.Data.ID),
		LiveMode: raw.LiveMode,
	}
	if raw.DateCreated != nil {
		n.DateCreated = raw.DateCreated.UTC()
	}
	if n.Type == "" {
		n.Type = raw.Topic
	}
	if n.DataID == "" && raw.Resource != "" {
		n.DataID = lastPathSegment(raw.Resource)
	}

	if n.Type == "" {
		n.Type = firstNonEmpty(query.Get("type"), query.Get("topic"))
	}
	if n.DataID == "" {
		n.DataID = firstNonEmpty(query.Get("data.id"), query.Get("id"))
	}

	if n.Type == "" || n.DataID == "" {
		return n, ErrMalformedNotification
	}
	return n, nil
}

// StatusClass is the provider-neutral meaning of a payment status.
type StatusClass string

const (
	ClassPending   StatusClass = "pending"
	ClassApproved  StatusClass = "approved"
	ClassRejected  StatusClass = "rejected"
	ClassCancelled StatusClass = "cancelled"
	ClassExpired   StatusClass = "expired"
	ClassRefunded  StatusClass = "refunded"
	ClassUnknown   StatusClass = "unknown"
)

// Classify maps a provider payment status to a StatusClass.
func Classify(providerStatus string) StatusClass {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "pending", "in_process", "authorized", "in_mediation":
		return ClassPending
	case "approved":
		return ClassApproved
	case "rejected":
		return ClassRejected
	case "cancelled", "canceled":
		return ClassCancelled
	case "expired":
		return ClassExpired
	case "refunded", "charged_back", "partially_refunded":
		return ClassRefunded
	default:
		return ClassUnknown
	}
}

// Resolution is the authoritative payment state behind a notification.
type Resolution struct {
	PaymentID      string
	OrderReference string
	Status         string
	Class          StatusClass
	OccurredAt     *time.Time
}

// Resolver fetches the state a notification refers to.
type Resolver interface {
	Resolve(ctx context.Context, n Notification) (Resolution, error)
}

// ErrUnsupportedTopic marks notifications about resources that carry no
// payment state (for example "plan" or "subscription").
var ErrUnsupportedTopic = errors.New("unsupported notification topic")

// ErrNoPayment means a merchant order has no payment attached yet.
var ErrNoPayment = errors.New("merchant order has no payments")

// Resolve fetches the payment behind n. Merchant-order notifications resolve to
// the order's first payment.
func (c *Client) Resolve(ctx context.Context, n Notification) (Resolution, error) {
	paymentID := n.DataID
	switch n.Type {
	case "payment":
	case "merchant_order":
		mo, err := c.GetMerchantOrder(ctx, n.DataID)
		if err != nil {
			return Resolution{}, err
		}
		if len(mo.Payments) == 0 {
			return Resolution{OrderReference: mo.ExternalReference}, ErrNoPayment
		}
		paymentID = string(mo.Payments[0].ID)
	default:
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnsupportedTopic, n.Type)
	}

	p, err := c.GetPayment(ctx, paymentID)
	if err != nil {
		return Resolution{}, err
	}
	res := Resolution{
		PaymentID:      p.ID,
		OrderReference: p.ExternalReference,
		Status:         p.Status,
		Class:          Classify(p.Status),
		OccurredAt:     p.DateLastUpdated,
	}
	if res.OccurredAt == nil {
		res.OccurredAt = p.DateCreated
	}
	return res, nil
}

func lastPathSegment(s string) string {
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndex(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
