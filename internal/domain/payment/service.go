package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/paygateway"
)

// ReportLookup answers who owns a report. It returns ErrReportNotFound for
// unknown reports.
type ReportLookup interface {
	ReportOwner(ctx context.Context, reportID string) (string, error)
}

// CheckoutProvider creates hosted checkouts at the payment provider.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, req paygateway.CheckoutRequest) (paygateway.Checkout, error)
}

// CreateOrderRequest asks for a checkout for one report.
type CreateOrderRequest struct {
	ReportID    string `json:"report_id"`
	AmountCents int64  `json:"amount"`
	Currency    string `json:"currency"`
	PayerEmail  string `json:"payer_email,omitempty"`
}

// Service is the order-facing side of payments: checkout creation, order
// reads and the expiry sweep. All state changes go through the Reconciler.
type Service struct {
	store    Store
	rec      *Reconciler
	reports  ReportLookup
	checkout CheckoutProvider
	baseURL  string
	log      zerolog.Logger
	now      func() time.Time
}

// NewService wires the order service. checkout may be nil, in which case
// CreateOrder fails with ErrCheckoutNotReady.
func NewService(store Store, rec *Reconciler, reports ReportLookup, checkout CheckoutProvider, baseURL string, log zerolog.Logger) *Service {
	return &Service{
		store:    store,
		rec:      rec,
		reports:  reports,
		checkout: checkout,
		baseURL:  baseURL,
		log:      log.With().Str("component", "payment").Logger(),
		now:      time.Now,
	}
}

func (s *Service) Reconciler() *Reconciler { return s.rec }

// CreateOrder opens a checkout for a report the caller owns. An order that is
// still open is returned as is; a report with an approved order is refused
// with ErrAlreadyPaid.
func (s *Service) CreateOrder(ctx context.Context, ent auth.Entitlement, req CreateOrderRequest) (*Order, error) {
	req.ReportID = strings.TrimSpace(req.ReportID)
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := validateOrderRequest(req); err != nil {
		return nil, err
	}
	if err := s.authorizeReport(ctx, ent, req.ReportID); err != nil {
		return nil, err
	}

	if existing, err := s.usableOrder(ctx, req.ReportID); err != nil || existing != nil {
		return existing, err
	}
	if s.checkout == nil {
		return nil, ErrCheckoutNotReady
	}

	now := s.now().UTC()
	o := &Order{
		ID:          uuid.New(),
		ReportID:    req.ReportID,
		OwnerID:     ent.UserID,
		Status:      StatusCreated,
		AmountCents: req.AmountCents,
		Currency:    req.Currency,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateOrder(ctx, o); err != nil {
		if errors.Is(err, ErrOpenOrderExists) {
			// Lost a race with a concurrent request for the same report.
			if existing, lerr := s.usableOrder(ctx, req.ReportID); lerr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	log := s.log.With().Str("order_id", o.ID.String()).Str("report_id", o.ReportID).Logger()

	co, err := s.checkout.CreateCheckout(ctx, paygateway.CheckoutRequest{
		OrderID:     o.ID.String(),
		Title:       "AnalisaVet - laudo " + o.ReportID,
		Description: "Interpretacao de exames laboratoriais",
		AmountCents: o.AmountCents,
		Currency:    o.Currency,
		PayerEmail:  req.PayerEmail,
		BaseURL:     s.baseURL,
	})
	if err != nil {
		log.Error().Err(err).Msg("checkout creation failed, cancelling order")
		ev := internalEvent("checkout-failed:"+o.ID.String(), KindStatusUpdate, o.ID, StatusCancelled, s.now())
		if _, perr := s.rec.Process(ctx, ev); perr != nil {
			log.Error().Err(perr).Msg("cancel order after checkout failure")
		}
		return nil, fmt.Errorf("create checkout: %w", err)
	}

	ev := internalEvent("checkout:"+o.ID.String(), KindIntentCreated, o.ID, "", s.now())
	ev.CheckoutRef = co.PreferenceID
	ev.CheckoutURL = co.InitPoint
	if ev.CheckoutURL == "" {
		ev.CheckoutURL = co.SandboxInitPoint
	}
	res, err := s.rec.Process(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("record checkout: %w", err)
	}
	log.Info().Str("checkout_reference", co.PreferenceID).Msg("checkout created")
	return &res.Order, nil
}

func validateOrderRequest(req CreateOrderRequest) error {
	switch {
	case req.ReportID == "":
		return fmt.Errorf("%w: report_id is required", ErrInvalidOrder)
	case req.AmountCents <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrInvalidOrder)
	case len(req.Currency) != 3:
		return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidOrder)
	}
	for _, r := range req.Currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: currency must be a 3-letter code", ErrInvalidOrder)
		}
	}
	return nil
}

// usableOrder returns the report's open order, or ErrAlreadyPaid if an
// approved one exists. It returns nil, nil when a new order may be created.
func (s *Service) usableOrder(ctx context.Context, reportID string) (*Order, error) {
	orders, err := s.store.ListByReport(ctx, reportID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	var open *Order
	for _, o := range orders {
		if o.Status == StatusApproved {
			return nil, ErrAlreadyPaid
		}
		if o.Status.Open() && open == nil {
			open = o
		}
	}
	return open, nil
}

func (s *Service) authorizeReport(ctx context.Context, ent auth.Entitlement, reportID string) error {
	owner, err := s.reports.ReportOwner(ctx, reportID)
	if err != nil {
		return err
	}
	if !ent.CanAccess(owner) {
		return ErrReportNotFound
	}
	return nil
}

// GetOrder returns an order visible to the caller.
func (s *Service) GetOrder(ctx context.Context, ent auth.Entitlement, id uuid.UUID) (*Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ent.CanAccess(o.OwnerID) {
		return nil, ErrNotFound
	}
	return o, nil
}

// ListByReport returns the orders of a report the caller owns, newest first.
func (s *Service) ListByReport(ctx context.Context, ent auth.Entitlement, reportID string) ([]*Order, error) {
	if err := s.authorizeReport(ctx, ent, reportID); err != nil {
		return nil, err
	}
	return s.store.ListByReport(ctx, reportID)
}

// ListParked returns events kept for manual review.
func (s *Service) ListParked(ctx context.Context, limit, offset int) ([]*EventRecord, int, error) {
	return s.store.ListParked(ctx, limit, offset)
}

// ExpireStale moves open orders untouched for longer than olderThan to
// expired. It returns how many orders changed.
func (s *Service) ExpireStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := s.now().Add(-olderThan)
	orders, err := s.store.ListOpenBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}
	expired := 0
	for _, o := range orders {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ev := internalEvent("expire:"+o.ID.String(), KindStatusUpdate, o.ID, StatusExpired, s.now())
		res, err := s.rec.Process(ctx, ev)
		if err != nil {
			return expired, fmt.Errorf("expire order %s: %w", o.ID, err)
		}
		if res.Effect == EffectTransitioned {
			expired++
		}
	}
	s.log.Info().Int("expired", expired).Int("candidates", len(orders)).Time("cutoff", cutoff).Msg("expiry sweep done")
	return expired, nil
}
