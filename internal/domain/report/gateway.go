package report

import (
	"context"
	"fmt"
	"time"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
	"github.com/luiz1143/Analisa-vet/internal/domain/payment"
	"github.com/luiz1143/Analisa-vet/internal/platform/auth"
	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
)

type Level string

const (
	LevelFull    Level = "full"
	LevelPreview Level = "preview"
)

// Preview is what an unpaid report discloses: how bad it is, not why.
type Preview struct {
	ID           string            `json:"id"`
	Species      string            `json:"species"`
	Severity     analysis.Severity `json:"severity"`
	FindingCount int               `json:"finding_count"`
	CreatedAt    time.Time         `json:"created_at"`
}

// PreviewOf strips a report down to its preview.
func PreviewOf(r *analysis.Report) Preview {
	return Preview{
		ID:           r.ID,
		Species:      r.Species,
		Severity:     r.Severity,
		FindingCount: r.FindingCount,
		CreatedAt:    r.CreatedAt,
	}
}

// Disclosure is a report as the caller is allowed to see it. Exactly one of
// Full and Preview is set.
type Disclosure struct {
	Level       Level            `json:"level"`
	Full        *analysis.Report `json:"report,omitempty"`
	Preview     *Preview         `json:"preview,omitempty"`
	OrderStatus payment.Status   `json:"order_status,omitempty"`
}

// OrderLookup lists a report's orders, newest first. payment.Store
// satisfies it.
type OrderLookup interface {
	ListByReport(ctx context.Context, reportID string) ([]*payment.Order, error)
}

// Gateway decides how much of a report a caller may read. It only reads
// order state; payment truth is owned by the reconciler.
type Gateway struct {
	repo   Repository
	orders OrderLookup
}

func NewGateway(repo Repository, orders OrderLookup) *Gateway {
	return &Gateway{repo: repo, orders: orders}
}

// Resolve returns the full report when its current order is approved and a
// preview otherwise. Reports the caller does not own are ErrNotFound.
func (g *Gateway) Resolve(ctx context.Context, reportID string, ent auth.Entitlement) (Disclosure, error) {
	r, err := g.repo.Get(ctx, reportID)
	if err != nil {
		return Disclosure{}, err
	}
	if !ent.CanAccess(r.OwnerID) {
		return Disclosure{}, ErrNotFound
	}

	orders, err := g.orders.ListByReport(ctx, reportID)
	if err != nil {
		return Disclosure{}, fmt.Errorf("list orders: %w", err)
	}
	current := currentOrder(orders)

	d := Disclosure{Level: LevelPreview}
	if current != nil {
		d.OrderStatus = current.Status
	}
	if current != nil && current.Status == payment.StatusApproved {
		d.Level = LevelFull
		d.Full = r
	} else {
		p := PreviewOf(r)
		d.Preview = &p
	}
	metrics.DisclosuresTotal.WithLabelValues(string(d.Level)).Inc()
	return d, nil
}

// currentOrder is the newest order that did not fail. Failed attempts do not
// hide an earlier or later payment.
func currentOrder(newestFirst []*payment.Order) *payment.Order {
	for _, o := range newestFirst {
		if !o.Status.Failed() {
			return o
		}
	}
	return nil
}
