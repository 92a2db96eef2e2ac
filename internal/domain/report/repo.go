package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/luiz1143/Analisa-vet/internal/domain/analysis"
)

var (
	ErrNotFound        = errors.New("report not found")
	ErrUnsupportedFile = errors.New("unsupported file type")
)

// Repository persists reports. Reports are immutable: Save is a single insert
// and saving a report whose id is already stored changes nothing.
type Repository interface {
	// Save stores r. It returns false when the id was already present.
	Save(ctx context.Context, r *analysis.Report) (bool, error)
	Get(ctx context.Context, id string) (*analysis.Report, error)
	Owner(ctx context.Context, id string) (string, error)
	// ListByOwner returns the owner's reports in display order (see
	// analysis.SortForDisplay) and the total count.
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*analysis.Report, int, error)
}

func encodeReport(r *analysis.Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return b, nil
}

func decodeReport(b []byte) (*analysis.Report, error) {
	var r analysis.Report
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// MemoryRepo keeps reports in process memory, for tests and development.
type MemoryRepo struct {
	mu      sync.RWMutex
	reports map[string][]byte
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{reports: make(map[string][]byte)}
}

func (m *MemoryRepo) Save(_ context.Context, r *analysis.Report) (bool, error) {
	b, err := encodeReport(r)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[r.ID]; ok {
		return false, nil
	}
	m.reports[r.ID] = b
	return true, nil
}

func (m *MemoryRepo) Get(_ context.Context, id string) (*analysis.Report, error) {
	m.mu.RLock()
	b, ok := m.reports[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decodeReport(b)
}

func (m *MemoryRepo) Owner(ctx context.Context, id string) (string, error) {
	r, err := m.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return r.OwnerID, nil
}

func (m *MemoryRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*analysis.Report, int, error) {
	m.mu.RLock()
	var all []*analysis.Report
	for _, b := range m.reports {
		r, err := decodeReport(b)
		if err != nil {
			m.mu.RUnlock()
			return nil, 0, err
		}
		if r.OwnerID == ownerID {
			all = append(all, r)
		}
	}
	m.mu.RUnlock()

	analysis.SortForDisplay(all)
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}
