package payment

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. It is meant for tests and
// local development.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]Order
	events map[string]EventRecord
	seq    []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[uuid.UUID]Order),
		events: make(map[string]EventRecord),
	}
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return ErrInvalidOrder
	}
	if o.Status.Open() {
		for _, existing := range s.orders {
			if existing.ReportID == o.ReportID && existing.Status.Open() {
				return ErrOpenOrderExists
			}
		}
	}
	if o.Version == 0 {
		o.Version = 1
	}
	s.orders[o.ID] = *o
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id uuid.UUID) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) ListByReport(_ context.Context, reportID string) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.ReportID == reportID {
			o := o
			out = append(out, &o)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) ListOpenBefore(_ context.Context, cutoff time.Time, limit int) ([]*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Status.Open() && o.UpdatedAt.Before(cutoff) {
			o := o
			out = append(out, &o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ApplyEvent(_ context.Context, ev Event, fn Transition) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[ev.OrderID]
	if !ok {
		return Result{}, ErrNotFound
	}
	if _, dup := s.events[ev.ID]; dup {
		return Result{Order: cur, Effect: EffectDuplicate}, nil
	}

	next, effect, err := fn(cur, ev)
	var unrec *UnrecognizedEventError
	if err != nil && !errors.As(err, &unrec) {
		return Result{}, err
	}
	if err != nil {
		s.record(EventRecord{Event: ev, Outcome: EffectParked, Detail: unrec.Reason})
		return Result{Order: cur, Effect: EffectParked}, err
	}
	if effect == EffectTransitioned {
		if next.Version != cur.Version+1 {
			return Result{}, ErrVersionConflict
		}
		s.orders[cur.ID] = next
	} else {
		next = cur
	}
	s.record(EventRecord{Event: ev, Outcome: effect})
	return Result{Order: next, Effect: effect}, nil
}

func (s *MemoryStore) record(rec EventRecord) {
	s.events[rec.ID] = rec
	s.seq = append(s.seq, rec.ID)
}

func (s *MemoryStore) ParkEvent(_ context.Context, ev Event, detail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[ev.ID]; dup {
		return false, nil
	}
	s.record(EventRecord{Event: ev, Outcome: EffectParked, Detail: detail})
	return true, nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) ListParked(_ context.Context, limit, offset int) ([]*EventRecord, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*EventRecord
	for i := len(s.seq) - 1; i >= 0; i-- {
		rec := s.events[s.seq[i]]
		if rec.Outcome == EffectParked {
			all = append(all, &rec)
		}
	}
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

func (s *MemoryStore) ListEvents(_ context.Context, orderID uuid.UUID) ([]*EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*EventRecord
	for _, id := range s.seq {
		rec := s.events[id]
		if rec.OrderID == orderID {
			out = append(out, &rec)
		}
	}
	return out, nil
}

func sortNewestFirst(orders []*Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID.String() > orders[j].ID.String()
	})
}
