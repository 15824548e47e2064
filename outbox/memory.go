package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. A single mutex makes every claim
// atomic.
type MemoryStore struct {
	mu     sync.Mutex
	rows   map[string]*Row
	order  []string
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

func (s *MemoryStore) Insert(ctx context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for i := range rows {
		if err := validateRow(&rows[i]); err != nil {
			return err
		}
		if _, ok := s.rows[rows[i].ID]; ok {
			return fmt.Errorf("insert %s: duplicate id", rows[i].ID)
		}
	}
	for _, r := range rows {
		r := r
		s.rows[r.ID] = &r
		s.order = append(s.order, r.ID)
	}
	return nil
}

func (s *MemoryStore) ClaimDue(ctx context.Context, worker string, now time.Time, limit int) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var due []*Row
	for _, id := range s.order {
		if r := s.rows[id]; r.Due(now) {
			due = append(due, r)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]Row, 0, len(due))
	for _, r := range due {
		at := now
		r.ClaimedBy = worker
		r.ClaimedAt = &at
		out = append(out, *r)
	}
	return out, nil
}

// claimed returns the row if worker holds it. Caller holds mu.
func (s *MemoryStore) claimed(id, worker string) (*Row, error) {
	if s.closed {
		return nil, ErrClosed
	}
	r, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.ClaimedBy != worker || r.Status != StatusPending {
		return nil, ErrNotClaimed
	}
	return r, nil
}

func (s *MemoryStore) settle(id, worker string, fn func(r *Row)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.claimed(id, worker)
	if err != nil {
		return err
	}
	fn(r)
	r.ClaimedBy = ""
	r.ClaimedAt = nil
	return nil
}

func (s *MemoryStore) MarkDelivered(ctx context.Context, id, worker string, at time.Time) error {
	return s.settle(id, worker, func(r *Row) {
		r.Status = StatusDelivered
		r.DeliveredAt = &at
		r.AttemptCount++
		r.LastError = ""
	})
}

func (s *MemoryStore) MarkUndeliverable(ctx context.Context, id, worker, reason string) error {
	return s.settle(id, worker, func(r *Row) {
		r.Status = StatusUndeliverable
		r.AttemptCount++
		r.LastError = reason
	})
}

func (s *MemoryStore) ScheduleRetry(ctx context.Context, id, worker string, next time.Time, lastErr string) error {
	return s.settle(id, worker, func(r *Row) {
		r.AttemptCount++
		r.NextAttemptAt = next
		r.LastError = lastErr
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id, worker, lastErr string) error {
	return s.settle(id, worker, func(r *Row) {
		r.Status = StatusFailed
		r.AttemptCount++
		r.LastError = lastErr
	})
}

func (s *MemoryStore) Release(ctx context.Context, id, worker string) error {
	return s.settle(id, worker, func(*Row) {})
}

func (s *MemoryStore) ReleaseClaims(ctx context.Context, worker string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for _, r := range s.rows {
		if r.ClaimedBy == worker && r.Status == StatusPending {
			r.ClaimedBy = ""
			r.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Row{}, ErrClosed
	}
	r, ok := s.rows[id]
	if !ok {
		return Row{}, ErrNotFound
	}
	return *r, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	var out []Row
	for _, id := range s.order {
		r := s.rows[id]
		if !f.match(r) {
			continue
		}
		out = append(out, *r)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	counts := make(map[Status]int, len(Statuses))
	for _, st := range Statuses {
		counts[st] = 0
	}
	for _, r := range s.rows {
		counts[r.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
