package refund

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
)

var (
	ErrNotFound   = errors.New("refund: record not found")
	ErrDuplicate  = errors.New("refund: record already written")
	ErrNotClaimed = errors.New("refund: request not claimed")
)

// Filter narrows a List call.
type Filter struct {
	FailedOnly bool
	Limit      int
}

// Summary aggregates the ledger.
type Summary struct {
	Succeeded      int64    `json:"succeeded"`
	Failed         int64    `json:"failed"`
	RefundedAmount *big.Int `json:"-"`
	FailedAmount   *big.Int `json:"-"`
}

// Store is the append-only refund ledger.
type Store interface {
	// Claim reserves requestID. It returns false when already claimed.
	Claim(ctx context.Context, requestID string) (bool, error)
	// Append writes the outcome for a claimed request, once.
	Append(ctx context.Context, rec *Record) error
	Get(ctx context.Context, requestID string) (*Record, error)
	List(ctx context.Context, f Filter) ([]*Record, error)
	Summary(ctx context.Context) (Summary, error)
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	claims  map[string]struct{}
	records map[string]*Record
	order   []string
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:  make(map[string]struct{}),
		records: make(map[string]*Record),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Claim(_ context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[requestID]; ok {
		return false, nil
	}
	m.claims[requestID] = struct{}{}
	return true, nil
}

func (m *MemoryStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[rec.RequestID]; !ok {
		return ErrNotClaimed
	}
	if _, ok := m.records[rec.RequestID]; ok {
		return ErrDuplicate
	}
	m.records[rec.RequestID] = rec.clone()
	m.order = append(m.order, rec.RequestID)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

// List returns records newest first.
func (m *MemoryStore) List(_ context.Context, f Filter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Record, 0, len(m.order))
	for _, id := range m.order {
		rec := m.records[id]
		if f.FailedOnly && rec.Success {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Summary(_ context.Context) (Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Summary{RefundedAmount: new(big.Int), FailedAmount: new(big.Int)}
	for _, rec := range m.records {
		if rec.Success {
			s.Succeeded++
			s.RefundedAmount.Add(s.RefundedAmount, rec.Amount)
		} else {
			s.Failed++
			s.FailedAmount.Add(s.FailedAmount, rec.Amount)
		}
	}
	return s, nil
}
