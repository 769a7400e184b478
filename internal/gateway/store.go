package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paygate/internal/pagination"
	"github.com/mbd888/paygate/internal/upstream"
	"github.com/mbd888/paygate/internal/usdc"
)

var ErrTransactionNotFound = errors.New("gateway: transaction not found")

// Transaction is the record of one settled request.
type Transaction struct {
	ID string
	// RequestID is minted by the gateway and keys refunds.
	RequestID string
	// ClientRequestID echoes the caller's X-Request-ID, if any.
	ClientRequestID string
	Route           string
	Payer           string
	Network         string
	Model           string
	MaxUnits        int64
	UnitPrice       *big.Int
	FixedFee        *big.Int
	Amount          *big.Int
	TxHash          string
	UpstreamStatus  int
	Usage           upstream.Usage

	// ActualUnits and Delta are nil when reconciliation was skipped.
	ActualUnits *int64
	Delta       *big.Int
	RefundID    string
	CreatedAt   time.Time
}

// MarshalJSON renders amounts as USDC decimal strings.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	type view struct {
		ID              string          `json:"id"`
		RequestID       string          `json:"requestId"`
		ClientRequestID string          `json:"clientRequestId,omitempty"`
		Route           string          `json:"route"`
		Payer           string          `json:"payer"`
		Network         string          `json:"network"`
		Model           string          `json:"model,omitempty"`
		MaxUnits        int64           `json:"maxUnits"`
		UnitPrice       string          `json:"unitPrice"`
		FixedFee        string          `json:"fixedFee"`
		Amount          string          `json:"amount"`
		TxHash          string          `json:"txHash"`
		UpstreamStatus  int             `json:"upstreamStatus"`
		Usage           *upstream.Usage `json:"usage,omitempty"`
		ActualUnits     *int64          `json:"actualUnits,omitempty"`
		Delta           *string         `json:"delta,omitempty"`
		RefundID        string          `json:"refundId,omitempty"`
		CreatedAt       time.Time       `json:"createdAt"`
	}
	v := view{
		ID:              t.ID,
		RequestID:       t.RequestID,
		ClientRequestID: t.ClientRequestID,
		Route:           t.Route,
		Payer:           t.Payer,
		Network:         t.Network,
		Model:           t.Model,
		MaxUnits:        t.MaxUnits,
		UnitPrice:       usdc.Format(t.UnitPrice),
		FixedFee:        usdc.Format(t.FixedFee),
		Amount:          usdc.Format(t.Amount),
		TxHash:          t.TxHash,
		UpstreamStatus:  t.UpstreamStatus,
		ActualUnits:     t.ActualUnits,
		RefundID:        t.RefundID,
		CreatedAt:       t.CreatedAt,
	}
	if t.Usage != (upstream.Usage{}) {
		u := t.Usage
		v.Usage = &u
	}
	if t.Delta != nil {
		d := usdc.Format(t.Delta)
		v.Delta = &d
	}
	return json.Marshal(v)
}

// ListFilter narrows a transaction listing.
type ListFilter struct {
	Payer  string
	Limit  int
	Cursor *pagination.Cursor
}

// Store persists settled transactions.
type Store interface {
	Save(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, requestID string) (*Transaction, error)
	// List returns up to f.Limit transactions newest first, after f.Cursor.
	List(ctx context.Context, f ListFilter) ([]*Transaction, error)
}

// MemoryStore keeps transactions in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Save(_ context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs[tx.RequestID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.txs[requestID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) List(_ context.Context, f ListFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Transaction, 0, len(m.txs))
	for _, tx := range m.txs {
		if f.Payer != "" && !strings.EqualFold(tx.Payer, f.Payer) {
			continue
		}
		if !f.Cursor.After(tx.CreatedAt, tx.ID) {
			continue
		}
		out = append(out, tx.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *Transaction) clone() *Transaction {
	cp := *t
	cp.UnitPrice = copyInt(t.UnitPrice)
	cp.FixedFee = copyInt(t.FixedFee)
	cp.Amount = copyInt(t.Amount)
	cp.Delta = copyInt(t.Delta)
	if t.ActualUnits != nil {
		n := *t.ActualUnits
		cp.ActualUnits = &n
	}
	return &cp
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
