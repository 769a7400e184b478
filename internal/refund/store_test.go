package refund

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the ledger contract against any Store.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, err := s.Claim(ctx, "req-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Claim(ctx, "req-a")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.Append(ctx, &Record{ID: "rf_x", RequestID: "req-unclaimed", Amount: big.NewInt(1), Recipient: payer, Network: "base", CreatedAt: base})
	assert.ErrorIs(t, err, ErrNotClaimed)

	recA := &Record{ID: "rf_a", RequestID: "req-a", Amount: big.NewInt(1500), Recipient: payer, Network: "base", TxHash: "0xa", Success: true, CreatedAt: base}
	require.NoError(t, s.Append(ctx, recA))
	assert.ErrorIs(t, s.Append(ctx, &Record{ID: "rf_a2", RequestID: "req-a", Amount: big.NewInt(1), Recipient: payer, Network: "base", CreatedAt: base}), ErrDuplicate)

	_, err = s.Claim(ctx, "req-b")
	require.NoError(t, err)
	recB := &Record{ID: "rf_b", RequestID: "req-b", Amount: big.NewInt(300), Recipient: payer, Network: "base", Success: false, Error: "rpc down", CreatedAt: base.Add(time.Minute)}
	require.NoError(t, s.Append(ctx, recB))

	got, err := s.Get(ctx, "req-a")
	require.NoError(t, err)
	assert.Equal(t, "rf_a", got.ID)
	assert.Equal(t, "1500", got.Amount.String())
	assert.True(t, got.Success)
	assert.True(t, got.CreatedAt.Equal(base))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "rf_b", all[0].ID, "newest first")

	failed, err := s.List(ctx, Filter{FailedOnly: true})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "rpc down", failed[0].Error)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum.Succeeded)
	assert.Equal(t, int64(1), sum.Failed)
	assert.Equal(t, "1500", sum.RefundedAmount.String())
	assert.Equal(t, "300", sum.FailedAmount.String())
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, _ = s.Claim(ctx, "r")
	require.NoError(t, s.Append(ctx, &Record{ID: "rf", RequestID: "r", Amount: big.NewInt(10), Success: true}))

	got, err := s.Get(ctx, "r")
	require.NoError(t, err)
	got.Amount.SetInt64(999)

	again, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "10", again.Amount.String())
}
