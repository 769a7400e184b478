package refund

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/wallet"
)

const payer = "0x1111111111111111111111111111111111111111"

type fakeSender struct {
	mu    sync.Mutex
	calls int
	to    common.Address
	err   error
	wait  time.Duration
	ctx   context.Context
}

func (f *fakeSender) Send(ctx context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error) {
	f.mu.Lock()
	f.calls++
	f.to = to
	f.ctx = ctx
	f.mu.Unlock()

	if f.wait > 0 {
		select {
		case <-time.After(f.wait):
		case <-ctx.Done():
			return nil, &wallet.TransferError{Op: "confirm", TxHash: "0xpending", Err: wallet.ErrTimeout}
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &wallet.TransferResult{TxHash: "0xrefund", To: to.Hex(), Amount: amount}, nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newDispatcher(sender wallet.Transactor) *Dispatcher {
	return New(Config{Sender: sender, Network: "base-sepolia", Timeout: time.Second})
}

func sampleCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestRefund_Success(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender)
	before := testutil.ToFloat64(refundsTotal.WithLabelValues(outcomeSent))
	sends := sampleCount(t, sendDuration)

	rec, err := d.Refund(context.Background(), "req-1", big.NewInt(2500), payer)
	require.NoError(t, err)

	assert.True(t, rec.Success)
	assert.Equal(t, "0xrefund", rec.TxHash)
	assert.Equal(t, "2500", rec.Amount.String())
	assert.Equal(t, "base-sepolia", rec.Network)
	assert.Equal(t, common.HexToAddress(payer), sender.to)
	assert.Regexp(t, `^rf_[0-9a-f]{32}$`, rec.ID)
	assert.Equal(t, before+1, testutil.ToFloat64(refundsTotal.WithLabelValues(outcomeSent)))
	assert.Equal(t, sends+1, sampleCount(t, sendDuration))

	stored, err := d.Store().Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, stored.ID)
}

func TestRefund_Idempotent(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender)

	first, err := d.Refund(context.Background(), "req-1", big.NewInt(2500), payer)
	require.NoError(t, err)

	second, err := d.Refund(context.Background(), "req-1", big.NewInt(2500), payer)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, sender.Calls())
}

func TestRefund_ConcurrentClaimsSendOnce(t *testing.T) {
	sender := &fakeSender{wait: 20 * time.Millisecond}
	d := newDispatcher(sender)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Refund(context.Background(), "req-race", big.NewInt(10), payer)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, dup int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrAlreadyRefunded):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 7, dup)
	assert.Equal(t, 1, sender.Calls())
}

func TestRefund_FailureIsRecordedOnce(t *testing.T) {
	sender := &fakeSender{err: &wallet.TransferError{Op: "send", TxHash: "0xdead", Err: errors.New("insufficient funds for gas")}}
	d := newDispatcher(sender)

	rec, err := d.Refund(context.Background(), "req-2", big.NewInt(700), payer)
	var refundErr *Error
	require.ErrorAs(t, err, &refundErr)
	assert.Equal(t, "send", refundErr.Op)
	assert.Equal(t, "req-2", refundErr.RequestID)

	require.NotNil(t, rec)
	assert.False(t, rec.Success)
	assert.Equal(t, "0xdead", rec.TxHash)
	assert.Contains(t, rec.Error, "insufficient funds")

	// no retry on a second call
	_, err = d.Refund(context.Background(), "req-2", big.NewInt(700), payer)
	assert.ErrorIs(t, err, ErrAlreadyRefunded)
	assert.Equal(t, 1, sender.Calls())

	failed, err := d.Store().List(context.Background(), Filter{FailedOnly: true})
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRefund_Timeout(t *testing.T) {
	sender := &fakeSender{wait: time.Minute}
	d := New(Config{Sender: sender, Network: "base-sepolia", Timeout: 20 * time.Millisecond})

	rec, err := d.Refund(context.Background(), "req-3", big.NewInt(5), payer)
	assert.ErrorIs(t, err, wallet.ErrTimeout)
	require.NotNil(t, rec)
	assert.Equal(t, "0xpending", rec.TxHash)
}

func TestRefund_SurvivesCallerCancellation(t *testing.T) {
	sender := &fakeSender{}
	d := newDispatcher(sender)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := d.Refund(ctx, "req-4", big.NewInt(5), payer)
	require.NoError(t, err)
	assert.True(t, rec.Success)
	assert.NoError(t, sender.ctx.Err())
}

func TestRefund_Disabled(t *testing.T) {
	d := New(Config{Network: "base-sepolia"})
	assert.False(t, d.Enabled())
	before := testutil.ToFloat64(refundsTotal.WithLabelValues(outcomeDisabled))

	rec, err := d.Refund(context.Background(), "req-5", big.NewInt(5), payer)
	assert.ErrorIs(t, err, ErrDisabled)
	assert.Nil(t, rec)
	assert.Equal(t, before+1, testutil.ToFloat64(refundsTotal.WithLabelValues(outcomeDisabled)))

	_, err = d.Store().Get(context.Background(), "req-5")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRefund_LogSeparatesClientAndGatewayIDs(t *testing.T) {
	var buf bytes.Buffer
	d := New(Config{Logger: logging.NewWriter(&buf, "info", "json")})
	ctx := logging.WithRequestID(context.Background(), "client-abc")

	_, err := d.Refund(ctx, "gw-123", big.NewInt(10), payer)
	require.ErrorIs(t, err, ErrDisabled)

	line := bytes.TrimSpace(buf.Bytes())
	assert.Equal(t, 1, bytes.Count(line, []byte(`"request_id"`)), string(line))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "client-abc", entry["request_id"])
	assert.Equal(t, "gw-123", entry["paygate_request_id"])
}

func TestRefund_InvalidInput(t *testing.T) {
	d := newDispatcher(&fakeSender{})
	tests := []struct {
		name      string
		requestID string
		amount    *big.Int
		recipient string
	}{
		{"empty request", "", big.NewInt(1), payer},
		{"nil amount", "r", nil, payer},
		{"zero amount", "r", big.NewInt(0), payer},
		{"negative amount", "r", big.NewInt(-3), payer},
		{"bad recipient", "r", big.NewInt(1), "not-an-address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Refund(context.Background(), tt.requestID, tt.amount, tt.recipient)
			assert.ErrorIs(t, err, ErrInvalidRefund)
		})
	}
}

func TestRecordJSON(t *testing.T) {
	rec := &Record{
		ID: "rf_1", RequestID: "req", Amount: big.NewInt(1_500_000), Recipient: payer,
		Network: "base", Success: true, CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	b, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"rf_1","requestId":"req","amount":"1.500000","recipient":"`+payer+`","network":"base","success":true,"createdAt":"2026-01-02T03:04:05Z"}`, string(b))
}
