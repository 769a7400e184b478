package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/refund"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const payer = "0x1111111111111111111111111111111111111111"

func seedTransactions(t *testing.T, n int) *gateway.MemoryStore {
	t.Helper()
	store := gateway.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		p := payer
		if i%2 == 1 {
			p = "0x2222222222222222222222222222222222222222"
		}
		require.NoError(t, store.Save(context.Background(), &gateway.Transaction{
			ID:        fmt.Sprintf("tx_%02d", i),
			RequestID: fmt.Sprintf("req-%02d", i),
			Route:     gateway.RouteChat,
			Payer:     p,
			Network:   "base-sepolia",
			UnitPrice: big.NewInt(10),
			FixedFee:  big.NewInt(2000),
			Amount:    big.NewInt(12000),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	return store
}

func seedRefunds(t *testing.T) *refund.MemoryStore {
	t.Helper()
	store := refund.NewMemoryStore()
	ctx := context.Background()
	for i, ok := range []bool{true, false} {
		id := fmt.Sprintf("req-%02d", i)
		_, err := store.Claim(ctx, id)
		require.NoError(t, err)
		require.NoError(t, store.Append(ctx, &refund.Record{
			ID:        fmt.Sprintf("rf_%d", i),
			RequestID: id,
			Amount:    big.NewInt(2500),
			Recipient: payer,
			Network:   "base-sepolia",
			Success:   ok,
			CreatedAt: time.Date(2026, 3, 1, 12, i, 0, 0, time.UTC),
		}))
	}
	return store
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	h.RegisterRoutes(r.Group(""))
	return r
}

func get(t *testing.T, r http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestListTransactions_PagesNewestFirst(t *testing.T) {
	r := newRouter(NewHandler().WithTransactions(seedTransactions(t, 5)))

	w, body := get(t, r, "/v1/transactions?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, true, body["hasMore"])
	txs := body["transactions"].([]any)
	assert.Equal(t, "req-04", txs[0].(map[string]any)["requestId"])
	assert.Equal(t, "0.012000", txs[0].(map[string]any)["amount"])

	cursor := body["nextCursor"].(string)
	require.NotEmpty(t, cursor)

	seen := 2
	for cursor != "" {
		w, body = get(t, r, "/v1/transactions?limit=2&cursor="+cursor)
		require.Equal(t, http.StatusOK, w.Code)
		seen += len(body["transactions"].([]any))
		cursor, _ = body["nextCursor"].(string)
	}
	assert.Equal(t, 5, seen)
}

func TestListTransactions_FiltersByPayer(t *testing.T) {
	r := newRouter(NewHandler().WithTransactions(seedTransactions(t, 5)))

	_, body := get(t, r, "/v1/transactions?payer="+payer)
	assert.EqualValues(t, 3, body["count"])
	assert.Equal(t, false, body["hasMore"])
}

func TestListTransactions_BadCursor(t *testing.T) {
	r := newRouter(NewHandler().WithTransactions(seedTransactions(t, 1)))

	w, body := get(t, r, "/v1/transactions?cursor=bm90LWEtY3Vyc29y")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", body["error"])
}

func TestListTransactions_RejectsBadPayer(t *testing.T) {
	r := newRouter(NewHandler().WithTransactions(seedTransactions(t, 1)))

	w, body := get(t, r, "/v1/transactions?payer=alice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "payer: must be a valid Ethereum address (0x...)", body["message"])
}

func TestGetTransaction_IncludesRefund(t *testing.T) {
	txs := seedTransactions(t, 1)
	tx, err := txs.Get(context.Background(), "req-00")
	require.NoError(t, err)
	tx.RefundID = "rf_0"
	require.NoError(t, txs.Save(context.Background(), tx))

	r := newRouter(NewHandler().WithTransactions(txs).WithRefunds(seedRefunds(t)))

	w, body := get(t, r, "/v1/transactions/req-00")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "tx_00", body["transaction"].(map[string]any)["id"])
	assert.Equal(t, "0.002500", body["refund"].(map[string]any)["amount"])

	w, body = get(t, r, "/v1/transactions/missing")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", body["error"])
}

func TestListRefunds_FailedOnly(t *testing.T) {
	r := newRouter(NewHandler().WithRefunds(seedRefunds(t)))

	_, body := get(t, r, "/v1/refunds")
	assert.EqualValues(t, 2, body["count"])

	_, body = get(t, r, "/v1/refunds?failed=true")
	require.EqualValues(t, 1, body["count"])
	rec := body["refunds"].([]any)[0].(map[string]any)
	assert.Equal(t, "rf_1", rec["id"])
	assert.Equal(t, false, rec["success"])
}

func TestGetRefund(t *testing.T) {
	r := newRouter(NewHandler().WithRefunds(seedRefunds(t)))

	w, body := get(t, r, "/v1/refunds/req-00")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rf_0", body["refund"].(map[string]any)["id"])

	w, _ = get(t, r, "/v1/refunds/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

type fakeSummarizer struct {
	summary refund.Summary
	err     error
}

func (f *fakeSummarizer) RunOnce(context.Context) (refund.Summary, error) {
	return f.summary, f.err
}

func TestSummarize(t *testing.T) {
	s := &fakeSummarizer{summary: refund.Summary{
		Succeeded:      3,
		Failed:         1,
		RefundedAmount: big.NewInt(1_500_000),
		FailedAmount:   big.NewInt(250_000),
	}}
	r := newRouter(NewHandler().WithSummarizer(s))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/ledger/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var got LedgerSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.EqualValues(t, 3, got.Succeeded)
	assert.Equal(t, "1.500000", got.RefundedAmount)
	assert.Equal(t, "0.250000", got.FailedAmount)

	s.err = errors.New("db down")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/ledger/summary", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnconfigured(t *testing.T) {
	r := newRouter(NewHandler())
	for _, path := range []string{"/v1/transactions", "/v1/transactions/x", "/v1/refunds", "/v1/refunds/x"} {
		w, body := get(t, r, path)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, "unavailable", body["error"], path)
	}
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, defaultLimit, parseLimit(""))
	assert.Equal(t, defaultLimit, parseLimit("abc"))
	assert.Equal(t, defaultLimit, parseLimit("0"))
	assert.Equal(t, defaultLimit, parseLimit("100000"))
	assert.Equal(t, 7, parseLimit("7"))
}
