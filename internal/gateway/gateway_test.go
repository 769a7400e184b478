package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/paygate/internal/facilitator"
	"github.com/mbd888/paygate/internal/logging"
	"github.com/mbd888/paygate/internal/paywall"
	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/reconciliation"
	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/respond"
	"github.com/mbd888/paygate/internal/upstream"
	"github.com/mbd888/paygate/internal/wallet"
	"github.com/mbd888/paygate/pkg/x402"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	payTo = "0x2222222222222222222222222222222222222222"
	payer = "0x1111111111111111111111111111111111111111"
)

// --- fakes ---

type fakeVerifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeVerifier) Verify(context.Context, *x402.PaymentPayload, x402.PaymentRequirements) facilitator.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return facilitator.Result{Verified: true, Payer: payer, Code: facilitator.CodeOK, Network: "base-sepolia"}
}

type fakeSettler struct {
	mu    sync.Mutex
	errs  []error // consumed one per call; nil or exhausted means success
	calls int
}

func (f *fakeSettler) Settle(_ context.Context, _ *x402.PaymentPayload, req x402.PaymentRequirements) (*facilitator.Settlement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	amount, _ := new(big.Int).SetString(req.MaxAmountRequired, 10)
	p := payer
	return &facilitator.Settlement{
		TxHash:  "0xsettled",
		Payer:   payer,
		Network: req.Network,
		Amount:  amount,
		Response: &x402.SettleResponse{
			Success:     true,
			Transaction: "0xsettled",
			Network:     req.Network,
			Payer:       &p,
		},
	}, nil
}

func (f *fakeSettler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeForwarder struct {
	mu   sync.Mutex
	resp *upstream.Response
	err  error
	reqs []upstream.Request
}

func (f *fakeForwarder) Forward(_ context.Context, req upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp, f.err
}

func (f *fakeForwarder) last(t *testing.T) upstream.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.reqs)
	return f.reqs[len(f.reqs)-1]
}

type refundCall struct {
	requestID string
	amount    *big.Int
	recipient string
}

type fakeRefunder struct {
	mu    sync.Mutex
	err   error
	calls []refundCall
}

func (f *fakeRefunder) Enabled() bool { return !errors.Is(f.err, refund.ErrDisabled) }

func (f *fakeRefunder) Refund(_ context.Context, requestID string, amount *big.Int, recipient string) (*refund.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, refundCall{requestID, new(big.Int).Set(amount), recipient})
	if errors.Is(f.err, refund.ErrDisabled) {
		return nil, f.err
	}
	rec := &refund.Record{ID: "rf_test", RequestID: requestID, Amount: amount, Recipient: recipient, Success: f.err == nil}
	return rec, f.err
}

// countingSender stands in for the refund wallet behind a real dispatcher.
type countingSender struct {
	mu    sync.Mutex
	sends int
}

func (s *countingSender) Send(_ context.Context, to common.Address, amount *big.Int) (*wallet.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return &wallet.TransferResult{TxHash: "0xrefund", To: to.Hex(), Amount: new(big.Int).Set(amount)}, nil
}

func (s *countingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sends
}

// --- harness ---

type harness struct {
	verifier  *fakeVerifier
	settler   *fakeSettler
	forwarder *fakeForwarder
	refunder  *fakeRefunder
	store     *MemoryStore
	router    *gin.Engine
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		verifier:  &fakeVerifier{},
		settler:   &fakeSettler{},
		forwarder: &fakeForwarder{resp: okJSON(`{}`)},
		refunder:  &fakeRefunder{},
		store:     NewMemoryStore(),
	}

	network, err := x402.LookupNetwork("base-sepolia")
	require.NoError(t, err)
	pw, err := paywall.New(paywall.Config{PayTo: payTo, Network: network, Verifier: h.verifier})
	require.NoError(t, err)

	cfg := Config{
		Settler:        h.settler,
		Upstream:       h.forwarder,
		Refunds:        h.refunder,
		Store:          h.store,
		ImageModel:     "test/image-model",
		SettleAttempts: 2,
		SettleDelay:    1,
		SettlePayments: true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		ctx := logging.WithRequestID(c.Request.Context(), c.GetHeader("X-Request-Id"))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	})
	r.Use(respond.Middleware())
	NewHandler(gw, pw).RegisterRoutes(r.Group(""))
	h.router = r
	return h
}

func okJSON(body string) *upstream.Response {
	return &upstream.Response{Status: http.StatusOK, ContentType: "application/json", Body: []byte(body)}
}

func paymentHeader(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(x402.ExactEVMPayload{
		Signature:     "0xab",
		Authorization: x402.Authorization{From: payer, To: payTo, Value: "7000", Nonce: "0x01"},
	})
	require.NoError(t, err)
	h, err := x402.EncodePayment(&x402.PaymentPayload{X402Version: 1, Scheme: x402.SchemeExact, Network: "base-sepolia", Payload: raw})
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, path, body string, paid bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", "req-"+t.Name())
	if paid {
		req.Header.Set(x402.HeaderPayment, paymentHeader(t))
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

// transaction returns the single transaction recorded for the test's
// client request ID.
func (h *harness) transaction(t *testing.T) *Transaction {
	t.Helper()
	txs, err := h.store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	var found []*Transaction
	for _, tx := range txs {
		if tx.ClientRequestID == "req-"+t.Name() {
			found = append(found, tx)
		}
	}
	require.Len(t, found, 1)
	return found[0]
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// gpt-3.5-turbo at 5 atomic units per token plus the 2000 unit fee:
// 1000 max tokens quotes 7000, 150 used tokens cost 2750.
const chatBody = `{"model":"gpt-3.5-turbo","max_tokens":1000,"messages":[{"role":"user","content":"hi"}]}`

const chatReply = `{"choices":[{"message":{"content":"hello"}}],"usage":{"prompt_tokens":50,"completion_tokens":100,"total_tokens":150}}`

// --- chat ---

func TestChat_ChallengesWithoutPayment(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, false)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var ch x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	require.Len(t, ch.Accepts, 1)
	assert.Equal(t, "7000", ch.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "$0.007000", ch.Price)
	assert.Empty(t, h.forwarder.reqs)
	assert.Zero(t, h.settler.count())
}

func TestChat_RejectsInvalidInputBeforeChallenge(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/v1/chat/completions", `{"model":"gpt-4"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decodeError(t, w)["error"])
	assert.Zero(t, h.verifier.calls)
	assert.Empty(t, h.forwarder.reqs)
}

func TestChat_SettlesReconcilesAndRefunds(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	settledBefore := testutil.ToFloat64(requestsTotal.WithLabelValues(RouteChat, outcomeSettled))

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, chatReply, w.Body.String())

	settle, err := x402.DecodeSettleResponse(w.Header().Get(x402.HeaderPaymentResponse))
	require.NoError(t, err)
	assert.True(t, settle.Success)
	assert.Equal(t, "0xsettled", settle.Transaction)

	fwd := h.forwarder.last(t)
	assert.Equal(t, upstreamChatPath, fwd.Path)
	assert.Equal(t, http.MethodPost, fwd.Method)
	assert.JSONEq(t, chatBody, string(fwd.Body))
	assert.Equal(t, 1, h.settler.count())

	tx := h.transaction(t)
	paidID := w.Header().Get(HeaderRequestID)
	require.NotEmpty(t, paidID)
	assert.NotEqual(t, "req-"+t.Name(), paidID)
	assert.Equal(t, paidID, tx.RequestID)
	assert.Equal(t, "req-"+t.Name(), tx.ClientRequestID)

	require.Len(t, h.refunder.calls, 1)
	call := h.refunder.calls[0]
	assert.Equal(t, paidID, call.requestID)
	assert.Equal(t, "4250", call.amount.String())
	assert.Equal(t, payer, call.recipient)

	assert.Regexp(t, `^tx_[0-9a-f]{32}$`, tx.ID)
	assert.Equal(t, RouteChat, tx.Route)
	assert.Equal(t, payer, tx.Payer)
	assert.Equal(t, "gpt-3.5-turbo", tx.Model)
	assert.EqualValues(t, 1000, tx.MaxUnits)
	assert.Equal(t, "7000", tx.Amount.String())
	assert.Equal(t, "0xsettled", tx.TxHash)
	assert.Equal(t, http.StatusOK, tx.UpstreamStatus)
	assert.Equal(t, upstream.Usage{PromptTokens: 50, CompletionTokens: 100, TotalTokens: 150}, tx.Usage)
	require.NotNil(t, tx.ActualUnits)
	assert.EqualValues(t, 150, *tx.ActualUnits)
	assert.Equal(t, "-4250", tx.Delta.String())
	assert.Equal(t, "rf_test", tx.RefundID)

	assert.Equal(t, settledBefore+1, testutil.ToFloat64(requestsTotal.WithLabelValues(RouteChat, outcomeSettled)))
}

func TestChat_ReusedClientRequestIDRefundsEachPayment(t *testing.T) {
	sender := &countingSender{}
	dispatcher := refund.New(refund.Config{Sender: sender, Network: "base-sepolia", Timeout: time.Second})
	h := newHarness(t, func(c *Config) { c.Refunds = dispatcher })
	h.forwarder.resp = okJSON(chatReply)

	first := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)
	second := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	firstID, secondID := first.Header().Get(HeaderRequestID), second.Header().Get(HeaderRequestID)
	require.NotEmpty(t, firstID)
	require.NotEmpty(t, secondID)
	assert.NotEqual(t, firstID, secondID)

	assert.Equal(t, 2, h.settler.count())
	assert.Equal(t, 2, sender.count(), "each settled payment gets its own refund")

	txs, err := h.store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.Equal(t, "req-"+t.Name(), tx.ClientRequestID)
		assert.NotEmpty(t, tx.RefundID)
	}
	for _, id := range []string{firstID, secondID} {
		rec, err := dispatcher.Store().Get(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, rec.Success)
		assert.Equal(t, "4250", rec.Amount.String())
	}
}

func TestChat_WithinToleranceNoRefund(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.RefundTolerance = big.NewInt(5000) })
	h.forwarder.resp = okJSON(chatReply)

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, h.refunder.calls)
	tx := h.transaction(t)
	assert.Equal(t, "-4250", tx.Delta.String())
	assert.Empty(t, tx.RefundID)
}

func TestChat_NoUsageSkipsReconciliation(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(`{"choices":[{"message":{"content":"hello"}}]}`)

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.settler.count())
	assert.Empty(t, h.refunder.calls)
	tx := h.transaction(t)
	assert.Nil(t, tx.ActualUnits)
	assert.Nil(t, tx.Delta)
}

func TestChat_UpstreamErrorPassesThroughUnsettled(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = &upstream.Response{
		Status:      http.StatusTooManyRequests,
		ContentType: "application/json",
		Body:        []byte(`{"error":{"message":"rate limited"}}`),
	}

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.JSONEq(t, `{"error":{"message":"rate limited"}}`, w.Body.String())
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
	assert.Zero(t, h.settler.count())
	assert.Empty(t, w.Header().Get(HeaderRequestID))
	txs, err := h.store.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestChat_UpstreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unreachable", upstream.ErrUnreachable, http.StatusBadGateway, CodeUpstreamUnavailable},
		{"too large", upstream.ErrTooLarge, http.StatusBadGateway, CodeUpstreamTooLarge},
		{"circuit open", upstream.ErrCircuitOpen, http.StatusServiceUnavailable, CodeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.forwarder.resp, h.forwarder.err = nil, tt.err

			w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w)["error"])
			assert.Zero(t, h.settler.count())
		})
	}
}

func TestChat_SettleRejectionIsFinal(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	h.settler.errs = []error{&facilitator.Error{Op: "settle", Code: facilitator.CodeInvalidPayment, Reason: "nonce used"}}

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, CodeSettlementFailed, decodeError(t, w)["error"])
	assert.Equal(t, 1, h.settler.count())
	assert.Empty(t, h.refunder.calls)
}

func TestChat_SettleRetriesNetworkFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	h.settler.errs = []error{&facilitator.Error{Op: "settle", Code: facilitator.CodeTimeout}}

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, h.settler.count())
	assert.NotEmpty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

func TestChat_SettleGivesUpAfterAttempts(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	netErr := &facilitator.Error{Op: "settle", Code: facilitator.CodeBadStatus, Status: 503}
	h.settler.errs = []error{netErr, netErr, netErr}

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, CodeFacilitatorUnavailable, decodeError(t, w)["error"])
	assert.Equal(t, 2, h.settler.count())
}

func TestChat_RefundsDisabledStillRecords(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	h.refunder.err = refund.ErrDisabled

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.refunder.calls, 1)
	tx := h.transaction(t)
	assert.Equal(t, "-4250", tx.Delta.String())
	assert.Empty(t, tx.RefundID)
}

func TestChat_FailedRefundKeepsRecordID(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(chatReply)
	h.refunder.err = &refund.Error{RequestID: "x", Op: "send", Err: errors.New("rpc down")}

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rf_test", h.transaction(t).RefundID)
}

func TestChat_VerifyOnlyMode(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettlePayments = false })
	h.forwarder.resp = okJSON(chatReply)

	w := h.do(t, http.MethodPost, "/v1/chat/completions", chatBody, true)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.verifier.calls)
	assert.Zero(t, h.settler.count())
	assert.Empty(t, h.refunder.calls)
	assert.Empty(t, w.Header().Get(x402.HeaderPaymentResponse))
}

// --- image ---

const imageReply = `{"data":[{"url":"https://img.example/1.png"}]}`

func TestImage_ForwardsGenerationRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(imageReply)

	w := h.do(t, http.MethodPost, "/generate-image", `{"prompt":"a lighthouse","size":"512x512"}`, true)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, imageReply, w.Body.String())

	fwd := h.forwarder.last(t)
	assert.Equal(t, upstreamImagePath, fwd.Path)
	assert.JSONEq(t, `{"model":"test/image-model","prompt":"a lighthouse","size":"512x512","n":1}`, string(fwd.Body))

	tx := h.transaction(t)
	assert.Equal(t, RouteImage, tx.Route)
	assert.Equal(t, "20000", tx.Amount.String())
	require.NotNil(t, tx.ActualUnits)
	assert.EqualValues(t, 1, *tx.ActualUnits)
	assert.Equal(t, "0", tx.Delta.String())
	assert.Empty(t, h.refunder.calls)
}

func TestImage_DefaultSize(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(imageReply)

	w := h.do(t, http.MethodPost, "/generate-image", `{"prompt":"a lighthouse"}`, false)
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var ch x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.Equal(t, "$0.03", ch.Price)

	w = h.do(t, http.MethodPost, "/generate-image", `{"prompt":"a lighthouse"}`, true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(h.forwarder.last(t).Body), `"size":"1024x1024"`)
}

func TestImage_NoImageIsRefundedInFull(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(`{"choices":[{"message":{"content":"I cannot draw that"}}]}`)

	w := h.do(t, http.MethodPost, "/generate-image", `{"prompt":"something"}`, true)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, h.refunder.calls, 1)
	assert.Equal(t, "30000", h.refunder.calls[0].amount.String())
	assert.EqualValues(t, 0, *h.transaction(t).ActualUnits)
}

func TestImage_SubCentFeeChallengeMatchesAmount(t *testing.T) {
	images, err := pricing.NewImageTable(map[string]int64{"1024x1024": 3}, 3, big.NewInt(2000))
	require.NoError(t, err)
	h := newHarness(t, func(c *Config) { c.Images = images })

	w := h.do(t, http.MethodPost, "/generate-image", `{"prompt":"a lighthouse"}`, false)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	var ch x402.Challenge
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	require.Len(t, ch.Accepts, 1)
	assert.Equal(t, "32000", ch.Accepts[0].MaxAmountRequired)
	assert.Equal(t, "$0.032000", ch.Price)
}

func TestImage_UnreadableBodyIsNotRefunded(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = &upstream.Response{Status: http.StatusOK, ContentType: "text/html", Body: []byte(`<html>gateway hiccup</html>`)}

	w := h.do(t, http.MethodPost, "/generate-image", `{"prompt":"something"}`, true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, h.settler.count())
	assert.Empty(t, h.refunder.calls)
	tx := h.transaction(t)
	assert.Nil(t, tx.ActualUnits)
	assert.Nil(t, tx.Delta)
}

func TestMeasureImage(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		units int64
		skip  string
	}{
		{"url", imageReply, 1, ""},
		{"no image", `{"data":[]}`, 0, ""},
		{"html", `<html>gateway hiccup</html>`, 0, reconciliation.SkipUnreadable},
		{"truncated", `{"data":[{"url":"https://img`, 0, reconciliation.SkipUnreadable},
		{"empty", ``, 0, reconciliation.SkipUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := measureImage([]byte(tt.body))
			assert.Equal(t, tt.units, m.units)
			assert.Equal(t, tt.skip, m.skip)
		})
	}
}

func TestImage_MissingPrompt(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/generate-image", `{"size":"512x512"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.forwarder.reqs)
}

// --- free routes ---

func TestQuote(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		method string
		path   string
		body   string
		want   string
	}{
		{http.MethodPost, "/quote", `{"size":"512x512"}`, `{"cents":2,"price":"$0.02","size":"512x512"}`},
		{http.MethodPost, "/quote", `{"size":"9x9"}`, `{"cents":3,"price":"$0.03","size":"9x9"}`},
		{http.MethodPost, "/quote", ``, `{"cents":3,"price":"$0.03","size":"1024x1024"}`},
		{http.MethodGet, "/quote?size=1792x1024", ``, `{"cents":4,"price":"$0.04","size":"1792x1024"}`},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.body, func(t *testing.T) {
			w := h.do(t, tt.method, tt.path, tt.body, false)
			require.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tt.want, w.Body.String())
		})
	}

	w := h.do(t, http.MethodPost, "/quote", `not json`, false)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, h.verifier.calls)
}

func TestModels_FreeAndUnsettled(t *testing.T) {
	h := newHarness(t, nil)
	h.forwarder.resp = okJSON(`{"data":[{"id":"gpt-4"}]}`)

	w := h.do(t, http.MethodGet, "/v1/models", ``, false)

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"data":[{"id":"gpt-4"}]}`, w.Body.String())
	assert.Equal(t, http.MethodGet, h.forwarder.last(t).Method)
	assert.Equal(t, upstreamModelsPath, h.forwarder.last(t).Path)
	assert.Zero(t, h.verifier.calls)
	assert.Zero(t, h.settler.count())
}

// --- construction ---

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = New(Config{Upstream: &fakeForwarder{}, SettlePayments: true})
	assert.ErrorIs(t, err, ErrConfiguration)

	gw, err := New(Config{Upstream: &fakeForwarder{}})
	require.NoError(t, err)
	assert.NotNil(t, gw.Store())
}

func TestHandler_Routes(t *testing.T) {
	gw, err := New(Config{Upstream: &fakeForwarder{}})
	require.NoError(t, err)
	routes := NewHandler(gw, nil).Routes()

	require.Len(t, routes, 3)
	assert.Equal(t, RouteChat, routes[0].Name)
	assert.True(t, routes[0].ValidateInput)
	assert.Equal(t, RouteImage, routes[1].Name)
	assert.True(t, routes[2].Free)
}
