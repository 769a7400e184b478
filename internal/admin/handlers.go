package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/paygate/internal/gateway"
	"github.com/mbd888/paygate/internal/pagination"
	"github.com/mbd888/paygate/internal/refund"
	"github.com/mbd888/paygate/internal/validation"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// Handler provides operator HTTP endpoints.
type Handler struct {
	transactions TransactionReader
	refunds      RefundReader
	summarizer   LedgerSummarizer
	now          func() time.Time
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{now: time.Now}
}

// WithTransactions sets the transaction store.
func (h *Handler) WithTransactions(r TransactionReader) *Handler {
	h.transactions = r
	return h
}

// WithRefunds sets the refund ledger.
func (h *Handler) WithRefunds(r RefundReader) *Handler {
	h.refunds = r
	return h
}

// WithSummarizer sets the ledger summary runner for on-demand summaries.
func (h *Handler) WithSummarizer(s LedgerSummarizer) *Handler {
	h.summarizer = s
	return h
}

// RegisterRoutes sets up operator routes. The caller applies auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/v1/transactions", h.listTransactions)
	r.GET("/v1/transactions/:requestId", h.getTransaction)
	r.GET("/v1/refunds", h.listRefunds)
	r.GET("/v1/refunds/:requestId", h.getRefund)
	r.POST("/admin/ledger/summary", h.summarize)
}

// listTransactions pages through settled transactions, newest first.
func (h *Handler) listTransactions(c *gin.Context) {
	if h.transactions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "transaction store not configured"})
		return
	}

	payer := c.Query("payer")
	if errs := validation.Validate(validation.ValidAddress("payer", payer)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "details": errs})
		return
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid cursor"})
		return
	}
	limit := parseLimit(c.Query("limit"))

	txs, err := h.transactions.List(c.Request.Context(), gateway.ListFilter{
		Payer:  payer,
		Limit:  limit + 1,
		Cursor: cursor,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list transactions"})
		return
	}

	page, next := pagination.ComputePage(txs, limit, func(tx *gateway.Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"nextCursor":   next,
		"hasMore":      next != "",
	})
}

func (h *Handler) getTransaction(c *gin.Context) {
	if h.transactions == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "transaction store not configured"})
		return
	}

	requestID := c.Param("requestId")
	if !validRequestID(c, requestID) {
		return
	}
	tx, err := h.transactions.Get(c.Request.Context(), requestID)
	if errors.Is(err, gateway.ErrTransactionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "transaction not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load transaction"})
		return
	}

	resp := gin.H{"transaction": tx}
	if h.refunds != nil && tx.RefundID != "" {
		if rec, err := h.refunds.Get(c.Request.Context(), tx.RequestID); err == nil {
			resp["refund"] = rec
		}
	}
	c.JSON(http.StatusOK, resp)
}

// listRefunds returns ledger records, newest first. ?failed=true narrows to
// refunds that need a manual payout.
func (h *Handler) listRefunds(c *gin.Context) {
	if h.refunds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "refund ledger not configured"})
		return
	}

	failedOnly, _ := strconv.ParseBool(c.Query("failed"))
	recs, err := h.refunds.List(c.Request.Context(), refund.Filter{
		FailedOnly: failedOnly,
		Limit:      parseLimit(c.Query("limit")),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list refunds"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refunds": recs, "count": len(recs)})
}

func (h *Handler) getRefund(c *gin.Context) {
	if h.refunds == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "refund ledger not configured"})
		return
	}

	requestID := c.Param("requestId")
	if !validRequestID(c, requestID) {
		return
	}
	rec, err := h.refunds.Get(c.Request.Context(), requestID)
	if errors.Is(err, refund.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "refund not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to load refund"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refund": rec})
}

// summarize refreshes the ledger gauges and returns the totals.
func (h *Handler) summarize(c *gin.Context) {
	if h.summarizer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "ledger summary not configured"})
		return
	}

	start := h.now()
	summary, err := h.summarizer.RunOnce(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "ledger summary failed"})
		return
	}
	c.JSON(http.StatusOK, newLedgerSummary(summary, h.now().Sub(start), h.now()))
}

func validRequestID(c *gin.Context, id string) bool {
	if errs := validation.Validate(validation.ValidRequestID("requestId", id)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": errs.Error(), "details": errs})
		return false
	}
	return true
}

func parseLimit(s string) int {
	limit := defaultLimit
	if s != "" {
		if parsed, err := strconv.Atoi(s); err == nil && parsed > 0 && parsed <= maxLimit {
			limit = parsed
		}
	}
	return limit
}
