// Package reconciliation compares what a request was charged with what the
// upstream actually consumed.
package reconciliation

import (
	"math/big"

	"github.com/mbd888/paygate/internal/pricing"
	"github.com/mbd888/paygate/internal/usdc"
)

// DefaultTolerance is the overcharge below which no refund is issued
// (0.0001 USDC).
var DefaultTolerance = big.NewInt(100)

// Skip reasons.
const (
	SkipNonSuccess = "non_2xx"
	SkipNoUsage    = "no_usage"
	SkipFreeRoute  = "free"
	SkipUnreadable = "unreadable_body"
)

// Comparison is the estimated charge next to the actual cost.
type Comparison struct {
	EstimatedUnits int64    `json:"estimatedUnits"`
	ActualUnits    int64    `json:"actualUnits"`
	Estimated      *big.Int `json:"-"`
	Actual         *big.Int `json:"-"`

	// Delta is Actual - Estimated; negative means the caller overpaid.
	Delta *big.Int `json:"-"`
}

// Reconcile prices actualUnits on the quote's own price line.
func Reconcile(q pricing.Quote, actualUnits int64) Comparison {
	estimated := new(big.Int)
	if q.TotalCost != nil {
		estimated.Set(q.TotalCost)
	}
	actual := q.CostFor(actualUnits)
	return Comparison{
		EstimatedUnits: q.MaxUnits,
		ActualUnits:    actualUnits,
		Estimated:      estimated,
		Actual:         actual,
		Delta:          new(big.Int).Sub(actual, estimated),
	}
}

// Overcharged reports whether the caller paid more than tolerance above the
// actual cost.
func (c Comparison) Overcharged(tolerance *big.Int) bool {
	if c.Delta == nil || c.Delta.Sign() >= 0 {
		return false
	}
	if tolerance == nil {
		tolerance = new(big.Int)
	}
	return new(big.Int).Neg(c.Delta).Cmp(tolerance) > 0
}

// RefundDue is the overpaid amount, zero when nothing is owed.
func (c Comparison) RefundDue() *big.Int {
	if c.Delta == nil || c.Delta.Sign() >= 0 {
		return new(big.Int)
	}
	return new(big.Int).Neg(c.Delta)
}

// DeltaString renders Delta as a signed USDC decimal.
func (c Comparison) DeltaString() string {
	return usdc.Format(c.Delta)
}

// Record counts the outcome of a reconciliation in metrics.
func Record(route string, c Comparison, tolerance *big.Int) {
	outcome := "exact"
	switch {
	case c.Overcharged(tolerance):
		outcome = "overcharged"
	case c.Delta != nil && c.Delta.Sign() < 0:
		outcome = "within_tolerance"
	case c.Delta != nil && c.Delta.Sign() > 0:
		outcome = "undercharged"
	}
	comparisonsTotal.WithLabelValues(route, outcome).Inc()
	if c.Delta != nil {
		f, _ := usdc.ToDecimal(c.Delta).Float64()
		deltaUSDC.WithLabelValues(route).Observe(f)
	}
}

// Skip counts a request that could not be reconciled.
func Skip(route, reason string) {
	skippedTotal.WithLabelValues(route, reason).Inc()
}
