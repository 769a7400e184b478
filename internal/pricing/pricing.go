// Package pricing turns request parameters into price quotes.
//
// Prices are linear: TotalCost = FixedFee + UnitPrice * units, computed in
// USDC atomic units so repeated additions never drift. Lookups never fail;
// unknown models and sizes fall back to a default tier.
package pricing

import (
	"math/big"

	"github.com/mbd888/paygate/internal/usdc"
)

// Quote is an immutable price for a single request.
type Quote struct {
	Model     string   `json:"model"`
	MaxUnits  int64    `json:"maxUnits"`
	UnitPrice *big.Int `json:"-"`
	FixedFee  *big.Int `json:"-"`
	TotalCost *big.Int `json:"-"`

	// Places is the number of decimals used when the price is rendered.
	Places int32 `json:"-"`
}

// CostFor applies the quote's price line to a different unit count.
func (q Quote) CostFor(units int64) *big.Int {
	if units < 0 {
		units = 0
	}
	cost := new(big.Int).Mul(q.unitPrice(), big.NewInt(units))
	return cost.Add(cost, q.fixedFee())
}

// Price renders TotalCost as a dollar string, e.g. "$0.002750".
func (q Quote) Price() string {
	return usdc.Dollars(q.TotalCost, q.Places)
}

// IsZero reports whether the quote charges nothing.
func (q Quote) IsZero() bool {
	return q.TotalCost == nil || q.TotalCost.Sign() == 0
}

// Equal reports whether two quotes describe the same charge.
func (q Quote) Equal(o Quote) bool {
	return q.Model == o.Model &&
		q.MaxUnits == o.MaxUnits &&
		q.Places == o.Places &&
		cmp(q.UnitPrice, o.UnitPrice) &&
		cmp(q.FixedFee, o.FixedFee) &&
		cmp(q.TotalCost, o.TotalCost)
}

func (q Quote) unitPrice() *big.Int {
	if q.UnitPrice == nil {
		return new(big.Int)
	}
	return q.UnitPrice
}

func (q Quote) fixedFee() *big.Int {
	if q.FixedFee == nil {
		return new(big.Int)
	}
	return q.FixedFee
}

func newQuote(model string, units int64, unitPrice, fee *big.Int, places int32) Quote {
	q := Quote{
		Model:     model,
		MaxUnits:  units,
		UnitPrice: new(big.Int).Set(unitPrice),
		FixedFee:  new(big.Int).Set(fee),
		Places:    places,
	}
	q.TotalCost = q.CostFor(units)
	return q
}

func cmp(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}
