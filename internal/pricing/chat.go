package pricing

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/mbd888/paygate/internal/usdc"
)

const (
	DefaultChatModel = "gpt-3.5-turbo"
	DefaultMaxTokens = 150
	MaxTokensCap     = 32768

	// DefaultTier is the pricing key used for models missing from the table.
	DefaultTier = "default"

	chatPlaces = 6
)

// DefaultProtocolFee is the per-request payment rail fee (0.002 USDC).
var DefaultProtocolFee = usdc.MustParse("0.002")

// defaultChatPrices are per-token prices in USDC.
var defaultChatPrices = map[string]string{
	"gpt-4":         "0.00001",
	"gpt-3.5-turbo": "0.000005",
	"claude-3":      "0.000008",
	"gemini-pro":    "0.000003",
	"llama-2":       "0.000002",
	DefaultTier:     "0.000005",
}

var (
	ErrMissingDefaultTier = errors.New("pricing: table has no default tier")
	ErrNegativePrice      = errors.New("pricing: negative price")
)

// ChatParams are the request fields that drive a chat completion price.
type ChatParams struct {
	Model     string  `json:"model"`
	MaxTokens float64 `json:"max_tokens"`
}

// ChatTable prices chat completions per token. Read-only after construction.
type ChatTable struct {
	prices map[string]*big.Int
	fee    *big.Int
}

// DefaultChatTable returns the built-in per-token price list.
func DefaultChatTable() *ChatTable {
	prices := make(map[string]*big.Int, len(defaultChatPrices))
	for model, p := range defaultChatPrices {
		prices[model] = usdc.MustParse(p)
	}
	t, _ := NewChatTable(prices, DefaultProtocolFee)
	return t
}

// NewChatTable builds a table from per-token prices in atomic units.
// The map must contain DefaultTier.
func NewChatTable(prices map[string]*big.Int, fee *big.Int) (*ChatTable, error) {
	if _, ok := prices[DefaultTier]; !ok {
		return nil, ErrMissingDefaultTier
	}
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: protocol fee", ErrNegativePrice)
	}
	cp := make(map[string]*big.Int, len(prices))
	for model, p := range prices {
		if p == nil || p.Sign() < 0 {
			return nil, fmt.Errorf("%w: model %q", ErrNegativePrice, model)
		}
		cp[model] = new(big.Int).Set(p)
	}
	return &ChatTable{prices: cp, fee: new(big.Int).Set(fee)}, nil
}

// UnitPrice returns the per-token price for model, falling back to the
// default tier.
func (t *ChatTable) UnitPrice(model string) *big.Int {
	if p, ok := t.prices[model]; ok {
		return p
	}
	return t.prices[DefaultTier]
}

// ProtocolFee returns the fixed per-request fee.
func (t *ChatTable) ProtocolFee() *big.Int {
	return new(big.Int).Set(t.fee)
}

// Estimate prices a chat completion capped at p.MaxTokens output tokens.
func (t *ChatTable) Estimate(p ChatParams) Quote {
	model := p.Model
	if model == "" {
		model = DefaultChatModel
	}
	return newQuote(model, normalizeMaxTokens(p.MaxTokens), t.UnitPrice(model), t.fee, chatPlaces)
}

// EstimateBody prices a raw chat request body. Bodies that are not a JSON
// object are charged the protocol fee alone.
func (t *ChatTable) EstimateBody(body []byte) Quote {
	var p ChatParams
	if len(body) == 0 || json.Unmarshal(body, &p) != nil {
		return newQuote("", 0, new(big.Int), t.fee, chatPlaces)
	}
	return t.Estimate(p)
}

func normalizeMaxTokens(v float64) int64 {
	if math.IsNaN(v) || v <= 0 {
		return DefaultMaxTokens
	}
	if v > MaxTokensCap {
		return MaxTokensCap
	}
	n := int64(math.Ceil(v))
	if n > MaxTokensCap {
		return MaxTokensCap
	}
	return n
}
