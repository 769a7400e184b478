package pricing

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/shopspring/decimal"

	"github.com/mbd888/paygate/internal/usdc"
)

// File is the on-disk override format. Prices are decimal strings in USDC
// so operators never have to think in atomic units.
//
//	{
//	  "chat":  {"protocolFee": "0.002", "models": {"default": "0.000005", "gpt-4": "0.00001"}},
//	  "image": {"protocolFee": "0", "defaultCents": 3, "sizes": {"256x256": 1}}
//	}
type File struct {
	Chat *struct {
		ProtocolFee *decimal.Decimal           `json:"protocolFee"`
		Models      map[string]decimal.Decimal `json:"models"`
	} `json:"chat"`
	Image *struct {
		ProtocolFee  *decimal.Decimal `json:"protocolFee"`
		DefaultCents *int64           `json:"defaultCents"`
		Sizes        map[string]int64 `json:"sizes"`
	} `json:"image"`
}

// Tables bundles the price tables used by the gateway.
type Tables struct {
	Chat  *ChatTable
	Image *ImageTable
}

// Defaults returns the built-in tables with the given protocol fees.
func Defaults(chatFee, imageFee *big.Int) (Tables, error) {
	base := DefaultChatTable()
	chat, err := NewChatTable(base.prices, chatFee)
	if err != nil {
		return Tables{}, err
	}
	image, err := NewImageTable(defaultImageCents, DefaultImageCents, imageFee)
	if err != nil {
		return Tables{}, err
	}
	return Tables{Chat: chat, Image: image}, nil
}

// LoadFile reads a pricing override file on top of the given defaults.
// Sections or fields left out of the file keep their default values.
func LoadFile(path string, defaults Tables) (Tables, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tables{}, fmt.Errorf("pricing: read %s: %w", path, err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return Tables{}, fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	return f.apply(defaults)
}

func (f File) apply(defaults Tables) (Tables, error) {
	out := defaults

	if f.Chat != nil {
		prices := make(map[string]*big.Int, len(defaults.Chat.prices))
		for m, p := range defaults.Chat.prices {
			prices[m] = p
		}
		for m, d := range f.Chat.Models {
			units, ok := usdc.FromDecimal(d)
			if !ok {
				return Tables{}, fmt.Errorf("%w: model %q", ErrNegativePrice, m)
			}
			prices[m] = units
		}
		fee := defaults.Chat.fee
		if f.Chat.ProtocolFee != nil {
			units, ok := usdc.FromDecimal(*f.Chat.ProtocolFee)
			if !ok {
				return Tables{}, fmt.Errorf("%w: chat protocol fee", ErrNegativePrice)
			}
			fee = units
		}
		chat, err := NewChatTable(prices, fee)
		if err != nil {
			return Tables{}, err
		}
		out.Chat = chat
	}

	if f.Image != nil {
		sizes := make(map[string]int64, len(defaults.Image.cents))
		for s, c := range defaults.Image.cents {
			sizes[s] = c
		}
		for s, c := range f.Image.Sizes {
			sizes[s] = c
		}
		def := defaults.Image.defaultCents
		if f.Image.DefaultCents != nil {
			def = *f.Image.DefaultCents
		}
		fee := defaults.Image.fee
		if f.Image.ProtocolFee != nil {
			units, ok := usdc.FromDecimal(*f.Image.ProtocolFee)
			if !ok {
				return Tables{}, fmt.Errorf("%w: image protocol fee", ErrNegativePrice)
			}
			fee = units
		}
		image, err := NewImageTable(sizes, def, fee)
		if err != nil {
			return Tables{}, err
		}
		out.Image = image
	}

	return out, nil
}
