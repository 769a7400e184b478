package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/mbd888/paygate/internal/usdc"
)

const (
	DefaultImageSize  = "1024x1024"
	DefaultImageCents = 3

	imagePlaces = 2
)

var defaultImageCents = map[string]int64{
	"256x256":   1,
	"512x512":   2,
	"1024x1024": 3,
	"1792x1024": 4,
	"1024x1792": 4,
}

var ErrInvalidBucket = errors.New("pricing: invalid image bucket")

// SizeQuote is the public answer of the quote endpoint.
type SizeQuote struct {
	Cents int64  `json:"cents"`
	Price string `json:"price"`
	Size  string `json:"size"`
}

// ImageTable prices image generation by size bucket, in whole cents.
type ImageTable struct {
	cents        map[string]int64
	defaultCents int64
	fee          *big.Int
}

// DefaultImageTable returns the built-in size buckets with no protocol fee.
func DefaultImageTable() *ImageTable {
	t, _ := NewImageTable(defaultImageCents, DefaultImageCents, nil)
	return t
}

// NewImageTable builds a size table. Unknown sizes are charged defaultCents.
func NewImageTable(buckets map[string]int64, defaultCents int64, fee *big.Int) (*ImageTable, error) {
	if defaultCents < 0 {
		return nil, fmt.Errorf("%w: default %d", ErrInvalidBucket, defaultCents)
	}
	if fee == nil {
		fee = new(big.Int)
	}
	if fee.Sign() < 0 {
		return nil, fmt.Errorf("%w: image protocol fee", ErrNegativePrice)
	}
	cp := make(map[string]int64, len(buckets))
	for size, c := range buckets {
		if c < 0 {
			return nil, fmt.Errorf("%w: %s=%d", ErrInvalidBucket, size, c)
		}
		cp[size] = c
	}
	return &ImageTable{cents: cp, defaultCents: defaultCents, fee: new(big.Int).Set(fee)}, nil
}

// Cents returns the bucket price for size and the size it was resolved to.
// An empty size resolves to DefaultImageSize.
func (t *ImageTable) Cents(size string) (int64, string) {
	if size == "" {
		size = DefaultImageSize
	}
	if c, ok := t.cents[size]; ok {
		return c, size
	}
	return t.defaultCents, size
}

// Quote answers a size quote request. Unknown sizes get the default bucket.
func (t *ImageTable) Quote(size string) SizeQuote {
	cents, resolved := t.Cents(size)
	return SizeQuote{
		Cents: cents,
		Price: usdc.Dollars(usdc.FromCents(cents), imagePlaces),
		Size:  resolved,
	}
}

// Estimate prices one image of the given size. The unit is one delivered
// image, so the quote's price line also covers a response without an image.
// The price is shown in cents unless a sub-cent fee makes that inexact.
func (t *ImageTable) Estimate(size string) Quote {
	cents, resolved := t.Cents(size)
	places := int32(imagePlaces)
	if new(big.Int).Rem(t.fee, big.NewInt(usdc.UnitsPerCent)).Sign() != 0 {
		places = usdc.Decimals
	}
	return newQuote(resolved, 1, usdc.FromCents(cents), t.fee, places)
}
