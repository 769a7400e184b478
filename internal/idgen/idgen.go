// Package idgen generates identifiers for requests, transactions and refunds.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// Prefixes for stored records.
const (
	TransactionPrefix = "tx_"
	RefundPrefix      = "rf_"
)

// RequestID returns a random UUID for correlating one HTTP request.
func RequestID() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 random hex characters.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id looks like a request ID a client may supply:
// 1 to 128 characters from [A-Za-z0-9._-].
func Valid(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
