package health

import (
	"context"
	"fmt"
)

// Pinger is anything with a context-aware liveness probe, such as *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// SchemeSupporter reports whether the facilitator handles a payment kind.
type SchemeSupporter interface {
	Supports(ctx context.Context, scheme, network string) (bool, error)
}

// WalletPinger checks the refund wallet's RPC endpoint.
type WalletPinger interface {
	Ping(ctx context.Context) error
}

// Database checks a SQL connection.
func Database(db Pinger) Checker {
	return db.PingContext
}

// Facilitator checks that the facilitator answers /supported and lists the
// scheme and network the gateway charges on.
func Facilitator(f SchemeSupporter, scheme, network string) Checker {
	return func(ctx context.Context) error {
		ok, err := f.Supports(ctx, scheme, network)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s/%s not supported", scheme, network)
		}
		return nil
	}
}

// RefundWallet checks the refund wallet's chain connection.
func RefundWallet(w WalletPinger) Checker {
	return w.Ping
}
