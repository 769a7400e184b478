package refund

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/lib/pq"
)

// PostgresStore persists the refund ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed ledger.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Claim(ctx context.Context, requestID string) (bool, error) {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO refund_claims (request_id) VALUES ($1)
		ON CONFLICT (request_id) DO NOTHING`, requestID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (p *PostgresStore) Append(ctx context.Context, rec *Record) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO refunds (
			id, request_id, amount, recipient, network, tx_hash, success, error, created_at
		) VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.RequestID, rec.Amount.String(), rec.Recipient, rec.Network,
		rec.TxHash, rec.Success, rec.Error, rec.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return ErrDuplicate
		case "foreign_key_violation":
			return ErrNotClaimed
		}
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*Record, error) {
	rec, err := scanRecord(p.db.QueryRowContext(ctx, `
		SELECT id, request_id, amount::TEXT, recipient, network, tx_hash, success, error, created_at
		FROM refunds WHERE request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) List(ctx context.Context, f Filter) ([]*Record, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, request_id, amount::TEXT, recipient, network, tx_hash, success, error, created_at
		FROM refunds
		WHERE ($1 = FALSE OR NOT success)
		ORDER BY created_at DESC
		LIMIT $2`, f.FailedOnly, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Summary(ctx context.Context) (Summary, error) {
	var (
		s                Summary
		refunded, failed string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(SUM(amount) FILTER (WHERE success), 0)::TEXT,
			COALESCE(SUM(amount) FILTER (WHERE NOT success), 0)::TEXT
		FROM refunds`).Scan(&s.Succeeded, &s.Failed, &refunded, &failed)
	if err != nil {
		return Summary{}, err
	}
	if s.RefundedAmount, err = parseAmount(refunded); err != nil {
		return Summary{}, err
	}
	if s.FailedAmount, err = parseAmount(failed); err != nil {
		return Summary{}, err
	}
	return s, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec    Record
		amount string
	)
	if err := row.Scan(&rec.ID, &rec.RequestID, &amount, &rec.Recipient, &rec.Network,
		&rec.TxHash, &rec.Success, &rec.Error, &rec.CreatedAt); err != nil {
		return nil, err
	}
	a, err := parseAmount(amount)
	if err != nil {
		return nil, err
	}
	rec.Amount = a
	return &rec, nil
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("refund: bad stored amount %q", s)
	}
	return v, nil
}
