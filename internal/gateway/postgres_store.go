package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const txColumns = `id, request_id, route, payer, network, model, max_units,
	unit_price::TEXT, fixed_fee::TEXT, amount::TEXT, tx_hash, upstream_status,
	prompt_tokens, completion_tokens, total_tokens, actual_units, delta::TEXT,
	refund_id, created_at, client_request_id`

func (p *PostgresStore) Save(ctx context.Context, tx *Transaction) error {
	var delta sql.NullString
	if tx.Delta != nil {
		delta = sql.NullString{String: tx.Delta.String(), Valid: true}
	}
	var actual sql.NullInt64
	if tx.ActualUnits != nil {
		actual = sql.NullInt64{Int64: *tx.ActualUnits, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, request_id, route, payer, network, model, max_units,
			unit_price, fixed_fee, amount, tx_hash, upstream_status,
			prompt_tokens, completion_tokens, total_tokens, actual_units, delta,
			refund_id, created_at, client_request_id
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11, $12,
			$13, $14, $15, $16, $17::NUMERIC,
			$18, $19, $20
		)`,
		tx.ID, tx.RequestID, tx.Route, tx.Payer, tx.Network, tx.Model, tx.MaxUnits,
		intString(tx.UnitPrice), intString(tx.FixedFee), intString(tx.Amount), tx.TxHash, tx.UpstreamStatus,
		tx.Usage.PromptTokens, tx.Usage.CompletionTokens, tx.Usage.TotalTokens, actual, delta,
		tx.RefundID, tx.CreatedAt, tx.ClientRequestID,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, requestID string) (*Transaction, error) {
	tx, err := scanTransaction(p.db.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE request_id = $1`, requestID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return tx, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Transaction, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	var (
		where []string
		args  []any
	)
	if f.Payer != "" {
		args = append(args, strings.ToLower(f.Payer))
		where = append(where, fmt.Sprintf("LOWER(payer) = $%d", len(args)))
	}
	if f.Cursor != nil {
		args = append(args, f.Cursor.CreatedAt, f.Cursor.ID)
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	query := `SELECT ` + txColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		tx                         Transaction
		unitPrice, fixedFee, total string
		actual                     sql.NullInt64
		delta                      sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.RequestID, &tx.Route, &tx.Payer, &tx.Network, &tx.Model, &tx.MaxUnits,
		&unitPrice, &fixedFee, &total, &tx.TxHash, &tx.UpstreamStatus,
		&tx.Usage.PromptTokens, &tx.Usage.CompletionTokens, &tx.Usage.TotalTokens, &actual, &delta,
		&tx.RefundID, &tx.CreatedAt, &tx.ClientRequestID)
	if err != nil {
		return nil, err
	}
	if tx.UnitPrice, err = parseInt(unitPrice); err != nil {
		return nil, err
	}
	if tx.FixedFee, err = parseInt(fixedFee); err != nil {
		return nil, err
	}
	if tx.Amount, err = parseInt(total); err != nil {
		return nil, err
	}
	if actual.Valid {
		n := actual.Int64
		tx.ActualUnits = &n
	}
	if delta.Valid {
		if tx.Delta, err = parseInt(delta.String); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func intString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseInt(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("gateway: bad stored amount %q", s)
	}
	return v, nil
}
