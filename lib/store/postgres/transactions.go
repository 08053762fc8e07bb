package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/store"
)

const txCols = `id, wallet_id, user_id, tenant_id, hash, from_address, to_address, amount, type, status, confirmations,
	block_number, gas_used, gas_price, memo, created_at, updated_at`

func scanTx(s scanner) (*store.Transaction, error) {
	var (
		t      store.Transaction
		tenant sql.NullString
	)

	if err := s.Scan(&t.ID, &t.WalletID, &t.UserID, &tenant, &t.Hash, &t.From, &t.To, &t.Amount, &t.Type, &t.Status,
		&t.Confirmations, &t.BlockNumber, &t.GasUsed, &t.GasPrice, &t.Memo, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, lookup(err)
	}

	t.TenantID = tenant.String

	return &t, nil
}

func scanTxs(rows *sql.Rows) ([]store.Transaction, error) {
	defer rows.Close()

	txs := []store.Transaction{}

	for rows.Next() {
		t, err := scanTx(rows)
		if err != nil {
			return nil, err
		}

		txs = append(txs, *t)
	}

	return txs, rows.Err()
}

func (p *Postgres) CreateTransaction(ctx context.Context, t *store.Transaction) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO transactions (`+txCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.WalletID, t.UserID, nullable(t.TenantID), strings.ToLower(t.Hash), t.From, t.To, t.Amount, t.Type,
		t.Status, t.Confirmations, t.BlockNumber, t.GasUsed, t.GasPrice, t.Memo, t.CreatedAt, t.UpdatedAt)

	return conflict(err)
}

func (p *Postgres) GetTransactionByHash(ctx context.Context, hash string) (*store.Transaction, error) {
	return scanTx(p.db.QueryRowContext(ctx, `SELECT `+txCols+` FROM transactions WHERE hash = $1`,
		strings.ToLower(hash)))
}

// ListTransactions returns a page of the wallet transactions, newest first, and the total count.
func (p *Postgres) ListTransactions(ctx context.Context, walletID string, pg store.Page,
) ([]store.Transaction, int, error) {
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM transactions WHERE wallet_id = $1`,
		walletID).Scan(&total); err != nil {
		return nil, 0, lookup(err)
	}

	pg = pg.Normalize()

	rows, err := p.db.QueryContext(ctx, `SELECT `+txCols+` FROM transactions WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`, walletID, pg.Limit, pg.Offset())
	if err != nil {
		return nil, 0, err
	}

	txs, err := scanTxs(rows)

	return txs, total, err
}

// ListPendingTransactions returns up to limit pending transactions, oldest first.
func (p *Postgres) ListPendingTransactions(ctx context.Context, limit int) ([]store.Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+txCols+` FROM transactions WHERE status = 'pending'
		ORDER BY created_at, id LIMIT NULLIF($1, 0)`, limit)
	if err != nil {
		return nil, err
	}

	return scanTxs(rows)
}

func (p *Postgres) UpdateTransactionStatus(ctx context.Context, u store.StatusUpdate) (bool, error) {
	hash := strings.ToLower(u.Hash)

	res, err := p.db.ExecContext(ctx, `UPDATE transactions SET status = $2, confirmations = $3, block_number = $4,
		gas_used = COALESCE(NULLIF($5::BIGINT, 0), gas_used), updated_at = $6 WHERE hash = $1 AND status = 'pending'`,
		hash, u.Status, u.Confirmations, u.BlockNumber, u.GasUsed, u.At)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if n > 0 {
		return true, nil
	}

	var exists bool
	if err = p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE hash = $1)`,
		hash).Scan(&exists); err != nil {
		return false, err
	}

	if !exists {
		return false, store.ErrNotFound
	}

	return false, nil
}

func (p *Postgres) SumTransactions(ctx context.Context, userID, tenantID string, since time.Time,
) (decimal.Decimal, error) {
	var sum decimal.Decimal

	err := p.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE user_id = $1 AND tenant_id IS NOT DISTINCT FROM $2 AND type = 'send' AND status <> 'failed'
		AND created_at >= $3`, userID, nullable(tenantID), since).Scan(&sum)

	return sum, lookup(err)
}
