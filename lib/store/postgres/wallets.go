package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/store"
)

const walletCols = `id, user_id, tenant_id, name, address, key_ciphertext, key_iv, key_tag, key_index, is_primary,
	balance, balance_updated_at, status, created_at`

func scanWallet(s scanner) (*store.Wallet, error) {
	var (
		w      store.Wallet
		tenant sql.NullString
		at     sql.NullTime
		idx    int64
	)

	if err := s.Scan(&w.ID, &w.UserID, &tenant, &w.Name, &w.Address, &w.EncryptedKey.Ciphertext, &w.EncryptedKey.IV,
		&w.EncryptedKey.Tag, &idx, &w.IsPrimary, &w.Balance, &at, &w.Status, &w.CreatedAt); err != nil {
		return nil, lookup(err)
	}

	w.TenantID = tenant.String
	w.KeyIndex = uint32(idx)
	w.BalanceUpdatedAt = timePtr(at)

	return &w, nil
}

// NextKeyIndex reserves the next HD derivation index.
func (p *Postgres) NextKeyIndex(ctx context.Context) (uint32, error) {
	var idx int64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('wallet_key_index_seq')`).Scan(&idx); err != nil {
		return 0, err
	}

	return uint32(idx), nil
}

func (p *Postgres) CreateWallet(ctx context.Context, w *store.Wallet) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, w.UserID); err != nil {
			return err
		}

		var has bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM wallets
			WHERE user_id = $1 AND is_primary AND status = 'active')`, w.UserID).Scan(&has); err != nil {
			return err
		}

		w.IsPrimary = w.Status == store.WalletActive && !has

		_, err := tx.ExecContext(ctx, `INSERT INTO wallets (`+walletCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			w.ID, w.UserID, nullable(w.TenantID), w.Name, w.Address, w.EncryptedKey.Ciphertext, w.EncryptedKey.IV,
			w.EncryptedKey.Tag, int64(w.KeyIndex), w.IsPrimary, w.Balance, nullTime(w.BalanceUpdatedAt), w.Status,
			w.CreatedAt)

		return conflict(err)
	})
}

func (p *Postgres) GetWallet(ctx context.Context, id string) (*store.Wallet, error) {
	return scanWallet(p.db.QueryRowContext(ctx, `SELECT `+walletCols+` FROM wallets WHERE id = $1`, id))
}

func (p *Postgres) ListWallets(ctx context.Context, userID string) ([]store.Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+walletCols+` FROM wallets
		WHERE user_id = $1 AND status <> 'deleted' ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, lookup(err)
	}
	defer rows.Close()

	ws := []store.Wallet{}

	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}

		ws = append(ws, *w)
	}

	return ws, rows.Err()
}

// UpdateWallet saves name and status. A wallet leaving the active status hands the primary flag to the oldest
// remaining active wallet; a user left without a primary wallet gets one back when a wallet is reactivated.
func (p *Postgres) UpdateWallet(ctx context.Context, w *store.Wallet) error {
	var userID string
	if err := p.db.QueryRowContext(ctx, `SELECT user_id FROM wallets WHERE id = $1 AND status <> 'deleted'`,
		w.ID).Scan(&userID); err != nil {
		return lookup(err)
	}

	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}

		var was bool
		if err := tx.QueryRowContext(ctx, `SELECT is_primary FROM wallets WHERE id = $1 AND status <> 'deleted'`,
			w.ID).Scan(&was); err != nil {
			return lookup(err)
		}

		primary := was && w.Status == store.WalletActive

		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET name = $2, status = $3, is_primary = $4 WHERE id = $1`,
			w.ID, w.Name, w.Status, primary); err != nil {
			return conflict(err)
		}

		if err := promote(ctx, tx, userID); err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, `SELECT is_primary FROM wallets WHERE id = $1`, w.ID).Scan(&w.IsPrimary)
	})
}

// promote flags the oldest active wallet of the user as primary unless one already is.
func promote(ctx context.Context, tx *sql.Tx, userID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE wallets SET is_primary = TRUE
		WHERE id = (SELECT id FROM wallets WHERE user_id = $1 AND status = 'active' ORDER BY created_at, id LIMIT 1)
		AND NOT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1 AND is_primary AND status = 'active')`, userID)

	return err
}

func (p *Postgres) UpdateBalance(ctx context.Context, walletID string, bal decimal.Decimal, at time.Time) error {
	return affected(p.db.ExecContext(ctx, `UPDATE wallets SET balance = $2, balance_updated_at = $3 WHERE id = $1`,
		walletID, bal, at))
}

func (p *Postgres) SetPrimary(ctx context.Context, userID, walletID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}

		var id string
		if err := tx.QueryRowContext(ctx, `SELECT id FROM wallets WHERE id = $1 AND user_id = $2 AND status = 'active'`,
			walletID, userID).Scan(&id); err != nil {
			return lookup(err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET is_primary = FALSE WHERE user_id = $1 AND is_primary`,
			userID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, `UPDATE wallets SET is_primary = TRUE WHERE id = $1`, walletID)

		return err
	})
}

func (p *Postgres) DeleteWallet(ctx context.Context, userID, walletID string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}

		var was bool
		if err := tx.QueryRowContext(ctx, `SELECT is_primary FROM wallets
			WHERE id = $1 AND user_id = $2 AND status <> 'deleted'`, walletID, userID).Scan(&was); err != nil {
			return lookup(err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE wallets SET status = 'deleted', is_primary = FALSE WHERE id = $1`,
			walletID); err != nil {
			return err
		}

		if was {
			return promote(ctx, tx, userID)
		}

		return nil
	})
}
