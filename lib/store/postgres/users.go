package postgres

import (
	"context"
	"database/sql"

	"github.com/tarancss/waas/lib/store"
)

const userCols = `id, email, password_hash, totp_secret, totp_enabled, status, created_at, updated_at`

func scanUser(s scanner) (*store.User, error) {
	var u store.User
	if err := s.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.TOTPSecret, &u.TOTPEnabled, &u.Status, &u.CreatedAt,
		&u.UpdatedAt); err != nil {
		return nil, lookup(err)
	}

	return &u, nil
}

// CreateUser inserts u. Emails are unique regardless of case.
func (p *Postgres) CreateUser(ctx context.Context, u *store.User) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO users (`+userCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		u.ID, u.Email, u.PasswordHash, u.TOTPSecret, u.TOTPEnabled, u.Status, u.CreatedAt, u.UpdatedAt)

	return conflict(err)
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*store.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

func (p *Postgres) GetUserByEmail(ctx context.Context, email string) (*store.User, error) {
	return scanUser(p.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE lower(email) = lower($1)`, email))
}

func (p *Postgres) UpdateUser(ctx context.Context, u *store.User) error {
	return affected(p.db.ExecContext(ctx, `UPDATE users SET email = $2, password_hash = $3, totp_secret = $4,
		totp_enabled = $5, status = $6, updated_at = $7 WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.TOTPSecret, u.TOTPEnabled, u.Status, u.UpdatedAt))
}

// lockUser serializes the wallet changes of one user.
func lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var id string

	return lookup(tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id))
}
