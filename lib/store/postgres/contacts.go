package postgres

import (
	"context"

	"github.com/tarancss/waas/lib/store"
)

const contactCols = `id, user_id, name, address, notes, created_at`

func scanContact(s scanner) (*store.Contact, error) {
	var c store.Contact
	if err := s.Scan(&c.ID, &c.UserID, &c.Name, &c.Address, &c.Notes, &c.CreatedAt); err != nil {
		return nil, lookup(err)
	}

	return &c, nil
}

func (p *Postgres) CreateContact(ctx context.Context, c *store.Contact) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO contacts (`+contactCols+`) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.UserID, c.Name, c.Address, c.Notes, c.CreatedAt)

	return conflict(err)
}

func (p *Postgres) GetContact(ctx context.Context, id string) (*store.Contact, error) {
	return scanContact(p.db.QueryRowContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE id = $1`, id))
}

func (p *Postgres) ListContacts(ctx context.Context, userID string) ([]store.Contact, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+contactCols+` FROM contacts WHERE user_id = $1
		ORDER BY lower(name), id`, userID)
	if err != nil {
		return nil, lookup(err)
	}
	defer rows.Close()

	cs := []store.Contact{}

	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}

		cs = append(cs, *c)
	}

	return cs, rows.Err()
}

func (p *Postgres) UpdateContact(ctx context.Context, c *store.Contact) error {
	return affected(p.db.ExecContext(ctx, `UPDATE contacts SET name = $2, address = $3, notes = $4 WHERE id = $1`,
		c.ID, c.Name, c.Address, c.Notes))
}

func (p *Postgres) DeleteContact(ctx context.Context, id string) error {
	return affected(p.db.ExecContext(ctx, `DELETE FROM contacts WHERE id = $1`, id))
}
