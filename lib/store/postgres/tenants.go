package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/tarancss/waas/lib/store"
)

const tenantCols = `id, name, subdomain, custom_domain, owner_user_id, brand, features, daily_limit, monthly_limit,
	webhook_url, active, created_at`

func scanTenant(s scanner) (*store.Tenant, error) {
	var (
		t      store.Tenant
		domain sql.NullString
		owner  sql.NullString
		brand  []byte
	)

	if err := s.Scan(&t.ID, &t.Name, &t.Subdomain, &domain, &owner, &brand, pq.Array(&t.Features), &t.DailyLimit,
		&t.MonthlyLimit, &t.WebhookURL, &t.Active, &t.CreatedAt); err != nil {
		return nil, lookup(err)
	}

	if err := json.Unmarshal(brand, &t.Brand); err != nil {
		return nil, fmt.Errorf("cannot decode brand of tenant %s: %w", t.ID, err)
	}

	t.CustomDomain = domain.String
	t.OwnerUserID = owner.String

	return &t, nil
}

func (p *Postgres) CreateTenant(ctx context.Context, t *store.Tenant) error {
	brand, err := json.Marshal(t.Brand)
	if err != nil {
		return err
	}

	_, err = p.db.ExecContext(ctx, `INSERT INTO tenants (`+tenantCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, t.Subdomain, nullable(t.CustomDomain), nullable(t.OwnerUserID), string(brand), strs(t.Features),
		t.DailyLimit, t.MonthlyLimit, t.WebhookURL, t.Active, t.CreatedAt)

	return conflict(err)
}

func (p *Postgres) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants WHERE id = $1`, id))
}

func (p *Postgres) GetTenantBySubdomain(ctx context.Context, sub string) (*store.Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants
		WHERE lower(subdomain) = lower($1)`, sub))
}

func (p *Postgres) GetTenantByDomain(ctx context.Context, domain string) (*store.Tenant, error) {
	return scanTenant(p.db.QueryRowContext(ctx, `SELECT `+tenantCols+` FROM tenants
		WHERE lower(custom_domain) = lower($1)`, domain))
}

func (p *Postgres) UpdateTenant(ctx context.Context, t *store.Tenant) error {
	brand, err := json.Marshal(t.Brand)
	if err != nil {
		return err
	}

	return affected(p.db.ExecContext(ctx, `UPDATE tenants SET name = $2, subdomain = $3, custom_domain = $4,
		owner_user_id = $5, brand = $6, features = $7, daily_limit = $8, monthly_limit = $9, webhook_url = $10,
		active = $11 WHERE id = $1`,
		t.ID, t.Name, t.Subdomain, nullable(t.CustomDomain), nullable(t.OwnerUserID), string(brand), strs(t.Features),
		t.DailyLimit, t.MonthlyLimit, t.WebhookURL, t.Active))
}

const clientCols = `id, tenant_id, owner_user_id, name, api_key, secret_hash, rate_limit_per_minute, daily_limit,
	monthly_limit, expires_at, active, created_at`

func (p *Postgres) CreateAPIClient(ctx context.Context, c *store.APIClient) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO api_clients (`+clientCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, nullable(c.TenantID), c.OwnerUserID, c.Name, c.APIKey, c.SecretHash, c.RateLimitPerMinute, c.DailyLimit,
		c.MonthlyLimit, nullTime(c.ExpiresAt), c.Active, c.CreatedAt)

	return conflict(err)
}

func (p *Postgres) GetAPIClientByKey(ctx context.Context, key string) (*store.APIClient, error) {
	var (
		c       store.APIClient
		tenant  sql.NullString
		expires sql.NullTime
	)

	if err := p.db.QueryRowContext(ctx, `SELECT `+clientCols+` FROM api_clients WHERE api_key = $1`, key).Scan(
		&c.ID, &tenant, &c.OwnerUserID, &c.Name, &c.APIKey, &c.SecretHash, &c.RateLimitPerMinute, &c.DailyLimit,
		&c.MonthlyLimit, &expires, &c.Active, &c.CreatedAt); err != nil {
		return nil, lookup(err)
	}

	c.TenantID = tenant.String
	c.ExpiresAt = timePtr(expires)

	return &c, nil
}

const webhookCols = `id, tenant_id, url, events, secret, active, created_at`

func scanWebhook(s scanner) (*store.Webhook, error) {
	var w store.Webhook
	if err := s.Scan(&w.ID, &w.TenantID, &w.URL, pq.Array(&w.Events), &w.Secret, &w.Active,
		&w.CreatedAt); err != nil {
		return nil, lookup(err)
	}

	return &w, nil
}

func (p *Postgres) CreateWebhook(ctx context.Context, w *store.Webhook) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhooks (`+webhookCols+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		w.ID, w.TenantID, w.URL, strs(w.Events), w.Secret, w.Active, w.CreatedAt)

	return conflict(err)
}

func (p *Postgres) GetWebhook(ctx context.Context, id string) (*store.Webhook, error) {
	return scanWebhook(p.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id = $1`, id))
}

func (p *Postgres) ListWebhooks(ctx context.Context, tenantID string) ([]store.Webhook, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, lookup(err)
	}
	defer rows.Close()

	hs := []store.Webhook{}

	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}

		hs = append(hs, *w)
	}

	return hs, rows.Err()
}

func (p *Postgres) DeleteWebhook(ctx context.Context, id string) error {
	return affected(p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id))
}
