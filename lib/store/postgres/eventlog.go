package postgres

import (
	"context"
	"time"

	"github.com/tarancss/waas/lib/store"
)

func (p *Postgres) LogDelivery(ctx context.Context, d store.Delivery) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, webhook_id, tenant_id, event, delivery_id,
		status_code, outcome, error, attempt, duration_ms, at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		d.ID, d.WebhookID, nullable(d.TenantID), d.Event, d.DeliveryID, d.StatusCode, d.Outcome, d.Error, d.Attempt,
		d.DurationMS, d.At)

	return err
}

// ListDeliveries returns the latest deliveries of the webhook, newest first.
func (p *Postgres) ListDeliveries(ctx context.Context, webhookID string, limit int) ([]store.Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, webhook_id, COALESCE(tenant_id::text, ''), event, delivery_id,
		status_code, outcome, error, attempt, duration_ms, at FROM webhook_deliveries WHERE webhook_id = $1
		ORDER BY at DESC LIMIT NULLIF($2, 0)`, webhookID, limit)
	if err != nil {
		return nil, lookup(err)
	}
	defer rows.Close()

	ds := []store.Delivery{}

	for rows.Next() {
		var d store.Delivery
		if err = rows.Scan(&d.ID, &d.WebhookID, &d.TenantID, &d.Event, &d.DeliveryID, &d.StatusCode, &d.Outcome,
			&d.Error, &d.Attempt, &d.DurationMS, &d.At); err != nil {
			return nil, err
		}

		ds = append(ds, d)
	}

	return ds, rows.Err()
}

func (p *Postgres) RecordUsage(ctx context.Context, u store.Usage) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO api_usage (id, client_id, tenant_id, endpoint, method, status_code,
		at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.ClientID, nullable(u.TenantID), u.Endpoint, u.Method, u.StatusCode, u.At)

	return err
}

func (p *Postgres) CountUsage(ctx context.Context, clientID string, since time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM api_usage WHERE client_id = $1 AND at >= $2`,
		clientID, since).Scan(&n)

	return n, lookup(err)
}
