// Package tenant resolves the white-label tenant of a request from its host and gates features and transaction
// limits on it. A request without a tenant runs with the platform defaults: every feature allowed and no ceilings.
package tenant

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/store"
)

// Features a tenant can enable.
const (
	FeatureSend     = "send"
	FeatureContacts = "contacts"
)

// Limit periods.
const (
	Daily   = "daily"
	Monthly = "monthly"
)

// Reserved labels never resolve as a subdomain.
var Reserved = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "mail": true, "static": true,
}

// Lookup finds tenants by host.
type Lookup interface {
	GetTenantBySubdomain(ctx context.Context, sub string) (*store.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*store.Tenant, error)
}

// Resolver maps request hosts to tenants.
type Resolver struct {
	db Lookup
}

// NewResolver returns a resolver reading from db.
func NewResolver(db Lookup) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns the active tenant serving host, or nil when none does. Only store failures are errors.
func (r *Resolver) Resolve(ctx context.Context, host string) (*store.Tenant, error) {
	host = normalize(host)
	if host == "" || net.ParseIP(host) != nil {
		return nil, nil
	}

	t, err := r.db.GetTenantByDomain(ctx, host)
	if err == nil {
		return active(t), nil
	}

	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	labels := strings.Split(host, ".")
	if len(labels) < 3 || Reserved[labels[0]] { //nolint:gomnd // sub.domain.tld
		return nil, nil
	}

	t, err = r.db.GetTenantBySubdomain(ctx, labels[0])
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return active(t), nil
}

func active(t *store.Tenant) *store.Tenant {
	if t == nil || !t.Active {
		return nil
	}

	return t
}

// normalize strips the port and any trailing dot and lower-cases host.
func normalize(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return strings.TrimSuffix(strings.ToLower(host), ".")
}

// Allowed reports whether feature is enabled. Without a tenant every feature is.
func Allowed(t *store.Tenant, feature string) bool {
	if t == nil {
		return true
	}

	for _, f := range t.Features {
		if f == feature {
			return true
		}
	}

	return false
}

// Summer adds up the sends of a user under a tenant.
type Summer interface {
	SumTransactions(ctx context.Context, userID, tenantID string, since time.Time) (decimal.Decimal, error)
}

// Limits are the transaction ceilings applied to a (user, tenant) pair. A zero ceiling is no ceiling.
type Limits struct {
	TenantID string
	Daily    decimal.Decimal
	Monthly  decimal.Decimal
}

// CheckLimits checks a prospective send of amount against the ceilings of t. Without a tenant nothing is checked.
func CheckLimits(ctx context.Context, db Summer, t *store.Tenant, userID string, amount decimal.Decimal,
	now time.Time,
) error {
	if t == nil {
		return nil
	}

	return Check(ctx, db, Limits{TenantID: t.ID, Daily: t.DailyLimit, Monthly: t.MonthlyLimit}, userID, amount, now)
}

// Check sums the non-failed sends of userID under l.TenantID since the start of the current UTC day and month and
// fails with a LimitExceeded error when adding amount would go over a ceiling.
func Check(ctx context.Context, db Summer, l Limits, userID string, amount decimal.Decimal, now time.Time) error {
	now = now.UTC()

	periods := []struct {
		name    string
		ceiling decimal.Decimal
		since   time.Time
	}{
		{Daily, l.Daily, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)},
		{Monthly, l.Monthly, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)},
	}

	for _, p := range periods {
		if !p.ceiling.IsPositive() {
			continue
		}

		used, err := db.SumTransactions(ctx, userID, l.TenantID, p.since)
		if err != nil {
			return err
		}

		if used.Add(amount).GreaterThan(p.ceiling) {
			return apperr.Exceeded(p.name, p.ceiling, used)
		}
	}

	return nil
}

type ctxKey struct{}

// WithTenant returns a copy of ctx carrying t, which may be nil.
func WithTenant(ctx context.Context, t *store.Tenant) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the tenant of ctx, or nil.
func FromContext(ctx context.Context) *store.Tenant {
	t, _ := ctx.Value(ctxKey{}).(*store.Tenant)
	return t
}
