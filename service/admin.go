package service

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/money"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/tenant"
)

// API credential sizes in bytes.
const (
	apiKeyBytes    = 16
	apiSecretBytes = 32
	apiKeyPrefix   = "wk_"

	DefaultRateLimit = 60
)

// DefaultFeatures are enabled on tenants created without an explicit list.
var DefaultFeatures = []string{tenant.FeatureSend, tenant.FeatureContacts}

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// TenantInput carries the fields of a tenant. Nil fields are left unchanged on update.
type TenantInput struct {
	Name         *string
	Subdomain    *string
	CustomDomain *string
	OwnerUserID  *string
	Brand        *store.Brand
	Features     []string
	DailyLimit   *decimal.Decimal
	MonthlyLimit *decimal.Decimal
	WebhookURL   *string
	Active       *bool
}

func (s *Service) applyTenant(ctx context.Context, t *store.Tenant, in TenantInput) error {
	if in.Name != nil {
		name, err := validName("name", *in.Name)
		if err != nil {
			return err
		}

		t.Name = name
	}

	if in.Subdomain != nil {
		sub := strings.ToLower(strings.TrimSpace(*in.Subdomain))
		if !subdomainRe.MatchString(sub) || tenant.Reserved[sub] {
			return apperr.Invalid("subdomain", "must be a DNS label and not reserved")
		}

		t.Subdomain = sub
	}

	if in.CustomDomain != nil {
		t.CustomDomain = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(*in.CustomDomain)), ".")
	}

	if in.OwnerUserID != nil {
		if *in.OwnerUserID != "" {
			if _, err := s.GetUser(ctx, *in.OwnerUserID); err != nil {
				return apperr.Invalid("ownerUserId", "unknown user")
			}
		}

		t.OwnerUserID = *in.OwnerUserID
	}

	if in.Brand != nil {
		t.Brand = *in.Brand
	}

	if in.Features != nil {
		for _, f := range in.Features {
			if f != tenant.FeatureSend && f != tenant.FeatureContacts {
				return apperr.Invalid("features", "unknown feature "+f)
			}
		}

		t.Features = in.Features
	}

	for _, l := range []struct {
		field string
		in    *decimal.Decimal
		out   *decimal.Decimal
	}{{"dailyLimit", in.DailyLimit, &t.DailyLimit}, {"monthlyLimit", in.MonthlyLimit, &t.MonthlyLimit}} {
		if l.in == nil {
			continue
		}

		if l.in.IsNegative() {
			return apperr.Invalid(l.field, "must not be negative")
		}

		if !money.InRange(*l.in, money.USDCDecimals) {
			return apperr.Invalid(l.field, money.ErrRange.Error())
		}

		*l.out = *l.in
	}

	if in.WebhookURL != nil {
		t.WebhookURL = *in.WebhookURL
	}

	if in.Active != nil {
		t.Active = *in.Active
	}

	return nil
}

func tenantErr(err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return apperr.New(apperr.Conflict, "subdomain or domain already taken")
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFoundf("tenant not found")
	}

	return err
}

// CreateTenant adds an active white-label tenant. Name and subdomain are required.
func (s *Service) CreateTenant(ctx context.Context, in TenantInput) (*store.Tenant, error) {
	if in.Name == nil || in.Subdomain == nil {
		return nil, apperr.New(apperr.Validation, "name and subdomain are required")
	}

	t := &store.Tenant{
		ID:        uuid.NewString(),
		Features:  append([]string(nil), DefaultFeatures...),
		Active:    true,
		CreatedAt: s.now().UTC(),
	}

	if err := s.applyTenant(ctx, t, in); err != nil {
		return nil, err
	}

	if t.Brand.DisplayName == "" {
		t.Brand.DisplayName = t.Name
	}

	if err := s.db.CreateTenant(ctx, t); err != nil {
		return nil, tenantErr(err)
	}

	return t, nil
}

// UpdateTenant changes the given fields of a tenant.
func (s *Service) UpdateTenant(ctx context.Context, id string, in TenantInput) (*store.Tenant, error) {
	t, err := s.db.GetTenant(ctx, id)
	if err != nil {
		return nil, tenantErr(err)
	}

	if err = s.applyTenant(ctx, t, in); err != nil {
		return nil, err
	}

	if err = s.db.UpdateTenant(ctx, t); err != nil {
		return nil, tenantErr(err)
	}

	return t, nil
}

// GetTenant returns a tenant by id.
func (s *Service) GetTenant(ctx context.Context, id string) (*store.Tenant, error) {
	t, err := s.db.GetTenant(ctx, id)

	return t, tenantErr(err)
}

// ClientInput carries the fields of a new API client.
type ClientInput struct {
	TenantID           string
	OwnerUserID        string
	Name               string
	RateLimitPerMinute int
	DailyLimit         decimal.Decimal
	MonthlyLimit       decimal.Decimal
	ExpiresAt          *time.Time
}

// CreateAPIClient issues WaaS credentials acting for the owner user. The returned secret is shown once; only its
// hash is kept.
func (s *Service) CreateAPIClient(ctx context.Context, in ClientInput) (*store.APIClient, string, error) {
	name, err := validName("name", in.Name)
	if err != nil {
		return nil, "", err
	}

	if _, err = s.GetUser(ctx, in.OwnerUserID); err != nil {
		return nil, "", apperr.Invalid("ownerUserId", "unknown user")
	}

	if in.TenantID != "" {
		if _, err = s.GetTenant(ctx, in.TenantID); err != nil {
			return nil, "", apperr.Invalid("tenantId", "unknown tenant")
		}
	}

	if in.RateLimitPerMinute < 0 || in.DailyLimit.IsNegative() || in.MonthlyLimit.IsNegative() {
		return nil, "", apperr.New(apperr.Validation, "limits must not be negative")
	}

	if !money.InRange(in.DailyLimit, money.USDCDecimals) || !money.InRange(in.MonthlyLimit, money.USDCDecimals) {
		return nil, "", apperr.New(apperr.Validation, "limits are out of range")
	}

	if in.RateLimitPerMinute == 0 {
		in.RateLimitPerMinute = DefaultRateLimit
	}

	key, err := auth.RandomHex(apiKeyBytes)
	if err != nil {
		return nil, "", err
	}

	secret, err := auth.RandomHex(apiSecretBytes)
	if err != nil {
		return nil, "", err
	}

	hash, err := auth.HashSecret(secret)
	if err != nil {
		return nil, "", err
	}

	c := &store.APIClient{
		ID:                 uuid.NewString(),
		TenantID:           in.TenantID,
		OwnerUserID:        in.OwnerUserID,
		Name:               name,
		APIKey:             apiKeyPrefix + key,
		SecretHash:         hash,
		RateLimitPerMinute: in.RateLimitPerMinute,
		DailyLimit:         in.DailyLimit,
		MonthlyLimit:       in.MonthlyLimit,
		ExpiresAt:          in.ExpiresAt,
		Active:             true,
		CreatedAt:          s.now().UTC(),
	}

	if err = s.db.CreateAPIClient(ctx, c); err != nil {
		return nil, "", err
	}

	return c, secret, nil
}

var errClient = apperr.New(apperr.Authentication, "invalid api credentials")

// AuthenticateClient resolves the API client of key. The secret is checked unless it is not required, which the API
// allows on read-only routes.
func (s *Service) AuthenticateClient(ctx context.Context, key, secret string, requireSecret bool,
) (*store.APIClient, error) {
	if key == "" {
		return nil, errClient
	}

	c, err := s.db.GetAPIClientByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errClient
	}

	if err != nil {
		return nil, err
	}

	if !c.Active || c.Expired(s.now()) {
		return nil, apperr.New(apperr.Authentication, "api credentials revoked or expired")
	}

	if (requireSecret || secret != "") && auth.Compare(c.SecretHash, secret) != nil {
		return nil, errClient
	}

	return c, nil
}

// Usage counts the metered calls of an API client.
type Usage struct {
	Today int64 `json:"today"`
	Month int64 `json:"month"`
}

// RecordUsage meters one API call.
func (s *Service) RecordUsage(ctx context.Context, u store.Usage) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}

	if u.At.IsZero() {
		u.At = s.now().UTC()
	}

	return s.el.RecordUsage(ctx, u)
}

// ClientUsage returns the calls of the client since the start of the current UTC day and month.
func (s *Service) ClientUsage(ctx context.Context, clientID string) (Usage, error) {
	now := s.now().UTC()

	today, err := s.el.CountUsage(ctx, clientID, time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	if err != nil {
		return Usage{}, err
	}

	month, err := s.el.CountUsage(ctx, clientID, time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		return Usage{}, err
	}

	return Usage{Today: today, Month: month}, nil
}
