package store

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/keystore"
)

// User statuses.
const (
	UserActive    = "active"
	UserSuspended = "suspended"
	UserDeleted   = "deleted"
)

// Wallet statuses.
const (
	WalletActive  = "active"
	WalletFrozen  = "frozen"
	WalletDeleted = "deleted"
)

// Transaction types and statuses.
const (
	TxSend    = "send"
	TxReceive = "receive"

	TxPending   = "pending"
	TxConfirmed = "confirmed"
	TxFailed    = "failed"
)

// Delivery outcomes.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// User is an end user of the wallet.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	TOTPSecret   string    `json:"-"`
	TOTPEnabled  bool      `json:"totpEnabled"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Wallet is a custodial address owned by one user. The signing key never leaves the store unsealed.
type Wallet struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	TenantID         string          `json:"tenantId,omitempty"`
	Name             string          `json:"name"`
	Address          string          `json:"address"`
	EncryptedKey     keystore.Sealed `json:"-"`
	KeyIndex         uint32          `json:"-"`
	IsPrimary        bool            `json:"isPrimary"`
	Balance          decimal.Decimal `json:"balance"`
	BalanceUpdatedAt *time.Time      `json:"balanceUpdatedAt,omitempty"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"createdAt"`
}

// Transaction is a transfer from or to a wallet. Status only moves from pending to confirmed or failed.
type Transaction struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"walletId"`
	UserID        string          `json:"userId"`
	TenantID      string          `json:"tenantId,omitempty"`
	Hash          string          `json:"hash"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Confirmations uint64          `json:"confirmations"`
	BlockNumber   uint64          `json:"blockNumber,omitempty"`
	GasUsed       uint64          `json:"gasUsed,omitempty"`
	GasPrice      uint64          `json:"gasPrice,omitempty"`
	Memo          string          `json:"memo,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Terminal reports whether the transaction reached a final status.
func (t Transaction) Terminal() bool {
	return t.Status == TxConfirmed || t.Status == TxFailed
}

// Contact is an address book entry.
type Contact struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Brand is the white-label look of a tenant.
type Brand struct {
	DisplayName    string `json:"displayName"`
	PrimaryColor   string `json:"primaryColor,omitempty"`
	SecondaryColor string `json:"secondaryColor,omitempty"`
	LogoURL        string `json:"logoUrl,omitempty"`
	SupportEmail   string `json:"supportEmail,omitempty"`
}

// Tenant is a white-label client. A zero limit means no ceiling.
type Tenant struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Subdomain    string          `json:"subdomain"`
	CustomDomain string          `json:"customDomain,omitempty"`
	OwnerUserID  string          `json:"ownerUserId,omitempty"`
	Brand        Brand           `json:"brand"`
	Features     []string        `json:"features"`
	DailyLimit   decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit decimal.Decimal `json:"monthlyLimit"`
	WebhookURL   string          `json:"webhookUrl,omitempty"`
	Active       bool            `json:"active"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// APIClient authenticates WaaS calls. It acts on behalf of its owner user within its tenant.
type APIClient struct {
	ID                 string          `json:"id"`
	TenantID           string          `json:"tenantId,omitempty"`
	OwnerUserID        string          `json:"ownerUserId"`
	Name               string          `json:"name"`
	APIKey             string          `json:"apiKey"`
	SecretHash         string          `json:"-"`
	RateLimitPerMinute int             `json:"rateLimitPerMinute"`
	DailyLimit         decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit       decimal.Decimal `json:"monthlyLimit"`
	ExpiresAt          *time.Time      `json:"expiresAt,omitempty"`
	Active             bool            `json:"active"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// Expired reports whether the client is past its expiry at now.
func (c APIClient) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

// Webhook is a tenant registered event receiver.
type Webhook struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Delivery logs one webhook delivery attempt.
type Delivery struct {
	ID         string    `json:"id" bson:"_id"`
	WebhookID  string    `json:"webhookId" bson:"webhook_id"`
	TenantID   string    `json:"tenantId" bson:"tenant_id"`
	Event      string    `json:"event" bson:"event"`
	DeliveryID string    `json:"deliveryId" bson:"delivery_id"`
	StatusCode int       `json:"statusCode" bson:"status_code"`
	Outcome    string    `json:"outcome" bson:"outcome"`
	Error      string    `json:"error,omitempty" bson:"error,omitempty"`
	Attempt    int       `json:"attempt" bson:"attempt"`
	DurationMS int64     `json:"durationMs" bson:"duration_ms"`
	At         time.Time `json:"at" bson:"at"`
}

// Usage records one metered WaaS call.
type Usage struct {
	ID         string    `json:"id" bson:"_id"`
	ClientID   string    `json:"clientId" bson:"client_id"`
	TenantID   string    `json:"tenantId,omitempty" bson:"tenant_id"`
	Endpoint   string    `json:"endpoint" bson:"endpoint"`
	Method     string    `json:"method" bson:"method"`
	StatusCode int       `json:"statusCode" bson:"status_code"`
	At         time.Time `json:"at" bson:"at"`
}

// Page selects a 1-based page of limit items.
type Page struct {
	Page  int
	Limit int
}

// Page bounds.
const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Normalize clamps p to valid values.
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}

	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}

	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}

	return p
}

// Offset of the first item of the page.
func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}
