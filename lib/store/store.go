// Package store defines the persistence interfaces of the wallet service: a relational store for users, wallets,
// transactions and tenants, and an append-only event log for webhook deliveries and API usage.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DB is the relational store. Implementations enforce, whatever the concurrency:
//
// - at most one primary wallet per user among active wallets
//
// - (user, name) unique among non-deleted wallets
//
// - transaction status never leaves confirmed or failed.
type DB interface {
	// users
	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	UpdateUser(ctx context.Context, u *User) error

	// wallets
	NextKeyIndex(ctx context.Context) (uint32, error)
	// CreateWallet inserts w and makes it primary when the user has no active primary wallet; w.IsPrimary is set
	// accordingly.
	CreateWallet(ctx context.Context, w *Wallet) error
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	// ListWallets returns the non-deleted wallets of the user, oldest first.
	ListWallets(ctx context.Context, userID string) ([]Wallet, error)
	// UpdateWallet saves name and status.
	UpdateWallet(ctx context.Context, w *Wallet) error
	UpdateBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error
	SetPrimary(ctx context.Context, userID, walletID string) error
	// DeleteWallet soft deletes the wallet; when it was primary the oldest remaining active wallet is promoted.
	DeleteWallet(ctx context.Context, userID, walletID string) error

	// transactions
	CreateTransaction(ctx context.Context, t *Transaction) error
	GetTransactionByHash(ctx context.Context, hash string) (*Transaction, error)
	ListTransactions(ctx context.Context, walletID string, p Page) ([]Transaction, int, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]Transaction, error)
	// UpdateTransactionStatus updates a transaction only while it is pending and reports whether it did.
	UpdateTransactionStatus(ctx context.Context, u StatusUpdate) (bool, error)
	// SumTransactions adds the amounts of non-failed sends of the user under the tenant since the given time.
	SumTransactions(ctx context.Context, userID, tenantID string, since time.Time) (decimal.Decimal, error)

	// contacts
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	ListContacts(ctx context.Context, userID string) ([]Contact, error)
	UpdateContact(ctx context.Context, c *Contact) error
	DeleteContact(ctx context.Context, id string) error

	// tenants
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	GetTenantBySubdomain(ctx context.Context, sub string) (*Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (*Tenant, error)
	UpdateTenant(ctx context.Context, t *Tenant) error

	// api clients
	CreateAPIClient(ctx context.Context, c *APIClient) error
	GetAPIClientByKey(ctx context.Context, key string) (*APIClient, error)

	// webhooks
	CreateWebhook(ctx context.Context, w *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, tenantID string) ([]Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error
}

// StatusUpdate carries the reconciled on-chain view of a transaction.
type StatusUpdate struct {
	Hash          string
	Status        string
	Confirmations uint64
	BlockNumber   uint64
	GasUsed       uint64 // zero keeps the recorded value
	At            time.Time
}

// EventLog is the append-only log of webhook deliveries and metered API calls.
type EventLog interface {
	LogDelivery(ctx context.Context, d Delivery) error
	ListDeliveries(ctx context.Context, webhookID string, limit int) ([]Delivery, error)
	RecordUsage(ctx context.Context, u Usage) error
	CountUsage(ctx context.Context, clientID string, since time.Time) (int64, error)
}

// Errors returned
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: already exists")
)
