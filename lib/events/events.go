// Package events defines the domain events the wallet service emits and the Publisher that carries them to webhooks
// and to the message broker.
package events

import (
	"context"
	"errors"
	"time"
)

// Event names.
const (
	WalletCreated        = "wallet.created"
	WalletFrozen         = "wallet.frozen"
	WalletDeleted        = "wallet.deleted"
	TransactionSent      = "transaction.sent"
	TransactionConfirmed = "transaction.confirmed"
	TransactionFailed    = "transaction.failed"
	BalanceUpdated       = "balance.updated"

	// Any subscribes a webhook to every event.
	Any = "*"
)

// Names lists every event a webhook can subscribe to.
var Names = []string{
	WalletCreated, WalletFrozen, WalletDeleted,
	TransactionSent, TransactionConfirmed, TransactionFailed,
	BalanceUpdated,
}

// Known reports whether name is a valid subscription.
func Known(name string) bool {
	if name == Any {
		return true
	}

	for _, n := range Names {
		if n == name {
			return true
		}
	}

	return false
}

// Event is a domain event. TenantID is empty for events outside any tenant.
type Event struct {
	Name     string      `json:"event"`
	TenantID string      `json:"tenantId,omitempty"`
	Data     interface{} `json:"data"`
	At       time.Time   `json:"timestamp"`
}

// Wallet is the payload of wallet events.
type Wallet struct {
	ID      string `json:"id"`
	UserID  string `json:"userId"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Status  string `json:"status"`
	Balance string `json:"balance,omitempty"`
}

// Transaction is the payload of transaction events.
type Transaction struct {
	ID            string `json:"id"`
	WalletID      string `json:"walletId"`
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	Confirmations uint64 `json:"confirmations"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Fanout publishes to every publisher and joins their errors. One failing publisher does not stop the others.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, e Event) error {
	var errs []error

	for _, p := range f {
		if p == nil {
			continue
		}

		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
