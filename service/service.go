// Package service implements the wallet and transaction operations behind the REST API and the reconciler. It
// validates ownership and business rules, calls the chain adapter and persists the outcome; it never waits for a
// transaction to be mined.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/block"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/keystore"
	"github.com/tarancss/waas/lib/store"
)

// Defaults applied by New.
const (
	DefaultConfirmations = 3
	DefaultPendingBatch  = 100
)

// Config holds the business rules of the service.
type Config struct {
	MinGasBalance decimal.Decimal // native token a wallet must hold to send
	Confirmations uint64          // blocks required to confirm a transaction
	PendingBatch  int             // transactions reconciled per pass
}

// Service is the wallet service. Build it with New; it holds no global state.
type Service struct {
	db    store.DB
	el    store.EventLog
	chain block.Chain
	ks    *keystore.Keystore
	pub   events.Publisher
	log   *zap.Logger
	conf  Config
	now   func() time.Time
	wg    sync.WaitGroup
}

// New returns a service wired to its dependencies. pub may be nil when no event is to be published.
func New(db store.DB, el store.EventLog, chain block.Chain, ks *keystore.Keystore, pub events.Publisher,
	log *zap.Logger, conf Config,
) *Service {
	if pub == nil {
		pub = events.Nop{}
	}

	if conf.Confirmations == 0 {
		conf.Confirmations = DefaultConfirmations
	}

	if conf.PendingBatch <= 0 {
		conf.PendingBatch = DefaultPendingBatch
	}

	return &Service{
		db:    db,
		el:    el,
		chain: chain,
		ks:    ks,
		pub:   pub,
		log:   log,
		conf:  conf,
		now:   time.Now,
	}
}

// Wait blocks until every event published so far has been handed to the publisher.
func (s *Service) Wait() {
	s.wg.Wait()
}

// publish hands the event to the publisher in the background; delivery failures are logged only.
func (s *Service) publish(ctx context.Context, name, tenantID string, data interface{}) {
	e := events.Event{Name: name, TenantID: tenantID, Data: data, At: s.now().UTC()}
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		if err := s.pub.Publish(ctx, e); err != nil {
			s.log.Warn("cannot publish event", zap.String("event", e.Name), zap.String("tenant", tenantID),
				zap.Error(err))
		}
	}()
}

func walletEvent(w *store.Wallet) events.Wallet {
	return events.Wallet{
		ID:      w.ID,
		UserID:  w.UserID,
		Name:    w.Name,
		Address: w.Address,
		Status:  w.Status,
		Balance: w.Balance.String(),
	}
}

func txEvent(t *store.Transaction) events.Transaction {
	return events.Transaction{
		ID:            t.ID,
		WalletID:      t.WalletID,
		Hash:          t.Hash,
		From:          t.From,
		To:            t.To,
		Amount:        t.Amount.String(),
		Status:        t.Status,
		Confirmations: t.Confirmations,
	}
}

func tenantID(t *store.Tenant) string {
	if t == nil {
		return ""
	}

	return t.ID
}

// upstream wraps a chain failure.
func upstream(err error, what string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	return apperr.Wrap(apperr.Upstream, err, "%s failed", what)
}
