package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/block/blocktest"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/keystore"
	"github.com/tarancss/waas/lib/store/memory"
)

// recorder collects published events.
type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.evs = append(r.evs, e)

	return nil
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := make([]string, len(r.evs))
	for i, e := range r.evs {
		n[i] = e.Name
	}

	return n
}

type fixture struct {
	svc   *Service
	db    *memory.Memory
	chain *blocktest.Chain
	ks    *keystore.Keystore
	pub   *recorder
}

func setup(t *testing.T) *fixture {
	t.Helper()

	ks, err := keystore.NewFromHex(strings.Repeat("42", keystore.KeySize))
	require.NoError(t, err)

	db := memory.New()
	f := &fixture{db: db, chain: blocktest.New(ks), ks: ks, pub: &recorder{}}
	f.svc = New(db, db, f.chain, ks, f.pub, zap.NewNop(), Config{
		MinGasBalance: decimal.RequireFromString("0.0001"),
		Confirmations: 3,
	})
	f.svc.now = func() time.Time { return time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC) }

	return f
}

func (f *fixture) user(t *testing.T, email string) string {
	t.Helper()

	u, err := f.svc.Register(context.Background(), email, "password123")
	require.NoError(t, err)

	return u.ID
}
