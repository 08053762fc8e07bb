// Package memory implements the store interfaces in process. It is used for local runs and tests and enforces the
// same invariants as the relational store under a single lock.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/store"
)

type wallet struct {
	store.Wallet
	seq int
}

// Memory is an in-process store.DB and store.EventLog.
type Memory struct {
	mu sync.RWMutex

	seq        int
	keyIndex   uint32
	users      map[string]store.User
	wallets    map[string]*wallet
	txs        map[string]store.Transaction // by hash
	txSeq      map[string]int
	contacts   map[string]store.Contact
	tenants    map[string]store.Tenant
	clients    map[string]store.APIClient
	webhooks   map[string]store.Webhook
	deliveries []store.Delivery
	usage      []store.Usage
}

// New returns an empty store.
func New() *Memory {
	return &Memory{
		users:    make(map[string]store.User),
		wallets:  make(map[string]*wallet),
		txs:      make(map[string]store.Transaction),
		txSeq:    make(map[string]int),
		contacts: make(map[string]store.Contact),
		tenants:  make(map[string]store.Tenant),
		clients:  make(map[string]store.APIClient),
		webhooks: make(map[string]store.Webhook),
	}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// users

func (m *Memory) CreateUser(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; ok {
		return store.ErrConflict
	}

	for _, x := range m.users {
		if strings.EqualFold(x.Email, u.Email) {
			return store.ErrConflict
		}
	}

	m.users[u.ID] = *u

	return nil
}

func (m *Memory) GetUser(_ context.Context, id string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &u, nil
}

func (m *Memory) GetUserByEmail(_ context.Context, email string) (*store.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			u := u
			return &u, nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *Memory) UpdateUser(_ context.Context, u *store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[u.ID]; !ok {
		return store.ErrNotFound
	}

	m.users[u.ID] = *u

	return nil
}

// wallets

func (m *Memory) NextKeyIndex(context.Context) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.keyIndex++

	return m.keyIndex, nil
}

// nameTaken must be called with the lock held.
func (m *Memory) nameTaken(userID, name, except string) bool {
	for _, w := range m.wallets {
		if w.UserID == userID && w.ID != except && w.Status != store.WalletDeleted && w.Name == name {
			return true
		}
	}

	return false
}

// primary must be called with the lock held.
func (m *Memory) primary(userID string) *wallet {
	for _, w := range m.wallets {
		if w.UserID == userID && w.IsPrimary && w.Status == store.WalletActive {
			return w
		}
	}

	return nil
}

func (m *Memory) CreateWallet(_ context.Context, w *store.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[w.ID]; ok || m.nameTaken(w.UserID, w.Name, "") {
		return store.ErrConflict
	}

	for _, x := range m.wallets {
		if x.Address == w.Address && x.Status != store.WalletDeleted {
			return store.ErrConflict
		}
	}

	w.IsPrimary = w.Status == store.WalletActive && m.primary(w.UserID) == nil
	m.seq++
	m.wallets[w.ID] = &wallet{Wallet: *w, seq: m.seq}

	return nil
}

func (m *Memory) GetWallet(_ context.Context, id string) (*store.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	c := w.Wallet

	return &c, nil
}

func (m *Memory) ListWallets(_ context.Context, userID string) ([]store.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws := make([]*wallet, 0)

	for _, w := range m.wallets {
		if w.UserID == userID && w.Status != store.WalletDeleted {
			ws = append(ws, w)
		}
	}

	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })

	res := make([]store.Wallet, len(ws))
	for i, w := range ws {
		res[i] = w.Wallet
	}

	return res, nil
}

func (m *Memory) UpdateWallet(_ context.Context, w *store.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	x, ok := m.wallets[w.ID]
	if !ok || x.Status == store.WalletDeleted {
		return store.ErrNotFound
	}

	if m.nameTaken(x.UserID, w.Name, w.ID) {
		return store.ErrConflict
	}

	x.Name = w.Name
	x.Status = w.Status

	// a frozen wallet cannot stay primary, a reactivated one may become it
	if x.Status != store.WalletActive {
		x.IsPrimary = false
	}

	m.promote(x.UserID)

	w.IsPrimary = x.IsPrimary

	return nil
}

// promote makes the oldest active wallet of the user primary. Must be called with the lock held.
func (m *Memory) promote(userID string) {
	if m.primary(userID) != nil {
		return
	}

	var next *wallet

	for _, w := range m.wallets {
		if w.UserID == userID && w.Status == store.WalletActive && (next == nil || w.seq < next.seq) {
			next = w
		}
	}

	if next != nil {
		next.IsPrimary = true
	}
}

func (m *Memory) UpdateBalance(_ context.Context, walletID string, bal decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return store.ErrNotFound
	}

	w.Balance = bal
	w.BalanceUpdatedAt = &at

	return nil
}

func (m *Memory) SetPrimary(_ context.Context, userID, walletID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok || w.UserID != userID || w.Status != store.WalletActive {
		return store.ErrNotFound
	}

	for _, x := range m.wallets {
		if x.UserID == userID {
			x.IsPrimary = false
		}
	}

	w.IsPrimary = true

	return nil
}

func (m *Memory) DeleteWallet(_ context.Context, userID, walletID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok || w.UserID != userID || w.Status == store.WalletDeleted {
		return store.ErrNotFound
	}

	w.Status = store.WalletDeleted

	if w.IsPrimary {
		w.IsPrimary = false
		m.promote(userID)
	}

	return nil
}

// transactions

func (m *Memory) CreateTransaction(_ context.Context, t *store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *t
	c.Hash = strings.ToLower(c.Hash)

	if _, ok := m.txs[c.Hash]; ok {
		return store.ErrConflict
	}

	m.seq++
	m.txs[c.Hash] = c
	m.txSeq[c.Hash] = m.seq

	return nil
}

func (m *Memory) GetTransactionByHash(_ context.Context, hash string) (*store.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.txs[strings.ToLower(hash)]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &t, nil
}

// sorted returns the transactions matching f, newest first. Must be called with the lock held.
func (m *Memory) sorted(f func(store.Transaction) bool) []store.Transaction {
	res := make([]store.Transaction, 0)

	for _, t := range m.txs {
		if f(t) {
			res = append(res, t)
		}
	}

	sort.Slice(res, func(i, j int) bool { return m.txSeq[res[i].Hash] > m.txSeq[res[j].Hash] })

	return res
}

func (m *Memory) ListTransactions(_ context.Context, walletID string, p store.Page) ([]store.Transaction, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.sorted(func(t store.Transaction) bool { return t.WalletID == walletID })
	p = p.Normalize()

	from := p.Offset()
	if from > len(all) {
		from = len(all)
	}

	to := from + p.Limit
	if to > len(all) {
		to = len(all)
	}

	return all[from:to], len(all), nil
}

func (m *Memory) ListPendingTransactions(_ context.Context, limit int) ([]store.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := m.sorted(func(t store.Transaction) bool { return t.Status == store.TxPending })

	// oldest first
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, u store.StatusUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[strings.ToLower(u.Hash)]
	if !ok {
		return false, store.ErrNotFound
	}

	if t.Status != store.TxPending {
		return false, nil
	}

	t.Status = u.Status
	t.Confirmations = u.Confirmations
	t.BlockNumber = u.BlockNumber
	if u.GasUsed > 0 {
		t.GasUsed = u.GasUsed
	}
	t.UpdatedAt = u.At
	m.txs[t.Hash] = t

	return true, nil
}

func (m *Memory) SumTransactions(_ context.Context, userID, tenantID string, since time.Time,
) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := decimal.Zero

	for _, t := range m.txs {
		if t.UserID == userID && t.TenantID == tenantID && t.Type == store.TxSend && t.Status != store.TxFailed &&
			!t.CreatedAt.Before(since) {
			sum = sum.Add(t.Amount)
		}
	}

	return sum, nil
}

// contacts

func (m *Memory) contactTaken(c *store.Contact) bool {
	for _, x := range m.contacts {
		if x.UserID == c.UserID && x.ID != c.ID && strings.EqualFold(x.Address, c.Address) {
			return true
		}
	}

	return false
}

func (m *Memory) CreateContact(_ context.Context, c *store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[c.ID]; ok || m.contactTaken(c) {
		return store.ErrConflict
	}

	m.contacts[c.ID] = *c

	return nil
}

func (m *Memory) GetContact(_ context.Context, id string) (*store.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &c, nil
}

func (m *Memory) ListContacts(_ context.Context, userID string) ([]store.Contact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]store.Contact, 0)

	for _, c := range m.contacts {
		if c.UserID == userID {
			res = append(res, c)
		}
	}

	sort.Slice(res, func(i, j int) bool { return strings.ToLower(res[i].Name) < strings.ToLower(res[j].Name) })

	return res, nil
}

func (m *Memory) UpdateContact(_ context.Context, c *store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[c.ID]; !ok {
		return store.ErrNotFound
	}

	if m.contactTaken(c) {
		return store.ErrConflict
	}

	m.contacts[c.ID] = *c

	return nil
}

func (m *Memory) DeleteContact(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contacts[id]; !ok {
		return store.ErrNotFound
	}

	delete(m.contacts, id)

	return nil
}

// tenants

func cloneTenant(t store.Tenant) store.Tenant {
	t.Features = append([]string(nil), t.Features...)
	return t
}

func (m *Memory) tenantTaken(t *store.Tenant) bool {
	for _, x := range m.tenants {
		if x.ID == t.ID {
			continue
		}

		if strings.EqualFold(x.Subdomain, t.Subdomain) ||
			(t.CustomDomain != "" && strings.EqualFold(x.CustomDomain, t.CustomDomain)) {
			return true
		}
	}

	return false
}

func (m *Memory) CreateTenant(_ context.Context, t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; ok || m.tenantTaken(t) {
		return store.ErrConflict
	}

	m.tenants[t.ID] = cloneTenant(*t)

	return nil
}

func (m *Memory) GetTenant(_ context.Context, id string) (*store.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	t = cloneTenant(t)

	return &t, nil
}

func (m *Memory) findTenant(f func(store.Tenant) bool) (*store.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tenants {
		if f(t) {
			t = cloneTenant(t)
			return &t, nil
		}
	}

	return nil, store.ErrNotFound
}

func (m *Memory) GetTenantBySubdomain(_ context.Context, sub string) (*store.Tenant, error) {
	return m.findTenant(func(t store.Tenant) bool { return strings.EqualFold(t.Subdomain, sub) })
}

func (m *Memory) GetTenantByDomain(_ context.Context, domain string) (*store.Tenant, error) {
	return m.findTenant(func(t store.Tenant) bool {
		return t.CustomDomain != "" && strings.EqualFold(t.CustomDomain, domain)
	})
}

func (m *Memory) UpdateTenant(_ context.Context, t *store.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tenants[t.ID]; !ok {
		return store.ErrNotFound
	}

	if m.tenantTaken(t) {
		return store.ErrConflict
	}

	m.tenants[t.ID] = cloneTenant(*t)

	return nil
}

// api clients

func (m *Memory) CreateAPIClient(_ context.Context, c *store.APIClient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, x := range m.clients {
		if x.ID == c.ID || x.APIKey == c.APIKey {
			return store.ErrConflict
		}
	}

	m.clients[c.ID] = *c

	return nil
}

func (m *Memory) GetAPIClientByKey(_ context.Context, key string) (*store.APIClient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		if c.APIKey == key {
			c := c
			return &c, nil
		}
	}

	return nil, store.ErrNotFound
}

// webhooks

func cloneWebhook(w store.Webhook) store.Webhook {
	w.Events = append([]string(nil), w.Events...)
	return w
}

func (m *Memory) CreateWebhook(_ context.Context, w *store.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[w.ID]; ok {
		return store.ErrConflict
	}

	m.webhooks[w.ID] = cloneWebhook(*w)

	return nil
}

func (m *Memory) GetWebhook(_ context.Context, id string) (*store.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.webhooks[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	w = cloneWebhook(w)

	return &w, nil
}

func (m *Memory) ListWebhooks(_ context.Context, tenantID string) ([]store.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]store.Webhook, 0)

	for _, w := range m.webhooks {
		if w.TenantID == tenantID {
			res = append(res, cloneWebhook(w))
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.Before(res[j].CreatedAt) })

	return res, nil
}

func (m *Memory) DeleteWebhook(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.webhooks[id]; !ok {
		return store.ErrNotFound
	}

	delete(m.webhooks, id)

	return nil
}

// event log

func (m *Memory) LogDelivery(_ context.Context, d store.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveries = append(m.deliveries, d)

	return nil
}

func (m *Memory) ListDeliveries(_ context.Context, webhookID string, limit int) ([]store.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]store.Delivery, 0)

	// newest first
	for i := len(m.deliveries) - 1; i >= 0; i-- {
		if m.deliveries[i].WebhookID == webhookID {
			res = append(res, m.deliveries[i])
			if limit > 0 && len(res) == limit {
				break
			}
		}
	}

	return res, nil
}

func (m *Memory) RecordUsage(_ context.Context, u store.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.usage = append(m.usage, u)

	return nil
}

func (m *Memory) CountUsage(_ context.Context, clientID string, since time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64

	for _, u := range m.usage {
		if u.ClientID == clientID && !u.At.Before(since) {
			n++
		}
	}

	return n, nil
}
