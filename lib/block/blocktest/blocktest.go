// Package blocktest provides an in-memory block.Chain for tests. Addresses are the last 20 bytes of the private key,
// balances and transaction states are set by the test.
package blocktest

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/keystore"
)

var (
	addrRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	keyRe  = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// Chain implements block.Chain in memory.
type Chain struct {
	ks *keystore.Keystore

	mu        sync.Mutex
	balances  map[string]types.Balances
	statuses  map[string]types.TxStatus
	transfers []string
	calls     int
	fail      error
}

// New returns a chain sealing keys with ks.
func New(ks *keystore.Keystore) *Chain {
	return &Chain{ks: ks, balances: map[string]types.Balances{}, statuses: map[string]types.TxStatus{}}
}

func (c *Chain) Name() string { return "blocktest" }
func (c *Chain) Close()       {}

func (c *Chain) account(hexKey string, idx uint32) (types.Account, error) {
	s, err := c.ks.Seal([]byte(hexKey))
	if err != nil {
		return types.Account{}, err
	}

	return types.Account{Address: "0x" + hexKey[24:], Key: s, Index: idx}, nil
}

func (c *Chain) CreateAddress(_ context.Context, idx uint32) (types.Account, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	return c.account(fmt.Sprintf("%064x", uint64(idx)+0xabc0000), idx)
}

func (c *Chain) ImportKey(_ context.Context, hexKey string) (types.Account, error) {
	hexKey = strings.ToLower(strings.TrimPrefix(hexKey, "0x"))
	if !keyRe.MatchString(hexKey) {
		return types.Account{}, types.ErrBadKey
	}

	return c.account(hexKey, 0)
}

func (c *Chain) Balance(_ context.Context, address string) (types.Balances, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.fail != nil {
		return types.Balances{}, c.fail
	}

	return c.balances[strings.ToLower(address)], nil
}

func (c *Chain) Transfer(_ context.Context, key keystore.Sealed, from, to string, amount decimal.Decimal,
) (types.Receipt, error) {
	if _, err := c.ks.Open(key); err != nil {
		return types.Receipt{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.fail != nil {
		return types.Receipt{}, c.fail
	}

	c.transfers = append(c.transfers, fmt.Sprintf("%s>%s:%s", from, to, amount))

	return types.Receipt{Hash: fmt.Sprintf("0x%064X", len(c.transfers)), GasUsed: 65000, GasPrice: 1000}, nil
}

func (c *Chain) Transaction(_ context.Context, hash string) (types.TxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	if c.fail != nil {
		return types.TxStatus{}, c.fail
	}

	return c.statuses[strings.ToLower(hash)], nil
}

func (c *Chain) EstimateGas(context.Context, string, string, decimal.Decimal) (types.GasEstimate, error) {
	return types.GasEstimate{Limit: 65000, Price: decimal.NewFromInt(1), Cost: decimal.RequireFromString("0.000065")},
		nil
}

func (c *Chain) IsValidAddress(a string) bool { return addrRe.MatchString(a) }

// SetBalance sets the token and native balances of address, in display units.
func (c *Chain) SetBalance(address, token, native string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.balances[strings.ToLower(address)] = types.Balances{
		Token: decimal.RequireFromString(token), Native: decimal.RequireFromString(native),
	}
}

// SetStatus sets what Transaction returns for hash.
func (c *Chain) SetStatus(hash string, st types.TxStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.statuses[strings.ToLower(hash)] = st
}

// SetFail makes every node call fail with err until reset with nil.
func (c *Chain) SetFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fail = err
}

// Calls counts the node calls made so far.
func (c *Chain) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

// Transfers lists the transfers broadcast so far as from>to:amount.
func (c *Chain) Transfers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.transfers...)
}
