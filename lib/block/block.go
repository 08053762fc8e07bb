// Package block defines the interface required for the L2 network connection.
package block

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/block/ethereum"
	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/keystore"
)

// Chain is the set of network operations the wallet service relies on. Every method that talks to the node is
// bounded by the context and the adapter's own call timeout, and none of them retries.
type Chain interface {
	Name() string
	Close()

	// CreateAddress derives the key at index and seals it.
	CreateAddress(ctx context.Context, index uint32) (types.Account, error)
	// ImportKey seals an existing hex private key.
	ImportKey(ctx context.Context, hexKey string) (types.Account, error)
	Balance(ctx context.Context, address string) (types.Balances, error)
	// Transfer opens key only for signing and broadcasts a token transfer of amount display units.
	Transfer(ctx context.Context, key keystore.Sealed, from, to string, amount decimal.Decimal) (types.Receipt, error)
	Transaction(ctx context.Context, hash string) (types.TxStatus, error)
	EstimateGas(ctx context.Context, from, to string, amount decimal.Decimal) (types.GasEstimate, error)
	IsValidAddress(address string) bool
}

// Init connects to the configured network. seed may be nil, in which case new addresses get random keys.
func Init(ctx context.Context, bc config.ChainConfig, seed []byte, ks *keystore.Keystore, log *zap.Logger) (Chain, error) {
	c, err := ethereum.Init(ctx, ethereum.Options{
		Name:    bc.Name,
		Node:    bc.Node,
		Secret:  bc.Secret,
		Token:   bc.Token,
		ChainID: bc.ChainID,
		RPS:     bc.RPS,
		Timeout: config.Seconds(bc.Timeout, 15), //nolint:gomnd // default call timeout
		Seed:    seed,
	}, ks, log)
	if err != nil {
		return nil, err
	}

	return c, nil
}
