// Package types common blockchain types.
package types

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/keystore"
)

// State of a transaction on chain.
type State uint8

// Transaction states.
const (
	Pending State = iota
	Success
	Failed
)

func (s State) String() string {
	switch s {
	case Success:
		return "success"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// Account is a freshly created or imported address with its signing key sealed at rest.
type Account struct {
	Address string
	Key     keystore.Sealed
	Index   uint32 // HD derivation index, 0 for imported keys
}

// Balances of an address, in display units.
type Balances struct {
	Token  decimal.Decimal `json:"token"`
	Native decimal.Decimal `json:"native"`
}

// Receipt of a broadcast transfer. GasUsed is the gas limit set on the transaction as the used gas is only known
// once mined.
type Receipt struct {
	Hash     string `json:"hash"`
	GasUsed  uint64 `json:"gasUsed"`
	GasPrice uint64 `json:"gasPrice"` // wei
}

// TxStatus is the on-chain view of a transaction.
type TxStatus struct {
	State         State  `json:"state"`
	Confirmations uint64 `json:"confirmations"`
	BlockNumber   uint64 `json:"blockNumber"`
	GasUsed       uint64 `json:"gasUsed"`
}

// GasEstimate of a token transfer. Price is in gwei and Cost in the native token.
type GasEstimate struct {
	Limit uint64          `json:"limit"`
	Price decimal.Decimal `json:"price"`
	Cost  decimal.Decimal `json:"cost"`
}

// Error codes.
var (
	ErrBadAddress = errors.New("invalid address")
	ErrBadKey     = errors.New("invalid private key")
	ErrBadAmount  = errors.New("invalid amount")
	ErrNoHD       = errors.New("hd wallet not configured")
	ErrChainID    = errors.New("node chain id does not match the configured one")
)
