// Package ethereum implements the chain interface for ethereum compatible L2 networks (ie. Base). Reads go through
// ethcli; transfers are signed with go-ethereum for the network's chain id and broadcast through the rpc package.
package ethereum

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/tarancss/ethcli"
	"github.com/tarancss/hd"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tarancss/waas/lib/block/ethereum/rpc"
	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/keystore"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/money"
)

// ERC20 transfer(address,uint256) method id.
var erc20Transfer = []byte{0xa9, 0x05, 0x9c, 0xbb}

// hdAccount is the BIP44 account all wallet keys are derived from.
const hdAccount uint32 = 0

const uint256Bits = 256

// Options to connect to a node.
type Options struct {
	Name    string
	Node    string
	Secret  string
	Token   string // ERC20 contract of the stablecoin
	ChainID uint64 // queried from the node when 0
	RPS     float64
	Timeout time.Duration
	Seed    []byte
}

// Ethereum implements a connection to an ethereum-type chain.
type Ethereum struct {
	name    string
	token   string
	chainID *big.Int
	timeout time.Duration

	c       *ethcli.EthCli
	rpc     *rpc.Client
	hd      *hd.HdWallet
	ks      *keystore.Keystore
	limiter *rate.Limiter
	log     *zap.Logger
}

// Init returns a connection to an ethereum node, using secret if necessary for authentication.
func Init(ctx context.Context, o Options, ks *keystore.Keystore, log *zap.Logger) (*Ethereum, error) {
	if !common.IsHexAddress(o.Token) {
		return nil, fmt.Errorf("%w: token %s", types.ErrBadAddress, o.Token)
	}

	c := ethcli.Init(o.Node, o.Secret)
	if c == nil {
		return nil, fmt.Errorf("cannot connect to %s in %s", o.Name, o.Node)
	}

	lim := rate.NewLimiter(rate.Inf, 1)
	if o.RPS > 0 {
		lim = rate.NewLimiter(rate.Limit(o.RPS), int(o.RPS)+1)
	}

	e := &Ethereum{
		name:    o.Name,
		token:   strings.ToLower(o.Token),
		timeout: o.Timeout,
		c:       c,
		rpc:     rpc.NewClient(o.Node, o.Secret, o.Timeout),
		ks:      ks,
		limiter: lim,
		log:     log.With(zap.String("chain", o.Name)),
	}

	if len(o.Seed) > 0 {
		hdw, err := hd.Init(o.Seed)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("cannot init hd wallet: %w", err)
		}

		e.hd = hdw
	}

	id := o.ChainID
	if id == 0 {
		var err error
		if id, err = e.queryChainID(ctx); err != nil {
			e.Close()
			return nil, err
		}
	}

	e.chainID = new(big.Int).SetUint64(id)
	e.log.Info("connected to node", zap.Uint64("chainId", id), zap.Bool("hd", e.hd != nil))

	return e, nil
}

func (e *Ethereum) queryChainID(ctx context.Context) (id uint64, err error) {
	err = e.do(ctx, "chain_id", func(ctx context.Context) error {
		id, err = e.rpc.ChainID(ctx)
		return err
	})

	return id, err
}

// Name of the network.
func (e *Ethereum) Name() string {
	return e.name
}

// Close ends a connection
func (e *Ethereum) Close() {
	if err := e.c.End(); err != nil {
		e.log.Warn("error closing node client", zap.Error(err))
	}
}

// do runs fn within the call timeout after waiting for the rate limiter. ethcli calls take no context, so they are
// abandoned rather than cancelled when the deadline passes.
func (e *Ethereum) do(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", method, err)
	}

	begin := time.Now()
	done := make(chan error, 1)

	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("%s: %w", method, ctx.Err())
	}

	metrics.ObserveChain(method, begin, err)

	return err
}

// IsValidAddress accepts 0x-prefixed 20 byte hex addresses other than the zero address. Mixed case addresses must
// carry a valid EIP-55 checksum.
func (e *Ethereum) IsValidAddress(address string) bool {
	if !strings.HasPrefix(address, "0x") || !common.IsHexAddress(address) {
		return false
	}

	if common.HexToAddress(address) == (common.Address{}) {
		return false
	}

	body := address[2:]
	if body != strings.ToLower(body) && body != strings.ToUpper(body) {
		m, err := common.NewMixedcaseAddressFromString(address)
		if err != nil || !m.ValidChecksum() {
			return false
		}
	}

	return true
}

// CreateAddress derives the external address at index from the HD wallet, or generates a random key when no seed was
// configured.
func (e *Ethereum) CreateAddress(_ context.Context, index uint32) (types.Account, error) {
	var prv *ecdsa.PrivateKey

	if e.hd != nil {
		_, key, _, err := e.hd.Address(hdAccount, hd.External, index)
		if err != nil {
			return types.Account{}, fmt.Errorf("cannot derive address %d: %w", index, err)
		}

		if prv, err = crypto.ToECDSA(key); err != nil {
			return types.Account{}, fmt.Errorf("cannot derive address %d: %w", index, err)
		}
	} else {
		var err error
		if prv, err = crypto.GenerateKey(); err != nil {
			return types.Account{}, fmt.Errorf("cannot generate key: %w", err)
		}

		index = 0
	}

	return e.seal(prv, index)
}

// ImportKey seals an existing private key given in hex, with or without 0x prefix.
func (e *Ethereum) ImportKey(_ context.Context, hexKey string) (types.Account, error) {
	prv, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return types.Account{}, types.ErrBadKey
	}

	return e.seal(prv, 0)
}

func (e *Ethereum) seal(prv *ecdsa.PrivateKey, index uint32) (types.Account, error) {
	key := hex.EncodeToString(crypto.FromECDSA(prv))

	s, err := e.ks.Seal([]byte(key))
	if err != nil {
		return types.Account{}, err
	}

	return types.Account{
		Address: strings.ToLower(crypto.PubkeyToAddress(prv.PublicKey).Hex()),
		Key:     s,
		Index:   index,
	}, nil
}

// Balance returns the stablecoin and native balances of address.
func (e *Ethereum) Balance(ctx context.Context, address string) (types.Balances, error) {
	var eth, tok *big.Int

	err := e.do(ctx, "balance", func(context.Context) (err error) {
		eth, tok, err = e.c.GetBalance(strings.ToLower(address), e.token)
		return err
	})
	if err != nil {
		return types.Balances{}, err
	}

	return types.Balances{
		Token:  money.FromBaseUnits(tok, money.USDCDecimals),
		Native: money.FromBaseUnits(eth, money.EtherDecimals),
	}, nil
}

// transferData encodes transfer(to, amount) for the token contract.
func transferData(to string, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20Transfer...)
	data = append(data, common.LeftPadBytes(common.HexToAddress(to).Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)

	return data
}

// Transfer signs and broadcasts a token transfer. The key is opened only for signing.
func (e *Ethereum) Transfer(ctx context.Context, key keystore.Sealed, from, to string, amount decimal.Decimal,
) (types.Receipt, error) {
	if !e.IsValidAddress(to) || !e.IsValidAddress(from) {
		return types.Receipt{}, types.ErrBadAddress
	}

	amt, err := money.ToBaseUnits(amount, money.USDCDecimals)
	if err != nil || amt.Sign() <= 0 || amt.BitLen() > uint256Bits {
		return types.Receipt{}, types.ErrBadAmount
	}

	data := transferData(to, amt)
	from = strings.ToLower(from)

	var nonce, price, limit uint64

	err = e.do(ctx, "nonce", func(context.Context) (err error) {
		nonce, err = e.c.GetTransactionCount(from, "pending")
		return err
	})
	if err != nil {
		return types.Receipt{}, err
	}

	if price, err = e.gasPrice(ctx); err != nil {
		return types.Receipt{}, err
	}

	if limit, err = e.estimate(ctx, from, data); err != nil {
		return types.Receipt{}, err
	}

	plain, err := e.ks.Open(key)
	if err != nil {
		return types.Receipt{}, err
	}

	prv, err := crypto.HexToECDSA(string(plain))
	if err != nil {
		return types.Receipt{}, types.ErrBadKey
	}

	if !strings.EqualFold(crypto.PubkeyToAddress(prv.PublicKey).Hex(), from) {
		return types.Receipt{}, fmt.Errorf("%w: key does not belong to %s", types.ErrBadKey, from)
	}

	contract := common.HexToAddress(e.token)
	tx, err := ethtypes.SignTx(ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: new(big.Int).SetUint64(price),
		Gas:      limit,
		To:       &contract,
		Value:    big.NewInt(0),
		Data:     data,
	}), ethtypes.LatestSignerForChainID(e.chainID), prv)
	if err != nil {
		return types.Receipt{}, fmt.Errorf("cannot sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return types.Receipt{}, fmt.Errorf("cannot encode transaction: %w", err)
	}

	hash := strings.ToLower(tx.Hash().Hex())

	err = e.do(ctx, "send", func(ctx context.Context) error {
		got, err := e.rpc.SendRawTransaction(ctx, raw)
		if err == nil && !strings.EqualFold(got, hash) {
			e.log.Warn("node returned a different hash", zap.String("hash", hash), zap.String("node", got))
		}

		return err
	})
	if err != nil {
		return types.Receipt{}, err
	}

	return types.Receipt{Hash: hash, GasUsed: limit, GasPrice: price}, nil
}

func (e *Ethereum) gasPrice(ctx context.Context) (price uint64, err error) {
	err = e.do(ctx, "gas_price", func(context.Context) (err error) {
		price, err = e.c.GasPrice()
		return err
	})

	return price, err
}

func (e *Ethereum) estimate(ctx context.Context, from string, data []byte) (limit uint64, err error) {
	err = e.do(ctx, "estimate_gas", func(ctx context.Context) (err error) {
		limit, err = e.rpc.EstimateGas(ctx, rpc.CallMsg{From: from, To: e.token, Data: "0x" + hex.EncodeToString(data)})
		return err
	})

	return limit, err
}

// EstimateGas returns the gas limit, price and native cost of transferring amount from one address to another.
func (e *Ethereum) EstimateGas(ctx context.Context, from, to string, amount decimal.Decimal) (types.GasEstimate, error) {
	if !e.IsValidAddress(to) || !e.IsValidAddress(from) {
		return types.GasEstimate{}, types.ErrBadAddress
	}

	amt, err := money.ToBaseUnits(amount, money.USDCDecimals)
	if err != nil || amt.Sign() <= 0 || amt.BitLen() > uint256Bits {
		return types.GasEstimate{}, types.ErrBadAmount
	}

	limit, err := e.estimate(ctx, strings.ToLower(from), transferData(to, amt))
	if err != nil {
		return types.GasEstimate{}, err
	}

	price, err := e.gasPrice(ctx)
	if err != nil {
		return types.GasEstimate{}, err
	}

	wei := new(big.Int).Mul(new(big.Int).SetUint64(limit), new(big.Int).SetUint64(price))

	return types.GasEstimate{
		Limit: limit,
		Price: money.FromBaseUnits(new(big.Int).SetUint64(price), 9), //nolint:gomnd // gwei
		Cost:  money.FromBaseUnits(wei, money.EtherDecimals),
	}, nil
}

// Transaction returns the on-chain state of hash. A transaction the node does not know yet, or that has no receipt,
// is pending.
func (e *Ethereum) Transaction(ctx context.Context, hash string) (types.TxStatus, error) {
	var t *ethcli.Trx

	err := e.do(ctx, "get_transaction", func(context.Context) (err error) {
		t, err = e.c.GetTrx(strings.ToLower(hash))
		return err
	})
	if errors.Is(err, ethcli.ErrNoTrx) {
		return types.TxStatus{State: types.Pending}, nil
	}

	if err != nil {
		return types.TxStatus{}, err
	}

	st := types.TxStatus{BlockNumber: t.Blk, GasUsed: t.Gas}

	switch t.Status {
	case ethcli.TrxSuccess:
		st.State = types.Success
	case ethcli.TrxFailed:
		st.State = types.Failed
	default:
		return types.TxStatus{State: types.Pending}, nil
	}

	var latest uint64

	err = e.do(ctx, "block_number", func(context.Context) (err error) {
		latest, err = e.c.GetLatestBlock()
		return err
	})
	if err != nil {
		return types.TxStatus{}, err
	}

	if latest >= t.Blk {
		st.Confirmations = latest - t.Blk + 1
	}

	return st, nil
}
