package ethereum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/keystore"
)

const (
	usdc    = "0x036cbd53842c5426634e7929541ec2318f3dcf7e"
	chainID = 84532
	// well known test key and its address
	testKey  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testAddr = "0x2c7536e3605d9c16a7a3d7b1898e529396a65c23"
	other    = "0xa34de7bd2b4270c0b12d5fd7a0c219a4d68d732f"
)

// mockNode is a JSON-RPC 2.0 node answering from a per method table. A handler func receives the params and returns
// the result.
type mockNode struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	table map[string]func(params []json.RawMessage) interface{}
}

func (m *mockNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     *json.RawMessage  `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	time.Sleep(m.delay)

	res := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}

	m.mu.Lock()
	m.calls = append(m.calls, req.Method)
	if f, ok := m.table[req.Method]; ok {
		res["result"] = f(req.Params)
	} else {
		res["error"] = map[string]interface{}{"code": -32601, "message": "method not found"}
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

func result(v interface{}) func([]json.RawMessage) interface{} {
	return func([]json.RawMessage) interface{} { return v }
}

func newTestChain(t *testing.T, m *mockNode, seed []byte) *Ethereum {
	t.Helper()

	srv := httptest.NewServer(m)
	t.Cleanup(srv.Close)

	ks, err := keystore.New(make([]byte, keystore.KeySize))
	require.NoError(t, err)

	e, err := Init(context.Background(), Options{
		Name:    "base-sepolia",
		Node:    srv.URL,
		Token:   usdc,
		ChainID: chainID,
		Timeout: time.Second,
		Seed:    seed,
	}, ks, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	return e
}

func TestInitQueriesChainID(t *testing.T) {
	m := &mockNode{table: map[string]func([]json.RawMessage) interface{}{"eth_chainId": result("0x14a34")}}
	srv := httptest.NewServer(m)
	defer srv.Close()

	ks, err := keystore.New(make([]byte, keystore.KeySize))
	require.NoError(t, err)

	e, err := Init(context.Background(), Options{Name: "base-sepolia", Node: srv.URL, Token: usdc, Timeout: time.Second},
		ks, zap.NewNop())
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, int64(chainID), e.chainID.Int64())

	_, err = Init(context.Background(), Options{Node: srv.URL, Token: "not-a-token"}, ks, zap.NewNop())
	assert.ErrorIs(t, err, types.ErrBadAddress)
}

func TestIsValidAddress(t *testing.T) {
	e := &Ethereum{}

	cases := map[string]bool{
		testAddr: true,
		"0x2C7536E3605D9C16A7A3D7B1898E529396A65C23": true,  // all caps
		"0x2c7536E3605D9C16a7a3D7b1898e529396a65c23": true,  // valid checksum
		"0x2c7536E3605D9C16a7a3D7b1898e529396a65C23": false, // broken checksum
		"0x0000000000000000000000000000000000000000": false,
		"2c7536e3605d9c16a7a3d7b1898e529396a65c23":   false,
		"0x2c7536e3605d9c16a7a3d7b1898e529396a65c2":  false,
		"0xzz7536e3605d9c16a7a3d7b1898e529396a65c23": false,
		"": false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, e.IsValidAddress(addr), addr)
	}
}

func TestCreateAddressHD(t *testing.T) {
	seed, _ := hex.DecodeString(strings.Repeat("5eed", 16))
	e := newTestChain(t, &mockNode{}, seed)

	a0, err := e.CreateAddress(context.Background(), 0)
	require.NoError(t, err)
	a1, err := e.CreateAddress(context.Background(), 1)
	require.NoError(t, err)
	again, err := e.CreateAddress(context.Background(), 0)
	require.NoError(t, err)

	assert.True(t, e.IsValidAddress(a0.Address))
	assert.NotEqual(t, a0.Address, a1.Address)
	assert.Equal(t, a0.Address, again.Address, "derivation is deterministic")
	assert.Equal(t, uint32(1), a1.Index)

	// the sealed key signs for the address
	plain, err := e.ks.Open(a1.Key)
	require.NoError(t, err)
	prv, err := crypto.HexToECDSA(string(plain))
	require.NoError(t, err)
	assert.Equal(t, a1.Address, strings.ToLower(crypto.PubkeyToAddress(prv.PublicKey).Hex()))
}

func TestCreateAddressRandom(t *testing.T) {
	e := newTestChain(t, &mockNode{}, nil)

	a, err := e.CreateAddress(context.Background(), 7)
	require.NoError(t, err)
	b, err := e.CreateAddress(context.Background(), 7)
	require.NoError(t, err)
	assert.NotEqual(t, a.Address, b.Address)
	assert.Zero(t, a.Index)
}

func TestImportKey(t *testing.T) {
	e := newTestChain(t, &mockNode{}, nil)

	a, err := e.ImportKey(context.Background(), "0x"+testKey)
	require.NoError(t, err)
	assert.Equal(t, testAddr, a.Address)

	_, err = e.ImportKey(context.Background(), "0x1234")
	assert.ErrorIs(t, err, types.ErrBadKey)
}

func TestBalance(t *testing.T) {
	m := &mockNode{table: map[string]func([]json.RawMessage) interface{}{
		"eth_getBalance": result("0xde0b6b3a7640000"), // 1 ether
		"eth_call":       result("0xbebc20"),          // 12.5 USDC
	}}
	e := newTestChain(t, m, nil)

	b, err := e.Balance(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, "12.5", b.Token.String())
	assert.Equal(t, "1", b.Native.String())
}

func TestTransfer(t *testing.T) {
	var sent *ethtypes.Transaction

	m := &mockNode{table: map[string]func([]json.RawMessage) interface{}{
		"eth_getTransactionCount": result("0x5"),
		"eth_gasPrice":            result("0x3b9aca00"),
		"eth_estimateGas":         result("0xea60"),
		"eth_sendRawTransaction": func(params []json.RawMessage) interface{} {
			var raw string
			_ = json.Unmarshal(params[0], &raw)
			b, _ := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
			sent = new(ethtypes.Transaction)
			if err := sent.UnmarshalBinary(b); err != nil {
				return nil
			}

			return sent.Hash().Hex()
		},
	}}
	e := newTestChain(t, m, nil)

	acct, err := e.ImportKey(context.Background(), testKey)
	require.NoError(t, err)

	r, err := e.Transfer(context.Background(), acct.Key, acct.Address, other, decimal.RequireFromString("12.5"))
	require.NoError(t, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotNil(t, sent)

	assert.Equal(t, strings.ToLower(sent.Hash().Hex()), r.Hash)
	assert.Equal(t, uint64(60000), r.GasUsed)
	assert.Equal(t, uint64(1000000000), r.GasPrice)

	// signed for the configured chain, calling transfer(other, 12500000) on the token
	assert.Equal(t, int64(chainID), sent.ChainId().Int64())
	assert.Equal(t, uint64(5), sent.Nonce())
	assert.Equal(t, common.HexToAddress(usdc), *sent.To())
	assert.Equal(t, "a9059cbb", hex.EncodeToString(sent.Data()[:4]))
	assert.Equal(t, common.HexToAddress(other), common.BytesToAddress(sent.Data()[4:36]))
	assert.Equal(t, big.NewInt(12500000), new(big.Int).SetBytes(sent.Data()[36:68]))

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(chainID)), sent)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddr), from)
}

func TestTransferRejectsBeforeCallingNode(t *testing.T) {
	m := &mockNode{}
	e := newTestChain(t, m, nil)

	acct, err := e.ImportKey(context.Background(), testKey)
	require.NoError(t, err)

	_, err = e.Transfer(context.Background(), acct.Key, acct.Address, "0xnot-an-address", decimal.NewFromInt(1))
	assert.ErrorIs(t, err, types.ErrBadAddress)

	_, err = e.Transfer(context.Background(), acct.Key, acct.Address, other, decimal.RequireFromString("0.0000001"))
	assert.ErrorIs(t, err, types.ErrBadAmount)

	_, err = e.Transfer(context.Background(), acct.Key, acct.Address, other, decimal.RequireFromString("1e80"))
	assert.ErrorIs(t, err, types.ErrBadAmount)

	_, err = e.EstimateGas(context.Background(), acct.Address, other, decimal.RequireFromString("1e900000000"))
	assert.ErrorIs(t, err, types.ErrBadAmount)

	m.mu.Lock()
	assert.Empty(t, m.calls)
	m.mu.Unlock()
}

func TestEstimateGas(t *testing.T) {
	m := &mockNode{table: map[string]func([]json.RawMessage) interface{}{
		"eth_gasPrice":    result("0x3b9aca00"), // 1 gwei
		"eth_estimateGas": result("0xea60"),     // 60000
	}}
	e := newTestChain(t, m, nil)

	g, err := e.EstimateGas(context.Background(), testAddr, other, decimal.NewFromInt(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(60000), g.Limit)
	assert.Equal(t, "1", g.Price.String())
	assert.Equal(t, "0.00006", g.Cost.String())
}

func minedNode(status string) *mockNode {
	const hash = "0xc39f3c2c2b5c0a772e8605bbeef7d341937b85e739a3c55d1e7384ac88f31c65"

	data := "0xa9059cbb" + "000000000000000000000000" + other[2:] +
		"0000000000000000000000000000000000000000000000000000000000bebc20"

	return &mockNode{table: map[string]func([]json.RawMessage) interface{}{
		"eth_getTransactionByHash": result(map[string]interface{}{
			"hash": hash, "blockNumber": "0x10", "gasPrice": "0x3b9aca00", "input": data,
			"to": usdc, "from": testAddr, "value": "0x0",
		}),
		"eth_getTransactionReceipt": result(map[string]interface{}{
			"hash": hash, "transactionHash": hash, "blockNumber": "0x10", "status": status, "gasUsed": "0xc350",
		}),
		"eth_getBlockByNumber": func(params []json.RawMessage) interface{} {
			var which string
			_ = json.Unmarshal(params[0], &which)
			if which == "latest" {
				return map[string]interface{}{"number": "0x12", "timestamp": "0x5a952dc0"}
			}

			return map[string]interface{}{"number": "0x10", "timestamp": "0x5a952da9"}
		},
	}}
}

func TestTransaction(t *testing.T) {
	const hash = "0xc39f3c2c2b5c0a772e8605bbeef7d341937b85e739a3c55d1e7384ac88f31c65"

	e := newTestChain(t, minedNode("0x1"), nil)
	st, err := e.Transaction(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, types.Success, st.State)
	assert.Equal(t, uint64(3), st.Confirmations)
	assert.Equal(t, uint64(16), st.BlockNumber)
	assert.Equal(t, uint64(50000), st.GasUsed)

	e = newTestChain(t, minedNode("0x0"), nil)
	st, err = e.Transaction(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, types.Failed, st.State)

	// not yet known to the node
	e = newTestChain(t, &mockNode{table: map[string]func([]json.RawMessage) interface{}{
		"eth_getTransactionByHash": result(nil),
	}}, nil)
	st, err = e.Transaction(context.Background(), hash)
	require.NoError(t, err)
	assert.Equal(t, types.Pending, st.State)
}

func TestCallTimeout(t *testing.T) {
	m := &mockNode{delay: 300 * time.Millisecond, table: map[string]func([]json.RawMessage) interface{}{
		"eth_getBalance": result("0x0"),
	}}
	e := newTestChain(t, m, nil)
	e.timeout = 50 * time.Millisecond

	_, err := e.Balance(context.Background(), testAddr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
