// Package rpc is a small context aware JSON-RPC 2.0 client for the node calls the adapter needs beyond ethcli:
// gas estimation from a given sender, raw transaction broadcast and the chain id.
package rpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

// RPCError is the error object returned by the node.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// CallMsg holds the fields of an eth_call or eth_estimateGas object.
type CallMsg struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Data string `json:"data,omitempty"`
}

// Client calls a node over HTTP.
type Client struct {
	httpClient *http.Client
	rpcURL     string
	auth       string
	requestID  atomic.Int64
}

// NewClient returns a client for rpcURL. secret, when set, is sent as Basic authentication like ethcli does.
func NewClient(rpcURL, secret string, timeout time.Duration) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		rpcURL:     rpcURL,
	}
	if secret != "" {
		c.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(secret))
	}

	return c
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(Request{JSONRPC: "2.0", ID: c.requestID.Add(1), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		httpReq.Header.Set("Authorization", c.auth)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	return rpcResp.Result, nil
}

func (c *Client) callQuantity(ctx context.Context, method string, params []interface{}) (uint64, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return 0, err
	}

	var s string
	if err = json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("%s: unmarshal result: %w", method, err)
	}

	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: bad quantity %q: %w", method, s, err)
	}

	return v, nil
}

// ChainID returns eth_chainId.
func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	return c.callQuantity(ctx, "eth_chainId", []interface{}{})
}

// EstimateGas returns eth_estimateGas for msg.
func (c *Client) EstimateGas(ctx context.Context, msg CallMsg) (uint64, error) {
	return c.callQuantity(ctx, "eth_estimateGas", []interface{}{msg})
}

// SendRawTransaction broadcasts a signed transaction and returns its hash.
func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (string, error) {
	res, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{"0x" + hex.EncodeToString(raw)})
	if err != nil {
		return "", err
	}

	var hash string
	if err = json.Unmarshal(res, &hash); err != nil {
		return "", fmt.Errorf("eth_sendRawTransaction: unmarshal result: %w", err)
	}

	return hash, nil
}
