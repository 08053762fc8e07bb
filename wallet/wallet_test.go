package wallet

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/block/blocktest"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/keystore"
	"github.com/tarancss/waas/lib/ratelimit"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/lib/store/memory"
	"github.com/tarancss/waas/service"
	"github.com/tarancss/waas/tenant"
	"github.com/tarancss/waas/webhook"
)

const (
	adminToken = "s3cr3t-admin"
	platform   = "http://localhost"
	acme       = "http://acme.waas.test"
	recipient  = "0x357dd3856d856197c1a000bbab4abcb97dfc92c4"
)

type api struct {
	t     *testing.T
	w     *Wallet
	h     http.Handler
	chain *blocktest.Chain
}

func newAPI(t *testing.T) *api {
	t.Helper()

	ks, err := keystore.NewFromHex(strings.Repeat("42", keystore.KeySize))
	require.NoError(t, err)

	db := memory.New()
	chain := blocktest.New(ks)
	hooks := webhook.New(db, db, time.Second, zap.NewNop())
	svc := service.New(db, db, chain, ks, hooks, zap.NewNop(), service.Config{})

	w := New(Options{
		Service:     svc,
		Webhooks:    hooks,
		Tenants:     tenant.NewResolver(db),
		Tokens:      auth.NewTokens("jwt-secret", time.Hour),
		Limiter:     ratelimit.NewLocal(),
		AdminToken:  adminToken,
		CORSOrigins: []string{"*"},
		Log:         zap.NewNop(),
	})

	return &api{t: t, w: w, h: w.Handler(), chain: chain}
}

// do sends a request and decodes the envelope, unmarshalling its data into out when given.
func (a *api) do(method, url string, body interface{}, hdr map[string]string, out interface{},
) (int, Response, http.Header) {
	a.t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(a.t, err)

		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, url, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)

	var res Response
	require.NoError(a.t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())

	if out != nil && res.Data != nil {
		b, err := json.Marshal(res.Data)
		require.NoError(a.t, err)
		require.NoError(a.t, json.Unmarshal(b, out))
	}

	return rec.Code, res, rec.Header()
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// login registers email and returns its session token and user id.
func (a *api) login(email string) (string, string) {
	a.t.Helper()

	creds := map[string]string{"email": email, "password": "password123"}

	code, _, _ := a.do(http.MethodPost, platform+"/auth/register", creds, nil, nil)
	require.Equal(a.t, http.StatusCreated, code)

	var lr loginRes

	code, _, _ = a.do(http.MethodPost, platform+"/auth/login", creds, nil, &lr)
	require.Equal(a.t, http.StatusOK, code)
	require.NotEmpty(a.t, lr.Token)

	return lr.Token, lr.User.ID
}

func (a *api) tenant(body map[string]interface{}) store.Tenant {
	a.t.Helper()

	var t store.Tenant

	code, res, _ := a.do(http.MethodPost, platform+"/admin/tenants", body, map[string]string{headerAdmin: adminToken},
		&t)
	require.Equal(a.t, http.StatusCreated, code, res.Message)

	return t
}

func TestPublic(t *testing.T) {
	a := newAPI(t)

	code, res, _ := a.do(http.MethodGet, platform+"/", nil, nil, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, res.Success)
	assert.Equal(t, "Hello, this is your USDC wallet service!", res.Data)

	code, _, _ = a.do(http.MethodGet, platform+"/health", nil, nil, nil)
	assert.Equal(t, http.StatusOK, code)

	code, res, _ = a.do(http.MethodGet, platform+"/nope", nil, nil, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, res.Success)
	assert.Equal(t, "not_found", res.Error)

	code, _, _ = a.do(http.MethodPost, platform+"/health", nil, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	var cfg tenantConfig

	code, _, _ = a.do(http.MethodGet, platform+"/tenant/config", nil, nil, &cfg)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, cfg.ID)
	assert.Equal(t, service.DefaultFeatures, cfg.Features)
}

func TestAuth(t *testing.T) {
	a := newAPI(t)
	token, id := a.login("alice@example.com")

	code, res, _ := a.do(http.MethodPost, platform+"/auth/register",
		map[string]string{"email": "ALICE@example.com", "password": "password123"}, nil, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "conflict", res.Error)

	code, res, _ = a.do(http.MethodPost, platform+"/auth/login",
		map[string]string{"email": "alice@example.com", "password": "wrong-password"}, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "authentication_error", res.Error)

	code, res, _ = a.do(http.MethodPost, platform+"/auth/login", map[string]string{"unknown": "field"}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "malformed JSON body", res.Message)

	code, _, _ = a.do(http.MethodGet, platform+"/auth/me", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _, _ = a.do(http.MethodGet, platform+"/auth/me", nil, bearer("not.a.token"), nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	var u store.User

	code, _, _ = a.do(http.MethodGet, platform+"/auth/me", nil, bearer(token), &u)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, id, u.ID)
	assert.Equal(t, "alice@example.com", u.Email)

	var setup map[string]string

	code, _, _ = a.do(http.MethodPost, platform+"/auth/2fa/setup", nil, bearer(token), &setup)
	assert.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, setup["secret"])

	code, _, _ = a.do(http.MethodPost, platform+"/auth/2fa/enable", codeReq{Code: "nope"}, bearer(token), nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestWallets(t *testing.T) {
	a := newAPI(t)
	token, _ := a.login("alice@example.com")
	other, _ := a.login("bob@example.com")

	var w store.Wallet

	code, _, _ := a.do(http.MethodPost, platform+"/wallets", walletReq{Name: "main"}, bearer(token), &w)
	require.Equal(t, http.StatusCreated, code)
	assert.True(t, w.IsPrimary)

	code, res, _ := a.do(http.MethodPost, platform+"/wallets", walletReq{Name: "main"}, bearer(token), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.False(t, res.Success)

	var ws []store.Wallet

	code, _, _ = a.do(http.MethodGet, platform+"/wallets", nil, bearer(token), &ws)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, ws, 1)

	code, _, _ = a.do(http.MethodGet, platform+"/wallets/"+w.ID, nil, bearer(other), nil)
	assert.Equal(t, http.StatusNotFound, code)

	a.chain.SetBalance(w.Address, "50", "0.01")

	code, _, _ = a.do(http.MethodPost, platform+"/wallets/"+w.ID+"/refresh", nil, bearer(token), &w)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "50", w.Balance.String())

	// rejected before reaching the chain
	code, res, _ = a.do(http.MethodPost, platform+"/wallets/"+w.ID+"/send",
		map[string]string{"to": "0x123", "amount": "1"}, bearer(token), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_error", res.Error)
	assert.Contains(t, res.Fields, "to")

	code, res, _ = a.do(http.MethodPost, platform+"/wallets/"+w.ID+"/send",
		map[string]string{"to": recipient, "amount": "51"}, bearer(token), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "insufficient_funds", res.Error)

	var tx store.Transaction

	code, _, _ = a.do(http.MethodPost, platform+"/wallets/"+w.ID+"/send",
		map[string]string{"to": recipient, "amount": "12.5", "memo": "lunch"}, bearer(token), &tx)
	require.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, store.TxPending, tx.Status)
	assert.Equal(t, "12.5", tx.Amount.String())

	var got store.Transaction

	code, _, _ = a.do(http.MethodGet, platform+"/transactions/"+tx.Hash, nil, bearer(token), &got)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, tx.ID, got.ID)

	code, _, _ = a.do(http.MethodGet, platform+"/transactions/"+tx.Hash, nil, bearer(other), nil)
	assert.Equal(t, http.StatusNotFound, code)

	var txs []store.Transaction

	code, res, _ = a.do(http.MethodGet, platform+"/wallets/"+w.ID+"/transactions?page=1&limit=10", nil,
		bearer(token), &txs)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, txs, 1)
	require.NotNil(t, res.Pagination)
	assert.Equal(t, Pagination{Page: 1, Limit: 10, Total: 1, TotalPages: 1}, *res.Pagination)

	code, _, _ = a.do(http.MethodGet, platform+"/wallets/"+w.ID+"/transactions?page=zero", nil, bearer(token), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	frozen := store.WalletFrozen

	code, _, _ = a.do(http.MethodPatch, platform+"/wallets/"+w.ID, updateWalletReq{Status: &frozen}, bearer(token),
		&w)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.WalletFrozen, w.Status)

	bad := "gone"

	code, _, _ = a.do(http.MethodPatch, platform+"/wallets/"+w.ID, updateWalletReq{Status: &bad}, bearer(token), nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _, _ = a.do(http.MethodDelete, platform+"/wallets/"+w.ID, nil, bearer(token), nil)
	assert.Equal(t, http.StatusOK, code)

	code, _, _ = a.do(http.MethodGet, platform+"/wallets/"+w.ID, nil, bearer(token), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestBackup(t *testing.T) {
	a := newAPI(t)
	token, _ := a.login("alice@example.com")

	code, _, _ := a.do(http.MethodPost, platform+"/wallets", walletReq{Name: "main"}, bearer(token), nil)
	require.Equal(t, http.StatusCreated, code)

	var f json.RawMessage

	code, _, _ = a.do(http.MethodPost, platform+"/backup/export", exportReq{Password: "correct horse"}, bearer(token),
		&f)
	require.Equal(t, http.StatusOK, code)

	body := map[string]interface{}{"password": "battery staple", "backup": f}
	code, res, _ := a.do(http.MethodPost, platform+"/backup/import", body, bearer(token), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Fields, "password")

	var rr service.RestoreResult

	body["password"] = "correct horse"
	code, _, _ = a.do(http.MethodPost, platform+"/backup/import", body, bearer(token), &rr)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, rr.Restored)
	assert.Len(t, rr.Skipped, 1)
}

func TestTenantFeatures(t *testing.T) {
	a := newAPI(t)
	token, _ := a.login("alice@example.com")

	a.tenant(map[string]interface{}{
		"name": "Acme", "subdomain": "acme", "features": []string{tenant.FeatureSend},
		"brand": map[string]string{"displayName": "Acme Pay", "primaryColor": "#ff0000"},
	})

	var cfg tenantConfig

	code, _, _ := a.do(http.MethodGet, acme+"/tenant/config", nil, nil, &cfg)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Acme Pay", cfg.Brand.DisplayName)
	assert.Equal(t, []string{tenant.FeatureSend}, cfg.Features)

	code, res, _ := a.do(http.MethodGet, acme+"/contacts", nil, bearer(token), nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "authorization_error", res.Error)

	// the same user on the platform host keeps every feature
	code, _, _ = a.do(http.MethodPost, platform+"/contacts",
		contactReq{Name: "Shop", Address: recipient}, bearer(token), nil)
	assert.Equal(t, http.StatusCreated, code)

	var w store.Wallet

	code, _, _ = a.do(http.MethodPost, acme+"/wallets", walletReq{Name: "acme"}, bearer(token), &w)
	require.Equal(t, http.StatusCreated, code)
	assert.NotEmpty(t, w.TenantID)
}

func TestAdmin(t *testing.T) {
	a := newAPI(t)

	body := map[string]interface{}{"name": "Acme", "subdomain": "acme"}

	code, _, _ := a.do(http.MethodPost, platform+"/admin/tenants", body, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _, _ = a.do(http.MethodPost, platform+"/admin/tenants", body, map[string]string{headerAdmin: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	tn := a.tenant(body)

	var up store.Tenant

	code, _, _ = a.do(http.MethodPatch, platform+"/admin/tenants/"+tn.ID, map[string]interface{}{"dailyLimit": "250"},
		map[string]string{headerAdmin: adminToken}, &up)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "250", up.DailyLimit.String())

	a.w.admin = ""
	code, _, _ = a.do(http.MethodPost, platform+"/admin/tenants", body, map[string]string{headerAdmin: ""}, nil)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestDeveloperAPI(t *testing.T) {
	a := newAPI(t)
	_, owner := a.login("dev@example.com")

	var c clientRes

	code, res, _ := a.do(http.MethodPost, platform+"/admin/clients", map[string]interface{}{
		"ownerUserId": owner, "name": "shop", "rateLimitPerMinute": 3,
	}, map[string]string{headerAdmin: adminToken}, &c)
	require.Equal(t, http.StatusCreated, code, res.Message)
	require.NotEmpty(t, c.Secret)

	key := map[string]string{headerAPIKey: c.APIKey}
	both := map[string]string{headerAPIKey: c.APIKey, headerAPISecret: c.Secret}

	code, _, _ = a.do(http.MethodGet, platform+"/api/v1/wallets", nil, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// reads need the key only
	code, _, hdr := a.do(http.MethodGet, platform+"/api/v1/wallets", nil, key, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "3", hdr.Get(headerLimit))

	code, _, _ = a.do(http.MethodPost, platform+"/api/v1/wallets", walletReq{Name: "api"}, key, nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	var w store.Wallet

	code, _, _ = a.do(http.MethodPost, platform+"/api/v1/wallets", walletReq{Name: "api"}, both, &w)
	assert.Equal(t, http.StatusCreated, code)
	assert.Equal(t, owner, w.UserID)

	code, _, hdr = a.do(http.MethodGet, platform+"/api/v1/wallets/"+w.ID+"/balance", nil, key, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "0", hdr.Get(headerRemaining))

	code, res, hdr = a.do(http.MethodGet, platform+"/api/v1/wallets", nil, key, nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "limit_exceeded", res.Error)
	assert.NotEmpty(t, hdr.Get("Retry-After"))

	// every authenticated call is metered, refused ones included
	u, err := a.w.svc.ClientUsage(httptest.NewRequest(http.MethodGet, "/", nil).Context(), c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, u.Today)
}

func TestDashboardWebhooks(t *testing.T) {
	a := newAPI(t)
	token, owner := a.login("owner@example.com")
	stranger, _ := a.login("stranger@example.com")

	a.tenant(map[string]interface{}{"name": "Acme", "subdomain": "acme", "ownerUserId": owner})

	var (
		mu       sync.Mutex
		received []webhook.Payload
		valid    = true
		secret   string
	)

	recv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		var p webhook.Payload
		_ = json.Unmarshal(body, &p)

		mu.Lock()
		defer mu.Unlock()

		valid = valid && webhook.Verify(secret, body, r.Header.Get(webhook.HeaderSignature))
		received = append(received, p)
	}))
	defer recv.Close()

	req := webhookReq{URL: recv.URL, Events: []string{events.WalletCreated}}

	code, _, _ := a.do(http.MethodPost, acme+"/dashboard/webhooks", req, bearer(stranger), nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _, _ = a.do(http.MethodPost, platform+"/dashboard/webhooks", req, bearer(token), nil)
	assert.Equal(t, http.StatusForbidden, code)

	var h webhookRes

	code, _, _ = a.do(http.MethodPost, acme+"/dashboard/webhooks", req, bearer(token), &h)
	require.Equal(t, http.StatusCreated, code)
	require.NotEmpty(t, h.Secret)

	mu.Lock()
	secret = h.Secret
	mu.Unlock()

	code, _, _ = a.do(http.MethodPost, acme+"/wallets", walletReq{Name: "main"}, bearer(stranger), nil)
	require.Equal(t, http.StatusCreated, code)
	a.w.svc.Wait()

	mu.Lock()
	assert.True(t, valid)
	require.Len(t, received, 1)
	assert.Equal(t, events.WalletCreated, received[0].Event)
	mu.Unlock()

	var ds []store.Delivery

	code, _, _ = a.do(http.MethodGet, acme+"/dashboard/webhooks/"+h.ID+"/deliveries", nil, bearer(token), &ds)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, ds, 1)
	assert.Equal(t, store.DeliverySuccess, ds[0].Outcome)

	var hs []store.Webhook

	code, _, _ = a.do(http.MethodGet, acme+"/dashboard/webhooks", nil, bearer(token), &hs)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, hs, 1)

	code, _, _ = a.do(http.MethodDelete, acme+"/dashboard/webhooks/"+h.ID, nil, bearer(token), nil)
	assert.Equal(t, http.StatusOK, code)
}
