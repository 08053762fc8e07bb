package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/block/types"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/tenant"
)

const (
	recipient = "0x1111111111111111111111111111111111111111"
	usdc      = "100"
	gas       = "0.01"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func kind(t *testing.T, err error, k apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, k, apperr.KindOf(err), err.Error())
}

func TestRegisterAndAuthenticate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	u, err := f.svc.Register(ctx, " Alice@Example.com ", "password123")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEqual(t, "password123", u.PasswordHash)

	_, err = f.svc.Register(ctx, "ALICE@example.com", "password123")
	kind(t, err, apperr.Conflict)
	_, err = f.svc.Register(ctx, "not-an-email", "password123")
	kind(t, err, apperr.Validation)
	_, err = f.svc.Register(ctx, "bob@example.com", "short")
	kind(t, err, apperr.Validation)

	got, err := f.svc.Authenticate(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = f.svc.Authenticate(ctx, "alice@example.com", "wrong-password", "")
	kind(t, err, apperr.Authentication)
	_, err = f.svc.Authenticate(ctx, "nobody@example.com", "password123", "")
	kind(t, err, apperr.Authentication)
}

func TestTOTP(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")

	secret, url, err := f.svc.SetupTOTP(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://")

	kind(t, f.svc.EnableTOTP(ctx, id, "000000"), apperr.Validation)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)
	require.NoError(t, f.svc.EnableTOTP(ctx, id, code))

	_, err = f.svc.Authenticate(ctx, "alice@example.com", "password123", "")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Authentication, e.Kind)
	assert.Equal(t, "required", e.Fields["totpCode"])

	_, err = f.svc.Authenticate(ctx, "alice@example.com", "password123", code)
	require.NoError(t, err)

	require.NoError(t, f.svc.DisableTOTP(ctx, id, code))
	_, err = f.svc.Authenticate(ctx, "alice@example.com", "password123", "")
	require.NoError(t, err)
}

func TestPrimaryWallet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")

	w1, err := f.svc.CreateWallet(ctx, id, "main", nil)
	require.NoError(t, err)
	assert.True(t, w1.IsPrimary)
	assert.Regexp(t, `^0x[0-9a-f]{40}$`, w1.Address)

	w2, err := f.svc.CreateWallet(ctx, id, "savings", nil)
	require.NoError(t, err)
	assert.False(t, w2.IsPrimary)

	_, err = f.svc.CreateWallet(ctx, id, "main", nil)
	kind(t, err, apperr.Conflict)

	// freezing the primary hands the flag over
	_, err = f.svc.FreezeWallet(ctx, id, w1.ID)
	require.NoError(t, err)

	got, err := f.svc.GetWallet(ctx, id, w2.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPrimary)

	_, err = f.svc.SetPrimary(ctx, id, w1.ID)
	kind(t, err, apperr.Validation)

	_, err = f.svc.UnfreezeWallet(ctx, id, w1.ID)
	require.NoError(t, err)
	_, err = f.svc.SetPrimary(ctx, id, w1.ID)
	require.NoError(t, err)

	ws, err := f.svc.ListWallets(ctx, id)
	require.NoError(t, err)

	primaries := 0
	for _, w := range ws {
		if w.IsPrimary {
			primaries++
			assert.Equal(t, w1.ID, w.ID)
		}
	}
	assert.Equal(t, 1, primaries)

	// deleting the primary promotes the remaining wallet and frees the name
	require.NoError(t, f.svc.DeleteWallet(ctx, id, w1.ID))
	got, err = f.svc.GetWallet(ctx, id, w2.ID)
	require.NoError(t, err)
	assert.True(t, got.IsPrimary)

	_, err = f.svc.GetWallet(ctx, id, w1.ID)
	kind(t, err, apperr.NotFound)
	_, err = f.svc.CreateWallet(ctx, id, "main", nil)
	require.NoError(t, err)

	f.svc.Wait()
	assert.Contains(t, f.pub.names(), events.WalletCreated)
	assert.Contains(t, f.pub.names(), events.WalletFrozen)
	assert.Contains(t, f.pub.names(), events.WalletDeleted)
}

func TestConcurrentCreateElectsOnePrimary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, err := f.svc.CreateWallet(ctx, id, string(rune('a'+i)), nil)
			assert.NoError(t, err)
		}(i)
	}

	wg.Wait()

	ws, err := f.svc.ListWallets(ctx, id)
	require.NoError(t, err)
	require.Len(t, ws, 8)

	primaries := 0
	for _, w := range ws {
		if w.IsPrimary {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)
}

func TestImportWallet(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")

	key := "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	w, err := f.svc.ImportWallet(ctx, id, "imported", key, nil)
	require.NoError(t, err)
	assert.Equal(t, "0x5dbb6204fe5129617082792ae468d01a3f362318", w.Address)

	_, err = f.svc.ImportWallet(ctx, id, "again", key, nil)
	kind(t, err, apperr.Conflict)

	_, err = f.svc.ImportWallet(ctx, id, "bad", "0x1234", nil)
	kind(t, err, apperr.Validation)
}

func TestWalletOwnership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")

	w, err := f.svc.CreateWallet(ctx, alice, "main", nil)
	require.NoError(t, err)

	_, err = f.svc.GetWallet(ctx, bob, w.ID)
	kind(t, err, apperr.NotFound)
	_, err = f.svc.RenameWallet(ctx, bob, w.ID, "mine")
	kind(t, err, apperr.NotFound)
	kind(t, f.svc.DeleteWallet(ctx, bob, w.ID), apperr.NotFound)
	_, _, err = f.svc.ListTransactions(ctx, bob, w.ID, store.Page{})
	kind(t, err, apperr.NotFound)

	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: bob, To: recipient, Amount: dec("1")})
	kind(t, err, apperr.NotFound)
}

func funded(t *testing.T, f *fixture, userID string) *store.Wallet {
	t.Helper()

	ctx := context.Background()

	w, err := f.svc.CreateWallet(ctx, userID, "main", nil)
	require.NoError(t, err)

	f.chain.SetBalance(w.Address, usdc, gas)
	w, err = f.svc.RefreshWallet(ctx, userID, w.ID)
	require.NoError(t, err)
	require.Equal(t, usdc, w.Balance.String())

	return w
}

func TestSendFunds(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	tx, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("25.5"),
		Memo: "rent"})
	require.NoError(t, err)
	assert.Equal(t, store.TxPending, tx.Status)
	assert.Equal(t, store.TxSend, tx.Type)
	assert.Regexp(t, `^0x[0-9a-f]{64}$`, tx.Hash)
	assert.Equal(t, w.Address, tx.From)

	got, err := f.svc.GetTransaction(ctx, id, tx.Hash)
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)

	txs, total, err := f.svc.ListTransactions(ctx, id, w.ID, store.Page{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, txs, 1)

	f.svc.Wait()
	assert.Contains(t, f.pub.names(), events.TransactionSent)
}

func TestSendFundsRejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	send := func(to, amount string) error {
		_, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: to, Amount: dec(amount)})
		return err
	}

	// bad input never reaches the chain
	calls := f.chain.Calls()
	kind(t, send("0xnope", "1"), apperr.Validation)
	kind(t, send(recipient, "0"), apperr.Validation)
	kind(t, send(recipient, "-1"), apperr.Validation)
	kind(t, send(recipient, "0.0000001"), apperr.Validation)
	kind(t, send(recipient, "1e900000000"), apperr.Validation)
	kind(t, send(w.Address, "1"), apperr.Validation)
	assert.Equal(t, calls, f.chain.Calls())

	err := send(recipient, "100.000001")
	kind(t, err, apperr.InsufficientFunds)

	e, _ := apperr.As(err)
	assert.Equal(t, usdc, e.Fields["balance"])

	f.chain.SetBalance(w.Address, usdc, "0")
	kind(t, send(recipient, "1"), apperr.InsufficientGas)

	_, err = f.svc.FreezeWallet(ctx, id, w.ID)
	require.NoError(t, err)
	kind(t, send(recipient, "1"), apperr.Validation)

	// no rejected transfer left a row
	_, total, err := f.svc.ListTransactions(ctx, id, w.ID, store.Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSendFundsChainFailure(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	f.chain.SetFail(errors.New("node down"))
	_, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("1")})
	kind(t, err, apperr.Upstream)
}

func TestTenantLimits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	name, sub, daily := "Acme", "acme", dec("100")
	tn, err := f.svc.CreateTenant(ctx, TenantInput{Name: &name, Subdomain: &sub, DailyLimit: &daily})
	require.NoError(t, err)

	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("80"),
		Tenant: tn})
	require.NoError(t, err)

	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("30"),
		Tenant: tn})
	kind(t, err, apperr.LimitExceeded)

	e, _ := apperr.As(err)
	require.NotNil(t, e.Limit)
	assert.Equal(t, tenant.Daily, e.Limit.Period)
	assert.Equal(t, "20", e.Limit.Remaining.String())

	// sends outside the tenant do not count against it
	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("15")})
	require.NoError(t, err)
	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("20"),
		Tenant: tn})
	require.NoError(t, err)
}

func TestTenantFeatureGate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	name, sub := "Acme", "acme"
	tn, err := f.svc.CreateTenant(ctx, TenantInput{Name: &name, Subdomain: &sub,
		Features: []string{tenant.FeatureContacts}})
	require.NoError(t, err)

	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("1"),
		Tenant: tn})
	kind(t, err, apperr.Authorization)
}

func TestClientLimits(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	c, _, err := f.svc.CreateAPIClient(ctx, ClientInput{OwnerUserID: id, Name: "shop", DailyLimit: dec("10")})
	require.NoError(t, err)

	_, err = f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("11"),
		Client: c})
	kind(t, err, apperr.LimitExceeded)
}

func TestReconcile(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")
	w := funded(t, f, id)

	ok, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("10")})
	require.NoError(t, err)
	bad, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: id, To: recipient, Amount: dec("5")})
	require.NoError(t, err)

	// mined but not deep enough
	f.chain.SetStatus(ok.Hash, types.TxStatus{State: types.Success, Confirmations: 1, BlockNumber: 7})
	got, err := f.svc.ReconcileTransaction(ctx, ok.Hash)
	require.NoError(t, err)
	assert.Equal(t, store.TxPending, got.Status)
	assert.EqualValues(t, 1, got.Confirmations)

	f.chain.SetStatus(ok.Hash, types.TxStatus{State: types.Success, Confirmations: 3, BlockNumber: 7, GasUsed: 50000})
	f.chain.SetStatus(bad.Hash, types.TxStatus{State: types.Failed, Confirmations: 4, BlockNumber: 8})
	f.chain.SetBalance(w.Address, "90", gas)

	n, err := f.svc.ReconcilePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err = f.svc.GetTransaction(ctx, id, ok.Hash)
	require.NoError(t, err)
	assert.Equal(t, store.TxConfirmed, got.Status)
	assert.EqualValues(t, 50000, got.GasUsed)

	// terminal statuses never move
	f.chain.SetStatus(ok.Hash, types.TxStatus{State: types.Failed})
	got, err = f.svc.ReconcileTransaction(ctx, ok.Hash)
	require.NoError(t, err)
	assert.Equal(t, store.TxConfirmed, got.Status)

	got, err = f.svc.GetTransaction(ctx, id, bad.Hash)
	require.NoError(t, err)
	assert.Equal(t, store.TxFailed, got.Status)

	ww, err := f.svc.GetWallet(ctx, id, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "90", ww.Balance.String())

	f.svc.Wait()
	assert.Contains(t, f.pub.names(), events.TransactionConfirmed)
	assert.Contains(t, f.pub.names(), events.TransactionFailed)
	assert.Contains(t, f.pub.names(), events.BalanceUpdated)

	_, err = f.svc.ReconcileTransaction(ctx, "0xdead")
	kind(t, err, apperr.NotFound)
}

func TestTransactionOwnership(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")
	w := funded(t, f, alice)

	tx, err := f.svc.SendFunds(ctx, SendRequest{WalletID: w.ID, UserID: alice, To: recipient, Amount: dec("1")})
	require.NoError(t, err)

	_, err = f.svc.GetTransaction(ctx, bob, tx.Hash)
	kind(t, err, apperr.NotFound)
}

func TestBackupRoundTrip(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")

	w1, err := f.svc.CreateWallet(ctx, alice, "main", nil)
	require.NoError(t, err)
	w2, err := f.svc.CreateWallet(ctx, alice, "savings", nil)
	require.NoError(t, err)

	_, err = f.svc.ExportBackup(ctx, alice, "short")
	kind(t, err, apperr.Validation)

	file, err := f.svc.ExportBackup(ctx, alice, "correct horse")
	require.NoError(t, err)

	_, err = f.svc.ImportBackup(ctx, bob, file, "battery staple", nil)
	kind(t, err, apperr.Validation)

	// the addresses are still in use by alice
	res, err := f.svc.ImportBackup(ctx, bob, file, "correct horse", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Restored)
	assert.Len(t, res.Skipped, 2)

	require.NoError(t, f.svc.DeleteWallet(ctx, alice, w1.ID))
	require.NoError(t, f.svc.DeleteWallet(ctx, alice, w2.ID))

	_, err = f.svc.CreateWallet(ctx, bob, "main", nil)
	require.NoError(t, err)

	res, err = f.svc.ImportBackup(ctx, bob, file, "correct horse", nil)
	require.NoError(t, err)
	require.Len(t, res.Restored, 2)
	assert.Empty(t, res.Skipped)
	assert.Equal(t, "main (restored)", res.Restored[0].Name)
	assert.Equal(t, w1.Address, res.Restored[0].Address)
	assert.Equal(t, w2.Address, res.Restored[1].Address)
}

func TestContacts(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice@example.com"), f.user(t, "bob@example.com")

	c, err := f.svc.CreateContact(ctx, alice, ContactInput{Name: "Landlord",
		Address: "0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD"})
	require.NoError(t, err)
	assert.Equal(t, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", c.Address)

	_, err = f.svc.CreateContact(ctx, alice, ContactInput{Name: "Dup", Address: c.Address})
	kind(t, err, apperr.Conflict)
	_, err = f.svc.CreateContact(ctx, alice, ContactInput{Name: "Bad", Address: "nope"})
	kind(t, err, apperr.Validation)

	_, err = f.svc.UpdateContact(ctx, bob, c.ID, ContactInput{Name: "x", Address: c.Address})
	kind(t, err, apperr.NotFound)

	c, err = f.svc.UpdateContact(ctx, alice, c.ID, ContactInput{Name: "Home", Address: c.Address, Notes: "monthly"})
	require.NoError(t, err)
	assert.Equal(t, "Home", c.Name)

	cs, err := f.svc.ListContacts(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, cs, 1)

	kind(t, f.svc.DeleteContact(ctx, bob, c.ID), apperr.NotFound)
	require.NoError(t, f.svc.DeleteContact(ctx, alice, c.ID))
}

func TestTenantsAndClients(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	id := f.user(t, "alice@example.com")

	name, sub := "Acme", "Acme"
	tn, err := f.svc.CreateTenant(ctx, TenantInput{Name: &name, Subdomain: &sub, OwnerUserID: &id})
	require.NoError(t, err)
	assert.Equal(t, "acme", tn.Subdomain)
	assert.Equal(t, DefaultFeatures, tn.Features)
	assert.Equal(t, "Acme", tn.Brand.DisplayName)

	_, err = f.svc.CreateTenant(ctx, TenantInput{Name: &name, Subdomain: &sub})
	kind(t, err, apperr.Conflict)

	reserved := "www"
	_, err = f.svc.CreateTenant(ctx, TenantInput{Name: &name, Subdomain: &reserved})
	kind(t, err, apperr.Validation)

	huge := dec("1e900000000")
	_, err = f.svc.UpdateTenant(ctx, tn.ID, TenantInput{DailyLimit: &huge})
	kind(t, err, apperr.Validation)
	_, _, err = f.svc.CreateAPIClient(ctx, ClientInput{OwnerUserID: id, Name: "big", MonthlyLimit: huge})
	kind(t, err, apperr.Validation)

	off := false
	tn, err = f.svc.UpdateTenant(ctx, tn.ID, TenantInput{Active: &off})
	require.NoError(t, err)
	assert.False(t, tn.Active)

	c, secret, err := f.svc.CreateAPIClient(ctx, ClientInput{TenantID: tn.ID, OwnerUserID: id, Name: "shop"})
	require.NoError(t, err)
	assert.Regexp(t, `^wk_[0-9a-f]{32}$`, c.APIKey)
	assert.Equal(t, DefaultRateLimit, c.RateLimitPerMinute)

	got, err := f.svc.AuthenticateClient(ctx, c.APIKey, secret, true)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = f.svc.AuthenticateClient(ctx, c.APIKey, "", true)
	kind(t, err, apperr.Authentication)
	_, err = f.svc.AuthenticateClient(ctx, c.APIKey, "wrong", false)
	kind(t, err, apperr.Authentication)
	_, err = f.svc.AuthenticateClient(ctx, c.APIKey, "", false)
	require.NoError(t, err)
	_, err = f.svc.AuthenticateClient(ctx, "wk_unknown", secret, true)
	kind(t, err, apperr.Authentication)

	past := f.svc.now().Add(-time.Hour)
	expired, secret2, err := f.svc.CreateAPIClient(ctx, ClientInput{OwnerUserID: id, Name: "old", ExpiresAt: &past})
	require.NoError(t, err)
	_, err = f.svc.AuthenticateClient(ctx, expired.APIKey, secret2, true)
	kind(t, err, apperr.Authentication)

	require.NoError(t, f.svc.RecordUsage(ctx, store.Usage{ClientID: c.ID, Endpoint: "/api/v1/wallets", Method: "GET",
		StatusCode: 200}))
	require.NoError(t, f.svc.RecordUsage(ctx, store.Usage{ClientID: c.ID, Endpoint: "/api/v1/wallets", Method: "GET",
		StatusCode: 200, At: f.svc.now().AddDate(0, 0, -1)}))

	u, err := f.svc.ClientUsage(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, u.Today)
	assert.EqualValues(t, 2, u.Month)
}
