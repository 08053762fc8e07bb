package wallet

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/backup"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/service"
	"github.com/tarancss/waas/tenant"
)

// Request bodies.
type (
	credentialsReq struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		TOTPCode string `json:"totpCode,omitempty"`
	}

	codeReq struct {
		Code string `json:"code"`
	}

	walletReq struct {
		Name       string `json:"name"`
		PrivateKey string `json:"privateKey,omitempty"`
	}

	// updateWalletReq renames a wallet and, when status is set, freezes or reactivates it.
	updateWalletReq struct {
		Name   *string `json:"name,omitempty"`
		Status *string `json:"status,omitempty"`
	}

	sendReq struct {
		To     string          `json:"to"`
		Amount decimal.Decimal `json:"amount"`
		Memo   string          `json:"memo,omitempty"`
	}

	contactReq struct {
		Name    string `json:"name"`
		Address string `json:"address"`
		Notes   string `json:"notes,omitempty"`
	}

	exportReq struct {
		Password string `json:"password"`
	}

	importReq struct {
		Password string      `json:"password"`
		Backup   backup.File `json:"backup"`
	}
)

var errWalletStatus = apperr.Invalid("status", "must be active or frozen")

type loginRes struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
	User      *store.User `json:"user"`
}

type tenantConfig struct {
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name"`
	Brand    store.Brand `json:"brand"`
	Features []string    `json:"features"`
}

// homeHandler just replies a welcome message to the client.
func (w *Wallet) homeHandler(rw http.ResponseWriter, _ *http.Request) {
	ok(rw, http.StatusOK, "Hello, this is your USDC wallet service!")
}

func (w *Wallet) healthHandler(rw http.ResponseWriter, _ *http.Request) {
	ok(rw, http.StatusOK, map[string]string{"status": "ok"})
}

// tenantConfigHandler replies the branding and features of the tenant serving the host, or the platform defaults.
func (w *Wallet) tenantConfigHandler(rw http.ResponseWriter, r *http.Request) {
	t := tenant.FromContext(r.Context())
	if t == nil {
		ok(rw, http.StatusOK, tenantConfig{
			Name:     "WaaS",
			Brand:    store.Brand{DisplayName: "WaaS"},
			Features: service.DefaultFeatures,
		})

		return
	}

	ok(rw, http.StatusOK, tenantConfig{ID: t.ID, Name: t.Name, Brand: t.Brand, Features: t.Features})
}

func (w *Wallet) registerHandler(rw http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	u, err := w.svc.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, u)
}

func (w *Wallet) loginHandler(rw http.ResponseWriter, r *http.Request) {
	var req credentialsReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	u, err := w.svc.Authenticate(r.Context(), req.Email, req.Password, req.TOTPCode)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	token, exp, err := w.tokens.Issue(u.ID, u.Email)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, loginRes{Token: token, ExpiresAt: exp, User: u})
}

func (w *Wallet) meHandler(rw http.ResponseWriter, r *http.Request) {
	u, err := w.svc.GetUser(r.Context(), userOf(r))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, u)
}

func (w *Wallet) totpSetupHandler(rw http.ResponseWriter, r *http.Request) {
	secret, url, err := w.svc.SetupTOTP(r.Context(), userOf(r))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, map[string]string{"secret": secret, "url": url})
}

func (w *Wallet) totpEnableHandler(rw http.ResponseWriter, r *http.Request) {
	w.totpToggle(rw, r, w.svc.EnableTOTP)
}

func (w *Wallet) totpDisableHandler(rw http.ResponseWriter, r *http.Request) {
	w.totpToggle(rw, r, w.svc.DisableTOTP)
}

func (w *Wallet) totpToggle(rw http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, userID, code string) error,
) {
	var req codeReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	if err := fn(r.Context(), userOf(r), req.Code); err != nil {
		w.fail(rw, r, err)
		return
	}

	w.meHandler(rw, r)
}

func (w *Wallet) listWalletsHandler(rw http.ResponseWriter, r *http.Request) {
	ws, err := w.svc.ListWallets(r.Context(), userOf(r))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if ws == nil {
		ws = []store.Wallet{}
	}

	ok(rw, http.StatusOK, ws)
}

func (w *Wallet) createWalletHandler(rw http.ResponseWriter, r *http.Request) {
	var req walletReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	wl, err := w.svc.CreateWallet(r.Context(), userOf(r), req.Name, tenant.FromContext(r.Context()))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, wl)
}

func (w *Wallet) importWalletHandler(rw http.ResponseWriter, r *http.Request) {
	var req walletReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	wl, err := w.svc.ImportWallet(r.Context(), userOf(r), req.Name, req.PrivateKey, tenant.FromContext(r.Context()))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, wl)
}

func (w *Wallet) getWalletHandler(rw http.ResponseWriter, r *http.Request) {
	wl, err := w.svc.GetWallet(r.Context(), userOf(r), mux.Vars(r)["id"])
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, wl)
}

func (w *Wallet) updateWalletHandler(rw http.ResponseWriter, r *http.Request) {
	var req updateWalletReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	ctx, user, id := r.Context(), userOf(r), mux.Vars(r)["id"]

	wl, err := w.svc.GetWallet(ctx, user, id)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if req.Name != nil {
		if wl, err = w.svc.RenameWallet(ctx, user, id, *req.Name); err != nil {
			w.fail(rw, r, err)
			return
		}
	}

	if req.Status != nil {
		switch *req.Status {
		case store.WalletFrozen:
			wl, err = w.svc.FreezeWallet(ctx, user, id)
		case store.WalletActive:
			wl, err = w.svc.UnfreezeWallet(ctx, user, id)
		default:
			err = errWalletStatus
		}

		if err != nil {
			w.fail(rw, r, err)
			return
		}
	}

	ok(rw, http.StatusOK, wl)
}

func (w *Wallet) deleteWalletHandler(rw http.ResponseWriter, r *http.Request) {
	if err := w.svc.DeleteWallet(r.Context(), userOf(r), mux.Vars(r)["id"]); err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, nil)
}

func (w *Wallet) primaryHandler(rw http.ResponseWriter, r *http.Request) {
	wl, err := w.svc.SetPrimary(r.Context(), userOf(r), mux.Vars(r)["id"])
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, wl)
}

func (w *Wallet) refreshHandler(rw http.ResponseWriter, r *http.Request) {
	wl, err := w.svc.RefreshWallet(r.Context(), userOf(r), mux.Vars(r)["id"])
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, wl)
}

func (w *Wallet) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	bal, err := w.svc.Balances(r.Context(), userOf(r), mux.Vars(r)["id"])
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, bal)
}

// sendHandler broadcasts a USDC transfer and replies the pending transaction; it never waits for it to be mined.
func (w *Wallet) sendHandler(rw http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	tx, err := w.svc.SendFunds(r.Context(), service.SendRequest{
		WalletID: mux.Vars(r)["id"],
		UserID:   userOf(r),
		To:       req.To,
		Amount:   req.Amount,
		Memo:     req.Memo,
		Tenant:   tenant.FromContext(r.Context()),
		Client:   clientOf(r),
	})
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusAccepted, tx)
}

func (w *Wallet) estimateHandler(rw http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	est, err := w.svc.EstimateSend(r.Context(), userOf(r), mux.Vars(r)["id"], req.To, req.Amount)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, est)
}

func (w *Wallet) transactionsHandler(rw http.ResponseWriter, r *http.Request) {
	p, err := pageOf(r)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	txs, total, err := w.svc.ListTransactions(r.Context(), userOf(r), mux.Vars(r)["id"], p)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if txs == nil {
		txs = []store.Transaction{}
	}

	page(rw, txs, p, total)
}

// txHandler gets the details of the specified transaction, reconciled with the chain while pending.
func (w *Wallet) txHandler(rw http.ResponseWriter, r *http.Request) {
	tx, err := w.svc.GetTransaction(r.Context(), userOf(r), mux.Vars(r)["hash"])
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, tx)
}

func (w *Wallet) listContactsHandler(rw http.ResponseWriter, r *http.Request) {
	cs, err := w.svc.ListContacts(r.Context(), userOf(r))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if cs == nil {
		cs = []store.Contact{}
	}

	ok(rw, http.StatusOK, cs)
}

func (w *Wallet) createContactHandler(rw http.ResponseWriter, r *http.Request) {
	var req contactReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	c, err := w.svc.CreateContact(r.Context(), userOf(r), service.ContactInput(req))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, c)
}

func (w *Wallet) updateContactHandler(rw http.ResponseWriter, r *http.Request) {
	var req contactReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	c, err := w.svc.UpdateContact(r.Context(), userOf(r), mux.Vars(r)["id"], service.ContactInput(req))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, c)
}

func (w *Wallet) deleteContactHandler(rw http.ResponseWriter, r *http.Request) {
	if err := w.svc.DeleteContact(r.Context(), userOf(r), mux.Vars(r)["id"]); err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, nil)
}

func (w *Wallet) exportHandler(rw http.ResponseWriter, r *http.Request) {
	var req exportReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	f, err := w.svc.ExportBackup(r.Context(), userOf(r), req.Password)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, f)
}

func (w *Wallet) importHandler(rw http.ResponseWriter, r *http.Request) {
	var req importReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	res, err := w.svc.ImportBackup(r.Context(), userOf(r), req.Backup, req.Password, tenant.FromContext(r.Context()))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, res)
}
