package wallet

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/service"
)

// Admin request bodies share their fields with the service inputs.
type (
	tenantReq struct {
		Name         *string          `json:"name"`
		Subdomain    *string          `json:"subdomain"`
		CustomDomain *string          `json:"customDomain"`
		OwnerUserID  *string          `json:"ownerUserId"`
		Brand        *store.Brand     `json:"brand"`
		Features     []string         `json:"features"`
		DailyLimit   *decimal.Decimal `json:"dailyLimit"`
		MonthlyLimit *decimal.Decimal `json:"monthlyLimit"`
		WebhookURL   *string          `json:"webhookUrl"`
		Active       *bool            `json:"active"`
	}

	clientReq struct {
		TenantID           string          `json:"tenantId"`
		OwnerUserID        string          `json:"ownerUserId"`
		Name               string          `json:"name"`
		RateLimitPerMinute int             `json:"rateLimitPerMinute"`
		DailyLimit         decimal.Decimal `json:"dailyLimit"`
		MonthlyLimit       decimal.Decimal `json:"monthlyLimit"`
		ExpiresAt          *time.Time      `json:"expiresAt"`
	}
)

type tenantRes struct {
	*store.Tenant
	Webhook *webhookRes `json:"webhook,omitempty"`
}

type clientRes struct {
	*store.APIClient
	Secret string `json:"apiSecret"`
}

// createTenantHandler adds a tenant. A webhook URL given on creation is registered for every event.
func (w *Wallet) createTenantHandler(rw http.ResponseWriter, r *http.Request) {
	var req tenantReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	t, err := w.svc.CreateTenant(r.Context(), service.TenantInput(req))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	res := tenantRes{Tenant: t}

	if t.WebhookURL != "" {
		h, secret, err := w.hooks.Register(r.Context(), t.ID, t.WebhookURL, []string{events.Any}, "")
		if err != nil {
			w.log.Warn("cannot register tenant webhook", zap.String("tenant", t.ID), zap.Error(err))
		} else {
			res.Webhook = &webhookRes{Webhook: h, Secret: secret}
		}
	}

	ok(rw, http.StatusCreated, res)
}

func (w *Wallet) updateTenantHandler(rw http.ResponseWriter, r *http.Request) {
	var req tenantReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	t, err := w.svc.UpdateTenant(r.Context(), mux.Vars(r)["id"], service.TenantInput(req))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, tenantRes{Tenant: t})
}

func (w *Wallet) createClientHandler(rw http.ResponseWriter, r *http.Request) {
	var req clientReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	c, secret, err := w.svc.CreateAPIClient(r.Context(), service.ClientInput(req))
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, clientRes{APIClient: c, Secret: secret})
}
