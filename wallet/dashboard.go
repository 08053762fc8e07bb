package wallet

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/tenant"
)

type webhookReq struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret,omitempty"`
}

// webhookRes shows the signing secret once, when the webhook is created.
type webhookRes struct {
	*store.Webhook
	Secret string `json:"secret"`
}

func (w *Wallet) listWebhooksHandler(rw http.ResponseWriter, r *http.Request) {
	hs, err := w.hooks.List(r.Context(), tenant.FromContext(r.Context()).ID)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if hs == nil {
		hs = []store.Webhook{}
	}

	ok(rw, http.StatusOK, hs)
}

func (w *Wallet) createWebhookHandler(rw http.ResponseWriter, r *http.Request) {
	var req webhookReq
	if err := decode(rw, r, &req); err != nil {
		w.fail(rw, r, err)
		return
	}

	h, secret, err := w.hooks.Register(r.Context(), tenant.FromContext(r.Context()).ID, req.URL, req.Events,
		req.Secret)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusCreated, webhookRes{Webhook: h, Secret: secret})
}

func (w *Wallet) deleteWebhookHandler(rw http.ResponseWriter, r *http.Request) {
	if err := w.hooks.Delete(r.Context(), tenant.FromContext(r.Context()).ID, mux.Vars(r)["id"]); err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, nil)
}

func (w *Wallet) deliveriesHandler(rw http.ResponseWriter, r *http.Request) {
	limit := store.DefaultLimit

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > store.MaxLimit {
			w.fail(rw, r, apperr.Invalid("limit", "must be between 1 and 100"))
			return
		}

		limit = n
	}

	ds, err := w.hooks.Deliveries(r.Context(), tenant.FromContext(r.Context()).ID, mux.Vars(r)["id"], limit)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	if ds == nil {
		ds = []store.Delivery{}
	}

	ok(rw, http.StatusOK, ds)
}

func (w *Wallet) usageHandler(rw http.ResponseWriter, r *http.Request) {
	c := clientOf(r)

	u, err := w.svc.ClientUsage(r.Context(), c.ID)
	if err != nil {
		w.fail(rw, r, err)
		return
	}

	ok(rw, http.StatusOK, map[string]interface{}{
		"clientId":           c.ID,
		"rateLimitPerMinute": c.RateLimitPerMinute,
		"calls":              u,
	})
}
