package wallet

import (
	"net/http"

	"github.com/go-chi/cors"
	"github.com/gorilla/mux"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/tenant"
)

// Handler returns the API with its middleware chain.
func (w *Wallet) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(w.recoverer, w.logRequests, metrics.Middleware, w.resolveTenant)
	r.NotFoundHandler = http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusNotFound, Response{Error: string(apperr.NotFound), Message: "endpoint not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(rw http.ResponseWriter, _ *http.Request) {
		writeJSON(rw, http.StatusMethodNotAllowed, Response{Error: "method_not_allowed", Message: "method not allowed"})
	})

	// public
	r.HandleFunc("/", w.homeHandler)
	r.HandleFunc("/health", w.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/tenant/config", w.tenantConfigHandler).Methods(http.MethodGet)
	r.HandleFunc("/auth/register", w.registerHandler).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", w.loginHandler).Methods(http.MethodPost)

	// session
	s := r.NewRoute().Subrouter()
	s.Use(w.requireSession)
	s.HandleFunc("/auth/me", w.meHandler).Methods(http.MethodGet)
	s.HandleFunc("/auth/2fa/setup", w.totpSetupHandler).Methods(http.MethodPost)
	s.HandleFunc("/auth/2fa/enable", w.totpEnableHandler).Methods(http.MethodPost)
	s.HandleFunc("/auth/2fa/disable", w.totpDisableHandler).Methods(http.MethodPost)
	s.HandleFunc("/wallets", w.listWalletsHandler).Methods(http.MethodGet)
	s.HandleFunc("/wallets", w.createWalletHandler).Methods(http.MethodPost)
	s.HandleFunc("/wallets/import", w.importWalletHandler).Methods(http.MethodPost)
	s.HandleFunc("/wallets/{id}", w.getWalletHandler).Methods(http.MethodGet)
	s.HandleFunc("/wallets/{id}", w.updateWalletHandler).Methods(http.MethodPatch)
	s.HandleFunc("/wallets/{id}", w.deleteWalletHandler).Methods(http.MethodDelete)
	s.HandleFunc("/wallets/{id}/primary", w.primaryHandler).Methods(http.MethodPost)
	s.HandleFunc("/wallets/{id}/refresh", w.refreshHandler).Methods(http.MethodPost)
	s.Handle("/wallets/{id}/send", w.feature(tenant.FeatureSend, w.sendHandler)).Methods(http.MethodPost)
	s.HandleFunc("/wallets/{id}/estimate", w.estimateHandler).Methods(http.MethodPost)
	s.HandleFunc("/wallets/{id}/transactions", w.transactionsHandler).Methods(http.MethodGet)
	s.HandleFunc("/transactions/{hash}", w.txHandler).Methods(http.MethodGet)
	s.Handle("/contacts", w.feature(tenant.FeatureContacts, w.listContactsHandler)).Methods(http.MethodGet)
	s.Handle("/contacts", w.feature(tenant.FeatureContacts, w.createContactHandler)).Methods(http.MethodPost)
	s.Handle("/contacts/{id}", w.feature(tenant.FeatureContacts, w.updateContactHandler)).Methods(http.MethodPatch)
	s.Handle("/contacts/{id}", w.feature(tenant.FeatureContacts, w.deleteContactHandler)).Methods(http.MethodDelete)
	s.HandleFunc("/backup/export", w.exportHandler).Methods(http.MethodPost)
	s.HandleFunc("/backup/import", w.importHandler).Methods(http.MethodPost)

	// tenant owner dashboard
	d := r.PathPrefix("/dashboard").Subrouter()
	d.Use(w.requireSession, w.requireOwner)
	d.HandleFunc("/webhooks", w.listWebhooksHandler).Methods(http.MethodGet)
	d.HandleFunc("/webhooks", w.createWebhookHandler).Methods(http.MethodPost)
	d.HandleFunc("/webhooks/{id}", w.deleteWebhookHandler).Methods(http.MethodDelete)
	d.HandleFunc("/webhooks/{id}/deliveries", w.deliveriesHandler).Methods(http.MethodGet)

	// developer WaaS
	a := r.PathPrefix("/api/v1").Subrouter()
	a.Use(w.requireClient, w.meter, w.rateLimit)
	a.HandleFunc("/wallets", w.listWalletsHandler).Methods(http.MethodGet)
	a.HandleFunc("/wallets", w.createWalletHandler).Methods(http.MethodPost)
	a.HandleFunc("/wallets/{id}", w.getWalletHandler).Methods(http.MethodGet)
	a.HandleFunc("/wallets/{id}/balance", w.balanceHandler).Methods(http.MethodGet)
	a.Handle("/wallets/{id}/send", w.feature(tenant.FeatureSend, w.sendHandler)).Methods(http.MethodPost)
	a.HandleFunc("/wallets/{id}/transactions", w.transactionsHandler).Methods(http.MethodGet)
	a.HandleFunc("/usage", w.usageHandler).Methods(http.MethodGet)

	// operators
	ad := r.PathPrefix("/admin").Subrouter()
	ad.Use(w.requireAdmin)
	ad.HandleFunc("/tenants", w.createTenantHandler).Methods(http.MethodPost)
	ad.HandleFunc("/tenants/{id}", w.updateTenantHandler).Methods(http.MethodPatch)
	ad.HandleFunc("/clients", w.createClientHandler).Methods(http.MethodPost)

	return cors.Handler(cors.Options{
		AllowedOrigins: w.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", headerAPIKey, headerAPISecret, headerAdmin},
		ExposedHeaders: []string{headerLimit, headerRemaining, headerReset},
		MaxAge:         300, //nolint:gomnd // seconds
	})(r)
}
