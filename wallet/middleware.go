package wallet

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/tenant"
)

// Request headers.
const (
	headerAPIKey    = "X-API-Key"
	headerAPISecret = "X-API-Secret"
	headerAdmin     = "X-Admin-Token"
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
	headerReset     = "X-RateLimit-Reset"
)

type ctxKey int

const (
	userKey ctxKey = iota
	clientKey
)

// userOf returns the user the request acts for: the session user or the owner of the API client.
func userOf(r *http.Request) string {
	id, _ := r.Context().Value(userKey).(string)
	return id
}

func clientOf(r *http.Request) *store.APIClient {
	c, _ := r.Context().Value(clientKey).(*store.APIClient)
	return c
}

type recorder struct {
	http.ResponseWriter
	status int
}

func (r *recorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (w *Wallet) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler { //nolint:errorlint,goerr113 // sentinel panic value
					panic(v)
				}

				w.log.Error("panic serving request", zap.String("uri", r.RequestURI), zap.Any("panic", v),
					zap.Stack("stack"))
				writeJSON(rw, http.StatusInternalServerError, Response{Error: string(apperr.Internal),
					Message: "internal error"})
			}
		}()

		next.ServeHTTP(rw, r)
	})
}

func (w *Wallet) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		begin := time.Now()
		rec := &recorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		w.log.Info("httpreq", zap.String("remote", r.RemoteAddr), zap.String("method", r.Method),
			zap.String("uri", r.RequestURI), zap.String("host", r.Host), zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(begin)))
	})
}

// resolveTenant puts the tenant serving the request host in the request context.
func (w *Wallet) resolveTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t, err := w.tenants.Resolve(r.Context(), r.Host)
		if err != nil {
			w.fail(rw, r, err)
			return
		}

		next.ServeHTTP(rw, r.WithContext(tenant.WithTenant(r.Context(), t)))
	})
}

func (w *Wallet) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			w.fail(rw, r, apperr.New(apperr.Authentication, "missing bearer token"))
			return
		}

		claims, err := w.tokens.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			w.fail(rw, r, apperr.New(apperr.Authentication, "invalid or expired token"))
			return
		}

		u, err := w.svc.GetUser(r.Context(), claims.Subject)
		if apperr.KindOf(err) == apperr.NotFound {
			w.fail(rw, r, apperr.New(apperr.Authentication, "invalid or expired token"))
			return
		}

		if err != nil {
			w.fail(rw, r, err)
			return
		}

		if u.Status != store.UserActive {
			w.fail(rw, r, apperr.New(apperr.Authorization, "account is %s", u.Status))
			return
		}

		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), userKey, u.ID)))
	})
}

// requireOwner admits the owner of the tenant serving the host.
func (w *Wallet) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		t := tenant.FromContext(r.Context())
		if t == nil || t.OwnerUserID == "" || t.OwnerUserID != userOf(r) {
			w.fail(rw, r, apperr.New(apperr.Authorization, "only the tenant owner can use the dashboard"))
			return
		}

		next.ServeHTTP(rw, r)
	})
}

// requireClient authenticates an API client. Read-only calls may omit the secret. The client acts for its owner
// within its own tenant, whatever the host.
func (w *Wallet) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c, err := w.svc.AuthenticateClient(r.Context(), r.Header.Get(headerAPIKey), r.Header.Get(headerAPISecret),
			r.Method != http.MethodGet)
		if err != nil {
			w.fail(rw, r, err)
			return
		}

		var t *store.Tenant

		if c.TenantID != "" {
			if t, err = w.svc.GetTenant(r.Context(), c.TenantID); err != nil {
				w.fail(rw, r, err)
				return
			}

			if !t.Active {
				w.fail(rw, r, apperr.New(apperr.Authorization, "tenant is disabled"))
				return
			}
		}

		ctx := tenant.WithTenant(r.Context(), t)
		ctx = context.WithValue(ctx, userKey, c.OwnerUserID)
		ctx = context.WithValue(ctx, clientKey, c)

		next.ServeHTTP(rw, r.WithContext(ctx))
	})
}

// rateLimit refuses calls over the per minute budget of the client. A limiter failure lets the call through.
func (w *Wallet) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		c := clientOf(r)

		res, err := w.limiter.Allow(r.Context(), "client:"+c.ID, c.RateLimitPerMinute)
		if err != nil {
			w.log.Warn("rate limiter unavailable", zap.String("client", c.ID), zap.Error(err))
			next.ServeHTTP(rw, r)

			return
		}

		if res.Limit > 0 {
			rw.Header().Set(headerLimit, strconv.Itoa(res.Limit))
			rw.Header().Set(headerRemaining, strconv.Itoa(res.Remaining))
		}

		if !res.Allowed {
			metrics.RateLimited.Inc()

			secs := int(res.Reset.Seconds() + 0.999) //nolint:gomnd // round up
			rw.Header().Set(headerReset, strconv.Itoa(secs))
			rw.Header().Set("Retry-After", strconv.Itoa(secs))
			w.fail(rw, r, apperr.New(apperr.LimitExceeded, "rate limit of %d requests per minute exceeded",
				c.RateLimitPerMinute))

			return
		}

		next.ServeHTTP(rw, r)
	})
}

// meter records every authenticated API call, refused ones included.
func (w *Wallet) meter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rec := &recorder{ResponseWriter: rw, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		c := clientOf(r)
		if err := w.svc.RecordUsage(context.WithoutCancel(r.Context()), store.Usage{
			ClientID:   c.ID,
			TenantID:   c.TenantID,
			Endpoint:   endpoint,
			Method:     r.Method,
			StatusCode: rec.status,
		}); err != nil {
			w.log.Warn("cannot record api usage", zap.String("client", c.ID), zap.Error(err))
		}
	})
}

func (w *Wallet) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.admin == "" {
			w.fail(rw, r, apperr.New(apperr.Authorization, "admin API disabled"))
			return
		}

		if subtle.ConstantTimeCompare([]byte(r.Header.Get(headerAdmin)), []byte(w.admin)) != 1 {
			w.fail(rw, r, apperr.New(apperr.Authentication, "invalid admin token"))
			return
		}

		next.ServeHTTP(rw, r)
	})
}

// feature gates h on a tenant feature.
func (w *Wallet) feature(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !tenant.Allowed(tenant.FromContext(r.Context()), name) {
			w.fail(rw, r, apperr.New(apperr.Authorization, "%s is not enabled for this tenant", name))
			return
		}

		h(rw, r)
	})
}
