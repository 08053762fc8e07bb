// Package wallet implements the REST API of the wallet service.
//
// The API serves four audiences on one router: end users with a session token, tenant owners on the dashboard
// routes, developers on the metered /api/v1 routes authenticated by API key, and operators on the admin routes.
// Every response uses the same JSON envelope.
package wallet

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/ratelimit"
	"github.com/tarancss/waas/service"
	"github.com/tarancss/waas/tenant"
	"github.com/tarancss/waas/webhook"
)

const timeout = 15 * time.Second

// Options wires the API to its dependencies.
type Options struct {
	Service     *service.Service
	Webhooks    *webhook.Dispatcher
	Tenants     *tenant.Resolver
	Tokens      *auth.Tokens
	Limiter     ratelimit.Limiter
	AdminToken  string // admin routes are disabled when empty
	CORSOrigins []string
	Log         *zap.Logger
}

// Wallet contains the data necessary to deliver the service
type Wallet struct {
	svc     *service.Service
	hooks   *webhook.Dispatcher
	tenants *tenant.Resolver
	tokens  *auth.Tokens
	limiter ratelimit.Limiter
	admin   string
	origins []string
	log     *zap.Logger

	s  *http.Server  // http server
	ss *http.Server  // https server
	sc chan struct{} // closed once the servers are shut down
}

// New returns a pointer to a new Wallet API.
func New(o Options) *Wallet {
	if o.Limiter == nil {
		o.Limiter = ratelimit.NewLocal()
	}

	return &Wallet{
		svc:     o.Service,
		hooks:   o.Webhooks,
		tenants: o.Tenants,
		tokens:  o.Tokens,
		limiter: o.Limiter,
		admin:   o.AdminToken,
		origins: o.CORSOrigins,
		log:     o.Log,
		sc:      make(chan struct{}),
	}
}

// Init starts the http server, and the https server when sslPort, sslCert and sslKey are set, on endpoint. It blocks
// until StopWallet is called or a server fails to start.
func (w *Wallet) Init(endpoint, port, sslPort, sslCert, sslKey string) error {
	h := w.Handler()
	errc := make(chan error, 2) //nolint:gomnd // one per server

	newServer := func(p string) *http.Server {
		return &http.Server{
			Handler:           h,
			Addr:              endpoint + ":" + p,
			ReadHeaderTimeout: timeout,
			ReadTimeout:       timeout,
			WriteTimeout:      2 * timeout, // sends wait on the node
		}
	}

	if port != "" {
		w.s = newServer(port)

		go func() {
			if err := w.s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		w.log.Info("listening to API http requests", zap.String("addr", w.s.Addr))
	}

	if sslPort != "" && sslCert != "" && sslKey != "" {
		w.ss = newServer(sslPort)

		go func() {
			if err := w.ss.ListenAndServeTLS(sslCert, sslKey); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()

		w.log.Info("listening to API https requests", zap.String("addr", w.ss.Addr))
	}

	select {
	case err := <-errc:
		return err
	case <-w.sc:
		return nil
	}
}

// StopWallet shuts down the http servers, letting in-flight requests finish until ctx is done, and waits for the
// events they published.
func (w *Wallet) StopWallet(ctx context.Context) error {
	var errs []error

	for _, s := range []*http.Server{w.s, w.ss} {
		if s == nil {
			continue
		}

		if err := s.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	close(w.sc)
	w.svc.Wait()

	return errors.Join(errs...)
}
