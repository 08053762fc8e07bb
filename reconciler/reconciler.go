// Package reconciler implements the background worker that settles pending transactions. A periodic pass reconciles
// every pending transaction in the store, so nothing is lost across restarts. Transactions announced on the message
// broker are also watched closely so they settle within a few blocks of being mined.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/apperr"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/metrics"
	"github.com/tarancss/waas/lib/msg"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/reconciler/watchlist"
)

// Queue consumed from the broker.
const Queue = "waas.reconciler"

// Defaults applied by New.
const (
	DefaultInterval      = 15 * time.Second
	DefaultWatchInterval = 3 * time.Second
	DefaultWatchFor      = 10 * time.Minute
	DefaultMaxWatched    = 1000
)

// Service is the part of the wallet service the reconciler drives.
type Service interface {
	ReconcilePending(ctx context.Context) (int, error)
	ReconcileTransaction(ctx context.Context, hash string) (*store.Transaction, error)
}

// Options tune the reconciler. Zero values take the defaults.
type Options struct {
	Interval      time.Duration // between passes over the store
	WatchInterval time.Duration // between polls of watched transactions
	WatchFor      time.Duration // after which a watched transaction is left to the periodic pass
	MaxWatched    int
}

// Reconciler runs the reconciliation loops.
type Reconciler struct {
	svc    Service
	mb     msg.MsgBroker
	wl     *watchlist.Watchlist
	opts   Options
	log    *zap.Logger
	now    func() time.Time
	cancel context.CancelFunc
	l      sync.Mutex
}

// New returns a reconciler. mb may be nil, in which case only the periodic pass runs.
func New(svc Service, mb msg.MsgBroker, opts Options, log *zap.Logger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.WatchInterval <= 0 {
		opts.WatchInterval = DefaultWatchInterval
	}

	if opts.WatchFor <= 0 {
		opts.WatchFor = DefaultWatchFor
	}

	if opts.MaxWatched <= 0 {
		opts.MaxWatched = DefaultMaxWatched
	}

	return &Reconciler{
		svc:  svc,
		mb:   mb,
		wl:   watchlist.New(opts.MaxWatched),
		opts: opts,
		log:  log,
		now:  time.Now,
	}
}

// Start launches the periodic pass, the watch loop and, with a broker, the consumer of transaction.sent events. The
// returned channel is closed once every loop has returned, after Stop or when ctx is done. A pass in progress always
// completes its current transaction.
func (r *Reconciler) Start(ctx context.Context) <-chan struct{} {
	ctx, cancel := context.WithCancel(ctx)

	r.l.Lock()
	r.cancel = cancel
	r.l.Unlock()

	r.wl.Start()

	var wg sync.WaitGroup

	loop := func(name string, every time.Duration, fn func(context.Context)) {
		wg.Add(1)

		go func() {
			defer wg.Done()

			r.log.Info("reconciler loop started", zap.String("loop", name), zap.Duration("every", every))

			t := time.NewTicker(every)
			defer t.Stop()

			for {
				fn(ctx)

				select {
				case <-ctx.Done():
					r.log.Info("reconciler loop done", zap.String("loop", name))
					return
				case <-t.C:
				}
			}
		}()
	}

	loop("pending", r.opts.Interval, r.Pass)
	loop("watch", r.opts.WatchInterval, r.Watch)

	if r.mb != nil {
		wg.Add(1)

		go func() {
			defer wg.Done()

			err := r.mb.Consume(ctx, Queue, []string{events.TransactionSent}, r.HandleSent)
			if err != nil && ctx.Err() == nil {
				r.log.Error("reconciler consumer stopped", zap.Error(err))
			}
		}()
	}

	done := make(chan struct{})

	go func() {
		wg.Wait()
		r.wl.Stop()
		close(done)
	}()

	return done
}

// Stop signals every loop to return. Wait on the channel returned by Start for them to finish.
func (r *Reconciler) Stop() {
	r.l.Lock()
	defer r.l.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
}

// Pass reconciles one batch of pending transactions from the store.
func (r *Reconciler) Pass(ctx context.Context) {
	begin := r.now()

	n, err := r.svc.ReconcilePending(ctx)

	switch {
	case errors.Is(err, context.Canceled):
	case err != nil:
		r.log.Error("reconcile pass failed", zap.Error(err))
	case n > 0:
		r.log.Info("reconcile pass", zap.Int("settled", n), zap.Duration("elapsed", r.now().Sub(begin)))
	}
}

// Watch polls each watched transaction once. Settled transactions, and those watched for too long, are dropped.
func (r *Reconciler) Watch(ctx context.Context) {
	for _, h := range r.wl.Expire(r.now().Add(-r.opts.WatchFor)) {
		r.log.Debug("transaction left to the periodic pass", zap.String("hash", h))
	}

	for _, e := range r.wl.Snapshot() {
		if ctx.Err() != nil {
			break
		}

		r.check(ctx, e.Hash)
	}

	metrics.ReconcilerWatched.Set(float64(r.wl.Len()))
}

// check reconciles hash and drops it from the watchlist once it needs no more polling.
func (r *Reconciler) check(ctx context.Context, hash string) {
	tx, err := r.svc.ReconcileTransaction(ctx, hash)

	switch {
	case apperr.KindOf(err) == apperr.NotFound:
		r.wl.Del(hash)
	case err != nil:
		r.wl.Polled(hash)
		r.log.Warn("cannot reconcile watched transaction", zap.String("hash", hash), zap.Error(err))
	case tx.Terminal():
		r.wl.Del(hash)
	default:
		r.wl.Polled(hash)
	}
}

// HandleSent reconciles a transaction announced on the broker right away and keeps watching it while pending. A
// malformed message is acknowledged and dropped.
func (r *Reconciler) HandleSent(ctx context.Context, m msg.Message) error {
	var t events.Transaction
	if err := json.Unmarshal(m.Data, &t); err != nil || t.Hash == "" {
		r.log.Warn("dropping malformed transaction event", zap.String("event", m.Event), zap.Error(err))
		return nil
	}

	if !r.wl.Add(t.Hash, r.now()) {
		r.log.Debug("watchlist full or stopped", zap.String("hash", t.Hash))
		return nil
	}

	r.check(ctx, t.Hash)

	return nil
}

// Watched returns the hashes being watched, oldest first.
func (r *Reconciler) Watched() []string {
	s := r.wl.Snapshot()
	h := make([]string, len(s))

	for i, e := range s {
		h[i] = e.Hash
	}

	return h
}
