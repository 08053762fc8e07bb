// Package app wires the dependencies shared by the wallet and reconciler commands: stores, keystore, chain adapter,
// message broker, webhooks and the wallet service.
package app

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/block"
	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/events"
	"github.com/tarancss/waas/lib/keystore"
	"github.com/tarancss/waas/lib/money"
	"github.com/tarancss/waas/lib/msg"
	"github.com/tarancss/waas/lib/msg/amqp"
	"github.com/tarancss/waas/lib/store"
	"github.com/tarancss/waas/lib/store/db"
	"github.com/tarancss/waas/service"
	"github.com/tarancss/waas/webhook"
)

// brokerRetry is how long to wait for the broker before the second and last dial.
const brokerRetry = 10 * time.Second

// Deps holds the opened dependencies. Close releases them.
type Deps struct {
	Conf    config.ServiceConfig
	DB      store.DB
	Events  store.EventLog
	Chain   block.Chain
	Broker  msg.MsgBroker // nil when no broker is configured
	Hooks   *webhook.Dispatcher
	Service *service.Service
}

// Open connects every dependency of conf. On error, whatever was already open is closed.
func Open(ctx context.Context, conf config.ServiceConfig, log *zap.Logger) (d *Deps, err error) {
	d = &Deps{Conf: conf}

	defer func() {
		if err != nil {
			d.Close(log)
			d = nil
		}
	}()

	ks, err := keystore.NewFromHex(conf.EncryptionKey)
	if err != nil {
		return d, err
	}

	var seed []byte
	if conf.Seed != "" {
		if seed, err = hex.DecodeString(conf.Seed); err != nil {
			return d, fmt.Errorf("invalid hd seed: %w", err)
		}
	}

	minGas, err := money.Parse(conf.MinGasBalance, money.EtherDecimals)
	if err != nil {
		return d, fmt.Errorf("invalid minGasBalance: %w", err)
	}

	if d.DB, err = db.New(ctx, conf, log); err != nil {
		return d, err
	}

	if d.Events, err = db.NewEventLog(ctx, conf, d.DB, log); err != nil {
		return d, err
	}

	if d.Chain, err = block.Init(ctx, conf.Chain, seed, ks, log); err != nil {
		return d, err
	}

	log.Info("chain client loaded", zap.String("chain", d.Chain.Name()))

	if d.Broker, err = Broker(conf, log); err != nil {
		return d, err
	}

	d.Hooks = webhook.New(d.DB, d.Events, config.Seconds(conf.WebhookTimeout, 10), log) //nolint:gomnd // seconds

	pub := events.Fanout{d.Hooks}
	if d.Broker != nil {
		pub = append(pub, d.Broker)
	}

	d.Service = service.New(d.DB, d.Events, d.Chain, ks, pub, log, service.Config{
		MinGasBalance: minGas,
		Confirmations: uint64(conf.Chain.Confirmations),
	})

	return d, nil
}

// Broker returns the configured message broker, or nil when none is configured.
func Broker(conf config.ServiceConfig, log *zap.Logger) (msg.MsgBroker, error) {
	switch conf.MbType {
	case "":
		log.Warn("no message broker configured, events go to webhooks only")
		return nil, nil
	case config.AMQP:
		mb, err := amqp.New(conf.MbConn, log)
		if err != nil {
			log.Warn("message broker not ready, retrying", zap.Duration("in", brokerRetry), zap.Error(err))
			time.Sleep(brokerRetry)

			if mb, err = amqp.New(conf.MbConn, log); err != nil {
				return nil, err
			}
		}

		if err = mb.Setup(); err != nil {
			_ = mb.Close()
			return nil, err
		}

		return mb, nil
	}

	return nil, fmt.Errorf("unknown message broker type: %s", conf.MbType)
}

// Close waits for pending events and releases every open dependency, logging failures.
func (d *Deps) Close(log *zap.Logger) {
	if d.Service != nil {
		d.Service.Wait()
	}

	if d.Chain != nil {
		d.Chain.Close()
	}

	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			log.Warn("closing message broker", zap.Error(err))
		}
	}

	if d.Events != nil && any(d.Events) != any(d.DB) {
		if err := db.Close(d.Events); err != nil {
			log.Warn("closing event log", zap.Error(err))
		}
	}

	if d.DB != nil {
		if err := db.Close(d.DB); err != nil {
			log.Warn("closing database", zap.Error(err))
		}
	}
}

// ServeMetrics exposes the Prometheus metrics on port until ctx is done.
func ServeMetrics(ctx context.Context, port string, log *zap.Logger) {
	h := http.NewServeMux()
	h.Handle("/metrics", promhttp.Handler())

	s := &http.Server{Addr: ":" + port, Handler: h, ReadHeaderTimeout: 5 * time.Second} //nolint:gomnd // seconds

	go func() {
		<-ctx.Done()
		_ = s.Shutdown(context.Background())
	}()

	log.Info("serving metrics API", zap.String("addr", s.Addr))

	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server failed", zap.Error(err))
	}
}
