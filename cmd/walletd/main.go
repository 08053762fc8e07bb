// Package main: wallet service. Serves the REST API for end users, tenant dashboards, developers and operators.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/app"
	"github.com/tarancss/waas/lib/auth"
	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/logging"
	"github.com/tarancss/waas/lib/ratelimit"
	"github.com/tarancss/waas/tenant"
	"github.com/tarancss/waas/wallet"
)

// limiterTTL is how long an idle in-process rate limiter is kept.
const limiterTTL = 10 * time.Minute

func main() {
	// get command line flags
	confPath := pflag.StringP("config", "c", "", "configuration JSON file")
	monitor := pflag.BoolP("metrics", "m", false, "serve Prometheus metrics on the metrics port")
	pflag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log, err := logging.New(conf.Env, conf.LogLevel, conf.LogFormat)
	if err != nil {
		panic(err)
	}
	defer log.Sync() //nolint:errcheck

	if err = conf.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	log.Info("configuration loaded", zap.String("env", conf.Env), zap.String("dbtype", conf.DBType),
		zap.String("eventlog", conf.EventLogType), zap.String("mbtype", conf.MbType), zap.String("chain", conf.Chain.Name))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := app.Open(ctx, conf, log)
	if err != nil {
		log.Fatal("cannot open dependencies", zap.Error(err))
	}
	defer d.Close(log)

	if *monitor {
		go app.ServeMetrics(ctx, conf.MetricsPort, log)
	}

	// a shared limiter when redis is configured, in-process otherwise
	var limiter ratelimit.Limiter

	if conf.RedisURL != "" {
		r, err := ratelimit.NewRedis(ctx, conf.RedisURL)
		if err != nil {
			log.Fatal("cannot connect to redis", zap.Error(err))
		}
		defer r.Close()

		limiter = r
	} else {
		l := ratelimit.NewLocal()

		go func() {
			t := time.NewTicker(limiterTTL)
			defer t.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					l.Sweep(limiterTTL)
				}
			}
		}()

		limiter = l
	}

	// create wallet API
	w := wallet.New(wallet.Options{
		Service:     d.Service,
		Webhooks:    d.Hooks,
		Tenants:     tenant.NewResolver(d.DB),
		Tokens:      auth.NewTokens(conf.JWTSecret, config.Seconds(conf.JWTTTL, 86400)), //nolint:gomnd // one day
		Limiter:     limiter,
		AdminToken:  conf.AdminToken,
		CORSOrigins: conf.CORSOrigins,
		Log:         log,
	})

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		s := <-sigchan
		log.Info("shutting down", zap.String("signal", s.String()))

		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second) //nolint:gomnd // drain time
		defer scancel()

		if err := w.StopWallet(sctx); err != nil {
			log.Error("stopping wallet API", zap.Error(err))
		}
	}()

	// init RESTful API, blocks until stopped
	if err = w.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey); err != nil {
		log.Error("wallet API failed", zap.Error(err))
	}

	log.Info("wallet service stopped")
}
