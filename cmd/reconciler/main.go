// Package main: reconciler service. Settles pending transactions against the chain and emits their events.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tarancss/waas/lib/app"
	"github.com/tarancss/waas/lib/config"
	"github.com/tarancss/waas/lib/logging"
	"github.com/tarancss/waas/reconciler"
)

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

	r := reconciler.New(d.Service, d.Broker, reconciler.Options{
		Interval: config.Seconds(conf.PollInterval, 15), //nolint:gomnd // seconds
	}, log)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		s := <-sigchan
		log.Info("shutting down", zap.String("signal", s.String()))
		r.Stop()
	}()

	<-r.Start(ctx)

	log.Info("reconciler service stopped")
}
