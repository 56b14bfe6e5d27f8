package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pipelined.dev/duplex"
	"pipelined.dev/duplex/device"
	"pipelined.dev/duplex/log"
	"pipelined.dev/duplex/metric"
)

type chatCommand struct {
	sessionFlags
	metrics string
}

func (cmd *chatCommand) Name() string {
	return "chat"
}

func (cmd *chatCommand) Help() string {
	return "Run voice chat with remote endpoint until interrupted"
}

func (cmd *chatCommand) Register(fs *flag.FlagSet) {
	cmd.sessionFlags.Register(fs)
	fs.StringVar(&cmd.metrics, "metrics", "", "address to serve prometheus metrics on, e.g. :9090")
}

func (cmd *chatCommand) Run() error {
	c, err := cmd.Config()
	if err != nil {
		return err
	}
	l := log.GetLogger()
	if cmd.usesDevices() {
		if err := device.Init(); err != nil {
			return err
		}
		defer device.Terminate()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.metrics != "" {
		srv := serveMetrics(cmd.metrics, l)
		defer func() {
			shutdown, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdown)
		}()
	}

	s, err := duplex.Build(c, duplex.WithLogger(l))
	if err != nil {
		return err
	}
	if err := s.Start(); err != nil {
		return err
	}
	l.WithField("session", s.ID()).Info("press Ctrl+C to stop")
	return s.Run(ctx)
}

func serveMetrics(addr string, l logrus.FieldLogger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metric.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.WithError(err).Error("metrics server failed")
		}
	}()
	l.WithField("address", addr).Info("serving metrics")
	return srv
}
