// Command coapd runs a standalone CoAP server exposing a small set of
// demonstration resources, grounded on the teacher's bootstrap shape
// (the deleted cmd/test_sip/main.go: flag-parsed config -> stack ->
// registered handlers -> block until signal).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coapcore/coapcore/pkg/coap/config"
	"github.com/coapcore/coapcore/pkg/coap/logging"
	"github.com/coapcore/coapcore/pkg/coap/server"
	"github.com/coapcore/coapcore/pkg/coap/webservice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "coapd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Parse(flag.NewFlagSet("coapd", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	var log *logging.Logger
	if cfg.Development {
		log = logging.NewDevelopment()
	} else {
		log = logging.New()
	}
	defer log.Sync()

	reg := prometheus.NewRegistry()
	srv := server.New(cfg, log, reg)

	registerDemoResources(srv)

	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	defer srv.Stop()

	log.Info("coapd listening", logging.String("addr", srv.LocalAddr()))

	go serveMetrics(cfg.MetricsAddr, reg, log)

	waitForSignal()
	log.Info("shutting down")
	return nil
}

// registerDemoResources wires up a couple of reference resources so the
// server is useful out of the box, the way the teacher's own demo
// command registered a handful of sample handlers.
func registerDemoResources(srv *server.Server) {
	clock := webservice.NewResource("/time", 60, false)
	clock.Set([]byte("00:00:00"))
	srv.Register(clock)

	scratch := webservice.NewResource("/scratch", 0, true)
	srv.Register(scratch)
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics server stopped", logging.Error(err))
	}
}

func waitForSignal() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
}
