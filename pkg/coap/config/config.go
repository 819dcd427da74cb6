// Package config defines the runtime configuration surface for coapd,
// grounded on sip/transport.Config's plain-struct-with-defaults shape
// and parsed with the standard library's flag package: cmd/coapd is a
// single-binary CLI server, the teacher's own bootstrap shape for this
// kind of entrypoint, and no repo in the example pack pulls in a richer
// flags/config library (cobra, viper) for a server this size (see
// DESIGN.md).
package config

import (
	"flag"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Config holds every tunable this module exposes at the process
// boundary. RFC 7252 §4.8 timer values default to the RFC's own
// constants via message.DefaultTimers and may be overridden for testing
// or non-standard deployments.
type Config struct {
	ListenAddr string
	Workers    int

	AckTimeout       time.Duration
	AckRandomFactor  float64
	MaxRetransmit    int
	ExchangeLifetime time.Duration
	NonLifetime      time.Duration

	MetricsAddr string
	Development bool // human-readable logs instead of JSON
}

// Default returns a Config with RFC 7252 defaults and a conventional CoAP
// listen address.
func Default() Config {
	t := message.DefaultTimers()
	return Config{
		ListenAddr:       ":5683",
		Workers:          4,
		AckTimeout:       t.AckTimeout,
		AckRandomFactor:  t.AckRandomFactor,
		MaxRetransmit:    t.MaxRetransmit,
		ExchangeLifetime: t.ExchangeLifetime,
		NonLifetime:      t.NonLifetime,
		MetricsAddr:      ":9090",
	}
}

// Parse binds flags onto fs (conventionally flag.CommandLine), calls
// fs.Parse(args), and returns the resulting Config — mirroring the teacher's pattern of building config, then
// constructing the transport/stack from it, rather than a package-level
// global flag set.
func Parse(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Default()

	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "UDP address to listen on")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "concurrent request-dispatch workers")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "RFC 7252 ACK_TIMEOUT")
	fs.Float64Var(&cfg.AckRandomFactor, "ack-random-factor", cfg.AckRandomFactor, "RFC 7252 ACK_RANDOM_FACTOR")
	fs.IntVar(&cfg.MaxRetransmit, "max-retransmit", cfg.MaxRetransmit, "RFC 7252 MAX_RETRANSMIT")
	fs.DurationVar(&cfg.ExchangeLifetime, "exchange-lifetime", cfg.ExchangeLifetime, "RFC 7252 EXCHANGE_LIFETIME")
	fs.DurationVar(&cfg.NonLifetime, "non-lifetime", cfg.NonLifetime, "RFC 7252 NON_LIFETIME")
	fs.StringVar(&cfg.MetricsAddr, "metrics-listen", cfg.MetricsAddr, "address to serve /metrics on")
	fs.BoolVar(&cfg.Development, "dev", cfg.Development, "use human-readable console logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Timers projects the RFC-timer fields of Config into a message.Timers,
// the shape every pkg/coap/* component actually consumes.
func (c Config) Timers() message.Timers {
	t := message.DefaultTimers()
	t.AckTimeout = c.AckTimeout
	t.AckRandomFactor = c.AckRandomFactor
	t.MaxRetransmit = c.MaxRetransmit
	t.ExchangeLifetime = c.ExchangeLifetime
	t.NonLifetime = c.NonLifetime
	return t
}
