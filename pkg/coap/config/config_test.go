package config

import (
	"flag"
	"testing"
	"time"
)

func TestParseAppliesDefaultsWithoutArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Parse(fs, nil)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.ListenAddr != ":5683" {
		t.Errorf("ListenAddr = %q, want :5683", cfg.ListenAddr)
	}
	if cfg.MaxRetransmit != 4 {
		t.Errorf("MaxRetransmit = %d, want 4", cfg.MaxRetransmit)
	}
}

func TestParseOverridesFromArgs(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := Parse(fs, []string{"-listen", "127.0.0.1:5683", "-ack-timeout", "500ms"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:5683" {
		t.Errorf("ListenAddr = %q, want 127.0.0.1:5683", cfg.ListenAddr)
	}
	if cfg.AckTimeout != 500*time.Millisecond {
		t.Errorf("AckTimeout = %v, want 500ms", cfg.AckTimeout)
	}
}

func TestTimersProjectsOverriddenFields(t *testing.T) {
	cfg := Default()
	cfg.MaxRetransmit = 2
	timers := cfg.Timers()
	if timers.MaxRetransmit != 2 {
		t.Errorf("Timers().MaxRetransmit = %d, want 2", timers.MaxRetransmit)
	}
}
