// Package server composes the reliability core's components into a
// running CoAP endpoint: transport, codec (invoked inside transport),
// message-ID factory, exchange registry, retransmission scheduler,
// incoming/outgoing reliability handlers, and the webservice dispatcher.
// Grounded on sip/stack/stack.go's NewStack/Start/Stop composition-root
// shape, narrowed to one transport instead of stack.go's pluggable
// transport.Manager — spec.md §1 scopes this core to a single UDP
// endpoint, so a manager abstraction over multiple transports would be
// unused generality.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/coapcore/coapcore/pkg/coap/config"
	"github.com/coapcore/coapcore/pkg/coap/exchange"
	"github.com/coapcore/coapcore/pkg/coap/logging"
	"github.com/coapcore/coapcore/pkg/coap/message"
	"github.com/coapcore/coapcore/pkg/coap/metrics"
	"github.com/coapcore/coapcore/pkg/coap/mid"
	"github.com/coapcore/coapcore/pkg/coap/reliability"
	"github.com/coapcore/coapcore/pkg/coap/retransmit"
	"github.com/coapcore/coapcore/pkg/coap/transport"
	"github.com/coapcore/coapcore/pkg/coap/webservice"
	"github.com/prometheus/client_golang/prometheus"
)

// Server is a running CoAP endpoint: one UDP socket, the reliability
// core wired around it, and a webservice dispatcher applications
// register resources against.
type Server struct {
	cfg    config.Config
	log    *logging.Logger
	metric *metrics.Metrics

	ids       *mid.Factory
	registry  *exchange.Registry
	scheduler *retransmit.Scheduler
	dispatch  *webservice.Dispatcher
	incoming  *reliability.Incoming
	outgoing  *reliability.Outgoing
	reactor   *transport.Reactor

	mu      sync.Mutex
	started bool
}

// New builds a Server from cfg without opening any socket; call Start to
// begin listening. log and reg may be nil, in which case a no-op logger
// and a private Prometheus registry are used.
func New(cfg config.Config, log *logging.Logger, reg prometheus.Registerer) *Server {
	if log == nil {
		log = logging.Nop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	timers := cfg.Timers()
	registry := exchange.New(timers.ExchangeLifetime)
	scheduler := retransmit.New(timers)
	ids := mid.New()
	dispatch := webservice.New(timers)

	return &Server{
		cfg:       cfg,
		log:       log.Component("coap"),
		metric:    metrics.New(reg),
		ids:       ids,
		registry:  registry,
		scheduler: scheduler,
		dispatch:  dispatch,
	}
}

// Register adds a resource to the webservice dispatcher. Safe to call
// before or after Start.
func (s *Server) Register(svc webservice.Service) {
	s.dispatch.Register(svc)
}

// Unregister removes a resource by path.
func (s *Server) Unregister(path string) {
	s.dispatch.Unregister(path)
}

// Start opens the UDP socket and begins serving. It returns once the
// socket is bound; the read/write loops run in a background goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("server already started")
	}

	reactor, err := transport.Listen(s.cfg.ListenAddr, transport.Config{Workers: s.cfg.Workers}, s.handleInbound)
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}
	s.reactor = reactor

	timers := s.cfg.Timers()
	s.outgoing = reliability.NewOutgoing(s.registry, s.ids, s.scheduler, timers, s.reactor)
	s.incoming = reliability.NewIncoming(s.registry, timers, s.reactor, s.dispatch.Dispatch, s.outgoing.HandleInbound)
	s.incoming.SetSeparateResponseFunc(s.outgoing.SendSeparateResponse)

	go func() {
		if err := s.reactor.Run(); err != nil {
			s.log.Info("reactor stopped", logging.Error(err))
		}
	}()

	s.log.Info("server started", logging.String("listen_addr", reactor.LocalAddr().String()))
	s.started = true
	return nil
}

// handleInbound is the transport.Handler wired to the reactor: it hands
// every decoded datagram to the incoming reliability handler.
func (s *Server) handleInbound(ctx context.Context, peer message.Endpoint, msg message.Message) {
	if err := s.incoming.Handle(ctx, peer, msg); err != nil {
		s.log.Warn("failed handling inbound message", logging.Error(err), logging.String("peer", peer.String()))
	}
}

// SendRequest issues a new outbound request through the outgoing
// reliability handler (client role). See reliability.Outgoing.SendRequest.
func (s *Server) SendRequest(ctx context.Context, peer message.Endpoint, req message.Message) (*reliability.PendingRequest, error) {
	s.mu.Lock()
	outgoing := s.outgoing
	s.mu.Unlock()
	if outgoing == nil {
		return nil, fmt.Errorf("server not started")
	}
	return outgoing.SendRequest(ctx, peer, req)
}

// Stop closes the UDP socket and releases resources. Exchanges in flight
// are abandoned rather than drained, matching spec.md's scope (no
// graceful-drain requirement is named for this core).
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	err := s.reactor.Close()
	s.started = false
	s.log.Info("server stopped")
	return err
}

// LocalAddr returns the address the server is listening on, valid after
// a successful Start.
func (s *Server) LocalAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactor == nil {
		return ""
	}
	return s.reactor.LocalAddr().String()
}
