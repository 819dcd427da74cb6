// Package webservice implements spec.md §4.F: routing decoded requests to
// a registered resource by URI path, awaiting its response via a one-shot
// promise, and enforcing the ACK_DELAY/MAX_TRANSMIT_SPAN deadlines that
// decide piggy-back vs separate response vs abandonment.
//
// Grounded on sip/transaction/manager.go's path/key → handler registry
// shape, generalized from SIP's transaction-key lookup to a URI-Path
// registry, and on server.go's deadline-timer pattern for the outer
// ACK_DELAY/MAX_TRANSMIT_SPAN bounds.
package webservice

import (
	"context"
	"sync"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Service is the contract a registered resource implements (spec.md
// §4.F's "Webservice contract"). Two Services are equal iff their Path()
// values are equal; the dispatcher never compares by any other field.
type Service interface {
	Path() string
	MaxAge() uint32 // seconds; 60 is the RFC default a resource may return
	ETag() []byte   // computed over current resource state, not payload
	AllowsDelete() bool

	// Handle must eventually call promise.Resolve or promise.Reject
	// exactly once. It may return before doing so; the dispatcher awaits
	// the promise independently of Handle's own goroutine lifetime.
	Handle(req message.Message, peer message.Endpoint, promise *Promise)

	// Shutdown is invoked when the resource is unregistered or the
	// server stops, so a resource holding its own timers or goroutines
	// can release them.
	Shutdown()
}

// Promise is a one-shot settable future a Service resolves exactly once.
// Resolve/Reject after the first call are no-ops, matching spec.md §9's
// framing of "a settable-future handed to the resource" rather than a
// blocking call.
type Promise struct {
	once sync.Once
	done chan message.Message
}

// NewPromise builds an unresolved Promise.
func NewPromise() *Promise {
	return &Promise{done: make(chan message.Message, 1)}
}

// Resolve fulfills the promise with resp. Only the first call has effect.
func (p *Promise) Resolve(resp message.Message) {
	p.once.Do(func() { p.done <- resp })
}

// Reject fulfills the promise with a synthesized error response. Only the
// first call (whether Resolve or Reject) has effect.
func (p *Promise) Reject(resp message.Message) {
	p.Resolve(resp)
}

// Await blocks until the promise resolves or deadline elapses, returning
// ok=false on timeout.
func (p *Promise) Await(deadline <-chan time.Time) (message.Message, bool) {
	select {
	case resp := <-p.done:
		return resp, true
	case <-deadline:
		return message.Message{}, false
	}
}

// Dispatcher routes decoded requests to registered Services (spec.md
// §4.F). It holds no transport or reliability knowledge: it is handed a
// request and a respond callback by Incoming's Dispatch hook, and it
// calls respond exactly once.
type Dispatcher struct {
	timers message.Timers

	mu       sync.RWMutex
	services map[string]Service
}

// New builds an empty Dispatcher.
func New(timers message.Timers) *Dispatcher {
	return &Dispatcher{timers: timers, services: make(map[string]Service)}
}

// Register adds or replaces the service at its own Path().
func (d *Dispatcher) Register(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.services[svc.Path()]; ok {
		existing.Shutdown()
	}
	d.services[svc.Path()] = svc
}

// Unregister removes the service at path, calling its Shutdown.
func (d *Dispatcher) Unregister(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if svc, ok := d.services[path]; ok {
		delete(d.services, path)
		svc.Shutdown()
	}
}

// lookup returns the service registered at path, if any.
func (d *Dispatcher) lookup(path string) (Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	svc, ok := d.services[path]
	return svc, ok
}

// Dispatch has the shape reliability.Dispatch expects, so a *Dispatcher's
// method value can be passed directly to reliability.NewIncoming. respond
// must be called exactly once, which Dispatch guarantees even on miss,
// method-not-allowed, or handler timeout. ctx is unused: this dispatcher's
// only suspension point is the promise deadline, already bounded by
// MAX_TRANSMIT_SPAN.
func (d *Dispatcher) Dispatch(ctx context.Context, peer message.Endpoint, req message.Message, respond func(message.Message)) {
	path := req.Options.UriPath()

	svc, ok := d.lookup(path)
	if !ok {
		respond(message.Message{Code: message.NotFound})
		return
	}

	if req.Code == message.DELETE && !svc.AllowsDelete() {
		respond(message.Message{Code: message.MethodNotAllowed})
		return
	}

	promise := NewPromise()
	go svc.Handle(req, peer, promise)

	go d.await(promise, respond)
}

// await enforces spec.md §4.F's two deadlines: ACK_DELAY shapes the
// piggy-back/separate decision upstream in Incoming (this dispatcher does
// not need to know which one happens — it just calls respond whenever the
// promise settles), and MAX_TRANSMIT_SPAN is the hard bound beyond which
// the exchange is abandoned with 5.03.
func (d *Dispatcher) await(promise *Promise, respond func(message.Message)) {
	deadline := time.NewTimer(d.timers.MaxTransmitSpan())
	defer deadline.Stop()

	resp, ok := promise.Await(deadline.C)
	if !ok {
		respond(message.Message{Code: message.ServiceUnavailable})
		return
	}
	respond(resp)
}
