// Package reliability implements spec.md §4.C and §4.D: the incoming and
// outgoing reliability handlers that sit between the wire (codec +
// transport) and the application (webservice dispatcher or client
// caller). It owns no socket; it calls a Transport to emit bytes and a
// Dispatch function to hand decoded requests upstream, mirroring how
// sip/transaction/server.go and client.go hold a transport.Transport
// dependency rather than a raw net.Conn.
package reliability

import (
	"context"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/exchange"
	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Transport is the narrow send surface this package depends on. The real
// implementation lives in package transport and owns the UDP socket
// exclusively; writes originating from a timer are enqueued back to it
// rather than performed inline (spec.md §5).
type Transport interface {
	Send(peer message.Endpoint, msg message.Message) error
}

// Dispatch hands a decoded request upstream (to the webservice dispatcher)
// and must eventually call respond exactly once with the final response.
// respond may be called from any goroutine, at any time up to
// MAX_TRANSMIT_SPAN after Dispatch was invoked.
type Dispatch func(ctx context.Context, peer message.Endpoint, req message.Message, respond func(message.Message))

// Incoming implements spec.md §4.C: acknowledging inbound confirmables,
// suppressing duplicates, and racing the empty-ACK timer against the
// dispatcher's eventual response.
type Incoming struct {
	registry   *exchange.Registry
	timers     message.Timers
	transport  Transport
	dispatch   Dispatch
	onResponse func(peer message.Endpoint, msg message.Message) // CON/ACK/RST response codes, forwarded to Outgoing

	// separateResponseFn is wired by Outgoing via SetSeparateResponseFunc
	// after both are constructed, since allocating the fresh message-ID
	// and registering the retransmission cycle for a separate response
	// are Outgoing's responsibilities (spec.md §4.D), not Incoming's.
	separateResponseFn func(peer message.Endpoint, resp message.Message)
}

// SetSeparateResponseFunc wires the callback used to emit a separate
// response (spec.md §4.D: fresh message-ID, CON, registered for
// retransmission). Called once during construction, before Handle runs.
func (in *Incoming) SetSeparateResponseFunc(fn func(peer message.Endpoint, resp message.Message)) {
	in.separateResponseFn = fn
}

// NewIncoming builds an Incoming handler. onResponse is invoked for every
// inbound message that carries a response code or is an ACK/RST — the
// caller wires this to Outgoing.HandleInbound so the two halves of the
// reliability core stay decoupled from one another's internals.
func NewIncoming(registry *exchange.Registry, timers message.Timers, transport Transport, dispatch Dispatch, onResponse func(message.Endpoint, message.Message)) *Incoming {
	return &Incoming{registry: registry, timers: timers, transport: transport, dispatch: dispatch, onResponse: onResponse}
}

// Handle processes one decoded inbound message per spec.md §4.C. It never
// returns an error for protocol-level conditions (malformed messages are
// the codec's concern, handled before Handle is ever called); it only
// reports transport send failures encountered while emitting an ACK.
func (in *Incoming) Handle(ctx context.Context, peer message.Endpoint, msg message.Message) error {
	switch msg.Type {
	case message.Acknowledgement, message.Reset:
		in.onResponse(peer, msg)
		return nil
	}

	if msg.Code.IsRequest() {
		return in.handleRequest(ctx, peer, msg)
	}
	return in.handleResponseCode(peer, msg)
}

func (in *Incoming) handleRequest(ctx context.Context, peer message.Endpoint, msg message.Message) error {
	entry, fresh := in.registry.InsertIfAbsent(peer, msg)
	if !fresh {
		existing, _ := in.registry.FindByMID(peer, msg.MessageID)
		return in.replayOrDrop(peer, existing)
	}

	if msg.Type != message.Confirmable {
		// NON: forward upstream, no ACK scheduling, but still recorded
		// above for duplicate suppression (spec.md §4.C.2).
		in.dispatch(ctx, peer, msg, func(resp message.Message) {
			in.resolve(peer, entry, resp)
		})
		return nil
	}

	ackTimer := time.AfterFunc(in.timers.AckDelay, func() {
		in.fireEmptyAck(peer, entry)
	})

	in.dispatch(ctx, peer, msg, func(resp message.Message) {
		ackTimer.Stop()
		in.resolve(peer, entry, resp)
	})
	return nil
}

// handleResponseCode handles an inbound CON carrying a response code
// (spec.md §4.C.2: "CON + response code"): a separate response arriving
// from a peer that is acting as the original requester's server. It must
// be ACK'd immediately and forwarded so the outbound handler can resolve
// the pending request it correlates to by token.
func (in *Incoming) handleResponseCode(peer message.Endpoint, msg message.Message) error {
	if msg.Type == message.Confirmable {
		ack := message.NewEmpty(message.Acknowledgement, msg.MessageID)
		if err := in.transport.Send(peer, ack); err != nil {
			return err
		}
	}
	in.onResponse(peer, msg)
	return nil
}

// replayOrDrop implements spec.md §4.C.1's duplicate filter outcomes for
// an already-tracked (peer, mid): re-emit the cached response if one
// exists, otherwise drop silently.
func (in *Incoming) replayOrDrop(peer message.Endpoint, entry *exchange.Entry) error {
	if entry == nil || entry.Phase() != exchange.PhaseResolved || entry.Response == nil {
		return nil
	}
	resp := entry.Response.Clone()
	resp.Type = message.Acknowledgement
	resp.MessageID = entry.MessageID
	return in.transport.Send(peer, resp)
}

// fireEmptyAck is the empty-ACK timer callback. It attempts the CAS from
// PhaseAwaitingResponse to PhaseEmptyAckSent; if the dispatcher already
// attached a response concurrently, the CAS fails and this is a no-op —
// the piggy-backed response will be (or already was) sent instead. This
// CAS is the correctness lynchpin spec.md §9 describes.
func (in *Incoming) fireEmptyAck(peer message.Endpoint, entry *exchange.Entry) {
	if !in.registry.TryMarkEmptyAckSent(entry) {
		return
	}
	ack := message.NewEmpty(message.Acknowledgement, entry.MessageID)
	_ = in.transport.Send(peer, ack)
}

// resolve is called once the dispatcher (or a NON handler) has produced a
// final response. It decides piggy-back vs separate response by
// attempting the registry CAS and dispatches accordingly.
func (in *Incoming) resolve(peer message.Endpoint, entry *exchange.Entry, resp message.Message) {
	piggyback, ok := in.registry.TryAttachResponse(entry, resp)
	if !ok {
		// Already resolved (e.g. a duplicate triggered a second resolve
		// path, or the exchange was evicted) — nothing to send.
		return
	}

	resp = resp.Clone()
	resp.Token = append([]byte(nil), entry.Request.Token...)

	if entry.Request.Type != message.Confirmable {
		resp.Type = message.NonConfirmable
		resp.MessageID = entry.MessageID
		_ = in.transport.Send(peer, resp)
		return
	}

	if piggyback {
		resp.Type = message.Acknowledgement
		resp.MessageID = entry.MessageID
		_ = in.transport.Send(peer, resp)
		return
	}

	// Separate response: the empty ACK already went out, so this travels
	// as a fresh confirmable carrying the original token (spec.md §4.D).
	in.sendSeparateResponse(peer, resp)
}

func (in *Incoming) sendSeparateResponse(peer message.Endpoint, resp message.Message) {
	if in.separateResponseFn != nil {
		in.separateResponseFn(peer, resp)
	}
}
