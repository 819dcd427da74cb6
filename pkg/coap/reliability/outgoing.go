package reliability

import (
	"context"
	"sync"

	"github.com/coapcore/coapcore/pkg/coap/coaperrors"
	"github.com/coapcore/coapcore/pkg/coap/exchange"
	"github.com/coapcore/coapcore/pkg/coap/message"
	"github.com/coapcore/coapcore/pkg/coap/mid"
	"github.com/coapcore/coapcore/pkg/coap/retransmit"
)

// PendingRequest is the caller-facing handle for an outbound confirmable
// request: Done receives exactly one message once the exchange concludes
// (the matched response, or an error encoding CONTimeout/PeerReset).
type PendingRequest struct {
	Done chan RequestOutcome
}

// RequestOutcome is delivered on PendingRequest.Done.
type RequestOutcome struct {
	Response message.Message
	Err      error
}

// Outgoing implements spec.md §4.D: classifying outbound messages into
// ACK/CON/NON/RST and matching inbound ACK/RST/separate-responses to the
// pending requests they resolve. Grounded on sip/transaction/client.go's
// responses/errors channel pair for surfacing a transaction's outcome to
// its caller.
type Outgoing struct {
	registry  *exchange.Registry
	ids       *mid.Factory
	scheduler *retransmit.Scheduler
	timers    message.Timers
	transport Transport

	// pendingByToken is written from SendRequest's caller goroutine and
	// read/written from HandleInbound (reactor worker-pool goroutines,
	// transport/udp.go) and from retransmit timer goroutines (onDone
	// callbacks below) — all concurrently, so it needs its own lock
	// distinct from the mutex-guarded exchange.Registry.
	pendingMu      sync.Mutex
	pendingByToken map[string]*PendingRequest
}

// NewOutgoing builds an Outgoing handler sharing registry and timers with
// an Incoming handler constructed over the same exchange state.
func NewOutgoing(registry *exchange.Registry, ids *mid.Factory, scheduler *retransmit.Scheduler, timers message.Timers, transport Transport) *Outgoing {
	return &Outgoing{
		registry:       registry,
		ids:            ids,
		scheduler:      scheduler,
		timers:         timers,
		transport:      transport,
		pendingByToken: make(map[string]*PendingRequest),
	}
}

// SendRequest emits a new outbound request (client role). If confirmable,
// it registers the retransmission cycle and returns a PendingRequest whose
// Done channel resolves on a piggy-backed response, a separate response,
// peer RST, or retransmission exhaustion; an empty ACK stops
// retransmission but does not resolve Done. Non-confirmable requests are
// fire-and-forget: SendRequest returns a nil *PendingRequest for them.
func (out *Outgoing) SendRequest(ctx context.Context, peer message.Endpoint, req message.Message) (*PendingRequest, error) {
	id, err := out.ids.Allocate(ctx, peer)
	if err != nil {
		return nil, err
	}
	req.MessageID = id

	if req.Type != message.Confirmable {
		if err := out.transport.Send(peer, req); err != nil {
			out.ids.Release(peer, id)
			return nil, err
		}
		return nil, nil
	}

	pending := &PendingRequest{Done: make(chan RequestOutcome, 1)}
	out.registerPending(peer, req, pending)

	out.scheduler.Start(peer, req, func(m message.Message) {
		_ = out.transport.Send(peer, m)
	}, func(outcome retransmit.Outcome) {
		if outcome == retransmit.OutcomeExhausted {
			out.resolvePending(peer, req.Token, RequestOutcome{
				Err: coaperrors.New(coaperrors.CONTimeout, "retransmissions exhausted without ACK"),
			})
			out.ids.Release(peer, id)
		}
	})

	return pending, nil
}

func (out *Outgoing) registerPending(peer message.Endpoint, req message.Message, pending *PendingRequest) {
	out.pendingMu.Lock()
	out.pendingByToken[pendingKey(peer, req.Token)] = pending
	out.pendingMu.Unlock()
}

func (out *Outgoing) resolvePending(peer message.Endpoint, token []byte, outcome RequestOutcome) {
	key := pendingKey(peer, token)

	out.pendingMu.Lock()
	pending, ok := out.pendingByToken[key]
	if ok {
		delete(out.pendingByToken, key)
	}
	out.pendingMu.Unlock()

	if !ok {
		return
	}
	pending.Done <- outcome
}

func pendingKey(peer message.Endpoint, token []byte) string {
	return peer.String() + "|" + message.TokenKey(token)
}

// HandleInbound is wired as Incoming's onResponse callback: it resolves a
// pending outbound request from an ACK, RST, or separate response.
func (out *Outgoing) HandleInbound(peer message.Endpoint, msg message.Message) {
	switch msg.Type {
	case message.Acknowledgement:
		out.handleAck(peer, msg)
	case message.Reset:
		out.handleReset(peer, msg)
	default:
		// A separate response (CON or NON carrying a response code),
		// already ACK'd by Incoming if it was confirmable. Correlate by
		// token, not message-ID (spec.md §4.D).
		out.resolvePending(peer, msg.Token, RequestOutcome{Response: msg})
	}
}

func (out *Outgoing) handleAck(peer message.Endpoint, msg message.Message) {
	entry, ok := out.scheduler.Find(peer, msg.MessageID)
	if !ok {
		return
	}
	entry.Ack()

	if msg.Code.IsEmpty() {
		// Empty ACK: the separate response (if any) will arrive later,
		// correlated by token; nothing to resolve yet.
		return
	}
	out.resolvePending(peer, msg.Token, RequestOutcome{Response: msg})
}

func (out *Outgoing) handleReset(peer message.Endpoint, msg message.Message) {
	// An RST is an empty message with no token: correlate it by
	// (peer, message-ID) to the retransmission entry, whose request
	// carries the token the pending request is keyed by.
	entry, ok := out.scheduler.Find(peer, msg.MessageID)
	if !ok {
		return
	}
	entry.Cancel()
	out.resolvePending(peer, entry.Request().Token, RequestOutcome{
		Err: coaperrors.New(coaperrors.PeerReset, "peer sent RST"),
	})
}

// SendSeparateResponse implements the callback Incoming.sendSeparateResponse
// delegates to (spec.md §4.D: "Exchange state alreadyConfirmed -> set
// type=CON, allocate a fresh message-id, register with §4.B"). resp must
// already carry the original request's token.
func (out *Outgoing) SendSeparateResponse(peer message.Endpoint, resp message.Message) {
	ctx := context.Background()
	id, err := out.ids.Allocate(ctx, peer)
	if err != nil {
		// No free message-IDs: spec.md §7 treats this as transient
		// backpressure on allocation, not a reason to drop the response
		// silently — fall back to NON so the client still gets an answer.
		resp.Type = message.NonConfirmable
		resp.MessageID = 0
		_ = out.transport.Send(peer, resp)
		return
	}

	resp.Type = message.Confirmable
	resp.MessageID = id

	out.scheduler.Start(peer, resp, func(m message.Message) {
		_ = out.transport.Send(peer, m)
	}, func(outcome retransmit.Outcome) {
		out.ids.Release(peer, id)
	})
}
