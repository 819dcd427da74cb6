// Package exchange tracks in-flight CoAP exchanges: the state shared
// between an incoming/outgoing CON and the eventual ACK or response that
// resolves it. Grounded on sip/transaction/store.go's dual-indexed,
// mutex-guarded map shape, with two deliberate departures recorded in
// SPEC_FULL.md §4.E: the index is keyed by (endpoint, message-ID) and
// (endpoint, token) rather than store.go's single message-key index, and
// eviction is a per-entry time.AfterFunc rather than store.go's periodic
// cleanupTicker sweep, so an exchange never outlives spec.md §3's
// EXCHANGE_LIFETIME bound by up to a whole sweep interval.
package exchange

import (
	"sync"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Phase is the lifecycle stage of a tracked exchange.
type Phase int32

const (
	// PhaseAwaitingResponse: a CON request was sent or received and no ACK
	// or response has resolved it yet.
	PhaseAwaitingResponse Phase = iota
	// PhaseEmptyAckSent: the server emitted an empty ACK and now owes a
	// separate response; the CAS from this phase onward is the lynchpin
	// spec.md §9 calls out for the piggyback-vs-empty-ACK race.
	PhaseEmptyAckSent
	// PhaseResolved: a response (piggybacked or separate) was attached.
	PhaseResolved
)

// Entry is one tracked exchange. All mutation happens through Registry
// methods, which hold the lock and perform the CAS transitions; callers
// never mutate an Entry's Phase directly.
type Entry struct {
	Peer      message.Endpoint
	MessageID uint16
	Token     string // message.TokenKey(token)

	phase    int32 // atomic Phase
	Request  message.Message
	Response *message.Message // nil until resolved

	timer *time.Timer
}

// Phase reads the current phase atomically.
func (e *Entry) Phase() Phase {
	return Phase(atomicLoad(&e.phase))
}

type mapKey struct {
	peer message.Endpoint
	id   uint16
}

type tokenKey struct {
	peer  message.Endpoint
	token string
}

// Registry is a concurrent store of Entry, dual-indexed by (peer,
// message-ID) and (peer, token) — a request's message-ID correlates its
// immediate ACK, while its token correlates an eventual separate response
// that may arrive under a different message-ID entirely (RFC 7252 §5.3.2).
type Registry struct {
	lifetime time.Duration

	mu      sync.RWMutex
	byMID   map[mapKey]*Entry
	byToken map[tokenKey]*Entry
}

// New builds a Registry whose entries self-evict after lifetime. Every
// entry, CON or NON, uses this same lifetime.
func New(lifetime time.Duration) *Registry {
	return &Registry{
		lifetime: lifetime,
		byMID:    make(map[mapKey]*Entry),
		byToken:  make(map[tokenKey]*Entry),
	}
}

// InsertIfAbsent records a new exchange for req, indexed under both its
// message-ID and its token. It reports false without mutating the
// registry if an entry already exists for this (peer, message-ID) — the
// duplicate-suppression check spec.md §4.C performs before doing any
// other work for an incoming CON/NON.
func (r *Registry) InsertIfAbsent(peer message.Endpoint, req message.Message) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mk := mapKey{peer, req.MessageID}
	if _, exists := r.byMID[mk]; exists {
		return nil, false
	}

	e := &Entry{
		Peer:      peer,
		MessageID: req.MessageID,
		Token:     message.TokenKey(req.Token),
		Request:   req,
		phase:     int32(PhaseAwaitingResponse),
	}
	r.byMID[mk] = e
	if len(req.Token) > 0 {
		r.byToken[tokenKey{peer, e.Token}] = e
	}
	e.timer = time.AfterFunc(r.lifetime, func() { r.evict(e) })

	return e, true
}

// TryMarkEmptyAckSent performs the CAS from PhaseAwaitingResponse to
// PhaseEmptyAckSent. It reports false if the phase had already advanced —
// meaning a response became available concurrently and should be
// piggybacked instead, the race spec.md §4.C and §9 both describe.
func (r *Registry) TryMarkEmptyAckSent(e *Entry) bool {
	return atomicCAS(&e.phase, int32(PhaseAwaitingResponse), int32(PhaseEmptyAckSent))
}

// TryAttachResponse performs the CAS from either PhaseAwaitingResponse
// (piggyback: the handler finished before the empty-ACK deadline) or
// PhaseEmptyAckSent (separate response: the empty ACK already went out)
// into PhaseResolved, storing resp as the canonical outcome. It reports
// which of the two paths occurred, or false if the exchange was already
// resolved (a duplicate or late response).
func (r *Registry) TryAttachResponse(e *Entry, resp message.Message) (piggyback bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Phase() == PhaseResolved {
		return false, false
	}
	e.Response = &resp

	if atomicCAS(&e.phase, int32(PhaseAwaitingResponse), int32(PhaseResolved)) {
		return true, true
	}
	if atomicCAS(&e.phase, int32(PhaseEmptyAckSent), int32(PhaseResolved)) {
		return false, true
	}

	e.Response = nil
	return false, false
}

// FindByMID looks up a tracked exchange by (peer, message-ID) — used to
// recognize a duplicate retransmission or an incoming ACK/RST.
func (r *Registry) FindByMID(peer message.Endpoint, id uint16) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byMID[mapKey{peer, id}]
	return e, ok
}

// FindByToken looks up a tracked exchange by (peer, token) — used to
// correlate a separate response that arrives under a fresh message-ID.
func (r *Registry) FindByToken(peer message.Endpoint, token []byte) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[tokenKey{peer, message.TokenKey(token)}]
	return e, ok
}

// Evict removes e from both indexes immediately, stopping its eviction
// timer. Callers use this once an exchange is known complete (e.g. after
// TryAttachResponse's piggyback path), rather than waiting out the full
// lifetime.
func (r *Registry) Evict(e *Entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	r.evict(e)
}

func (r *Registry) evict(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byMID, mapKey{e.Peer, e.MessageID})
	if e.Token != "" {
		delete(r.byToken, tokenKey{e.Peer, e.Token})
	}
}

// Len reports the number of tracked exchanges, for tests and metrics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byMID)
}
