// Package retransmit implements the CON retransmission state machine of
// spec.md §4.B (RFC 7252 §4.2): exponential backoff from ACK_TIMEOUT,
// randomized by ACK_RANDOM_FACTOR, up to MAX_RETRANSMIT attempts.
//
// Grounded on sip/transaction/server.go's timerG retransmit-with-doubling
// pattern (atomic.CompareAndSwapInt32-guarded state, time.AfterFunc chains)
// and other_examples/15a7bb74_dustin-go-coap__retransmit.go.go's
// map[peer#mid]*flight shape, generalized with an explicit epoch counter
// so a timer fired just as a newer attempt (or a cancellation) supersedes
// it cannot apply a stale retransmission — the race the dustin-go-coap
// reference does not guard against, since its retransmit goroutine reads
// f.retrans and f.ack without synchronizing against a concurrent Cancel.
package retransmit

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

// Outcome is delivered to the onDone callback passed to Start so the
// caller can classify why a cycle ended.
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeExhausted
)

// Send is invoked by the scheduler every time (including the first time)
// req must go out on the wire.
type Send func(req message.Message)

// Entry tracks one in-flight confirmable message's retransmission cycle.
type Entry struct {
	peer    message.Endpoint
	req     message.Message
	send    Send
	onDone  func(Outcome)
	timers  message.Timers

	mu      sync.Mutex
	epoch   int32 // incremented on Ack/Cancel; a firing timer checks it's still current
	attempt int
	initial time.Duration // first backoff interval, drawn once; later ones double it
	timer   *time.Timer
	done    int32 // atomic bool: 1 once Ack or Cancel or exhaustion has run
}

// Scheduler tracks retransmission state across many in-flight exchanges.
// It holds no socket and no transport knowledge — spec.md §1 names the
// transport and codec external collaborators; Scheduler only decides when
// to call the Send function it was given.
type Scheduler struct {
	timers message.Timers

	mu      sync.Mutex
	entries map[key]*Entry
}

type key struct {
	peer message.Endpoint
	mid  uint16
}

// New builds a Scheduler using t for ACK_TIMEOUT/ACK_RANDOM_FACTOR/MAX_RETRANSMIT.
func New(t message.Timers) *Scheduler {
	return &Scheduler{timers: t, entries: make(map[key]*Entry)}
}

// Start begins the retransmission cycle for a confirmable req sent to
// peer: send is invoked immediately (attempt 0), then again on each
// backoff timeout until MAX_RETRANSMIT is reached or Ack is called.
// onDone is invoked at most once, with OutcomeAcked or OutcomeExhausted;
// a cycle ended by Cancel does not invoke it.
func (s *Scheduler) Start(peer message.Endpoint, req message.Message, send Send, onDone func(Outcome)) *Entry {
	e := &Entry{peer: peer, req: req, send: send, onDone: onDone, timers: s.timers}

	s.mu.Lock()
	s.entries[key{peer, req.MessageID}] = e
	s.mu.Unlock()

	e.send(req)
	e.armNext()
	return e
}

// armNext schedules the timer for after e.attempt's backoff interval.
// Once MAX_RETRANSMIT retransmissions have been sent, the next timer is
// the final ACK-wait window rather than another retransmission: spec.md
// §4.B only declares Timeout on expiry of the timer armed in
// Armed(MAX_RETRANSMIT), so a late ACK arriving during that last interval
// must still close the exchange (see Ack, which doesn't care which timer
// is currently armed).
func (e *Entry) armNext() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.initial == 0 {
		e.initial = backoffInterval(e.timers, 0)
	}
	interval := e.initial << uint(e.attempt)
	myEpoch := e.epoch
	if e.attempt >= e.timers.MaxRetransmit {
		e.timer = time.AfterFunc(interval, func() { e.fireFinal(myEpoch) })
		return
	}
	e.timer = time.AfterFunc(interval, func() { e.fire(myEpoch) })
}

func (e *Entry) fire(epoch int32) {
	e.mu.Lock()
	if epoch != e.epoch || atomic.LoadInt32(&e.done) == 1 {
		e.mu.Unlock()
		return
	}
	e.attempt++
	req := e.req
	e.mu.Unlock()

	e.send(req)
	e.armNext()
}

// fireFinal runs when the post-MAX_RETRANSMIT ACK-wait timer expires
// without an Ack: the exchange times out.
func (e *Entry) fireFinal(epoch int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if epoch != e.epoch || atomic.LoadInt32(&e.done) == 1 {
		return
	}
	e.finish(OutcomeExhausted)
}

// Ack stops the retransmission cycle successfully: no further
// retransmissions fire, and onDone(OutcomeAcked) runs if it has not
// already run via exhaustion.
func (e *Entry) Ack() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finish(OutcomeAcked)
}

// Cancel stops the retransmission cycle without invoking onDone — used
// when the exchange is being torn down for a reason other than success
// or exhaustion (e.g. the endpoint is being shut down).
func (e *Entry) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if atomic.CompareAndSwapInt32(&e.done, 0, 1) {
		e.epoch++
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}

// finish must be called with e.mu held.
func (e *Entry) finish(outcome Outcome) {
	if !atomic.CompareAndSwapInt32(&e.done, 0, 1) {
		return
	}
	e.epoch++
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.onDone != nil {
		e.onDone(outcome)
	}
}

// backoffInterval computes the timeout before retransmission attempt n+1
// (RFC 7252 §4.8.2): attempt 0 draws uniformly from
// [ACK_TIMEOUT, ACK_TIMEOUT*ACK_RANDOM_FACTOR); each subsequent attempt
// doubles the previous interval.
func backoffInterval(t message.Timers, attempt int) time.Duration {
	base := float64(t.AckTimeout)
	spread := base * (t.AckRandomFactor - 1.0)
	initial := base + rand.Float64()*spread
	for i := 0; i < attempt; i++ {
		initial *= 2
	}
	return time.Duration(initial)
}

// Stop cancels and removes every entry tracked for peer, for use when an
// endpoint is torn down.
func (s *Scheduler) Stop(peer message.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if k.peer == peer {
			e.Cancel()
			delete(s.entries, k)
		}
	}
}

// Remove drops the tracked entry for (peer, mid) without canceling its
// timer — callers use this after Ack/Cancel has already stopped it.
func (s *Scheduler) Remove(peer message.Endpoint, mid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key{peer, mid})
}

// Request returns the message this entry retransmits.
func (e *Entry) Request() message.Message { return e.req }

// Find returns the tracked Entry for (peer, mid), if any — used to
// deliver an incoming ACK/RST to the right retransmission cycle.
func (s *Scheduler) Find(peer message.Endpoint, mid uint16) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key{peer, mid}]
	return e, ok
}
