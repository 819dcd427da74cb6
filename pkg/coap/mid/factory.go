// Package mid allocates CoAP message-IDs (RFC 7252 §4.4): 16-bit values
// that must not be reused for a peer endpoint until no message using them
// could still be in flight. Grounded on sip/transaction/id_generator.go's
// atomic-counter-plus-reservation-map shape, generalized from SIP's
// string branch-IDs to CoAP's 16-bit integer space, and fixing the
// distilled source's masking bug (spec.md §9: the source's generator
// masks to 0x0FFF, a 12-bit space, not the 16-bit space RFC 7252 defines).
package mid

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/coaperrors"
	"github.com/coapcore/coapcore/pkg/coap/message"
)

// spaceSize is the full 16-bit message-ID space (RFC 7252 §4.8: message-ID
// is a 16-bit unsigned integer).
const spaceSize = 1 << 16

// Factory allocates message-IDs per remote endpoint, holding each allocated
// ID reserved (unusable by a future Allocate call for that endpoint) for at
// least reservationTTL — by default message.DefaultMessageIDReservationTTL,
// RFC 7252's EXCHANGE_LIFETIME.
type Factory struct {
	reservationTTL time.Duration
	space          uint32 // size of the ID space in use; spaceSize unless overridden by a test

	mu         sync.Mutex
	reserved   map[endpointKey]map[uint16]*time.Timer
	nextByPeer map[endpointKey]uint32 // next counter value to try, pre-mask
}

type endpointKey = message.Endpoint

// New builds a Factory with the RFC-compliant default reservation TTL.
func New() *Factory {
	return NewWithTTL(message.DefaultMessageIDReservationTTL)
}

// NewWithTTL builds a Factory with an explicit reservation TTL, mainly for
// tests that don't want to wait 247 seconds for a slot to free.
func NewWithTTL(ttl time.Duration) *Factory {
	return newWithSpace(ttl, spaceSize)
}

// newWithSpace builds a Factory over a smaller-than-RFC ID space, so tests
// can exercise exhaustion without 65536 allocations.
func newWithSpace(ttl time.Duration, space uint32) *Factory {
	return &Factory{
		reservationTTL: ttl,
		space:          space,
		reserved:       make(map[endpointKey]map[uint16]*time.Timer),
		nextByPeer:     make(map[endpointKey]uint32),
	}
}

// Allocate returns a message-ID not currently reserved for peer, reserving
// it until the TTL elapses or Release is called explicitly. It returns a
// *coaperrors.Error of Kind coaperrors.NoFreeMessageIDs if every one of
// the 65536 IDs for this peer is currently reserved.
func (f *Factory) Allocate(ctx context.Context, peer message.Endpoint) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	slots, ok := f.reserved[peer]
	if !ok {
		slots = make(map[uint16]*time.Timer)
		f.reserved[peer] = slots
	}
	if uint32(len(slots)) >= f.space {
		return 0, coaperrors.New(coaperrors.NoFreeMessageIDs, "all message-IDs reserved for peer").
			WithField("peer", peer.String())
	}

	start := f.nextByPeer[peer]
	if start == 0 {
		start = randomStart() % f.space
	}

	for i := uint32(0); i < f.space; i++ {
		candidate := uint16((start + i) % f.space)
		if _, taken := slots[candidate]; taken {
			continue
		}
		f.nextByPeer[peer] = (uint32(candidate) + 1) % f.space
		f.reserve(peer, candidate)
		return candidate, nil
	}

	return 0, coaperrors.New(coaperrors.NoFreeMessageIDs, "exhausted message-ID search for peer").
		WithField("peer", peer.String())
}

// reserve must be called with f.mu held.
func (f *Factory) reserve(peer message.Endpoint, id uint16) {
	timer := time.AfterFunc(f.reservationTTL, func() { f.Release(peer, id) })
	f.reserved[peer][id] = timer
}

// Release frees id for peer immediately, without waiting for the
// reservation TTL. Callers use this when they learn an exchange concluded
// well inside EXCHANGE_LIFETIME and want the ID back sooner — an
// optimization, never a correctness requirement.
func (f *Factory) Release(peer message.Endpoint, id uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slots, ok := f.reserved[peer]
	if !ok {
		return
	}
	if timer, ok := slots[id]; ok {
		timer.Stop()
		delete(slots, id)
	}
	if len(slots) == 0 {
		delete(f.reserved, peer)
		delete(f.nextByPeer, peer)
	}
}

// randomStart picks a crypto-random starting counter so independently
// restarted processes don't all begin allocating from message-ID 0.
func randomStart() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano() % spaceSize)
	}
	v := binary.BigEndian.Uint32(b[:])
	return v % spaceSize
}
