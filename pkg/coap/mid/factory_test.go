package mid

import (
	"context"
	"testing"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/coaperrors"
	"github.com/coapcore/coapcore/pkg/coap/message"
)

func TestAllocateNeverReturnsDuplicateBeforeRelease(t *testing.T) {
	f := New()
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	ctx := context.Background()

	seen := make(map[uint16]bool)
	for i := 0; i < 1000; i++ {
		id, err := f.Allocate(ctx, peer)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if seen[id] {
			t.Fatalf("Allocate() returned duplicate id %d before release", id)
		}
		seen[id] = true
	}
}

func TestAllocateReusesIdAfterRelease(t *testing.T) {
	f := newWithSpace(message.DefaultMessageIDReservationTTL, 16)
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	ctx := context.Background()

	id, err := f.Allocate(ctx, peer)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	f.Release(peer, id)

	found := false
	for i := 0; i < 16; i++ {
		got, err := f.Allocate(ctx, peer)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if got == id {
			found = true
			break
		}
	}
	if !found {
		t.Error("released id was never reallocated")
	}
}

func TestAllocateExhaustion(t *testing.T) {
	f := newWithSpace(time.Hour, 16)
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	ctx := context.Background()

	for i := 0; i < 16; i++ {
		if _, err := f.Allocate(ctx, peer); err != nil {
			t.Fatalf("Allocate() #%d error = %v", i, err)
		}
	}

	_, err := f.Allocate(ctx, peer)
	if kind, ok := coaperrors.KindOf(err); !ok || kind != coaperrors.NoFreeMessageIDs {
		t.Fatalf("KindOf() = %v, %v; want NoFreeMessageIDs, true", kind, ok)
	}
}

func TestAllocateIsolatesPeers(t *testing.T) {
	f := New()
	ctx := context.Background()
	a := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	b := message.Endpoint{IP: "192.0.2.2", Port: 5683}

	idA, err := f.Allocate(ctx, a)
	if err != nil {
		t.Fatalf("Allocate(a) error = %v", err)
	}
	f.Release(a, idA)

	for i := 0; i < 10; i++ {
		if _, err := f.Allocate(ctx, b); err != nil {
			t.Fatalf("Allocate(b) error = %v", err)
		}
	}
}

func TestAllocateReservationExpires(t *testing.T) {
	f := newWithSpace(10*time.Millisecond, 16)
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	ctx := context.Background()

	id, err := f.Allocate(ctx, peer)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	found := false
	for i := 0; i < 16; i++ {
		got, err := f.Allocate(ctx, peer)
		if err != nil {
			t.Fatalf("Allocate() error = %v", err)
		}
		if got == id {
			found = true
			break
		}
	}
	if !found {
		t.Error("expired reservation was never reallocated")
	}
}

func TestAllocateRejectsCancelledContext(t *testing.T) {
	f := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Allocate(ctx, message.Endpoint{IP: "192.0.2.1", Port: 5683})
	if err == nil {
		t.Error("expected error for cancelled context")
	}
}
