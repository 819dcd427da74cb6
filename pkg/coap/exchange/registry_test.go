package exchange

import (
	"sync"
	"testing"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/message"
)

func testPeer() message.Endpoint {
	return message.Endpoint{IP: "192.0.2.1", Port: 5683}
}

func TestInsertIfAbsentRejectsDuplicateMessageID(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1, Token: []byte{0x01}}

	_, ok := r.InsertIfAbsent(peer, req)
	if !ok {
		t.Fatal("first insert should succeed")
	}

	_, ok = r.InsertIfAbsent(peer, req)
	if ok {
		t.Fatal("second insert with same (peer, message-id) should be rejected as a duplicate")
	}
}

func TestFindByMIDAndToken(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 7, Token: []byte{0xaa, 0xbb}}

	e, ok := r.InsertIfAbsent(peer, req)
	if !ok {
		t.Fatal("insert should succeed")
	}

	if got, ok := r.FindByMID(peer, 7); !ok || got != e {
		t.Error("FindByMID did not return the inserted entry")
	}
	if got, ok := r.FindByToken(peer, req.Token); !ok || got != e {
		t.Error("FindByToken did not return the inserted entry")
	}
}

func TestPiggybackWinsRaceAgainstEmptyAck(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1}
	e, _ := r.InsertIfAbsent(peer, req)

	piggyback, ok := r.TryAttachResponse(e, message.Message{Code: message.Content})
	if !ok || !piggyback {
		t.Fatalf("TryAttachResponse() = (%v, %v), want (true, true) when no empty ACK was sent yet", piggyback, ok)
	}
	if e.Phase() != PhaseResolved {
		t.Errorf("Phase() = %v, want PhaseResolved", e.Phase())
	}
}

func TestEmptyAckThenSeparateResponse(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1}
	e, _ := r.InsertIfAbsent(peer, req)

	if !r.TryMarkEmptyAckSent(e) {
		t.Fatal("TryMarkEmptyAckSent should succeed from PhaseAwaitingResponse")
	}

	piggyback, ok := r.TryAttachResponse(e, message.Message{Code: message.Content})
	if !ok || piggyback {
		t.Fatalf("TryAttachResponse() = (%v, %v), want (false, true) after an empty ACK was sent", piggyback, ok)
	}
}

func TestTryMarkEmptyAckSentFailsAfterResolution(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1}
	e, _ := r.InsertIfAbsent(peer, req)

	if _, ok := r.TryAttachResponse(e, message.Message{Code: message.Content}); !ok {
		t.Fatal("TryAttachResponse should succeed")
	}

	if r.TryMarkEmptyAckSent(e) {
		t.Error("TryMarkEmptyAckSent must fail once the exchange is already resolved")
	}
}

func TestConcurrentEmptyAckAndResponseResolveExactlyOnce(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1}
	e, _ := r.InsertIfAbsent(peer, req)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.TryMarkEmptyAckSent(e)
	}()
	var piggyback, ok bool
	go func() {
		defer wg.Done()
		piggyback, ok = r.TryAttachResponse(e, message.Message{Code: message.Content})
	}()
	wg.Wait()

	if !ok {
		t.Fatal("exactly one resolution path must succeed")
	}
	_ = piggyback
	if e.Phase() != PhaseResolved {
		t.Errorf("Phase() = %v, want PhaseResolved", e.Phase())
	}
}

func TestEvictRemovesBothIndexes(t *testing.T) {
	r := New(time.Minute)
	peer := testPeer()
	req := message.Message{MessageID: 1, Token: []byte{0x01}}
	e, _ := r.InsertIfAbsent(peer, req)

	r.Evict(e)

	if _, ok := r.FindByMID(peer, 1); ok {
		t.Error("FindByMID should miss after Evict")
	}
	if _, ok := r.FindByToken(peer, req.Token); ok {
		t.Error("FindByToken should miss after Evict")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestEntryAutoEvictsAfterLifetime(t *testing.T) {
	r := New(20 * time.Millisecond)
	peer := testPeer()
	req := message.Message{MessageID: 1}
	r.InsertIfAbsent(peer, req)

	time.Sleep(100 * time.Millisecond)

	if _, ok := r.FindByMID(peer, 1); ok {
		t.Error("entry should have auto-evicted after its lifetime elapsed")
	}
}
