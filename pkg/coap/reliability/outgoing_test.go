package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/coaperrors"
	"github.com/coapcore/coapcore/pkg/coap/exchange"
	"github.com/coapcore/coapcore/pkg/coap/message"
	"github.com/coapcore/coapcore/pkg/coap/mid"
	"github.com/coapcore/coapcore/pkg/coap/retransmit"
)

func fastRetransmitTimers() message.Timers {
	return message.Timers{
		AckTimeout:      10 * time.Millisecond,
		AckRandomFactor: 1.0,
		MaxRetransmit:   2,
	}
}

func newTestOutgoing() (*Outgoing, *fakeTransport) {
	transport := &fakeTransport{}
	reg := exchange.New(time.Minute)
	timers := fastRetransmitTimers()
	return NewOutgoing(reg, mid.New(), retransmit.New(timers), timers, transport), transport
}

func TestSendRequestResolvesOnAck(t *testing.T) {
	out, transport := newTestOutgoing()
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	req := message.Message{Type: message.Confirmable, Code: message.GET, Token: []byte("t1")}

	pending, err := out.SendRequest(context.Background(), peer, req)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	sent := transport.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	sentMid := sent[0].msg.MessageID

	ack := message.Message{Type: message.Acknowledgement, Code: message.Content, MessageID: sentMid, Token: []byte("t1"), Payload: []byte("23")}
	out.HandleInbound(peer, ack)

	select {
	case outcome := <-pending.Done:
		if outcome.Err != nil {
			t.Fatalf("outcome.Err = %v, want nil", outcome.Err)
		}
		if string(outcome.Response.Payload) != "23" {
			t.Errorf("Response.Payload = %q, want 23", outcome.Response.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("pending.Done never resolved")
	}
}

func TestSendRequestResolvesOnPeerReset(t *testing.T) {
	out, transport := newTestOutgoing()
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	req := message.Message{Type: message.Confirmable, Code: message.GET, Token: []byte("t2")}

	pending, err := out.SendRequest(context.Background(), peer, req)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}
	sent := transport.snapshot()
	sentMid := sent[0].msg.MessageID

	rst := message.Message{Type: message.Reset, MessageID: sentMid}
	out.HandleInbound(peer, rst)

	select {
	case outcome := <-pending.Done:
		kind, ok := coaperrors.KindOf(outcome.Err)
		if !ok || kind != coaperrors.PeerReset {
			t.Fatalf("KindOf(err) = %v, %v; want PeerReset, true", kind, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("pending.Done never resolved")
	}
}

func TestSendRequestTimesOutAfterExhaustion(t *testing.T) {
	out, _ := newTestOutgoing()
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}
	req := message.Message{Type: message.Confirmable, Code: message.GET, Token: []byte("t3")}

	pending, err := out.SendRequest(context.Background(), peer, req)
	if err != nil {
		t.Fatalf("SendRequest() error = %v", err)
	}

	select {
	case outcome := <-pending.Done:
		kind, ok := coaperrors.KindOf(outcome.Err)
		if !ok || kind != coaperrors.CONTimeout {
			t.Fatalf("KindOf(err) = %v, %v; want CONTimeout, true", kind, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending.Done never resolved on exhaustion")
	}
}

func TestSendSeparateResponseAllocatesFreshMid(t *testing.T) {
	out, transport := newTestOutgoing()
	peer := message.Endpoint{IP: "192.0.2.1", Port: 5683}

	out.SendSeparateResponse(peer, message.Message{Code: message.Content, Token: []byte("ab"), Payload: []byte("23")})

	sent := transport.snapshot()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	got := sent[0].msg
	if got.Type != message.Confirmable {
		t.Errorf("Type = %v, want Confirmable", got.Type)
	}
	if string(got.Token) != "ab" {
		t.Errorf("Token = %q, want ab", got.Token)
	}
}
