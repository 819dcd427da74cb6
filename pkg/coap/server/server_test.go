package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/coapcore/coapcore/pkg/coap/config"
	"github.com/coapcore/coapcore/pkg/coap/message"
	"github.com/coapcore/coapcore/pkg/coap/transport"
	"github.com/coapcore/coapcore/pkg/coap/webservice"
)

func TestServerAnswersGetWithPiggybackedResponse(t *testing.T) {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AckTimeout = 200 * time.Millisecond

	srv := New(cfg, nil, nil)
	res := webservice.NewResource("/time", 60, false)
	res.Set([]byte("12:00"))
	srv.Register(res)

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer srv.Stop()

	received := make(chan message.Message, 1)
	client, err := transport.Listen("127.0.0.1:0", transport.DefaultConfig(), func(ctx context.Context, peer message.Endpoint, msg message.Message) {
		received <- msg
	})
	if err != nil {
		t.Fatalf("transport.Listen() error = %v", err)
	}
	defer client.Close()
	go client.Run()

	udpAddr, err := net.ResolveUDPAddr("udp", srv.LocalAddr())
	if err != nil {
		t.Fatalf("ResolveUDPAddr() error = %v", err)
	}
	serverAddr := message.EndpointFromUDP(udpAddr)

	req := message.Message{
		Type:      message.Confirmable,
		Code:      message.GET,
		MessageID: 0x1001,
		Token:     []byte("ab"),
		Options:   message.Options{}.Add(message.OptionUriPath, []byte("time")),
	}
	if err := client.Send(serverAddr, req); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case resp := <-received:
		if resp.Type != message.Acknowledgement || resp.MessageID != 0x1001 {
			t.Fatalf("got %+v, want piggy-backed ACK mid=0x1001", resp)
		}
		if string(resp.Payload) != "12:00" {
			t.Errorf("Payload = %q, want 12:00", resp.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no response received")
	}
}
