package transport

import (
	"context"
	"testing"
	"time"
)

func TestMockNetworkDeliversBetweenNodes(t *testing.T) {
	net := NewMockNetwork()
	a := net.NewMockTransport("node-a", 4)
	b := net.NewMockTransport("node-b", 4)

	err := a.Send(context.Background(), OutMessage{ToNodes: []string{"node-b"}, MessageType: MsgChainSampleRequest, Payload: []byte("hi")})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-b.Inbox():
		if msg.FromNode != "node-a" || string(msg.Payload) != "hi" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestMockSendToUnknownNodeIsNoop(t *testing.T) {
	net := NewMockNetwork()
	a := net.NewMockTransport("node-a", 4)

	if err := a.Send(context.Background(), OutMessage{ToNodes: []string{"ghost"}, Payload: []byte("x")}); err != nil {
		t.Fatalf("send to unknown node should be a silent no-op, got %v", err)
	}
}

func TestMockSendFullInboxDropsSilently(t *testing.T) {
	net := NewMockNetwork()
	a := net.NewMockTransport("node-a", 1)
	b := net.NewMockTransport("node-b", 1)

	for i := 0; i < 3; i++ {
		if err := a.Send(context.Background(), OutMessage{ToNodes: []string{"node-b"}, Payload: []byte("x")}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(b.Inbox()) != 1 {
		t.Fatalf("inbox length = %d, want 1 (overflow dropped)", len(b.Inbox()))
	}
}

func TestCorrelatorResolvesAwait(t *testing.T) {
	c := NewCorrelator()
	done := make(chan InMessage, 1)
	go func() {
		msg, err := c.Await(context.Background(), "rv-1")
		if err == nil {
			done <- msg
		}
	}()

	time.Sleep(10 * time.Millisecond)
	if !c.Resolve(InMessage{RendezvousID: "rv-1", Payload: []byte("resp")}) {
		t.Fatal("expected resolve to find the waiting rendezvous id")
	}

	select {
	case msg := <-done:
		if string(msg.Payload) != "resp" {
			t.Fatalf("payload = %q", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("await did not return")
	}
}

func TestCorrelatorAwaitTimesOut(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Await(ctx, "rv-2")
	if err == nil {
		t.Fatal("expected timeout error")
	}
}
