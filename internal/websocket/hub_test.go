package websocket

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func startHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub, cancel
}

func receive(t *testing.T, ch <-chan []byte) ([]byte, bool) {
	t.Helper()
	select {
	case msg, ok := <-ch:
		return msg, ok
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil, false
	}
}

func TestHub_PublishReachesJobSubscribersOnly(t *testing.T) {
	hub, _ := startHub(t)

	a := &Client{JobID: "a", Send: make(chan []byte, 4)}
	b := &Client{JobID: "b", Send: make(chan []byte, 4)}
	hub.Register(a)
	hub.Register(b)

	if err := hub.Publish(context.Background(), "a", []byte(`{"type":"progress"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, ok := receive(t, a.Send)
	if !ok || string(msg) != `{"type":"progress"}` {
		t.Errorf("unexpected message %q", msg)
	}
	select {
	case m := <-b.Send:
		t.Errorf("subscriber of another job received %q", m)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_UnregisterClosesSend(t *testing.T) {
	hub, _ := startHub(t)

	c := &Client{JobID: "a", Send: make(chan []byte, 1)}
	hub.Register(c)
	if hub.Subscribers("a") != 1 {
		t.Fatalf("expected one subscriber")
	}
	hub.Unregister(c)

	if _, ok := receive(t, c.Send); ok {
		t.Error("send channel should be closed after unregister")
	}
	if hub.Subscribers("a") != 0 {
		t.Errorf("expected no subscribers")
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	hub, _ := startHub(t)

	c := &Client{JobID: "a", Send: make(chan []byte)} // never drained
	hub.Register(c)
	_ = hub.Publish(context.Background(), "a", []byte("x"))

	deadline := time.Now().Add(time.Second)
	for hub.Subscribers("a") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slow consumer was not dropped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_StopClosesClientsAndRejectsRegistration(t *testing.T) {
	hub, cancel := startHub(t)

	c := &Client{JobID: "a", Send: make(chan []byte, 1)}
	hub.Register(c)
	cancel()

	if _, ok := receive(t, c.Send); ok {
		t.Error("send channel should be closed on stop")
	}
	if hub.Register(&Client{JobID: "b", Send: make(chan []byte)}) {
		t.Error("registration accepted after stop")
	}
}
