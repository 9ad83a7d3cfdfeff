package session

import (
	"context"
	"testing"
	"time"
)

func TestLoopbackBus_DeliversToOtherSubscriber(t *testing.T) {
	a := NewLoopbackBus()
	b := NewLoopbackBus()
	ctx := context.Background()
	channel := "race-TESTAB"

	if err := a.Connect(ctx, channel); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	if err := b.Connect(ctx, channel); err != nil {
		t.Fatalf("b.Connect: %v", err)
	}
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.SubscribeMessages(func(payload []byte) { received <- payload })

	if err := a.Send([]byte("hello")); err != nil {
		t.Fatalf("a.Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestLoopbackBus_DoesNotEchoToSender(t *testing.T) {
	a := NewLoopbackBus()
	ctx := context.Background()
	channel := "race-TESTEC"
	if err := a.Connect(ctx, channel); err != nil {
		t.Fatalf("a.Connect: %v", err)
	}
	defer a.Close()

	received := make(chan []byte, 1)
	a.SubscribeMessages(func(payload []byte) { received <- payload })
	a.Send([]byte("echo-check"))

	select {
	case <-received:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackBus_UnsubscribeStopsDelivery(t *testing.T) {
	a := NewLoopbackBus()
	b := NewLoopbackBus()
	ctx := context.Background()
	channel := "race-TESTUN"
	a.Connect(ctx, channel)
	b.Connect(ctx, channel)
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 2)
	unsub := b.SubscribeMessages(func(payload []byte) { received <- payload })
	unsub()

	a.Send([]byte("should not arrive"))
	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLoopbackBus_SendBeforeConnectFails(t *testing.T) {
	a := NewLoopbackBus()
	if err := a.Send([]byte("x")); err != ErrBusNotConnected {
		t.Fatalf("err = %v, want ErrBusNotConnected", err)
	}
}

func TestLoopbackBus_ConnectNotifiesState(t *testing.T) {
	a := NewLoopbackBus()
	states := make(chan bool, 2)
	a.SubscribeState(func(connected bool) { states <- connected })

	a.Connect(context.Background(), "race-TESTST")
	select {
	case v := <-states:
		if !v {
			t.Fatal("expected connect to notify true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for connect notification")
	}

	a.Close()
	select {
	case v := <-states:
		if v {
			t.Fatal("expected close to notify false")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestLoopbackBus_ChannelsAreIsolated(t *testing.T) {
	a := NewLoopbackBus()
	b := NewLoopbackBus()
	a.Connect(context.Background(), "race-ROOM1")
	b.Connect(context.Background(), "race-ROOM2")
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.SubscribeMessages(func(payload []byte) { received <- payload })
	a.Send([]byte("cross-channel"))

	select {
	case <-received:
		t.Fatal("expected no delivery across distinct channels")
	case <-time.After(100 * time.Millisecond):
	}
}
