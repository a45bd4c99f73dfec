package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func dialRedis(t *testing.T) (*miniredis.Miniredis, *RedisTransport) {
	t.Helper()
	mr := miniredis.RunT(t)
	tr, err := DialRedis(mr.Addr())
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return mr, tr
}

func TestRedisTransport_PublishReachesSubscriber(t *testing.T) {
	_, tr := dialRedis(t)

	got := make(chan []byte, 1)
	unsub, err := tr.Subscribe("relay.outbound", func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer unsub()

	if err := tr.Publish(context.Background(), "relay.outbound", []byte("hello")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case data := <-got:
		if string(data) != "hello" {
			t.Errorf("got %q, want %q", data, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	if tr.Name() != "redis" {
		t.Errorf("Name() = %q, want redis", tr.Name())
	}
}

func TestRedisTransport_UnsubscribeStopsDelivery(t *testing.T) {
	mr, tr := dialRedis(t)

	got := make(chan []byte, 4)
	unsub, err := tr.Subscribe("relay.outbound", func(data []byte) { got <- data })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if n := mr.PubSubNumSub("relay.outbound")["relay.outbound"]; n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}
	if err := unsub(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("relay.outbound")["relay.outbound"] != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription still registered after unsubscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := tr.Publish(context.Background(), "relay.outbound", []byte("late")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case data := <-got:
		t.Fatalf("received %q after unsubscribe", data)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisTransport_PublishAfterClose(t *testing.T) {
	_, tr := dialRedis(t)

	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Publish(context.Background(), "relay.inbound", []byte("x")); err == nil {
		t.Fatal("expected Publish to fail after Close")
	}
}

func TestDialRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	if _, err := DialRedis(addr); err == nil {
		t.Fatal("expected an error dialing a stopped server")
	}
}
