package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func writeRelayConfig(t *testing.T, listen, kind, url string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	body := fmt.Sprintf(`server:
  listen: %q
  path: /chat
  shutdown_timeout: 1
bridge:
  kind: %s
  url: %q
log:
  level: error
`, listen, kind, url)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func clearRelayEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"RELAY_LISTEN", "RELAY_BRIDGE", "NATS_URL", "REDIS_ADDR"} {
		t.Setenv(name, "")
	}
}

func TestRun_ListenErrorStopsBridge(t *testing.T) {
	clearRelayEnv(t)
	mr := miniredis.RunT(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer taken.Close()

	path := writeRelayConfig(t, taken.Addr().String(), "redis", mr.Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := run(ctx, path); err == nil {
		t.Fatal("expected an error when the listen address is taken")
	}

	// The outbound subscription is released once run returns.
	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub("relay.outbound")["relay.outbound"] != 0 {
		if time.Now().After(deadline) {
			t.Fatal("bridge subscription still open after run returned")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRun_ReturnsNilOnCancel(t *testing.T) {
	clearRelayEnv(t)
	path := writeRelayConfig(t, "127.0.0.1:0", "none", "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, path) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	clearRelayEnv(t)
	path := writeRelayConfig(t, "127.0.0.1:0", "carrier-pigeon", "")
	if err := run(context.Background(), path); err == nil {
		t.Fatal("expected an error for an unknown bridge kind")
	}
}
