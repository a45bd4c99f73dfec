package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/erilali/wsrelay/internal/api"
	"github.com/erilali/wsrelay/internal/config"
	"github.com/erilali/wsrelay/internal/hub"
	"github.com/erilali/wsrelay/internal/logger"
)

type sinkConn struct {
	mu     sync.Mutex
	frames []string
}

func (c *sinkConn) WriteText(ctx context.Context, payload string) error {
	c.mu.Lock()
	c.frames = append(c.frames, payload)
	c.mu.Unlock()
	return nil
}

func (c *sinkConn) Close() error { return nil }

func serverConfig() config.ServerConfig {
	return config.ServerConfig{
		Listen:          "127.0.0.1:0",
		Path:            "/chat",
		MaxMessageSize:  16,
		SendTimeout:     1,
		ShutdownTimeout: 1,
	}
}

func newTestServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	h := hub.NewHub(hub.Options{})
	srv := httptest.NewServer(api.NewServer(serverConfig(), h, "none", logger.Nop()).Handler())
	t.Cleanup(func() {
		h.Shutdown(context.Background())
		srv.Close()
	})
	return h, srv
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func TestHealth_ReportsSessions(t *testing.T) {
	h, srv := newTestServer(t)
	h.Connect(&sinkConn{})
	h.Connect(&sinkConn{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	m := decode(t, resp)
	if m["status"] != "ok" || m["bridge"] != "none" {
		t.Errorf("health: got %v", m)
	}
	if m["sessions"] != float64(2) {
		t.Errorf("sessions: got %v, want 2", m["sessions"])
	}
}

func TestSessions_ListsIDsInOrder(t *testing.T) {
	h, srv := newTestServer(t)
	a, _ := h.Connect(&sinkConn{})
	b, _ := h.Connect(&sinkConn{})

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	m := decode(t, resp)
	ids, ok := m["sessions"].([]interface{})
	if !ok || len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Errorf("sessions: got %v, want [%s %s]", m["sessions"], a, b)
	}
}

func TestBroadcast_ReachesEverySession(t *testing.T) {
	h, srv := newTestServer(t)
	a, b := &sinkConn{}, &sinkConn{}
	h.Connect(a)
	h.Connect(b)

	resp, err := http.Post(srv.URL+"/api/broadcast", "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status: got %d, want 202", resp.StatusCode)
	}
	m := decode(t, resp)
	if m["delivered_to"] != float64(2) {
		t.Errorf("delivered_to: got %v, want 2", m["delivered_to"])
	}
	for name, c := range map[string]*sinkConn{"a": a, "b": b} {
		if len(c.frames) != 1 || c.frames[0] != "x" {
			t.Errorf("%s frames: got %v, want [x]", name, c.frames)
		}
	}
}

func TestBroadcast_RejectsWrongMethodAndLargeBody(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/broadcast")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET status: got %d, want 405", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/api/broadcast", "text/plain", strings.NewReader(strings.Repeat("a", 64)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("POST status: got %d, want 413", resp.StatusCode)
	}
}

func TestChatPath_RelaysBothWays(t *testing.T) {
	h, srv := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.SessionCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Post(srv.URL+"/api/broadcast", "text/plain", strings.NewReader("ping"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(data) != "ping" {
		t.Errorf("frame: got %q, want ping", data)
	}
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	h := hub.NewHub(hub.Options{})
	c := &sinkConn{}
	h.Connect(c)
	s := api.NewServer(serverConfig(), h, "none", logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if n := h.SessionCount(); n != 0 {
		t.Errorf("SessionCount after shutdown: got %d, want 0", n)
	}
}

func TestHandler_ServesEveryReservedPath(t *testing.T) {
	_, srv := newTestServer(t)

	for _, p := range config.ReservedPaths {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("GET %s: %v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			t.Errorf("GET %s = 404; reserved path is not routed", p)
		}
	}
}
