package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// startTestServer binds to an ephemeral loopback port, mirroring the
// teacher's StartTestServer helper for gateway integration tests.
func startTestServer(t *testing.T, s *Server) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.httpServer = &http.Server{Handler: s.buildMux()}
	go s.httpServer.Serve(ln)
	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpServer.Shutdown(ctx)
	}
}

func TestHandleHealthzReportsOK(t *testing.T) {
	s := New(NewBus(), nil)
	addr, stop := startTestServer(t, s)
	defer stop()

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	if err != nil {
		t.Fatalf("get /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestEventsStreamDeliversPublishedEvent(t *testing.T) {
	bus := NewBus()
	s := New(bus, nil)
	addr, stop := startTestServer(t, s)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/events", addr), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	// Give the handler a moment to register the subscriber before publishing.
	waitForSubscriber(t, bus)
	bus.Publish("task.completed", map[string]any{"taskId": "t-1"})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Name != "task.completed" {
		t.Fatalf("event name = %q, want task.completed", ev.Name)
	}
	if ev.Payload["taskId"] != "t-1" {
		t.Fatalf("payload[taskId] = %v, want t-1", ev.Payload["taskId"])
	}
}

func TestCheckOriginRejectsDisallowedOrigin(t *testing.T) {
	s := New(NewBus(), []string{"https://admin.example.com"})
	req, _ := http.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if s.checkOrigin(req) {
		t.Fatal("checkOrigin() = true, want false for disallowed origin")
	}
}

func TestCheckOriginAllowsWhenAllowlistEmpty(t *testing.T) {
	s := New(NewBus(), nil)
	req, _ := http.NewRequest(http.MethodGet, "/events", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	if !s.checkOrigin(req) {
		t.Fatal("checkOrigin() = false, want true when allowlist is empty")
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	bus := NewBus()
	ch := bus.subscribe("slow")
	defer bus.unsubscribe("slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 64; i++ {
			bus.Publish("auto.flag", map[string]any{"n": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber buffer")
	}
	<-ch
}

func waitForSubscriber(t *testing.T, bus *Bus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		bus.mu.RLock()
		n := len(bus.subs)
		bus.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for websocket subscriber registration")
}
