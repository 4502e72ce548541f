// Package httpapi implements the ambient admin surface (SPEC_FULL.md §C
// item 3): a read-only /healthz check and a websocket event feed mirroring
// AutoFlags/job/task transitions, grounded on the teacher's
// internal/gateway/server.go mux-building and client-registry pattern but
// reduced to read-only observability — no RPC method router, no managed-mode
// CRUD handlers, since none of that is in scope here.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one admin-stream notification (job/task/research transition or
// an auto-flag change).
type Event struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Bus fans out Events to every currently-connected /events client.
// Grounded on the teacher's eventPub.Subscribe/Unsubscribe client registry,
// simplified from a named bus.EventPublisher interface to a single
// in-process struct since this repo has no managed-mode multi-tenant bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Event)}
}

// Publish fans name/payload out to every subscriber, dropping the event for
// any subscriber whose buffer is full rather than blocking the publisher.
func (b *Bus) Publish(name string, payload map[string]any) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("httpapi: event dropped, subscriber buffer full", "subscriber", id, "event", name)
		}
	}
}

func (b *Bus) subscribe(id string) chan Event {
	ch := make(chan Event, 32)
	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return ch
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

// Server is the admin HTTP+websocket surface.
type Server struct {
	bus            *Bus
	allowedOrigins []string
	httpServer     *http.Server
	nextID         int
	mu             sync.Mutex
}

// New creates a Server bound to bus, with allowedOrigins mirroring the
// teacher's CORS allowlist semantics (empty = allow all).
func New(bus *Bus, allowedOrigins []string) *Server {
	return &Server{bus: bus, allowedOrigins: allowedOrigins}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	return mux
}

// Start listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.buildMux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	slog.Info("httpapi: admin surface starting", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("httpapi: listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok"}`)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range s.allowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("httpapi: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	id := s.nextSubID()
	ch := s.bus.subscribe(id)
	defer s.bus.unsubscribe(id)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) nextSubID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return fmt.Sprintf("sub-%d", s.nextID)
}
