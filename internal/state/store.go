package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Store is the State Store (§4.1): an in-memory sessions map backed by a
// single JSON file, saved through a coalescing writer chain so that
// mutation order is preserved in save order without callers blocking on
// disk I/O.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	path     string

	saveMu   sync.Mutex
	saveTail chan struct{} // closed-channel chaining: always non-nil after NewStore
	saveErr  error
}

// Open loads path (creating an empty document if absent), applies the
// restart-reset normalization (§4.1), and returns a ready Store.
func Open(path string) (*Store, error) {
	s := &Store{
		sessions: make(map[string]*Session),
		path:     path,
	}
	s.saveTail = make(chan struct{})
	close(s.saveTail) // already "done" — first queueSave chains onto a finished tail

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}

	dirty := false
	for key, sess := range doc.Sessions {
		if sess == nil {
			continue
		}
		normalize(sess, key)
		if resetForRestart(sess) {
			dirty = true
		}
		s.sessions[key] = sess
	}

	if dirty {
		s.QueueSave()
	}
	return s, nil
}

// normalize fills defaults and coerces malformed fields on load (§4.1).
func normalize(sess *Session, key string) {
	if sess.Key == "" {
		sess.Key = key
	}
	if sess.Tasks == nil {
		sess.Tasks = []*Task{}
	}
	if sess.Plans == nil {
		sess.Plans = []*Plan{}
	}
	if sess.Jobs == nil {
		sess.Jobs = []*Job{}
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
}

// resetForRestart demotes a running task and clears taskLoop flags per the
// Session invariant: after a clean restart, running=false, stopRequested=false,
// currentTaskId=null, and any running Task is demoted to pending (§3).
func resetForRestart(sess *Session) bool {
	dirty := false
	if sess.TaskLoop.Running || sess.TaskLoop.StopRequested || sess.TaskLoop.CurrentTaskID != "" {
		sess.TaskLoop = TaskLoopState{}
		dirty = true
	}
	for _, t := range sess.Tasks {
		if t.Status == TaskRunning {
			t.Status = TaskPending
			t.LastError = "interrupted by relay restart"
			dirty = true
		}
	}
	return dirty
}

// GetOrCreate returns the session for key, creating it lazily (§3).
func (s *Store) GetOrCreate(key string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &Session{
		Key:       key,
		Tasks:     []*Task{},
		Plans:     []*Plan{},
		Jobs:      []*Job{},
		UpdatedAt: time.Now().UTC(),
	}
	s.sessions[key] = sess
	return sess
}

// Get returns the session for key if it exists.
func (s *Store) Get(key string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[key]
	return sess, ok
}

// Mutate runs fn with exclusive access to the session for key (creating it
// if absent), then queues a save. fn runs under the store-wide lock, so
// callers that mutate a session across a long call (an agent turn, a task
// loop) hold the *Session directly and call QueueSave themselves.
func (s *Store) Mutate(key string, fn func(*Session)) {
	s.mu.Lock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &Session{Key: key, Tasks: []*Task{}, Plans: []*Plan{}, Jobs: []*Job{}}
		s.sessions[key] = sess
	}
	fn(sess)
	sess.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
	s.QueueSave()
}

// Keys returns all known conversation keys (for restart recovery scans, §4.7).
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.sessions))
	for k := range s.sessions {
		keys = append(keys, k)
	}
	return keys
}

// snapshot returns a deep-enough copy of the document for JSON encoding
// under RLock, so concurrent mutators don't race with json.Marshal.
func (s *Store) snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc := Document{Version: CurrentVersion, Sessions: make(map[string]*Session, len(s.sessions))}
	for k, sess := range s.sessions {
		cp := *sess
		doc.Sessions[k] = &cp
	}
	return doc
}

// QueueSave chains a write onto the serialized save chain and returns
// immediately; it does not block the caller. Callers that need the durable
// guarantee call Flush() to await the latest queued write.
func (s *Store) QueueSave() {
	if s.path == "" {
		return
	}
	s.saveMu.Lock()
	prevTail := s.saveTail
	done := make(chan struct{})
	s.saveTail = done
	s.saveMu.Unlock()

	go func() {
		<-prevTail // preserves save ordering relative to mutation/queue order
		if err := s.writeOnce(); err != nil {
			slog.Error("state: save failed", "path", s.path, "error", err)
			s.saveMu.Lock()
			s.saveErr = err
			s.saveMu.Unlock()
		}
		close(done)
	}()
}

// Flush blocks until every QueueSave enqueued before this call has been
// attempted, and returns the most recent save error (if any).
func (s *Store) Flush() error {
	s.saveMu.Lock()
	tail := s.saveTail
	s.saveMu.Unlock()
	<-tail
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.saveErr
}

func (s *Store) writeOnce() error {
	doc := s.snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("state: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "sessions-*.tmp")
	if err != nil {
		return fmt.Errorf("state: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("state: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("state: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("state: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("state: rename: %w", err)
	}
	cleanup = false
	return nil
}
