// Package eventstore implements the append-only, per-session, JSON-line
// structured event stream described in spec.md §4.1. It is the leaf
// dependency of the whole runtime: the evidence ledger, cost tracker,
// context pipeline, and memory engine all observe it via Subscribe.
package eventstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/pkg/redact"
)

// Listener observes every appended event, across all sessions, in append
// order. Listeners must not block; Append dispatches synchronously and a
// panicking listener is recovered and logged rather than allowed to break
// the stream.
type Listener func(ev Event)

// QueryOpts filters Query/QueryStructured.
type QueryOpts struct {
	Type string // exact type match; empty = all types
	Last int    // if > 0, return only the most recent Last events, newest-first
}

// Store is the append-only event log, one JSON-lines file per session
// under <dir>/<sessionId>.jsonl.
type Store struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	seq      uint64 // process-wide monotonic sequence, assigned under mu
	sessions map[string]*sessionLog

	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSubID int
}

type sessionLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	events []Event // in-memory tail cache for fast Query; full history still lives on disk
}

// New opens (creating if necessary) an event store rooted at dir.
func New(dir string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event store dir: %w", err)
	}
	s := &Store{
		dir:       dir,
		logger:    logger,
		sessions:  make(map[string]*sessionLog),
		listeners: make(map[int]Listener),
	}
	if err := s.loadExisting(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadExisting tolerates truncated/invalid trailing lines in any file found
// under dir, per spec.md §4.1 "Failure" contract.
func (s *Store) loadExisting() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read event store dir: %w", err)
	}
	var maxSeq uint64
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".jsonl" {
			continue
		}
		sessionID := ent.Name()[:len(ent.Name())-len(".jsonl")]
		log, err := s.openSessionLog(sessionID)
		if err != nil {
			return err
		}
		f, err := os.Open(filepath.Join(s.dir, ent.Name()))
		if err != nil {
			return fmt.Errorf("open %s: %w", ent.Name(), err)
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var ev Event
			if err := json.Unmarshal(line, &ev); err != nil {
				s.logger.Warn("skipping corrupt event line", zap.String("session", sessionID), zap.Error(err))
				continue
			}
			log.events = append(log.events, ev)
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}
		f.Close()
	}
	s.seq = maxSeq
	return nil
}

func (s *Store) openSessionLog(sessionID string) (*sessionLog, error) {
	if log, ok := s.sessions[sessionID]; ok {
		return log, nil
	}
	path := filepath.Join(s.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log %s: %w", sessionID, err)
	}
	log := &sessionLog{
		file:   f,
		writer: bufio.NewWriterSize(f, 32*1024),
	}
	s.sessions[sessionID] = log
	return log, nil
}

// Append assigns a stable id and a monotonically increasing global
// sequence number, normalizes and redacts the payload, persists the
// record, and dispatches it to subscribers synchronously.
func (s *Store) Append(sessionID, eventType string, turn *int, payload map[string]any) (Event, error) {
	s.mu.Lock()
	log, err := s.openSessionLog(sessionID)
	if err != nil {
		s.mu.Unlock()
		return Event{}, err
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	now := nowFn()
	ev := Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       seq,
		Type:      eventType,
		Timestamp: now,
		Turn:      turn,
		Payload:   normalizePayload(payload),
		Schema:    schemaVersion,
		Category:  inferCategory(eventType),
		IsoTime:   now.Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if ev.Payload != nil {
		if redacted, ok := redact.Value(ev.Payload).(map[string]any); ok {
			ev.Payload = redacted
		}
	}

	log.mu.Lock()
	data, marshalErr := json.Marshal(ev)
	if marshalErr != nil {
		log.mu.Unlock()
		return Event{}, fmt.Errorf("marshal event: %w", marshalErr)
	}
	if _, writeErr := log.writer.Write(append(data, '\n')); writeErr != nil {
		log.mu.Unlock()
		return Event{}, fmt.Errorf("append event: %w", writeErr)
	}
	if flushErr := log.writer.Flush(); flushErr != nil {
		log.mu.Unlock()
		return Event{}, fmt.Errorf("flush event log: %w", flushErr)
	}
	log.events = append(log.events, ev)
	log.mu.Unlock()

	s.dispatch(ev)
	return ev, nil
}

func (s *Store) dispatch(ev Event) {
	s.subMu.RLock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.subMu.RUnlock()

	for _, l := range listeners {
		s.invokeListener(l, ev)
	}
}

func (s *Store) invokeListener(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event listener panicked", zap.Any("panic", r), zap.String("event_type", ev.Type))
		}
	}()
	l(ev)
}

// Subscribe registers a listener and returns an unsubscribe function.
func (s *Store) Subscribe(l Listener) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.listeners[id] = l
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.listeners, id)
		s.subMu.Unlock()
	}
}

// Query returns events for a session honoring opts. With Last>0 the result
// is newest-first and capped at Last entries; otherwise it is the full
// ascending append order.
func (s *Store) Query(sessionID string, opts QueryOpts) []Event {
	s.mu.Lock()
	log, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	log.mu.Lock()
	snapshot := make([]Event, len(log.events))
	copy(snapshot, log.events)
	log.mu.Unlock()

	var filtered []Event
	for _, ev := range snapshot {
		if opts.Type != "" && ev.Type != opts.Type {
			continue
		}
		filtered = append(filtered, ev)
	}

	if opts.Last > 0 {
		start := len(filtered) - opts.Last
		if start < 0 {
			start = 0
		}
		tail := filtered[start:]
		reversed := make([]Event, len(tail))
		for i, ev := range tail {
			reversed[len(tail)-1-i] = ev
		}
		return reversed
	}
	return filtered
}

// QueryStructured is an alias kept distinct from Query per spec.md §4.1 —
// in this Go port both dynamic and structured payloads share one Event
// type, so the two entry points behave identically.
func (s *Store) QueryStructured(sessionID string, opts QueryOpts) []Event {
	return s.Query(sessionID, opts)
}

// Latest returns the most recently appended event for sessionID, if any.
func (s *Store) Latest(sessionID string) (Event, bool) {
	evs := s.Query(sessionID, QueryOpts{Last: 1})
	if len(evs) == 0 {
		return Event{}, false
	}
	return evs[0], true
}

// ListSessions returns every session id with at least one event, sorted.
func (s *Store) ListSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close flushes and closes all open session log files.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, log := range s.sessions {
		log.mu.Lock()
		if err := log.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := log.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		log.mu.Unlock()
	}
	return firstErr
}
