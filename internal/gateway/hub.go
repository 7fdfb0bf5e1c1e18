package gateway

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Hub owns the set of live connections and the session-subscription
// reverse index, generalizing the teacher's register/unregister/broadcast
// Hub (websocket/handler.go) from a single shared channel map into the
// explicit per-session fan-out and process-wide monotonic seq spec.md §3
// and §4.9 require.
type Hub struct {
	logger *zap.Logger

	mu          sync.RWMutex
	conns       map[string]*conn
	bySession   map[string]map[string]*conn // sessionId -> connId -> conn

	seq uint64 // atomic: process-wide monotonic broadcast sequence
}

func newHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:    logger,
		conns:     make(map[string]*conn),
		bySession: make(map[string]map[string]*conn),
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

// unregister removes c from the connection table and every session's
// reverse index, per spec.md §4.9 ("Socket close removes the connection
// from every reverse index.").
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	for sessionID, set := range h.bySession {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	c.stop(nil)
}

func (h *Hub) subscribe(c *conn, sessionID string) {
	h.mu.Lock()
	set, ok := h.bySession[sessionID]
	if !ok {
		set = make(map[string]*conn)
		h.bySession[sessionID] = set
	}
	set[c.id] = c
	h.mu.Unlock()
	c.subscribe(sessionID)
}

func (h *Hub) unsubscribe(c *conn, sessionID string) {
	h.mu.Lock()
	if set, ok := h.bySession[sessionID]; ok {
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.bySession, sessionID)
		}
	}
	h.mu.Unlock()
	c.unsubscribe(sessionID)
}

func (h *Hub) nextSeq() uint64 {
	return atomic.AddUint64(&h.seq, 1)
}

// broadcast delivers event/payload, with a single shared seq, to every
// currently authenticated connection (spec.md §4.9: "Broadcast events...
// carry a shared seq across all authenticated connections.").
func (h *Hub) broadcast(event string, payload any) {
	seq := h.nextSeq()
	frame := EventFrame{Type: FrameEvent, Event: event, Seq: seq, Payload: payload}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if c.isAuthenticated() {
			c.writeJSON(frame)
		}
	}
}

// sendToSession delivers event/payload, with a single shared seq, only to
// connections currently subscribed to sessionID (spec.md §4.9 and
// property "For all broadcast events delivered to connections A and B
// both authenticated before the event fires, seq_A == seq_B").
func (h *Hub) sendToSession(sessionID, event string, payload any) {
	seq := h.nextSeq()
	frame := EventFrame{Type: FrameEvent, Event: event, Seq: seq, Payload: payload}

	h.mu.RLock()
	set := h.bySession[sessionID]
	recipients := make([]*conn, 0, len(set))
	for _, c := range set {
		recipients = append(recipients, c)
	}
	h.mu.RUnlock()

	for _, c := range recipients {
		c.writeJSON(frame)
	}
}

// closeAuthenticatedWith closes every connection whose authenticatedToken
// equals token, clearing their subscription entries first (spec.md §4.9
// "gateway.rotate-token... closes every connection whose
// authenticatedToken is the previous token with code 1008"), except is
// skipped even if its token matches — callers use this to defer closing
// their own in-flight connection until its response has been written, so
// the rotate-token caller still receives its own {rotated:true} reply
// before its socket goes away. Returns the number of connections closed.
func (h *Hub) closeAuthenticatedWith(token string, code int, reason string, except *conn) int {
	h.mu.Lock()
	var targets []*conn
	for _, c := range h.conns {
		if c == except {
			continue
		}
		if c.tokenMatches(token) {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.closeWithCode(code, reason)
	}
	return len(targets)
}

func (h *Hub) connectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
