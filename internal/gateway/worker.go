package gateway

import (
	"sync/atomic"
	"time"

	"github.com/codeorc/orchestrator/internal/sessionrt"
)

// Worker is one session's backend: an in-process handle over the Session
// Runtime façade. Spec.md's source system spawns an OS child process per
// session and talks to it over a duplex channel; the underlying LLM/agent
// process is explicitly out of scope here ("the LLM client itself...
// treated as an opaque collaborator that accepts prompts and returns
// tokens/usage"), so there is nothing left for a real subprocess to run —
// a Worker is the supervisor's handle on a session's already-in-process
// *sessionrt.Runtime state, matching the teacher's own nearest analogue
// (domain/agent/spawner.go's InMemorySpawner, which tracks agents as
// in-process records, not OS processes).
type Worker struct {
	SessionID string
	Runtime   *sessionrt.Runtime
	CreatedAt time.Time

	lastActivityAt int64 // atomic: unix nanos
	pending        int32 // atomic: in-flight request count
	readyRequestID atomic.Value // string; empty means none
	turn           int32        // atomic: last turn index handed out
}

func newWorker(sessionID string, rt *sessionrt.Runtime, now time.Time) *Worker {
	w := &Worker{SessionID: sessionID, Runtime: rt, CreatedAt: now}
	w.touch(now)
	w.readyRequestID.Store("")
	return w
}

func (w *Worker) touch(now time.Time) {
	atomic.StoreInt64(&w.lastActivityAt, now.UnixNano())
}

func (w *Worker) lastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&w.lastActivityAt))
}

func (w *Worker) beginRequest(requestID string) {
	atomic.AddInt32(&w.pending, 1)
	w.readyRequestID.Store(requestID)
}

func (w *Worker) endRequest(now time.Time) {
	atomic.AddInt32(&w.pending, -1)
	w.readyRequestID.Store("")
	w.touch(now)
}

func (w *Worker) pendingRequests() int {
	return int(atomic.LoadInt32(&w.pending))
}

func (w *Worker) hasReadyRequest() bool {
	v, _ := w.readyRequestID.Load().(string)
	return v != ""
}

// idleEligible reports whether the worker may be reaped, per spec.md
// §4.9: "closed only when now - lastActivityAt >= sessionIdleTtlMs AND
// pendingRequests == 0 AND readyRequestId == undefined".
func (w *Worker) idleEligible(now time.Time, ttl time.Duration) bool {
	return now.Sub(w.lastActivity()) >= ttl && w.pendingRequests() == 0 && !w.hasReadyRequest()
}

// nextTurn assigns and returns the next monotonic turn index for this
// session's worker (spec.md §3 "current turn index (monotonic
// non-decreasing)").
func (w *Worker) nextTurn() int {
	return int(atomic.AddInt32(&w.turn, 1))
}
