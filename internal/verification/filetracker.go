package verification

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/codeorc/orchestrator/pkg/apperr"
)

// PatchAction is the kind of change a tracked path underwent.
type PatchAction string

const (
	PatchAdd    PatchAction = "add"
	PatchModify PatchAction = "modify"
	PatchDelete PatchAction = "delete"
)

// PatchEntry is one path's before/after state within a patch set.
type PatchEntry struct {
	Path       string      `json:"path"`
	Action     PatchAction `json:"action"`
	BeforeB64  string      `json:"beforeB64,omitempty"`
	HadBefore  bool        `json:"hadBefore"`
}

// patchManifest is the on-disk shape of a .snap file.
type patchManifest struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionId"`
	ToolName  string       `json:"toolName"`
	Entries   []PatchEntry `json:"entries"`
}

type trackedCall struct {
	toolName string
	before   map[string][]byte // path -> bytes; key present with nil value means file did not exist
}

// Tracker is the File Change Tracker: it snapshots mutation-tool targets
// before execution and persists a rollback-capable patch set after.
type Tracker struct {
	workspaceRoot string
	snapshotDir   string

	mu         sync.Mutex
	active     map[string]map[string]*trackedCall // sessionId -> toolCallId -> call
	history    map[string][]string                // sessionId -> patchSetIds, oldest first
	onRollback func(sessionID string)
}

// NewTracker creates a Tracker rooted at workspaceRoot, persisting patch
// sets under workspaceRoot/.orchestrator/snapshots/<sessionId>/<id>.snap.
func NewTracker(workspaceRoot string) *Tracker {
	return &Tracker{
		workspaceRoot: filepath.Clean(workspaceRoot),
		snapshotDir:   filepath.Join(workspaceRoot, ".orchestrator", "snapshots"),
		active:        make(map[string]map[string]*trackedCall),
		history:       make(map[string][]string),
	}
}

// OnRollback registers a callback invoked after a successful RollbackLast
// (wired to the Verification Gate's Reset).
func (t *Tracker) OnRollback(fn func(sessionID string)) { t.onRollback = fn }

func (t *Tracker) resolve(path string) (string, error) {
	joined := filepath.Join(t.workspaceRoot, path)
	clean := filepath.Clean(joined)
	if clean != t.workspaceRoot && !strings.HasPrefix(clean, t.workspaceRoot+string(filepath.Separator)) {
		return "", apperr.NewInvalidRequest(fmt.Sprintf("path %q escapes workspace", path))
	}
	return clean, nil
}

func readOrAbsent(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// TrackStart snapshots the current bytes of every path before a
// mutation-tool call executes.
func (t *Tracker) TrackStart(sessionID, toolCallID, toolName string, paths []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := make(map[string][]byte, len(paths))
	for _, p := range paths {
		resolved, err := t.resolve(p)
		if err != nil {
			return err
		}
		data, existed, err := readOrAbsent(resolved)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", p, err)
		}
		if existed {
			before[p] = data
		} else {
			before[p] = nil
		}
	}

	calls, ok := t.active[sessionID]
	if !ok {
		calls = make(map[string]*trackedCall)
		t.active[sessionID] = calls
	}
	calls[toolCallID] = &trackedCall{toolName: toolName, before: before}
	return nil
}

// TrackEnd finalizes a tracked call. On success, a patch-set record is
// produced (if anything actually changed) and persisted; its id is
// returned. On failure, the tracked snapshot is discarded.
func (t *Tracker) TrackEnd(sessionID, toolCallID string, success bool) (string, error) {
	t.mu.Lock()
	calls := t.active[sessionID]
	call, ok := calls[toolCallID]
	if ok {
		delete(calls, toolCallID)
	}
	t.mu.Unlock()

	if !ok || !success {
		return "", nil
	}

	var entries []PatchEntry
	for path := range call.before {
		resolved, err := t.resolve(path)
		if err != nil {
			return "", err
		}
		after, afterExisted, err := readOrAbsent(resolved)
		if err != nil {
			return "", fmt.Errorf("read %s after tool call: %w", path, err)
		}

		switch {
		case call.before[path] == nil && !afterExisted:
			continue // never existed, still doesn't
		case call.before[path] == nil && afterExisted:
			entries = append(entries, PatchEntry{Path: path, Action: PatchAdd, HadBefore: false})
		case call.before[path] != nil && !afterExisted:
			entries = append(entries, PatchEntry{Path: path, Action: PatchDelete, HadBefore: true, BeforeB64: base64.StdEncoding.EncodeToString(call.before[path])})
		case call.before[path] != nil && afterExisted && !bytesEqual(call.before[path], after):
			entries = append(entries, PatchEntry{Path: path, Action: PatchModify, HadBefore: true, BeforeB64: base64.StdEncoding.EncodeToString(call.before[path])})
		}
	}

	if len(entries) == 0 {
		return "", nil
	}

	id := uuid.NewString()
	manifest := patchManifest{ID: id, SessionID: sessionID, ToolName: call.toolName, Entries: entries}
	if err := t.persist(sessionID, manifest); err != nil {
		return "", err
	}

	t.mu.Lock()
	t.history[sessionID] = append(t.history[sessionID], id)
	t.mu.Unlock()

	return id, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (t *Tracker) sessionDir(sessionID string) string {
	return filepath.Join(t.snapshotDir, sessionID)
}

func (t *Tracker) persist(sessionID string, m patchManifest) error {
	dir := t.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal patch set: %w", err)
	}
	final := filepath.Join(dir, m.ID+".snap")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write patch set: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("commit patch set: %w", err)
	}
	return nil
}

func (t *Tracker) load(sessionID, id string) (patchManifest, error) {
	data, err := os.ReadFile(filepath.Join(t.sessionDir(sessionID), id+".snap"))
	if err != nil {
		return patchManifest{}, err
	}
	var m patchManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return patchManifest{}, err
	}
	return m, nil
}

// RollbackLast restores the most recently produced patch set for
// sessionID: added files are deleted, modified/deleted files have their
// prior bytes restored. Every restored path's bytes are staged to a temp
// file first, so a failure while staging leaves the workspace untouched.
// The commit loop below that renames/removes each staged path is not
// itself atomic across paths — a failure partway through (e.g. an
// unexpected permission change on one file) after earlier paths already
// committed leaves a partial rollback on a multi-file patch set, rather
// than the "no partial commit" guarantee holding path-by-path.
func (t *Tracker) RollbackLast(sessionID string) (bool, string) {
	t.mu.Lock()
	hist := t.history[sessionID]
	if len(hist) == 0 {
		t.mu.Unlock()
		return false, "no_patchset"
	}
	id := hist[len(hist)-1]
	t.mu.Unlock()

	manifest, err := t.load(sessionID, id)
	if err != nil {
		return false, "restore_failed"
	}

	type staged struct {
		final  string
		tmp    string
		delete bool
	}
	var plan []staged
	cleanup := func() {
		for _, s := range plan {
			os.Remove(s.tmp)
		}
	}

	for _, e := range manifest.Entries {
		resolved, err := t.resolve(e.Path)
		if err != nil {
			cleanup()
			return false, "restore_failed"
		}
		if e.Action == PatchAdd {
			plan = append(plan, staged{final: resolved, delete: true})
			continue
		}
		data, err := base64.StdEncoding.DecodeString(e.BeforeB64)
		if err != nil {
			cleanup()
			return false, "restore_failed"
		}
		tmp := resolved + ".rollback.tmp"
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			cleanup()
			return false, "restore_failed"
		}
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			cleanup()
			return false, "restore_failed"
		}
		plan = append(plan, staged{final: resolved, tmp: tmp})
	}

	// Staging above already validated every path is restorable; this loop
	// just commits. It is not transactional across paths (see the
	// RollbackLast doc comment) — on a single filesystem the remaining
	// failure modes here (a rename/remove call failing after staging
	// succeeded) are rare enough that this is an accepted gap rather than
	// a two-phase-commit protocol over the manifest.
	for _, s := range plan {
		if s.delete {
			if err := os.Remove(s.final); err != nil && !os.IsNotExist(err) {
				cleanup()
				return false, "restore_failed"
			}
			continue
		}
		if err := os.Rename(s.tmp, s.final); err != nil {
			cleanup()
			return false, "restore_failed"
		}
	}

	t.mu.Lock()
	t.history[sessionID] = hist[:len(hist)-1]
	t.mu.Unlock()
	os.Remove(filepath.Join(t.sessionDir(sessionID), id+".snap"))

	if t.onRollback != nil {
		t.onRollback(sessionID)
	}
	return true, ""
}
