// Package skills implements the Skill Registry & Tool Policy described in
// spec.md §4.5: skill activation/composition, output-contract satisfaction,
// and three independently configurable tool-access enforcement modes.
package skills

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
	"github.com/codeorc/orchestrator/internal/skillcatalog"
)

// lifecycleTools are always permitted regardless of active skill or policy
// mode, per spec.md §4.5.
var lifecycleTools = map[string]bool{
	"skill_complete":  true,
	"session_compact": true,
	"ledger_query":    true,
	"cost_view":       true,
	"session_rollback": true,
}

// ActivateResult is the outcome of Activate.
type ActivateResult struct {
	OK     bool
	Reason string
}

// CompleteResult is the outcome of Complete.
type CompleteResult struct {
	OK      bool
	Missing []string
}

// AccessResult is the outcome of CheckToolAccess.
type AccessResult struct {
	Allowed bool
	Reason  string
	Warning string
}

// SlotResult is the outcome of AcquireParallelSlot.
type SlotResult struct {
	Accepted bool
	Reason   string
}

// GateCheck is an externally registered predicate (the cost-budget gate)
// consulted before a skill's own tool policy.
type GateCheck func(sessionID string) (blocked bool, reason string)

// ToolGateCheck is the context-budget compaction gate's predicate: unlike
// GateCheck it is also given the tool being checked, since the gate must
// exempt the compaction tool itself while blocking every other tool.
type ToolGateCheck func(sessionID, toolName string) (blocked bool, reason string)

// EventFunc emits a policy event. Wired to the event store by callers.
type EventFunc func(sessionID, eventType string, payload map[string]any)

type sessionState struct {
	active        string
	toolCallCount int
	completed     map[string]map[string]any // skill name -> recorded outputs
	parallel      map[string]map[string]bool // skill name -> runId -> held
	warned        map[string]map[string]bool // knob -> key -> fired
}

func newSessionState() *sessionState {
	return &sessionState{
		completed: make(map[string]map[string]any),
		parallel:  make(map[string]map[string]bool),
		warned:    make(map[string]map[string]bool),
	}
}

func (s *sessionState) warnOnce(knob, key string) bool {
	scoped, ok := s.warned[knob]
	if !ok {
		scoped = make(map[string]bool)
		s.warned[knob] = scoped
	}
	if scoped[key] {
		return false
	}
	scoped[key] = true
	return true
}

// Registry is the Skill Registry & Tool Policy.
type Registry struct {
	mu       sync.Mutex
	catalog  *skillcatalog.Catalog
	cfg      config.SkillsConfig
	sessions map[string]*sessionState

	contextGate ToolGateCheck
	costGate    GateCheck
	tokensFor   func(sessionID, skill string) int64
	emit        EventFunc
}

// New creates a Registry backed by catalog.
func New(catalog *skillcatalog.Catalog, cfg config.SkillsConfig) *Registry {
	return &Registry{
		catalog:  catalog,
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

// WireContextGate registers the context-budget compaction gate.
func (r *Registry) WireContextGate(g ToolGateCheck) { r.contextGate = g }

// WireCostGate registers the cost-budget blocked predicate.
func (r *Registry) WireCostGate(g GateCheck) { r.costGate = g }

// WireTokensFor registers a lookup for a skill's accumulated token usage
// within a session (typically costtracker.Tracker.GetSkillTotalTokens).
func (r *Registry) WireTokensFor(f func(sessionID, skill string) int64) { r.tokensFor = f }

// WireEvents registers an event emitter for policy events.
func (r *Registry) WireEvents(f EventFunc) { r.emit = f }

func (r *Registry) session(sessionID string) *sessionState {
	s, ok := r.sessions[sessionID]
	if !ok {
		s = newSessionState()
		r.sessions[sessionID] = s
	}
	return s
}

// CloseSession clears sessionID's tool-call counters, active skill,
// parallel-slot holds, and warning state, per spec.md's explicit-shutdown
// lifecycle ("clears tool-call counters, gate warnings... but preserves
// event/evidence/memory stores on disk"). The skill catalog itself is
// process-lifetime state and is untouched.
func (r *Registry) CloseSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// List returns every contract in the catalog.
func (r *Registry) List() []skillcatalog.Contract { return r.catalog.List() }

// Get looks up a contract by name.
func (r *Registry) Get(name string) (skillcatalog.Contract, bool) { return r.catalog.Get(name) }

func composable(a, b skillcatalog.Contract) bool {
	for _, n := range a.ComposableWith {
		if n == b.Name {
			return true
		}
	}
	for _, n := range b.ComposableWith {
		if n == a.Name {
			return true
		}
	}
	return false
}

// Activate switches sessionID's active skill to name, honoring the
// composition rule against any currently active skill.
func (r *Registry) Activate(sessionID, name string) ActivateResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.catalog.Get(name)
	if !ok {
		return ActivateResult{OK: false, Reason: "unknown_skill"}
	}

	s := r.session(sessionID)
	if s.active != "" && s.active != name {
		current, ok := r.catalog.Get(s.active)
		if ok && !composable(current, target) {
			return ActivateResult{OK: false, Reason: fmt.Sprintf("blocked by active skill %s", s.active)}
		}
	}

	s.active = name
	s.toolCallCount = 0
	return ActivateResult{OK: true}
}

// isSatisfied reports whether v satisfies an output contract entry: a
// trimmed non-empty string, a non-empty array, a finite number, a non-empty
// object, or a boolean (presence alone satisfies a boolean output).
func isSatisfied(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(val) != ""
	case bool:
		return true
	case float64:
		return !math.IsNaN(val) && !math.IsInf(val, 0)
	case float32:
		return !math.IsNaN(float64(val)) && !math.IsInf(float64(val), 0)
	case int, int32, int64:
		return true
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array, reflect.Map:
			return rv.Len() > 0
		default:
			return true
		}
	}
}

// Complete validates outputs against the active skill's output contract
// and, on success, records them and clears the active skill.
func (r *Registry) Complete(sessionID string, outputs map[string]any) CompleteResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session(sessionID)
	if s.active == "" {
		return CompleteResult{OK: false, Missing: []string{"no_active_skill"}}
	}
	contract, _ := r.catalog.Get(s.active)

	var missing []string
	for _, name := range contract.Outputs {
		v, ok := outputs[name]
		if !ok || !isSatisfied(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CompleteResult{OK: false, Missing: missing}
	}

	s.completed[s.active] = outputs
	completedSkill := s.active
	s.active = ""
	s.toolCallCount = 0

	if r.emit != nil {
		r.emit(sessionID, "skill_completed", map[string]any{"skill": completedSkill})
	}
	return CompleteResult{OK: true}
}

// GetOutputs returns the outputs recorded for name's most recent
// completion in sessionID, if any.
func (r *Registry) GetOutputs(sessionID, name string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	out, ok := s.completed[name]
	return out, ok
}

// GetConsumedOutputs aggregates the outputs of every skill listed in
// targetName's Consumes contract that has completed in this session.
func (r *Registry) GetConsumedOutputs(sessionID, targetName string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	contract, ok := r.catalog.Get(targetName)
	if !ok {
		return nil
	}
	merged := make(map[string]any)
	for _, dep := range contract.Consumes {
		out, ok := s.completed[dep]
		if !ok {
			continue
		}
		for k, v := range out {
			merged[k] = v
		}
	}
	return merged
}

func toolInList(list []string, name string) bool {
	for _, t := range list {
		if t == name {
			return true
		}
	}
	return false
}

// checkDenied reports whether toolName falls outside contract's tool
// surface: present in Denied, or (when Required/Optional are non-empty)
// absent from both.
func checkDenied(contract skillcatalog.Contract, toolName string) bool {
	if toolInList(contract.Tools.Denied, toolName) {
		return true
	}
	allowList := len(contract.Tools.Required) > 0 || len(contract.Tools.Optional) > 0
	if !allowList {
		return false
	}
	return !toolInList(contract.Tools.Required, toolName) && !toolInList(contract.Tools.Optional, toolName)
}

// CheckToolAccess decides whether toolName may be invoked on sessionID,
// consulting any registered gates first and then the active skill's own
// tool/token policy per the configured enforcement modes.
func (r *Registry) CheckToolAccess(sessionID, toolName string) AccessResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	// The context-critical compaction gate outranks the lifecycle
	// allowlist: during a gate, only the compaction tool itself passes
	// (contextpipeline.Pipeline.CheckGate exempts it directly).
	if r.contextGate != nil {
		if blocked, reason := r.contextGate(sessionID, toolName); blocked {
			return AccessResult{Allowed: false, Reason: reason}
		}
	}

	if lifecycleTools[toolName] {
		return AccessResult{Allowed: true}
	}

	if r.costGate != nil {
		if blocked, reason := r.costGate(sessionID); blocked {
			return AccessResult{Allowed: false, Reason: reason}
		}
	}

	s := r.session(sessionID)
	s.toolCallCount++
	if s.active == "" {
		return AccessResult{Allowed: true}
	}
	contract, ok := r.catalog.Get(s.active)
	if !ok {
		return AccessResult{Allowed: true}
	}

	if checkDenied(contract, toolName) {
		switch r.cfg.AllowedToolsMode {
		case "enforce":
			r.emitBlocked(sessionID, toolName, "tool_not_allowed_for_skill")
			return AccessResult{Allowed: false, Reason: "tool_not_allowed_for_skill"}
		case "warn":
			if s.warnOnce("allowed_tools", s.active+"|"+toolName) {
				r.emitWarning(sessionID, "allowed_tools_warning", toolName, s.active)
			}
			return AccessResult{Allowed: true, Warning: "tool_not_allowed_for_skill"}
		}
	}

	if contract.Budget.MaxTokens > 0 && r.tokensFor != nil {
		used := r.tokensFor(sessionID, s.active)
		if used >= int64(contract.Budget.MaxTokens) {
			switch r.cfg.SkillMaxTokensMode {
			case "enforce":
				r.emitBlocked(sessionID, toolName, "skill_max_tokens")
				return AccessResult{Allowed: false, Reason: "skill_max_tokens"}
			case "warn":
				if s.warnOnce("skill_max_tokens", s.active) {
					r.emitWarning(sessionID, "skill_max_tokens_warning", toolName, s.active)
				}
				return AccessResult{Allowed: true, Warning: "skill_max_tokens"}
			}
		}
	}

	return AccessResult{Allowed: true}
}

func (r *Registry) emitBlocked(sessionID, toolName, reason string) {
	if r.emit != nil {
		r.emit(sessionID, "tool_call_blocked", map[string]any{"tool": toolName, "reason": reason})
	}
}

func (r *Registry) emitWarning(sessionID, eventType, toolName, skill string) {
	if r.emit != nil {
		r.emit(sessionID, eventType, map[string]any{"tool": toolName, "skill": skill})
	}
}

// AcquireParallelSlot reserves one of the active skill's parallel run
// slots for runId, honoring skillMaxParallelMode.
func (r *Registry) AcquireParallelSlot(sessionID, runID string) SlotResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.session(sessionID)
	if s.active == "" {
		return SlotResult{Accepted: true}
	}
	contract, ok := r.catalog.Get(s.active)
	if !ok || contract.MaxParallel <= 0 {
		return SlotResult{Accepted: true}
	}

	held, ok := s.parallel[s.active]
	if !ok {
		held = make(map[string]bool)
		s.parallel[s.active] = held
	}
	if held[runID] {
		return SlotResult{Accepted: true}
	}

	if len(held) >= contract.MaxParallel {
		switch r.cfg.SkillMaxParallelMode {
		case "enforce":
			if r.emit != nil {
				r.emit(sessionID, "parallel_slot_rejected", map[string]any{"skill": s.active, "runId": runID})
			}
			return SlotResult{Accepted: false, Reason: "skill_max_parallel"}
		case "warn":
			if s.warnOnce("skill_max_parallel", s.active) {
				r.emitWarning(sessionID, "skill_max_parallel_warning", runID, s.active)
			}
			held[runID] = true
			return SlotResult{Accepted: true, Reason: "skill_max_parallel"}
		default:
			held[runID] = true
			return SlotResult{Accepted: true}
		}
	}

	held[runID] = true
	return SlotResult{Accepted: true}
}

// ReleaseParallelSlot frees a slot acquired by AcquireParallelSlot, so a
// completed parallel run does not count against future acquisitions.
func (r *Registry) ReleaseParallelSlot(sessionID, runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session(sessionID)
	for _, held := range s.parallel {
		delete(held, runID)
	}
}
