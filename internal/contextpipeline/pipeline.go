// Package contextpipeline implements the Context Pipeline described in
// spec.md §4.4: an ordered set of semantic injection blocks, the
// context-critical compaction gate, and per-scope duplicate-injection
// suppression.
package contextpipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/codeorc/orchestrator/internal/contextbudget"
	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

// Priority is a block's precedence when the per-turn injection budget is
// tight; critical blocks are planned before high, high before normal.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
)

// compactionTool is the one tool exempt from the context-critical gate.
const compactionTool = "session_compact"

// BlockSpec registers one semantic block with the pipeline: a source id,
// its precedence, a fixed fraction of the session's injection-token budget
// it may claim, and whether it is only ever injected once per session.
type BlockSpec struct {
	ID             string
	Priority       Priority
	CapFraction    float64
	OncePerSession bool
}

// defaultBlocks is the fixed ordering of spec.md §4.4's named blocks. Order
// doubles as priority-tie-break: earlier blocks are assembled first.
var defaultBlocks = []BlockSpec{
	{ID: "Identity", Priority: PriorityHigh, CapFraction: 0.05, OncePerSession: true},
	{ID: "TruthLedger", Priority: PriorityCritical, CapFraction: 0.20},
	{ID: "TaskLedger", Priority: PriorityCritical, CapFraction: 0.15},
	{ID: "RecentToolFailures", Priority: PriorityHigh, CapFraction: 0.10},
	{ID: "WorkingMemory", Priority: PriorityNormal, CapFraction: 0.25},
	{ID: "MemoryRecall", Priority: PriorityNormal, CapFraction: 0.20},
}

const blockFloorTokens = 20

// Provider supplies a block's content for a session. An empty string (or
// ok=false) means the block has nothing to contribute this turn.
type Provider func(sessionID string) (text string, ok bool)

// EventFunc emits a pipeline event. Wired to the event store by callers.
type EventFunc func(sessionID, eventType string, payload map[string]any)

// Decision is the result of BuildInjection.
type Decision struct {
	Accepted       bool
	Text           string
	Reason         string // "" | "duplicate_content" | "hard_limit" | "floor_unmet"
	TokensReserved int
}

type gateState struct {
	armed  bool
	warned map[string]bool // toolName -> already emitted blocked event
}

// scopeState is the Injection Scope of spec.md §3: the per-(session,scope)
// dedup fingerprint plus how many of the scope's token budget has already
// been committed, by primary blocks or supplemental injections.
type scopeState struct {
	fingerprint    string
	hasFingerprint bool
	reservedTokens int
}

type sessionScopes struct {
	byScope map[string]*scopeState // scopeId -> state
}

func (s *sessionScopes) state(scopeID string) *scopeState {
	st, ok := s.byScope[scopeID]
	if !ok {
		st = &scopeState{}
		s.byScope[scopeID] = st
	}
	return st
}

// Pipeline is the Context Pipeline.
type Pipeline struct {
	mu        sync.Mutex
	cfg       config.BudgetConfig
	budget    *contextbudget.Manager
	providers map[string]Provider
	emit      EventFunc

	gates  map[string]*gateState
	scopes map[string]*sessionScopes
	once   map[string]map[string]bool // sessionId -> blockId -> already injected
}

// New creates a Pipeline backed by budget for pressure/cadence decisions.
func New(cfg config.BudgetConfig, budget *contextbudget.Manager) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		budget:    budget,
		providers: make(map[string]Provider),
		gates:     make(map[string]*gateState),
		scopes:    make(map[string]*sessionScopes),
		once:      make(map[string]map[string]bool),
	}
}

// WireEvents registers an event emitter for gate events.
func (p *Pipeline) WireEvents(f EventFunc) { p.emit = f }

// RegisterProvider binds a content source to one of the fixed block ids.
// Unregistered blocks are silently skipped during assembly.
func (p *Pipeline) RegisterProvider(blockID string, fn Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.providers[blockID] = fn
}

func (p *Pipeline) gate(sessionID string) *gateState {
	g, ok := p.gates[sessionID]
	if !ok {
		g = &gateState{warned: make(map[string]bool)}
		p.gates[sessionID] = g
	}
	return g
}

func (p *Pipeline) scope(sessionID string) *sessionScopes {
	s, ok := p.scopes[sessionID]
	if !ok {
		s = &sessionScopes{byScope: make(map[string]*scopeState)}
		p.scopes[sessionID] = s
	}
	return s
}

// CheckGate reports whether toolName is blocked by the context-critical
// compaction gate for sessionID: at critical pressure, with no compaction
// within RecentCompactionWindowTurns, every tool but the compaction tool
// itself is denied. It fires context_compaction_gate_blocked_tool once per
// (sessionId, toolName) while armed, and context_compaction_gate_cleared
// the first time the gate disarms after having been armed.
func (p *Pipeline) CheckGate(sessionID, toolName string) (blocked bool, reason string) {
	if toolName == compactionTool || p.budget == nil {
		return false, ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	armedNow := p.budget.CurrentPressure(sessionID) == contextbudget.PressureCritical &&
		p.budget.TurnsSinceCompaction(sessionID) >= p.cfg.RecentCompactionWindowTurns

	g := p.gate(sessionID)
	if !armedNow {
		if g.armed {
			g.armed = false
			g.warned = make(map[string]bool)
			p.emitEvent(sessionID, "context_compaction_gate_cleared", nil)
		}
		return false, ""
	}

	g.armed = true
	reason := "context_compaction_gate: only " + compactionTool + " is allowed until a compaction runs"
	if p.floorsUnmet() {
		reason += "; floor_unmet"
	}
	if !g.warned[toolName] {
		g.warned[toolName] = true
		p.emitEvent(sessionID, "context_compaction_gate_blocked_tool", map[string]any{"tool": toolName, "reason": reason})
	}
	return true, reason
}

// floorsUnmet reports whether the configured injection budget cannot even
// afford every registered block's floor simultaneously.
func (p *Pipeline) floorsUnmet() bool {
	need := 0
	for range p.providers {
		need += blockFloorTokens
	}
	return need > p.cfg.MaxInjectionTokens
}

func (p *Pipeline) emitEvent(sessionID, eventType string, payload map[string]any) {
	if p.emit != nil {
		p.emit(sessionID, eventType, payload)
	}
}

// OnCompacted clears scope-dedup fingerprints and gate-warned state for
// sessionID. Callers invoke this immediately after
// contextbudget.Manager.MarkCompacted.
func (p *Pipeline) OnCompacted(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.scopes, sessionID)
	delete(p.once, sessionID)
	if g, ok := p.gates[sessionID]; ok {
		g.armed = false
		g.warned = make(map[string]bool)
	}
}

func capTokens(maxInjectionTokens int, fraction float64) int {
	n := int(float64(maxInjectionTokens) * fraction)
	if n < blockFloorTokens {
		n = blockFloorTokens
	}
	return n
}

func fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// BuildInjection assembles the ordered semantic blocks into one injection
// text for sessionID, applying per-block caps, the session's overall
// injection budget, and (when scopeID is non-empty) duplicate-content
// suppression against the last text accepted for that scope.
func (p *Pipeline) BuildInjection(sessionID, prompt string, usage contextbudget.Usage, scopeID string) Decision {
	p.mu.Lock()
	providers := make(map[string]Provider, len(p.providers))
	for k, v := range p.providers {
		providers[k] = v
	}
	charsPerToken := p.cfg.CharsPerToken
	maxInjectionTokens := p.cfg.MaxInjectionTokens
	p.mu.Unlock()

	if charsPerToken <= 0 {
		charsPerToken = 4
	}

	if len(providers)*blockFloorTokens > maxInjectionTokens {
		return Decision{Accepted: false, Reason: "floor_unmet"}
	}

	p.mu.Lock()
	injectedOnce := p.once[sessionID]
	p.mu.Unlock()

	var merged string
	for _, spec := range defaultBlocks {
		if spec.OncePerSession && injectedOnce[spec.ID] {
			continue
		}
		provide, ok := providers[spec.ID]
		if !ok {
			continue
		}
		text, ok := provide(sessionID)
		if !ok || text == "" {
			continue
		}
		blockCap := capTokens(maxInjectionTokens, spec.CapFraction)
		final, _, _ := truncateBlock(text, blockCap, charsPerToken)
		if final == "" {
			continue
		}
		if merged != "" {
			merged += "\n\n"
		}
		merged += "[" + spec.ID + "]\n" + final
		if spec.OncePerSession {
			p.mu.Lock()
			if p.once[sessionID] == nil {
				p.once[sessionID] = make(map[string]bool)
			}
			p.once[sessionID][spec.ID] = true
			p.mu.Unlock()
		}
	}

	if merged == "" {
		return Decision{Accepted: true, Text: "", TokensReserved: 0}
	}

	plan := p.budget.PlanInjection(sessionID, merged, usage)
	if !plan.Accepted {
		return Decision{Accepted: false, Reason: plan.DroppedReason}
	}

	if scopeID != "" {
		sum := fingerprint(plan.FinalText)
		p.mu.Lock()
		st := p.scope(sessionID).state(scopeID)
		if st.hasFingerprint && st.fingerprint == sum {
			p.mu.Unlock()
			return Decision{Accepted: false, Reason: "duplicate_content"}
		}
		st.fingerprint = sum
		st.hasFingerprint = true
		st.reservedTokens += plan.FinalTokens
		p.mu.Unlock()
	}

	return Decision{Accepted: true, Text: plan.FinalText, TokensReserved: plan.FinalTokens}
}

// truncateBlock fits text within capTokens, trailing-ellipsis truncating
// (the pipeline's own per-block cap is a softer, always-summarize cut;
// overall hard-limit/strategy enforcement happens once in PlanInjection).
func truncateBlock(text string, capTokensN, charsPerToken int) (final string, truncated bool, dropped bool) {
	budgetChars := capTokensN * charsPerToken
	if budgetChars <= 0 {
		return "", true, true
	}
	if len(text) <= budgetChars {
		return text, false, false
	}
	if budgetChars < 4 {
		return text[:budgetChars], true, false
	}
	return text[:budgetChars-3] + "...", true, false
}

// PlanSupplemental reserves the remainder of scopeID's per-scope token
// budget for a supplemental (out-of-band) injection, per spec.md §4.4. It
// speculates only: the reservation is not charged against the scope's
// budget until a matching CommitSupplemental call, so callers may plan
// without leaking budget. When the scope has no remaining tokens — because
// BuildInjection and/or prior commits already consumed the whole per-scope
// budget — it returns DroppedReason="budget_exhausted" and rejects. It is a
// no-op, always accepting, when the context-budget feature is disabled.
func (p *Pipeline) PlanSupplemental(sessionID, scopeID, text string, usage contextbudget.Usage) contextbudget.InjectionDecision {
	charsPerToken := p.cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	originalTokens := estimateTokensLocal(text, charsPerToken)

	if !p.cfg.Enabled || p.budget == nil {
		return contextbudget.InjectionDecision{Accepted: true, FinalText: text, OriginalTokens: originalTokens, FinalTokens: originalTokens}
	}

	if usage.Ratio() >= p.cfg.HardLimitPercent {
		return contextbudget.InjectionDecision{Accepted: false, OriginalTokens: originalTokens, DroppedReason: "hard_limit"}
	}

	p.mu.Lock()
	remaining := p.cfg.MaxInjectionTokens - p.scope(sessionID).state(scopeID).reservedTokens
	p.mu.Unlock()

	if remaining <= 0 {
		return contextbudget.InjectionDecision{Accepted: false, OriginalTokens: originalTokens, DroppedReason: "budget_exhausted"}
	}

	final, truncated, dropped := truncateBlock(text, remaining, charsPerToken)
	if dropped || final == "" {
		return contextbudget.InjectionDecision{Accepted: false, OriginalTokens: originalTokens, DroppedReason: "budget_exhausted"}
	}
	return contextbudget.InjectionDecision{
		Accepted:       true,
		FinalText:      final,
		OriginalTokens: originalTokens,
		FinalTokens:    estimateTokensLocal(final, charsPerToken),
		Truncated:      truncated,
	}
}

// CommitSupplemental charges text's token count against scopeID's
// remaining per-scope budget and records its fingerprint, so a later,
// identical supplemental injection is suppressed as duplicate content.
// Callers pass the FinalText of a prior PlanSupplemental call. It is a
// no-op when the context-budget feature is disabled.
func (p *Pipeline) CommitSupplemental(sessionID, scopeID, text string) {
	if !p.cfg.Enabled {
		return
	}
	charsPerToken := p.cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	tokens := estimateTokensLocal(text, charsPerToken)

	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.scope(sessionID).state(scopeID)
	st.reservedTokens += tokens
	st.fingerprint = fingerprint(text)
	st.hasFingerprint = true
}

func estimateTokensLocal(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 1
	}
	n := len(text) / charsPerToken
	if len(text)%charsPerToken != 0 {
		n++
	}
	return n
}
