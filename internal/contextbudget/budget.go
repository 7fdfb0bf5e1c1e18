// Package contextbudget tracks per-session context-window pressure, plans
// truncated injection text, and decides compaction cadence, per spec.md
// §4.3.
package contextbudget

import (
	"sync"
	"time"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

// Pressure is the derived context-window pressure level.
type Pressure string

const (
	PressureLow      Pressure = "low"
	PressureHigh     Pressure = "high"
	PressureCritical Pressure = "critical"
)

// Usage is a context-window usage observation. Tokens and Percent are
// nullable; at least one of Percent or (Tokens, ContextWindow) should be
// set for a non-zero pressure reading.
type Usage struct {
	Tokens        *int64
	ContextWindow int64
	Percent       *float64
}

func (u Usage) ratio() float64 {
	if u.Percent != nil {
		return *u.Percent
	}
	if u.Tokens != nil && u.ContextWindow > 0 {
		return float64(*u.Tokens) / float64(u.ContextWindow)
	}
	return 0
}

// Ratio returns the usage-to-context-window ratio backing pressure and
// budget decisions, for callers outside this package (e.g. the Context
// Pipeline's supplemental-injection planning) that need the same
// calculation without duplicating it.
func (u Usage) Ratio() float64 { return u.ratio() }

// InjectionDecision is the result of PlanInjection.
type InjectionDecision struct {
	Accepted      bool
	FinalText     string
	OriginalTokens int
	FinalTokens    int
	Truncated      bool
	DroppedReason  string
}

// CompactionDecision is the result of ShouldRequestCompaction.
type CompactionDecision struct {
	ShouldCompact bool
	Reason        string
}

type sessionState struct {
	turn               int
	lastUsage          Usage
	lastCompactionTurn int
	lastCompactionAt   time.Time
}

// Manager is the Context Budget Manager.
type Manager struct {
	mu       sync.Mutex
	cfg      config.BudgetConfig
	sessions map[string]*sessionState
}

// New creates a Manager.
func New(cfg config.BudgetConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		sessions: make(map[string]*sessionState),
	}
}

func (m *Manager) session(sessionID string) *sessionState {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &sessionState{}
		m.sessions[sessionID] = s
	}
	return s
}

// BeginTurn records the current turn index for a session. Turn numbers are
// expected to be monotonic non-decreasing; a regression is ignored rather
// than rejected, since the caller (Session Runtime) is the source of truth.
func (m *Manager) BeginTurn(sessionID string, turn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	if turn > s.turn {
		s.turn = turn
	}
}

// ObserveUsage records the latest context-window usage observation.
func (m *Manager) ObserveUsage(sessionID string, usage Usage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(sessionID).lastUsage = usage
}

// PressureLevel derives the pressure level of a usage observation against
// the configured thresholds.
func (m *Manager) PressureLevel(usage Usage) Pressure {
	ratio := usage.ratio()
	switch {
	case ratio >= m.cfg.HardLimitPercent:
		return PressureCritical
	case ratio >= m.cfg.CompactionThresholdPercent:
		return PressureHigh
	default:
		return PressureLow
	}
}

func estimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 1
	}
	n := len(text) / charsPerToken
	if len(text)%charsPerToken != 0 {
		n++
	}
	return n
}

// PlanInjection fits text into the configured injection budget, truncating
// or dropping it per the configured strategy.
func (m *Manager) PlanInjection(sessionID string, text string, usage Usage) InjectionDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	charsPerToken := m.cfg.CharsPerToken
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	originalTokens := estimateTokens(text, charsPerToken)

	if !m.cfg.Enabled {
		return InjectionDecision{Accepted: true, FinalText: text, OriginalTokens: originalTokens, FinalTokens: originalTokens}
	}

	if usage.ratio() >= m.cfg.HardLimitPercent {
		return InjectionDecision{
			Accepted:       false,
			OriginalTokens: originalTokens,
			DroppedReason:  "hard_limit",
		}
	}

	maxTokens := m.cfg.MaxInjectionTokens
	if maxTokens <= 0 || originalTokens <= maxTokens {
		return InjectionDecision{
			Accepted:       true,
			FinalText:      text,
			OriginalTokens: originalTokens,
			FinalTokens:    originalTokens,
		}
	}

	final, truncated, dropped := truncateText(text, maxTokens, charsPerToken, m.cfg.TruncationStrategy)
	if dropped {
		return InjectionDecision{
			Accepted:       false,
			OriginalTokens: originalTokens,
			Truncated:      true,
			DroppedReason:  "drop_entry",
		}
	}
	return InjectionDecision{
		Accepted:       true,
		FinalText:      final,
		OriginalTokens: originalTokens,
		FinalTokens:    estimateTokens(final, charsPerToken),
		Truncated:      truncated,
	}
}

// truncateText fits text into budgetTokens, honoring strategy. drop-entry
// drops the text entirely rather than truncating it. tail keeps the most
// recent content, leading with an ellipsis. summarize keeps the leading
// content, trailing with an ellipsis. A budget under 4 chars never gets an
// ellipsis — it is a hard cut.
func truncateText(text string, budgetTokens, charsPerToken int, strategy string) (final string, truncated bool, dropped bool) {
	budgetChars := budgetTokens * charsPerToken
	if budgetChars <= 0 {
		return "", true, true
	}
	if len(text) <= budgetChars {
		return text, false, false
	}

	if strategy == "drop-entry" {
		return "", true, true
	}

	if budgetChars < 4 {
		return text[:budgetChars], true, false
	}

	if strategy == "tail" {
		return "..." + text[len(text)-(budgetChars-3):], true, false
	}

	// default / "summarize": keep the leading content, trailing ellipsis.
	return text[:budgetChars-3] + "...", true, false
}

// ShouldRequestCompaction reports whether a compaction should be requested
// for sessionID, given the cadence and pressure rules of spec.md §4.3.
func (m *Manager) ShouldRequestCompaction(sessionID string, usage Usage) CompactionDecision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.cfg.Enabled {
		return CompactionDecision{}
	}

	s := m.session(sessionID)
	ratio := usage.ratio()

	if m.cfg.PressureBypassPercent > 0 && ratio >= m.cfg.PressureBypassPercent {
		return CompactionDecision{ShouldCompact: true, Reason: "pressure_bypass"}
	}
	if ratio < m.cfg.CompactionThresholdPercent {
		return CompactionDecision{}
	}

	turnsSince := s.turn - s.lastCompactionTurn
	if turnsSince < m.cfg.MinTurnsBetweenCompaction {
		return CompactionDecision{Reason: "cadence_turns"}
	}

	if m.cfg.MinSecondsBetweenCompaction > 0 && !s.lastCompactionAt.IsZero() {
		elapsed := nowFn().Sub(s.lastCompactionAt)
		if elapsed < time.Duration(m.cfg.MinSecondsBetweenCompaction)*time.Second {
			return CompactionDecision{Reason: "cadence_seconds"}
		}
	}

	return CompactionDecision{ShouldCompact: true, Reason: "threshold"}
}

// TurnsSinceCompaction reports how many turns have elapsed since
// sessionID's last compaction (or since session start, if none yet).
func (m *Manager) TurnsSinceCompaction(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	return s.turn - s.lastCompactionTurn
}

// CurrentPressure returns the pressure level of sessionID's most recently
// observed usage.
func (m *Manager) CurrentPressure(sessionID string) Pressure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PressureLevel(m.sessions[sessionID].safeUsage())
}

func (s *sessionState) safeUsage() Usage {
	if s == nil {
		return Usage{}
	}
	return s.lastUsage
}

// MarkCompacted resets the compaction cadence clock for sessionID.
func (m *Manager) MarkCompacted(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	s.lastCompactionTurn = s.turn
	s.lastCompactionAt = nowFn()
}

// Snapshot is the serializable form of a session's budget state.
type Snapshot struct {
	Turn               int
	LastCompactionTurn int
	LastCompactionAt   time.Time
}

// SnapshotSession captures sessionID's cadence state.
func (m *Manager) SnapshotSession(sessionID string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.session(sessionID)
	return Snapshot{
		Turn:               s.turn,
		LastCompactionTurn: s.lastCompactionTurn,
		LastCompactionAt:   s.lastCompactionAt,
	}
}

// RestoreSession replaces sessionID's cadence state from a prior Snapshot.
func (m *Manager) RestoreSession(sessionID string, snap Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sessionID] = &sessionState{
		turn:               snap.Turn,
		lastCompactionTurn: snap.LastCompactionTurn,
		lastCompactionAt:   snap.LastCompactionAt,
	}
}
