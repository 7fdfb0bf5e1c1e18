// Package costtracker accumulates token and USD usage per session, skill,
// model, and tool, and raises budget alerts per spec.md §4.6. Tool-call
// allocation is deferred to summary time so it can be computed exactly as
// the spec requires: a turn's assistant usage split across that turn's
// tool calls in proportion to call counts.
package costtracker

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

// Usage is one assistant-turn usage observation.
type Usage struct {
	Model        string
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUsd      float64
}

// AlertKind identifies which budget threshold fired.
type AlertKind string

const (
	AlertSessionWarn AlertKind = "session_alert_ratio"
	AlertSessionCap  AlertKind = "session_cap"
	AlertSkillCap    AlertKind = "skill_cap"
)

// Alert is a single budget-threshold crossing.
type Alert struct {
	Kind  AlertKind
	Scope string // "" for session-scoped alerts, skill name for skill-scoped
}

// Summary is the aggregate view returned by GetSummary.
type Summary struct {
	TotalTokens  int64
	TotalCostUsd float64
	PerModel     map[string]int64
	PerSkill     map[string]int64
	PerTool      map[string]int64
}

// BudgetStatus is the aggregate view returned by GetBudgetStatus.
type BudgetStatus struct {
	TotalCostUsd float64
	SessionRatio float64 // TotalCostUsd / MaxCostUsdPerSession
	Blocked      bool
	Alerts       []Alert
}

type turnUsage struct {
	skill     string
	usage     Usage
	toolCalls map[string]int // toolName -> count, in this turn
}

type sessionState struct {
	turns map[int]*turnUsage
	order []int

	totalTokens  int64
	totalCostUsd float64
	perModel     map[string]int64
	perSkillCost map[string]float64
	perSkillTok  map[string]int64

	warned  map[AlertKind]map[string]bool // kind -> scope -> fired
	alerts  []Alert
	blocked bool
}

func newSessionState() *sessionState {
	return &sessionState{
		turns:        make(map[int]*turnUsage),
		perModel:     make(map[string]int64),
		perSkillCost: make(map[string]float64),
		perSkillTok:  make(map[string]int64),
		warned:       make(map[AlertKind]map[string]bool),
	}
}

// Tracker holds per-session cost state.
type Tracker struct {
	mu       sync.Mutex
	cfg      config.CostConfig
	logger   *zap.Logger
	sessions map[string]*sessionState

	// onAlert, when set, is invoked for every newly fired alert (wired to
	// the event store by callers that want cost_budget_alert events).
	onAlert func(sessionID string, a Alert)
}

// New creates a Tracker.
func New(cfg config.CostConfig, logger *zap.Logger) *Tracker {
	return &Tracker{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// OnAlert registers a callback invoked once per newly fired alert.
func (t *Tracker) OnAlert(fn func(sessionID string, a Alert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = fn
}

func (t *Tracker) session(sessionID string) *sessionState {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = newSessionState()
		t.sessions[sessionID] = s
	}
	return s
}

func (s *sessionState) turn(n int) *turnUsage {
	tu, ok := s.turns[n]
	if !ok {
		tu = &turnUsage{toolCalls: make(map[string]int)}
		s.turns[n] = tu
		s.order = append(s.order, n)
	}
	return tu
}

// RecordUsage records one assistant-turn usage observation.
func (t *Tracker) RecordUsage(sessionID string, usage Usage, turn int, skill string) []Alert {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session(sessionID)
	tu := s.turn(turn)
	tu.skill = skill
	tu.usage.InputTokens += usage.InputTokens
	tu.usage.OutputTokens += usage.OutputTokens
	tu.usage.TotalTokens += usage.TotalTokens
	tu.usage.CostUsd += usage.CostUsd
	if usage.Model != "" {
		tu.usage.Model = usage.Model
	}

	s.totalTokens += usage.TotalTokens
	s.totalCostUsd += usage.CostUsd
	if usage.Model != "" {
		s.perModel[usage.Model] += usage.TotalTokens
	}
	if skill != "" {
		s.perSkillCost[skill] += usage.CostUsd
		s.perSkillTok[skill] += usage.TotalTokens
	}

	return t.checkBudgets(sessionID, s, skill)
}

// RecordToolCall records one tool invocation against a turn, for later
// proportional token allocation.
func (t *Tracker) RecordToolCall(sessionID, toolName string, turn int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.session(sessionID)
	tu := s.turn(turn)
	tu.toolCalls[toolName]++
}

func (t *Tracker) checkBudgets(sessionID string, s *sessionState, skill string) []Alert {
	var fired []Alert

	fire := func(kind AlertKind, scope string) {
		scoped, ok := s.warned[kind]
		if !ok {
			scoped = make(map[string]bool)
			s.warned[kind] = scoped
		}
		if scoped[scope] {
			return
		}
		scoped[scope] = true
		a := Alert{Kind: kind, Scope: scope}
		s.alerts = append(s.alerts, a)
		fired = append(fired, a)
		if t.onAlert != nil {
			t.onAlert(sessionID, a)
		}
	}

	if t.cfg.MaxCostUsdPerSession > 0 {
		ratio := s.totalCostUsd / t.cfg.MaxCostUsdPerSession
		if ratio >= 1.0 {
			fire(AlertSessionCap, "")
			if t.cfg.ActionOnExceed == "block_tools" {
				s.blocked = true
			}
		} else if t.cfg.SessionAlertRatio > 0 && ratio >= t.cfg.SessionAlertRatio {
			fire(AlertSessionWarn, "")
		}
	}

	if skill != "" && t.cfg.MaxCostUsdPerSkill > 0 {
		if s.perSkillCost[skill] >= t.cfg.MaxCostUsdPerSkill {
			fire(AlertSkillCap, skill)
			if t.cfg.ActionOnExceed == "block_tools" {
				s.blocked = true
			}
		}
	}

	return fired
}

// GetSummary computes the full per-model/per-skill/per-tool breakdown.
// Tool allocation for each turn is proportional to that tool's call count
// within the turn: allocated = totalTokens * n_i / K.
func (t *Tracker) GetSummary(sessionID string) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Summary{PerModel: map[string]int64{}, PerSkill: map[string]int64{}, PerTool: map[string]int64{}}
	}

	perTool := make(map[string]int64)
	for _, n := range s.order {
		tu := s.turns[n]
		k := 0
		for _, c := range tu.toolCalls {
			k += c
		}
		if k == 0 {
			continue
		}
		total := tu.usage.TotalTokens
		names := make([]string, 0, len(tu.toolCalls))
		for name := range tu.toolCalls {
			names = append(names, name)
		}
		sort.Strings(names)
		var allocated int64
		for i, name := range names {
			n_i := int64(tu.toolCalls[name])
			var share int64
			if i == len(names)-1 {
				share = total - allocated // remainder to the last tool, keeps sum exact
			} else {
				share = total * n_i / int64(k)
				allocated += share
			}
			perTool[name] += share
		}
	}

	perModel := make(map[string]int64, len(s.perModel))
	for k, v := range s.perModel {
		perModel[k] = v
	}
	perSkill := make(map[string]int64, len(s.perSkillTok))
	for k, v := range s.perSkillTok {
		perSkill[k] = v
	}

	return Summary{
		TotalTokens:  s.totalTokens,
		TotalCostUsd: s.totalCostUsd,
		PerModel:     perModel,
		PerSkill:     perSkill,
		PerTool:      perTool,
	}
}

// GetBudgetStatus reports the current blocked/alert state.
func (t *Tracker) GetBudgetStatus(sessionID string) BudgetStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return BudgetStatus{}
	}
	var ratio float64
	if t.cfg.MaxCostUsdPerSession > 0 {
		ratio = s.totalCostUsd / t.cfg.MaxCostUsdPerSession
	}
	alerts := make([]Alert, len(s.alerts))
	copy(alerts, s.alerts)
	return BudgetStatus{
		TotalCostUsd: s.totalCostUsd,
		SessionRatio: ratio,
		Blocked:      s.blocked,
		Alerts:       alerts,
	}
}

// GetSkillTotalTokens returns total tokens attributed to skill across all
// turns in which it was active.
func (t *Tracker) GetSkillTotalTokens(sessionID, skill string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return 0
	}
	return s.perSkillTok[skill]
}

// Snapshot is the serializable form of a session's cost state, used by
// the Session Runtime façade's interrupt/resume snapshot.
type Snapshot struct {
	TotalTokens  int64
	TotalCostUsd float64
	PerModel     map[string]int64
	PerSkillCost map[string]float64
	PerSkillTok  map[string]int64
	Blocked      bool
}

// Snapshot captures sessionID's aggregate totals (not the per-turn detail,
// which is not needed to resume cost accounting — only future RecordUsage
// calls need accurate running totals and budget state).
func (t *Tracker) Snapshot(sessionID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return Snapshot{PerModel: map[string]int64{}, PerSkillCost: map[string]float64{}, PerSkillTok: map[string]int64{}}
	}
	return Snapshot{
		TotalTokens:  s.totalTokens,
		TotalCostUsd: s.totalCostUsd,
		PerModel:     cloneInt64Map(s.perModel),
		PerSkillCost: cloneFloatMap(s.perSkillCost),
		PerSkillTok:  cloneInt64Map(s.perSkillTok),
		Blocked:      s.blocked,
	}
}

// Restore replaces sessionID's aggregate totals from a prior Snapshot.
func (t *Tracker) Restore(sessionID string, snap Snapshot) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := newSessionState()
	s.totalTokens = snap.TotalTokens
	s.totalCostUsd = snap.TotalCostUsd
	s.perModel = cloneInt64Map(snap.PerModel)
	s.perSkillCost = cloneFloatMap(snap.PerSkillCost)
	s.perSkillTok = cloneInt64Map(snap.PerSkillTok)
	s.blocked = snap.Blocked
	t.sessions[sessionID] = s
}

func cloneInt64Map(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
