package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

type sessionMemory struct {
	mu        sync.Mutex
	refreshMu sync.Mutex // serializes snapshot publication; TryLock losers reuse the cache
	units     map[string]*Unit
	edges       map[string]*Edge
	insights    map[string]*Insight
	mergeIndex  map[string]string // (type|topic|statement) -> unitID
	dirtyTopics map[string]bool
	lastPublish string // day key (YYYY-MM-DD) of last publication

	cached *WorkingSnapshot
}

func newSessionMemory() *sessionMemory {
	return &sessionMemory{
		units:       make(map[string]*Unit),
		edges:       make(map[string]*Edge),
		insights:    make(map[string]*Insight),
		mergeIndex:  make(map[string]string),
		dirtyTopics: make(map[string]bool),
	}
}

// Engine is the Memory Engine.
type Engine struct {
	cfg config.MemoryConfig

	mu       sync.Mutex
	sessions map[string]*sessionMemory

	globalMu       sync.Mutex
	globalCrystals map[string]*Crystal   // topic -> global crystal
	topicSessions  map[string]map[string]bool // topic -> sessionIds that have contributed active units

	emit          EventFunc
	reranker      Reranker
	asyncReranker AsyncReranker
}

// New creates an Engine.
func New(cfg config.MemoryConfig) *Engine {
	return &Engine{
		cfg:            cfg,
		sessions:       make(map[string]*sessionMemory),
		globalCrystals: make(map[string]*Crystal),
		topicSessions:  make(map[string]map[string]bool),
	}
}

// WireEvents registers an event emitter for insight/crystal events.
func (e *Engine) WireEvents(f EventFunc) { e.emit = f }

// WireReranker registers the optional "cognitive" relevance port for its
// synchronous form. Only one of WireReranker/WireAsyncReranker should be
// wired for a given cognitive port; wiring both lets Search keep using the
// synchronous one while SearchAsync prefers the asynchronous one.
func (e *Engine) WireReranker(r Reranker) { e.reranker = r }

// WireAsyncReranker registers the optional "cognitive" relevance port for
// its promise-like, asynchronous form (spec.md §9 "Async vs. sync
// rerank"). Engine.Search cannot await it and instead skips reranking with
// a memory_rerank_skipped event; Engine.SearchAsync awaits it.
func (e *Engine) WireAsyncReranker(r AsyncReranker) { e.asyncReranker = r }

func (e *Engine) session(sessionID string) *sessionMemory {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = newSessionMemory()
		e.sessions[sessionID] = s
	}
	return s
}

func mergeKey(typ, topic, statement string) string {
	return typ + "|" + normalizeKey(topic) + "|" + normalizeKey(statement)
}

// IngestEvent runs the deterministic extraction rules against ev and
// merges any resulting candidates into ev.SessionID's memory.
func (e *Engine) IngestEvent(ev ingestEvent) {
	cands, directives := extract(ev)
	if len(cands) == 0 && len(directives) == 0 {
		return
	}
	e.applyCandidates(ev.SessionID, cands, directives)
}

func (e *Engine) applyCandidates(sessionID string, cands []candidate, directives []resolveDirective) {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowFn()

	for _, d := range directives {
		for _, u := range s.units {
			if u.Active && strings.HasPrefix(u.Topic, d.topicPrefix) {
				u.Active = false
				u.UpdatedAt = now
				s.dirtyTopics[u.Topic] = true
			}
		}
	}

	for _, c := range cands {
		key := mergeKey(c.typ, c.topic, c.statement)
		if id, ok := s.mergeIndex[key]; ok {
			u := s.units[id]
			if c.confidence > u.Confidence {
				u.Confidence = c.confidence
			}
			u.SourceRefs = unionRefs(u.SourceRefs, c.sourceRef)
			u.UpdatedAt = now
			s.dirtyTopics[u.Topic] = true
			continue
		}

		u := &Unit{
			ID:         uuid.NewString(),
			SessionID:  sessionID,
			Type:       c.typ,
			Topic:      c.topic,
			Statement:  c.statement,
			Confidence: c.confidence,
			SourceRefs: unionRefs(nil, c.sourceRef),
			CreatedAt:  now,
			UpdatedAt:  now,
			Active:     true,
		}
		s.units[u.ID] = u
		s.mergeIndex[key] = u.ID
		s.dirtyTopics[u.Topic] = true
		e.inferEdgesFor(sessionID, s, u)

		e.globalMu.Lock()
		topicSet, ok := e.topicSessions[u.Topic]
		if !ok {
			topicSet = make(map[string]bool)
			e.topicSessions[u.Topic] = topicSet
		}
		topicSet[sessionID] = true
		e.globalMu.Unlock()
	}
}

func unionRefs(existing []string, ref string) []string {
	if ref == "" {
		return existing
	}
	for _, r := range existing {
		if r == ref {
			return existing
		}
	}
	return append(existing, ref)
}

// inferEdgesFor proposes evolves edges between newUnit and every other
// active unit sharing its topic, skipping any pair that already has an
// edge in either direction (the no-cycles, at-most-once invariant).
func (e *Engine) inferEdgesFor(sessionID string, s *sessionMemory, newUnit *Unit) {
	for _, other := range s.units {
		if other.ID == newUnit.ID || !other.Active || other.Topic != newUnit.Topic {
			continue
		}
		if edgeExists(s, newUnit.ID, other.ID) || edgeExists(s, other.ID, newUnit.ID) {
			continue
		}
		relation, ok := inferRelation(*newUnit, *other)
		if !ok {
			continue
		}
		edge := &Edge{
			ID:           uuid.NewString(),
			SessionID:    sessionID,
			SourceUnitID: newUnit.ID,
			TargetUnitID: other.ID,
			Relation:     relation,
			CreatedAt:    nowFn(),
		}
		s.edges[edge.ID] = edge

		if relation == RelationReplaces || relation == RelationChallenges {
			insight := &Insight{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				Kind:      "conflict",
				Message:   fmt.Sprintf("%s %s %s", newUnit.Topic, relation, other.Topic),
				RelatedUnitIDs: []string{newUnit.ID, other.ID},
				CreatedAt: nowFn(),
			}
			s.insights[insight.ID] = insight
			e.emitEvent(sessionID, "memory_conflict_detected", map[string]any{
				"insightId": insight.ID, "relation": string(relation),
			})
		}
	}
}

func edgeExists(s *sessionMemory, sourceID, targetID string) bool {
	for _, ed := range s.edges {
		if ed.SourceUnitID == sourceID && ed.TargetUnitID == targetID {
			return true
		}
	}
	return false
}

func (e *Engine) emitEvent(sessionID, eventType string, payload map[string]any) {
	if e.emit != nil {
		e.emit(sessionID, eventType, payload)
	}
}

// ReviewEvolvesEdge accepts or rejects a proposed evolves edge. Accepting a
// replaces/challenges edge deactivates its target unit and dismisses the
// conflict insights raised for it.
func (e *Engine) ReviewEvolvesEdge(sessionID, edgeID string, accept bool) (bool, error) {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	edge, ok := s.edges[edgeID]
	if !ok {
		return false, fmt.Errorf("unknown evolves edge %q", edgeID)
	}
	edge.Accepted = accept
	if !accept {
		return true, nil
	}

	if edge.Relation == RelationReplaces || edge.Relation == RelationChallenges {
		if target, ok := s.units[edge.TargetUnitID]; ok && target.Active {
			target.Active = false
			target.UpdatedAt = nowFn()
			s.dirtyTopics[target.Topic] = true
		}
		for _, in := range s.insights {
			if containsID(in.RelatedUnitIDs, edge.SourceUnitID) && containsID(in.RelatedUnitIDs, edge.TargetUnitID) {
				in.Dismissed = true
			}
		}
	}
	return true, nil
}

func containsID(ids []string, id string) bool {
	for _, i := range ids {
		if i == id {
			return true
		}
	}
	return false
}

// DismissInsight marks a conflict insight as dismissed without acting on
// its underlying edge.
func (e *Engine) DismissInsight(sessionID, insightID string) bool {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.insights[insightID]
	if !ok {
		return false
	}
	in.Dismissed = true
	return true
}

func dayKey(t time.Time) string { return t.Format("2006-01-02") }

// RefreshIfNeeded re-publishes sessionID's working snapshot when there are
// dirty topics, or the configured daily refresh hour has been crossed
// since the last publish day. Publication is serialized per session; a
// concurrent caller that loses the race reuses the cached snapshot.
func (e *Engine) RefreshIfNeeded(sessionID string) WorkingSnapshot {
	s := e.session(sessionID)

	s.mu.Lock()
	now := nowFn()
	needsRefresh := len(s.dirtyTopics) > 0
	if !needsRefresh && now.Hour() >= e.cfg.DailyRefreshHour && s.lastPublish != dayKey(now) {
		needsRefresh = true
	}
	cached := s.cached
	s.mu.Unlock()

	if !needsRefresh {
		if cached != nil {
			return *cached
		}
		return WorkingSnapshot{SessionID: sessionID, PublishedAt: now}
	}

	if !s.refreshMu.TryLock() {
		// A concurrent caller already owns publication; reuse its result
		// rather than blocking for it.
		s.mu.Lock()
		cached = s.cached
		s.mu.Unlock()
		if cached != nil {
			return *cached
		}
		return WorkingSnapshot{SessionID: sessionID, PublishedAt: now}
	}
	defer s.refreshMu.Unlock()

	s.mu.Lock()
	var active []Unit
	for _, u := range s.units {
		if u.Active {
			active = append(active, *u)
		}
	}
	s.mu.Unlock()
	sort.Slice(active, func(i, j int) bool { return active[i].Topic < active[j].Topic })

	crystals := e.compileCrystals(sessionID, active)

	snap := WorkingSnapshot{SessionID: sessionID, Units: active, Crystals: crystals, PublishedAt: now}

	s.mu.Lock()
	s.cached = &snap
	s.dirtyTopics = make(map[string]bool)
	s.lastPublish = dayKey(now)
	s.mu.Unlock()

	e.promoteGlobalCrystals(crystals)
	return snap
}

// GetWorkingMemory returns sessionID's most recently published snapshot
// without forcing a refresh.
func (e *Engine) GetWorkingMemory(sessionID string) WorkingSnapshot {
	s := e.session(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return *s.cached
	}
	return WorkingSnapshot{SessionID: sessionID, PublishedAt: nowFn()}
}

// IngestExternalRecall merges externally sourced recall hits (e.g. from a
// vector store) into sessionID's memory as external_recall units.
func (e *Engine) IngestExternalRecall(sessionID string, hits []ExternalHit) {
	cands := make([]candidate, 0, len(hits))
	for _, h := range hits {
		cands = append(cands, candidate{
			typ:        "external_recall",
			topic:      "recall:" + h.Topic,
			statement:  h.Statement,
			confidence: h.Confidence,
			sourceRef:  h.SourceID,
		})
	}
	e.applyCandidates(sessionID, cands, nil)
}

// RebuildSessionFromTape replays events into a fresh (mode="replace") or
// existing (mode="merge") session memory state.
func (e *Engine) RebuildSessionFromTape(sessionID string, events []ingestEvent, mode string) {
	if mode == "replace" {
		e.mu.Lock()
		e.sessions[sessionID] = newSessionMemory()
		e.mu.Unlock()
	}
	for _, ev := range events {
		ev.SessionID = sessionID
		e.IngestEvent(ev)
	}
}
