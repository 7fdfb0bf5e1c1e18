// Package memory implements the semantic Memory Engine described in
// spec.md §4.7: deterministic event extraction into memory units, working
// snapshot publication, crystal compilation with cross-session global
// promotion, hybrid-ranked retrieval, and evolves-edge inference.
package memory

import (
	"time"

	"github.com/codeorc/orchestrator/internal/eventstore"
)

// Relation is the kind of an evolves edge between two units.
type Relation string

const (
	RelationConfirms  Relation = "confirms"
	RelationEnriches  Relation = "enriches"
	RelationReplaces  Relation = "replaces"
	RelationChallenges Relation = "challenges"
)

// Unit is one semantic memory unit extracted from session events.
type Unit struct {
	ID         string
	SessionID  string
	Type       string // "fact" | "task" | "skill_output" | "verification" | "reflection" | "external_recall"
	Topic      string
	Statement  string
	Confidence float64
	SourceRefs []string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Active     bool
	Global     bool
}

// Insight flags a detected conflict between units (e.g. an unresolved
// challenges edge) surfaced to the caller for manual resolution.
type Insight struct {
	ID             string
	SessionID      string
	Kind           string // "conflict"
	Message        string
	RelatedUnitIDs []string
	Dismissed      bool
	CreatedAt      time.Time
}

// Edge is a directed evolves relationship between two units, created at
// most once per (sourceUnitID, targetUnitID).
type Edge struct {
	ID           string
	SessionID    string
	SourceUnitID string
	TargetUnitID string
	Relation     Relation
	Accepted     bool
	CreatedAt    time.Time
}

// Crystal summarizes crystalMinUnits+ active units sharing a topic.
type Crystal struct {
	ID          string
	Topic       string
	UnitIDs     []string
	Summary     string
	Confidence  float64
	Global      bool
	CreatedAt   time.Time
	LastDecayAt time.Time
}

// WorkingSnapshot is the published, queryable view of a session's memory.
type WorkingSnapshot struct {
	SessionID   string
	Units       []Unit
	Crystals    []Crystal
	PublishedAt time.Time
}

// ExternalHit is one externally sourced recall result (e.g. from a vector
// store) handed to IngestExternalRecall.
type ExternalHit struct {
	Topic      string
	Statement  string
	Confidence float64
	SourceID   string
}

// SearchHit is one ranked retrieval result.
type SearchHit struct {
	Unit      Unit
	Score     float64
	LexScore  float64
	RecScore  float64
	ConfScore float64
	Reranked  bool
}

// SearchOpts configures Search/BuildRecallBlock.
type SearchOpts struct {
	Query  string
	Limit  int
	// WeightLexical/Recency/Confidence override the configured defaults
	// when any is non-zero; they are re-normalized to sum to 1.
	WeightLexical    float64
	WeightRecency    float64
	WeightConfidence float64
}

// Reranker is the optional "cognitive" relevance port when it answers
// synchronously. It may reorder the top maxRankCandidatesPerSearch hits;
// Engine applies or shadows its output per the configured
// CognitiveRerankMode.
type Reranker interface {
	Rerank(query string, hits []SearchHit) ([]SearchHit, error)
}

// RerankResult is the outcome delivered on an AsyncReranker's channel.
type RerankResult struct {
	Hits []SearchHit
	Err  error
}

// AsyncReranker is the "cognitive" relevance port when it is promise-like:
// RerankAsync returns immediately with a channel that resolves once the
// reorder is ready, rather than blocking the caller. Engine.Search is
// synchronous and cannot await this port — it has no suspension point — so
// it skips reranking and emits a memory_rerank_skipped event instead.
// Engine.SearchAsync, which already runs inside a goroutine, awaits it.
type AsyncReranker interface {
	RerankAsync(query string, hits []SearchHit) <-chan RerankResult
}

// EventFunc emits a memory-engine event. Wired to the event store by callers.
type EventFunc func(sessionID, eventType string, payload map[string]any)

// ingestEvent is the subset of eventstore.Event fields extraction rules use.
type ingestEvent = eventstore.Event
