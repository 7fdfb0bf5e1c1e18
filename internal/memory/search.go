package memory

import (
	"fmt"
	"sort"
	"strings"
)

func normalizeWeights(lex, rec, conf float64) (float64, float64, float64) {
	sum := lex + rec + conf
	if sum <= 0 {
		return 1.0 / 3, 1.0 / 3, 1.0 / 3
	}
	return lex / sum, rec / sum, conf / sum
}

func recencyScore(hoursSince float64) float64 {
	if hoursSince < 0 {
		hoursSince = 0
	}
	return 1 / (1 + hoursSince/24)
}

// rankUnits scores and orders sessionID's active memory units against
// opts.Query using the hybrid weighting of spec.md §4.7. It does not apply
// reranking — callers choose the sync or async rerank path afterward.
func (e *Engine) rankUnits(sessionID string, opts SearchOpts) []SearchHit {
	s := e.session(sessionID)
	s.mu.Lock()
	units := make([]Unit, 0, len(s.units))
	for _, u := range s.units {
		if u.Active {
			units = append(units, *u)
		}
	}
	s.mu.Unlock()

	lexW, recW, confW := e.cfg.WeightLexical, e.cfg.WeightRecency, e.cfg.WeightConfidence
	if opts.WeightLexical != 0 || opts.WeightRecency != 0 || opts.WeightConfidence != 0 {
		lexW, recW, confW = opts.WeightLexical, opts.WeightRecency, opts.WeightConfidence
	}
	lexW, recW, confW = normalizeWeights(lexW, recW, confW)

	queryTokens := tokenize(opts.Query)
	now := nowFn()

	hits := make([]SearchHit, 0, len(units))
	for _, u := range units {
		lex := jaccard(queryTokens, tokenize(u.Statement+" "+u.Topic))
		rec := recencyScore(now.Sub(u.UpdatedAt).Hours())
		conf := clip01(u.Confidence)
		hits = append(hits, SearchHit{
			Unit:      u,
			LexScore:  lex,
			RecScore:  rec,
			ConfScore: conf,
			Score:     lexW*lex + recW*rec + confW*conf,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Unit.Topic < hits[j].Unit.Topic
	})
	return hits
}

func limitHits(hits []SearchHit, limit int) []SearchHit {
	if limit <= 0 || limit > len(hits) {
		limit = len(hits)
	}
	return hits[:limit]
}

// Search ranks sessionID's active memory units against opts.Query,
// optionally reordering the top maxRankCandidatesPerSearch via the
// configured synchronous cognitive reranker. If only an asynchronous
// ("promise-like") cognitive port is wired, Search has no suspension point
// to await it from and skips reranking instead — see applyRerankSync.
func (e *Engine) Search(sessionID string, opts SearchOpts) []SearchHit {
	hits := e.rankUnits(sessionID, opts)
	hits = e.applyRerankSync(sessionID, opts.Query, hits)
	return limitHits(hits, opts.Limit)
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// rerankCandidates splits hits into the top maxRankCandidatesPerSearch
// candidates eligible for reordering and the untouched remainder.
func (e *Engine) rerankCandidates(hits []SearchHit) (candidates, rest []SearchHit, bound int) {
	bound = e.cfg.MaxRankCandidatesPerSearch
	if bound <= 0 || bound > len(hits) {
		bound = len(hits)
	}
	candidates = make([]SearchHit, bound)
	copy(candidates, hits[:bound])
	return candidates, hits[bound:], bound
}

// applyReranked folds a reranked candidate slice back into hits per mode:
// "shadow" records the would-be order via memory_rerank_shadow_recorded
// without applying it; "active" applies it.
func (e *Engine) applyReranked(sessionID, query string, hits, reranked, rest []SearchHit) []SearchHit {
	if e.cfg.CognitiveRerankMode == "shadow" {
		order := make([]string, len(reranked))
		for i, h := range reranked {
			order[i] = h.Unit.ID
		}
		e.emitEvent(sessionID, "memory_rerank_shadow_recorded", map[string]any{"query": query, "order": order})
		return hits
	}

	for i := range reranked {
		reranked[i].Reranked = true
	}
	out := make([]SearchHit, 0, len(hits))
	out = append(out, reranked...)
	out = append(out, rest...)
	return out
}

// applyRerankSync reorders the top maxRankCandidatesPerSearch hits via the
// configured synchronous cognitive reranker. When only an asynchronous
// port is wired (spec.md §9 "Async vs. sync rerank"), Search cannot await
// it — there is no suspension point in a synchronous call — so reranking
// is skipped and a memory_rerank_skipped event records why, rather than
// silently returning the unreranked order with no explanation.
func (e *Engine) applyRerankSync(sessionID, query string, hits []SearchHit) []SearchHit {
	if e.cfg.CognitiveRerankMode == "" || e.cfg.CognitiveRerankMode == "off" {
		return hits
	}
	if e.reranker == nil {
		if e.asyncReranker != nil {
			e.emitEvent(sessionID, "memory_rerank_skipped", map[string]any{"reason": "async_result_not_applicable_to_sync_search"})
		}
		return hits
	}

	candidates, rest, _ := e.rerankCandidates(hits)
	reranked, err := e.reranker.Rerank(query, candidates)
	if err != nil {
		return hits
	}
	return e.applyReranked(sessionID, query, hits, reranked, rest)
}

// applyRerankAsync reorders the top maxRankCandidatesPerSearch hits for
// SearchAsync, which runs inside a goroutine and can therefore await a
// promise-like cognitive port. It prefers the asynchronous port when wired
// (the case Search itself cannot handle); otherwise it falls back to the
// synchronous reranker, behaving exactly like applyRerankSync.
func (e *Engine) applyRerankAsync(sessionID, query string, hits []SearchHit) []SearchHit {
	if e.cfg.CognitiveRerankMode == "" || e.cfg.CognitiveRerankMode == "off" {
		return hits
	}
	if e.asyncReranker == nil {
		return e.applyRerankSync(sessionID, query, hits)
	}

	candidates, rest, _ := e.rerankCandidates(hits)
	result := <-e.asyncReranker.RerankAsync(query, candidates)
	if result.Err != nil {
		return hits
	}
	return e.applyReranked(sessionID, query, hits, result.Hits, rest)
}

// SearchAsync ranks sessionID's active memory units the same way Search
// does, but runs inside a goroutine and can await a promise-like
// ("cognitive") asynchronous reranker that Search itself has no
// suspension point to wait on. The returned channel delivers exactly one
// result and is closed after the send.
func (e *Engine) SearchAsync(sessionID string, opts SearchOpts) <-chan []SearchHit {
	ch := make(chan []SearchHit, 1)
	go func() {
		defer close(ch)
		hits := e.rankUnits(sessionID, opts)
		hits = e.applyRerankAsync(sessionID, opts.Query, hits)
		ch <- limitHits(hits, opts.Limit)
	}()
	return ch
}

// BuildRecallBlock renders Search's top hits as the [MemoryRecall]
// injection block's content.
func (e *Engine) BuildRecallBlock(sessionID string, opts SearchOpts) string {
	hits := e.Search(sessionID, opts)
	if len(hits) == 0 {
		return ""
	}
	lines := make([]string, len(hits))
	for i, h := range hits {
		lines[i] = fmt.Sprintf("- %s", h.Unit.Statement)
	}
	return strings.Join(lines, "\n")
}
