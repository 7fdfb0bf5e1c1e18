package memory

import (
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// compileCrystals groups active units by topic and, for every topic with
// at least cfg.CrystalMinUnits members, compiles a crystal summarizing the
// top units ranked by confidence then recency.
func (e *Engine) compileCrystals(sessionID string, active []Unit) []Crystal {
	if e.cfg.CrystalMinUnits <= 0 {
		return nil
	}
	byTopic := make(map[string][]Unit)
	for _, u := range active {
		byTopic[u.Topic] = append(byTopic[u.Topic], u)
	}

	var topics []string
	for t := range byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	var crystals []Crystal
	for _, topic := range topics {
		units := byTopic[topic]
		if len(units) < e.cfg.CrystalMinUnits {
			continue
		}
		sort.Slice(units, func(i, j int) bool {
			if units[i].Confidence != units[j].Confidence {
				return units[i].Confidence > units[j].Confidence
			}
			return units[i].UpdatedAt.After(units[j].UpdatedAt)
		})

		topN := units
		const maxCrystalUnits = 10
		if len(topN) > maxCrystalUnits {
			topN = topN[:maxCrystalUnits]
		}

		ids := make([]string, len(topN))
		statements := make([]string, len(topN))
		var confSum float64
		for i, u := range topN {
			ids[i] = u.ID
			statements[i] = u.Statement
			confSum += u.Confidence
		}

		crystals = append(crystals, Crystal{
			ID:          uuid.NewString(),
			Topic:       topic,
			UnitIDs:     ids,
			Summary:     strings.Join(statements, "; "),
			Confidence:  confSum / float64(len(topN)),
			CreatedAt:   nowFn(),
			LastDecayAt: nowFn(),
		})
	}
	return crystals
}

// promoteGlobalCrystals promotes session crystals whose topic has been
// contributed to by at least GlobalRecurrenceFloor distinct sessions and
// whose confidence clears GlobalConfidenceFloor into the process-wide
// global crystal store.
func (e *Engine) promoteGlobalCrystals(crystals []Crystal) {
	if len(crystals) == 0 {
		return
	}
	e.globalMu.Lock()
	defer e.globalMu.Unlock()

	for _, c := range crystals {
		if c.Confidence < e.cfg.GlobalConfidenceFloor {
			continue
		}
		recurrence := len(e.topicSessions[c.Topic])
		if recurrence < e.cfg.GlobalRecurrenceFloor {
			continue
		}

		existing, ok := e.globalCrystals[c.Topic]
		if !ok || c.Confidence > existing.Confidence {
			global := c
			global.Global = true
			global.LastDecayAt = nowFn()
			e.globalCrystals[c.Topic] = &global
			e.emitEvent("", "memory_global_crystal_promoted", map[string]any{
				"topic":      c.Topic,
				"confidence": c.Confidence,
			})
		}
	}
}

// ListGlobalCrystals returns every currently promoted global crystal.
func (e *Engine) ListGlobalCrystals() []Crystal {
	e.globalMu.Lock()
	defer e.globalMu.Unlock()
	out := make([]Crystal, 0, len(e.globalCrystals))
	for _, c := range e.globalCrystals {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// DecayGlobalCrystals applies exponential decay to every global crystal
// whose last decay happened at least DecayIntervalDays ago, pruning any
// that fall below PruneBelowConfidence. Callers invoke this on a schedule
// (e.g. daily) rather than per-request.
func (e *Engine) DecayGlobalCrystals() {
	if e.cfg.DecayIntervalDays <= 0 {
		return
	}
	e.globalMu.Lock()
	defer e.globalMu.Unlock()

	now := nowFn()
	intervalHours := float64(e.cfg.DecayIntervalDays) * 24
	for topic, c := range e.globalCrystals {
		elapsedHours := now.Sub(c.LastDecayAt).Hours()
		if elapsedHours < intervalHours {
			continue
		}
		cycles := elapsedHours / intervalHours
		c.Confidence *= math.Pow(1-e.cfg.DecayRate, cycles)
		c.LastDecayAt = now

		if c.Confidence < e.cfg.PruneBelowConfidence {
			delete(e.globalCrystals, topic)
			e.emitEvent("", "memory_global_crystal_pruned", map[string]any{"topic": topic})
		}
	}
}

