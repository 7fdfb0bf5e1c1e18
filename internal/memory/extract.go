package memory

import (
	"fmt"
	"regexp"
	"strings"
)

// resolveDirective tells applyCandidates to deactivate existing units
// matching a topic prefix before (or instead of) adding a new candidate.
type resolveDirective struct {
	topicPrefix string
}

// candidate is a not-yet-merged unit produced by an extraction rule.
type candidate struct {
	typ        string
	topic      string
	statement  string
	confidence float64
	sourceRef  string
}

var whitespace = regexp.MustCompile(`\s+`)

func normalizeKey(s string) string {
	return whitespace.ReplaceAllString(strings.ToLower(strings.TrimSpace(s)), " ")
}

func payloadString(payload map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// extract runs the deterministic, event-kind-specific rules of spec.md
// §4.7 against one event, producing zero or more unit candidates and zero
// or more resolve directives.
func extract(ev ingestEvent) ([]candidate, []resolveDirective) {
	switch {
	case strings.HasPrefix(ev.Type, "truth_"):
		return extractTruth(ev)
	case strings.HasPrefix(ev.Type, "task_"):
		return extractTask(ev)
	case ev.Type == "skill_completed":
		return extractSkillCompleted(ev)
	case ev.Type == "verification_state_reset":
		return nil, []resolveDirective{{topicPrefix: "verification:"}}
	case ev.Type == "verification_outcome_recorded":
		return extractVerificationOutcome(ev)
	case ev.Type == "cognitive_outcome_reflection":
		return extractReflection(ev)
	default:
		return nil, nil
	}
}

func extractTruth(ev ingestEvent) ([]candidate, []resolveDirective) {
	topic := payloadString(ev.Payload, "topic", "key")
	if topic == "" {
		topic = "truth"
	}
	topicKey := "truth:" + topic

	if ev.Type == "truth_resolved" {
		return nil, []resolveDirective{{topicPrefix: topicKey}}
	}

	statement := payloadString(ev.Payload, "statement", "fact", "value")
	if statement == "" {
		return nil, nil
	}
	confidence := 0.8
	if c, ok := ev.Payload["confidence"].(float64); ok {
		confidence = c
	}
	return []candidate{{
		typ:        "fact",
		topic:      topicKey,
		statement:  statement,
		confidence: confidence,
		sourceRef:  ev.ID,
	}}, nil
}

func extractTask(ev ingestEvent) ([]candidate, []resolveDirective) {
	id := payloadString(ev.Payload, "taskId", "id")
	if id == "" {
		id = "default"
	}
	topic := "task:" + id

	if ev.Type == "task_completed" {
		return nil, []resolveDirective{{topicPrefix: topic}}
	}

	status := payloadString(ev.Payload, "status")
	desc := payloadString(ev.Payload, "description", "goal", "title")
	var statement string
	switch {
	case status != "" && desc != "":
		statement = fmt.Sprintf("%s (%s)", desc, status)
	case desc != "":
		statement = desc
	case status != "":
		statement = status
	default:
		return nil, nil
	}
	return []candidate{{
		typ:        "task",
		topic:      topic,
		statement:  statement,
		confidence: 0.9,
		sourceRef:  ev.ID,
	}}, nil
}

func extractSkillCompleted(ev ingestEvent) ([]candidate, []resolveDirective) {
	skill := payloadString(ev.Payload, "skill")
	if skill == "" {
		return nil, nil
	}
	var parts []string
	for k, v := range ev.Payload {
		if k == "skill" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	statement := skill + " completed"
	if len(parts) > 0 {
		statement += ": " + strings.Join(parts, ", ")
	}
	return []candidate{{
		typ:        "skill_output",
		topic:      "skill:" + skill,
		statement:  statement,
		confidence: 0.85,
		sourceRef:  ev.ID,
	}}, nil
}

func extractVerificationOutcome(ev ingestEvent) ([]candidate, []resolveDirective) {
	name := payloadString(ev.Payload, "checkName", "name")
	if name == "" {
		return nil, nil
	}
	passed, _ := ev.Payload["passed"].(bool)
	statement := fmt.Sprintf("%s: %s", name, map[bool]string{true: "passed", false: "failed"}[passed])
	return []candidate{{
		typ:        "verification",
		topic:      "verification:" + name,
		statement:  statement,
		confidence: 0.95,
		sourceRef:  ev.ID,
	}}, nil
}

func extractReflection(ev ingestEvent) ([]candidate, []resolveDirective) {
	topic := payloadString(ev.Payload, "topic")
	statement := payloadString(ev.Payload, "insight", "statement")
	if topic == "" || statement == "" {
		return nil, nil
	}
	confidence := 0.6
	if c, ok := ev.Payload["confidence"].(float64); ok {
		confidence = c
	}
	return []candidate{{
		typ:        "reflection",
		topic:      "reflection:" + topic,
		statement:  statement,
		confidence: confidence,
		sourceRef:  ev.ID,
	}}, nil
}
