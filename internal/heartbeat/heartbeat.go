// Package heartbeat parses the heartbeat policy markdown file and tracks
// its rule set across reloads, per spec.md §4.9 ("Heartbeat policy
// reload"). Grounded on the teacher's internal/domain/service/heartbeat.go
// (periodic file-driven execution against a target session), generalized
// from a line-per-command format into the one-section-per-rule markdown
// document SPEC_FULL.md §C names, parsed with goldmark and scheduled with
// gronx cron expressions instead of a fixed polling interval.
package heartbeat

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Rule is one `##`-delimited section of the heartbeat policy document.
type Rule struct {
	ID        string
	Cadence   string // cron expression, e.g. "*/15 * * * *"
	SessionID string // defaults to DefaultSessionID(ID) when the section omits "Session:"
	Prompt    string // remaining body text, sent as the session's next turn input
}

// DefaultSessionID is the implicit per-rule session id used when a rule's
// markdown section does not declare an explicit "Session:" line (spec.md
// §4.9: "its default session id (heartbeat:<ruleId>)").
func DefaultSessionID(ruleID string) string {
	return "heartbeat:" + ruleID
}

// Policy is a parsed heartbeat document.
type Policy struct {
	Rules []Rule
}

// RuleByID looks up a rule by id.
func (p Policy) RuleByID(id string) (Rule, bool) {
	for _, r := range p.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// usedSessionIDs returns the set of session ids referenced by p, whether
// explicit or defaulted.
func (p Policy) usedSessionIDs() map[string]bool {
	out := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		out[r.SessionID] = true
	}
	return out
}

var gron = gronx.New()

// Parse reads one `##`-level markdown document into a Policy. Each `##`
// heading starts a new rule, whose id is the heading text (lowercased,
// spaces collapsed to `-`). The first line of the section body shaped
// "Cadence: <cron expr>" sets the rule's schedule; a line shaped
// "Session: <id>" overrides the default session id; everything else is the
// rule's prompt body.
func Parse(source []byte) (Policy, error) {
	md := goldmark.New()
	reader := text.NewReader(source)
	doc := md.Parser().Parse(reader)

	var (
		rules   []Rule
		cur     *Rule
		bodyBuf strings.Builder
	)
	flush := func() {
		if cur == nil {
			return
		}
		cur.Prompt = strings.TrimSpace(bodyBuf.String())
		rules = append(rules, *cur)
		cur = nil
		bodyBuf.Reset()
	}

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 2 {
				flush()
				title := strings.TrimSpace(string(node.Text(source)))
				id := slugify(title)
				cur = &Rule{ID: id, SessionID: DefaultSessionID(id)}
				return ast.WalkSkipChildren, nil
			}
		case *ast.Paragraph:
			if cur == nil {
				return ast.WalkContinue, nil
			}
			line := strings.TrimSpace(string(node.Text(source)))
			for _, part := range strings.Split(line, "\n") {
				part = strings.TrimSpace(part)
				switch {
				case strings.HasPrefix(strings.ToLower(part), "cadence:"):
					cur.Cadence = strings.TrimSpace(part[len("cadence:"):])
				case strings.HasPrefix(strings.ToLower(part), "session:"):
					cur.SessionID = strings.TrimSpace(part[len("session:"):])
				default:
					if bodyBuf.Len() > 0 {
						bodyBuf.WriteString("\n")
					}
					bodyBuf.WriteString(part)
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		return Policy{}, fmt.Errorf("walk heartbeat markdown: %w", err)
	}
	flush()

	for _, r := range rules {
		if r.Cadence != "" && !gron.IsValid(r.Cadence) {
			return Policy{}, fmt.Errorf("rule %q: invalid cadence %q", r.ID, r.Cadence)
		}
	}
	return Policy{Rules: rules}, nil
}

func slugify(title string) string {
	title = strings.ToLower(strings.TrimSpace(title))
	title = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '_' || r == '-':
			return '-'
		default:
			return -1
		}
	}, title)
	for strings.Contains(title, "--") {
		title = strings.ReplaceAll(title, "--", "-")
	}
	return strings.Trim(title, "-")
}

// ReloadResult reports what changed between the previous and newly parsed
// policy.
type ReloadResult struct {
	Policy         Policy
	AddedRules     []string
	RemovedRules   []string
	ClosedSessions []string // default-session ids closed because no remaining rule references them
}

// Manager owns the current parsed Policy and diffs it on every Reload.
type Manager struct {
	path   string
	policy Policy
}

// NewManager constructs a Manager for the heartbeat file at path. The
// initial policy is empty until the first Load/Reload.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Load parses path fresh and replaces the current policy unconditionally
// (used at daemon startup, before any diffing makes sense).
func (m *Manager) Load() (Policy, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			m.policy = Policy{}
			return m.policy, nil
		}
		return Policy{}, fmt.Errorf("read heartbeat file: %w", err)
	}
	policy, err := Parse(bytes.TrimSpace(data))
	if err != nil {
		return Policy{}, err
	}
	m.policy = policy
	return policy, nil
}

// Current returns the last successfully loaded policy.
func (m *Manager) Current() Policy { return m.policy }

// Reload re-parses the heartbeat file and diffs the rule set against the
// currently held policy, per spec.md §4.9: "For each removed rule, if its
// default session id (heartbeat:<ruleId>) is no longer referenced by any
// remaining rule, close that session; sessions explicitly shared between
// rules are preserved while any rule still references them."
func (m *Manager) Reload() (ReloadResult, error) {
	previous := m.policy

	data, err := os.ReadFile(m.path)
	if err != nil {
		return ReloadResult{}, fmt.Errorf("read heartbeat file: %w", err)
	}
	next, err := Parse(bytes.TrimSpace(data))
	if err != nil {
		return ReloadResult{}, err
	}

	prevIDs := make(map[string]bool, len(previous.Rules))
	for _, r := range previous.Rules {
		prevIDs[r.ID] = true
	}
	nextIDs := make(map[string]bool, len(next.Rules))
	for _, r := range next.Rules {
		nextIDs[r.ID] = true
	}

	var added, removed []string
	for id := range nextIDs {
		if !prevIDs[id] {
			added = append(added, id)
		}
	}
	stillUsed := next.usedSessionIDs()
	var closed []string
	for _, r := range previous.Rules {
		if nextIDs[r.ID] {
			continue
		}
		removed = append(removed, r.ID)
		defaultID := DefaultSessionID(r.ID)
		if !stillUsed[defaultID] {
			closed = append(closed, defaultID)
		}
	}

	m.policy = next
	return ReloadResult{Policy: next, AddedRules: added, RemovedRules: removed, ClosedSessions: closed}, nil
}

// DueRules returns every rule whose cadence is due at ref, per gronx's cron
// evaluation. Rules with no cadence are never due on a tick (they must be
// triggered explicitly).
func (m *Manager) DueRules(ref time.Time) []Rule {
	var due []Rule
	for _, r := range m.policy.Rules {
		if r.Cadence == "" {
			continue
		}
		ok, err := gron.IsDue(r.Cadence, ref)
		if err != nil || !ok {
			continue
		}
		due = append(due, r)
	}
	return due
}
