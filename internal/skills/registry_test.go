package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
	"github.com/codeorc/orchestrator/internal/skillcatalog"
)

const testCatalogYAML = `
skills:
  - name: deep-debug
    tier: specialist
    tools:
      required: [read_file, exec]
      denied: [delete_file]
    budget:
      maxToolCalls: 10
      maxTokens: 1000
    outputs: [rootCause, fixApplied]
    composableWith: [code-review]
    maxParallel: 1
  - name: code-review
    tools:
      required: [read_file]
    budget:
      maxToolCalls: 5
      maxTokens: 500
    outputs: [reviewNotes]
    consumes: [deep-debug]
  - name: unrelated-skill
    tools:
      required: [read_file]
    outputs: [done]
`

func newTestRegistry(t *testing.T, cfg config.SkillsConfig) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.yaml")
	if err := os.WriteFile(path, []byte(testCatalogYAML), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	cat, err := skillcatalog.Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return New(cat, cfg)
}

func enforceCfg() config.SkillsConfig {
	return config.SkillsConfig{
		AllowedToolsMode:     "enforce",
		SkillMaxTokensMode:   "enforce",
		SkillMaxParallelMode: "enforce",
	}
}

func TestActivate_UnknownSkillFails(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	res := r.Activate("s1", "nope")
	if res.OK {
		t.Fatal("expected unknown skill to fail activation")
	}
}

func TestActivate_RequiresComposability(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")

	res := r.Activate("s1", "unrelated-skill")
	if res.OK {
		t.Fatal("expected activation to be blocked by non-composable active skill")
	}

	res = r.Activate("s1", "code-review")
	if !res.OK {
		t.Fatalf("expected composable skill to activate, got %+v", res)
	}
}

func TestComplete_FailsWithMissingOutputs(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")

	res := r.Complete("s1", map[string]any{"rootCause": "nil pointer"})
	if res.OK {
		t.Fatal("expected incomplete outputs to fail")
	}
	if len(res.Missing) != 1 || res.Missing[0] != "fixApplied" {
		t.Fatalf("expected fixApplied missing, got %v", res.Missing)
	}
}

func TestComplete_SucceedsAndClearsActive(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")

	res := r.Complete("s1", map[string]any{"rootCause": "nil pointer", "fixApplied": true})
	if !res.OK {
		t.Fatalf("expected success, got %+v", res)
	}

	out, ok := r.GetOutputs("s1", "deep-debug")
	if !ok || out["rootCause"] != "nil pointer" {
		t.Fatalf("expected recorded outputs, got %v", out)
	}
}

func TestGetConsumedOutputs_AggregatesFromDependencies(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")
	r.Complete("s1", map[string]any{"rootCause": "x", "fixApplied": true})

	consumed := r.GetConsumedOutputs("s1", "code-review")
	if consumed["rootCause"] != "x" {
		t.Fatalf("expected consumed outputs from deep-debug, got %v", consumed)
	}
}

func TestCheckToolAccess_LifecycleToolsAlwaysAllowed(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")
	res := r.CheckToolAccess("s1", "session_compact")
	if !res.Allowed {
		t.Fatal("expected lifecycle tool to always be allowed")
	}
}

func TestCheckToolAccess_EnforceDeniesDeniedTool(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")
	res := r.CheckToolAccess("s1", "delete_file")
	if res.Allowed {
		t.Fatal("expected denied tool to be blocked in enforce mode")
	}
}

func TestCheckToolAccess_EnforceDeniesOutOfAllowlistTool(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")
	res := r.CheckToolAccess("s1", "send_email")
	if res.Allowed {
		t.Fatal("expected tool outside required/optional allowlist to be blocked")
	}
}

func TestCheckToolAccess_WarnModeAllowsWithWarningOnce(t *testing.T) {
	cfg := enforceCfg()
	cfg.AllowedToolsMode = "warn"
	r := newTestRegistry(t, cfg)
	r.Activate("s1", "deep-debug")

	var events []string
	r.WireEvents(func(sessionID, eventType string, payload map[string]any) {
		events = append(events, eventType)
	})

	res := r.CheckToolAccess("s1", "delete_file")
	if !res.Allowed || res.Warning == "" {
		t.Fatalf("expected allowed-with-warning in warn mode, got %+v", res)
	}
	res = r.CheckToolAccess("s1", "delete_file")
	if !res.Allowed {
		t.Fatal("warn mode must never deny")
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one warning event, got %v", events)
	}
}

func TestCheckToolAccess_SkillMaxTokensEnforced(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug")
	r.WireTokensFor(func(sessionID, skill string) int64 { return 2000 })

	res := r.CheckToolAccess("s1", "read_file")
	if res.Allowed {
		t.Fatal("expected skill token budget to block further tool calls")
	}
	if res.Reason != "skill_max_tokens" {
		t.Errorf("reason = %q, want skill_max_tokens", res.Reason)
	}
}

func TestCheckToolAccess_ContextGateTakesPrecedence(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.WireContextGate(func(sessionID, toolName string) (bool, string) { return true, "session_compact required" })

	res := r.CheckToolAccess("s1", "read_file")
	if res.Allowed {
		t.Fatal("expected context gate to block the tool call")
	}
}

func TestAcquireParallelSlot_EnforcesMaxParallel(t *testing.T) {
	r := newTestRegistry(t, enforceCfg())
	r.Activate("s1", "deep-debug") // maxParallel: 1

	res := r.AcquireParallelSlot("s1", "run-1")
	if !res.Accepted {
		t.Fatal("expected first slot to be accepted")
	}
	res = r.AcquireParallelSlot("s1", "run-2")
	if res.Accepted {
		t.Fatal("expected second concurrent slot to be rejected at maxParallel=1")
	}

	r.ReleaseParallelSlot("s1", "run-1")
	res = r.AcquireParallelSlot("s1", "run-2")
	if !res.Accepted {
		t.Fatal("expected slot to be available after release")
	}
}
