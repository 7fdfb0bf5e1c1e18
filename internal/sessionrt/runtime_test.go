package sessionrt

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/contextbudget"
	"github.com/codeorc/orchestrator/internal/costtracker"
	"github.com/codeorc/orchestrator/internal/evidence"
	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

const testCatalog = `
skills:
  - name: implement
    tier: core
    tools:
      required: [read_file, write_file]
      optional: [run_tests]
    budget:
      maxToolCalls: 20
      maxTokens: 50000
    outputs: [summary]
`

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	root := t.TempDir()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	cfg.WorkspaceRoot = root
	cfg.Skills.CatalogPath = filepath.Join("skills", "catalog.yaml")
	cfg.Verify.Level = "off"

	catalogPath := filepath.Join(root, cfg.Skills.CatalogPath)
	if err := os.MkdirAll(filepath.Dir(catalogPath), 0o755); err != nil {
		t.Fatalf("mkdir catalog dir: %v", err)
	}
	if err := os.WriteFile(catalogPath, []byte(testCatalog), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	rt, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestNew_WiresEveryComponentWithoutError(t *testing.T) {
	rt := newTestRuntime(t)
	if rt.Events == nil || rt.Evidence == nil || rt.Cost == nil || rt.Budget == nil ||
		rt.Skills == nil || rt.Verify == nil || rt.Files == nil || rt.Pipeline == nil ||
		rt.Memory == nil || rt.Snapshots == nil {
		t.Fatal("expected every leaf component to be constructed")
	}
}

func TestActivateSkill_AllowsRequiredToolAfterActivation(t *testing.T) {
	rt := newTestRuntime(t)

	res := rt.ActivateSkill("s1", "implement")
	if !res.OK {
		t.Fatalf("ActivateSkill failed: %s", res.Reason)
	}

	access := rt.CheckToolAccess("s1", "write_file")
	if !access.Allowed {
		t.Fatalf("expected write_file to be allowed, got reason %q", access.Reason)
	}
}

func TestActivateSkill_DeniesUnlistedTool(t *testing.T) {
	rt := newTestRuntime(t)
	rt.ActivateSkill("s1", "implement")

	access := rt.CheckToolAccess("s1", "deploy_prod")
	if access.Allowed {
		t.Fatal("expected a tool outside the skill's tool policy to be denied")
	}
}

func TestTrackToolStartEnd_ExtractsPathsFromGenericArgs(t *testing.T) {
	rt := newTestRuntime(t)
	target := filepath.Join(rt.cfg.WorkspaceRoot, "a.txt")
	if err := os.WriteFile(target, []byte("before"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	if err := rt.TrackToolStart("s1", "tc1", "write_file", map[string]any{"path": "a.txt"}); err != nil {
		t.Fatalf("TrackToolStart: %v", err)
	}
	if err := os.WriteFile(target, []byte("after"), 0o644); err != nil {
		t.Fatalf("mutate file: %v", err)
	}

	id, err := rt.TrackToolEnd("s1", "tc1", true)
	if err != nil {
		t.Fatalf("TrackToolEnd: %v", err)
	}
	if id == "" {
		t.Fatal("expected a patch set id for a genuine modification")
	}

	ok, reason := rt.Rollback("s1")
	if !ok {
		t.Fatalf("Rollback failed: %s", reason)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "before" {
		t.Fatalf("expected rollback to restore original bytes, got %q", data)
	}
}

func TestTrackToolStart_HandlesPathsListShape(t *testing.T) {
	rt := newTestRuntime(t)
	if err := os.WriteFile(filepath.Join(rt.cfg.WorkspaceRoot, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatalf("seed a.txt: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rt.cfg.WorkspaceRoot, "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatalf("seed b.txt: %v", err)
	}

	err := rt.TrackToolStart("s1", "tc1", "write_file", map[string]any{
		"paths": []any{"a.txt", "b.txt"},
	})
	if err != nil {
		t.Fatalf("TrackToolStart with []any paths: %v", err)
	}
}

func TestSnapshotRestore_RoundTripsBudgetAndCostState(t *testing.T) {
	rt := newTestRuntime(t)
	ctx := context.Background()

	rt.BeginTurn("s1", 1)
	tokens := int64(1000)
	rt.ObserveUsage("s1", contextbudget.Usage{Tokens: &tokens, ContextWindow: 128000})
	rt.RecordUsage("s1", costtracker.Usage{Model: "gpt", TotalTokens: tokens, CostUsd: 0.05}, 1, "implement")

	if err := rt.Snapshot(ctx, "s1", 1, "implement"); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	snap, ok, err := rt.Restore(ctx, "s1")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !ok {
		t.Fatal("expected a saved snapshot to be found")
	}
	if snap.Turn != 1 || snap.ActiveSkill != "implement" {
		t.Fatalf("unexpected composite snapshot: %+v", snap)
	}
}

func TestCloseSession_ClearsSkillStateButKeepsEvidenceOnDisk(t *testing.T) {
	rt := newTestRuntime(t)
	rt.ActivateSkill("s1", "implement")
	entry := evidence.Entry{
		SessionID: "s1",
		Turn:      1,
		Tool:      "write_file",
		Verdict:   evidence.VerdictPass,
	}
	if _, err := rt.RecordOutcome(entry); err != nil {
		t.Fatalf("RecordOutcome: %v", err)
	}

	rt.CloseSession("s1")

	access := rt.CheckToolAccess("s1", "write_file")
	if access.Allowed {
		t.Fatal("expected tool access to require re-activation after CloseSession")
	}

	entries := rt.Evidence.Query("s1", evidence.Filter{})
	if len(entries) != 1 {
		t.Fatalf("expected evidence to survive CloseSession, got %d entries", len(entries))
	}
}
