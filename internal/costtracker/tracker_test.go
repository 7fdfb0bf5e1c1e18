package costtracker

import (
	"testing"

	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

func testCfg() config.CostConfig {
	return config.CostConfig{
		SessionAlertRatio:    0.8,
		MaxCostUsdPerSession: 5.0,
		MaxCostUsdPerSkill:   2.0,
		ActionOnExceed:       "block_tools",
	}
}

func TestRecordUsage_AccumulatesTotals(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())

	tr.RecordUsage("s1", Usage{Model: "claude", TotalTokens: 100, CostUsd: 0.1}, 1, "")
	tr.RecordUsage("s1", Usage{Model: "claude", TotalTokens: 50, CostUsd: 0.05}, 2, "")

	sum := tr.GetSummary("s1")
	if sum.TotalTokens != 150 {
		t.Fatalf("TotalTokens = %d, want 150", sum.TotalTokens)
	}
	if sum.PerModel["claude"] != 150 {
		t.Fatalf("PerModel[claude] = %d, want 150", sum.PerModel["claude"])
	}
}

func TestGetSummary_AllocatesToolTokensProportionally(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())

	tr.RecordToolCall("s1", "read_file", 1)
	tr.RecordToolCall("s1", "read_file", 1)
	tr.RecordToolCall("s1", "read_file", 1)
	tr.RecordToolCall("s1", "write_file", 1)
	tr.RecordUsage("s1", Usage{TotalTokens: 400}, 1, "")

	sum := tr.GetSummary("s1")
	if sum.PerTool["read_file"] != 300 {
		t.Errorf("read_file = %d, want 300 (3/4 of 400)", sum.PerTool["read_file"])
	}
	if sum.PerTool["write_file"] != 100 {
		t.Errorf("write_file = %d, want 100 (1/4 of 400)", sum.PerTool["write_file"])
	}
	if sum.PerTool["read_file"]+sum.PerTool["write_file"] != sum.TotalTokens {
		t.Error("allocated tool tokens must sum to the turn total")
	}
}

func TestGetSummary_TurnWithNoToolCallsIsUnallocated(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())
	tr.RecordUsage("s1", Usage{TotalTokens: 200}, 1, "")

	sum := tr.GetSummary("s1")
	if len(sum.PerTool) != 0 {
		t.Errorf("expected no per-tool allocation for a tool-call-free turn, got %v", sum.PerTool)
	}
	if sum.TotalTokens != 200 {
		t.Errorf("TotalTokens = %d, want 200", sum.TotalTokens)
	}
}

func TestGetSkillTotalTokens_AggregatesAcrossTurns(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())
	tr.RecordUsage("s1", Usage{TotalTokens: 100}, 1, "deep-debug")
	tr.RecordUsage("s1", Usage{TotalTokens: 50}, 2, "deep-debug")
	tr.RecordUsage("s1", Usage{TotalTokens: 10}, 3, "other-skill")

	if got := tr.GetSkillTotalTokens("s1", "deep-debug"); got != 150 {
		t.Errorf("deep-debug total = %d, want 150", got)
	}
	if got := tr.GetSkillTotalTokens("s1", "other-skill"); got != 10 {
		t.Errorf("other-skill total = %d, want 10", got)
	}
}

func TestGetBudgetStatus_FiresSessionAlertThenCapOnce(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())

	var fired []Alert
	tr.OnAlert(func(sessionID string, a Alert) { fired = append(fired, a) })

	tr.RecordUsage("s1", Usage{TotalTokens: 10, CostUsd: 4.2}, 1, "") // ratio 0.84 -> warn
	status := tr.GetBudgetStatus("s1")
	if status.Blocked {
		t.Fatal("should not be blocked below session cap")
	}
	if len(fired) != 1 || fired[0].Kind != AlertSessionWarn {
		t.Fatalf("expected one session_alert_ratio alert, got %+v", fired)
	}

	tr.RecordUsage("s1", Usage{TotalTokens: 10, CostUsd: 1.0}, 2, "") // ratio 1.04 -> cap
	status = tr.GetBudgetStatus("s1")
	if !status.Blocked {
		t.Fatal("expected blocked once session cost cap is crossed with action_on_exceed=block_tools")
	}
	if len(fired) != 2 || fired[1].Kind != AlertSessionCap {
		t.Fatalf("expected session_cap alert to follow, got %+v", fired)
	}

	// A further RecordUsage should not re-fire either alert.
	tr.RecordUsage("s1", Usage{TotalTokens: 5, CostUsd: 0.1}, 3, "")
	if len(fired) != 2 {
		t.Fatalf("expected no duplicate alerts, got %+v", fired)
	}
}

func TestGetBudgetStatus_SkillCapIsScopedPerSkill(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())
	var fired []Alert
	tr.OnAlert(func(sessionID string, a Alert) { fired = append(fired, a) })

	tr.RecordUsage("s1", Usage{TotalTokens: 10, CostUsd: 2.1}, 1, "heavy-skill")
	tr.RecordUsage("s1", Usage{TotalTokens: 10, CostUsd: 0.1}, 2, "light-skill")

	if len(fired) != 1 || fired[0].Kind != AlertSkillCap || fired[0].Scope != "heavy-skill" {
		t.Fatalf("expected a single skill_cap alert scoped to heavy-skill, got %+v", fired)
	}
}

func TestSnapshotRestore_RoundTripsTotals(t *testing.T) {
	tr := New(testCfg(), zap.NewNop())
	tr.RecordUsage("s1", Usage{Model: "claude", TotalTokens: 123, CostUsd: 0.5}, 1, "skill-a")

	snap := tr.Snapshot("s1")

	tr2 := New(testCfg(), zap.NewNop())
	tr2.Restore("s2", snap)

	sum := tr2.GetSummary("s2")
	if sum.TotalTokens != 123 {
		t.Fatalf("restored TotalTokens = %d, want 123", sum.TotalTokens)
	}
	if got := tr2.GetSkillTotalTokens("s2", "skill-a"); got != 123 {
		t.Fatalf("restored skill total = %d, want 123", got)
	}
}
