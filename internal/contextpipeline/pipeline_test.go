package contextpipeline

import (
	"strings"
	"testing"

	"github.com/codeorc/orchestrator/internal/contextbudget"
	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

func testCfg() config.BudgetConfig {
	return config.BudgetConfig{
		Enabled:                     true,
		ContextWindow:               100,
		CompactionThresholdPercent:  0.7,
		HardLimitPercent:            0.9,
		MaxInjectionTokens:          1000,
		CharsPerToken:               4,
		TruncationStrategy:          "summarize",
		RecentCompactionWindowTurns: 1,
	}
}

func ptrInt64(v int64) *int64 { return &v }

func TestCheckGate_BlocksThenClears(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)

	bm.BeginTurn("s1", 3)
	bm.ObserveUsage("s1", contextbudget.Usage{Tokens: ptrInt64(95), ContextWindow: 100})

	blocked, reason := p.CheckGate("s1", "exec")
	if !blocked {
		t.Fatal("expected exec to be denied at critical pressure")
	}
	if !strings.Contains(reason, "session_compact") {
		t.Fatalf("expected reason to mention session_compact, got %q", reason)
	}

	if blocked, _ := p.CheckGate("s1", "session_compact"); blocked {
		t.Fatal("expected the compaction tool itself to always pass")
	}

	bm.ObserveUsage("s1", contextbudget.Usage{Tokens: ptrInt64(40), ContextWindow: 100})
	bm.MarkCompacted("s1")
	p.OnCompacted("s1")

	if blocked, reason := p.CheckGate("s1", "exec"); blocked {
		t.Fatalf("expected exec to be allowed after compaction, got reason %q", reason)
	}
}

func TestCheckGate_FiresBlockedEventOncePerTool(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	var events []string
	p.WireEvents(func(sessionID, eventType string, payload map[string]any) {
		events = append(events, eventType)
	})

	bm.BeginTurn("s1", 5)
	bm.ObserveUsage("s1", contextbudget.Usage{Tokens: ptrInt64(95), ContextWindow: 100})

	p.CheckGate("s1", "exec")
	p.CheckGate("s1", "exec")
	p.CheckGate("s1", "read")

	count := 0
	for _, e := range events {
		if e == "context_compaction_gate_blocked_tool" {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected one blocked event per distinct tool, got %d events: %v", count, events)
	}
}

func TestBuildInjection_DuplicateAcrossTurnsThenClearedByCompaction(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	p.RegisterProvider("TaskLedger", func(sessionID string) (string, bool) {
		return "goal: ship the feature", true
	})
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	d1 := p.BuildInjection("s1", "prompt", usage, "leaf-a")
	if !d1.Accepted {
		t.Fatalf("expected turn 1 to be accepted, got reason %q", d1.Reason)
	}

	d2 := p.BuildInjection("s1", "prompt", usage, "leaf-a")
	if d2.Accepted || d2.Reason != "duplicate_content" {
		t.Fatalf("expected turn 2 duplicate rejection, got %+v", d2)
	}

	d3 := p.BuildInjection("s1", "prompt", usage, "leaf-b")
	if !d3.Accepted {
		t.Fatalf("expected a different scope to be accepted, got reason %q", d3.Reason)
	}

	bm.MarkCompacted("s1")
	p.OnCompacted("s1")

	d4 := p.BuildInjection("s1", "prompt", usage, "leaf-a")
	if !d4.Accepted {
		t.Fatalf("expected leaf-a to accept again after compaction, got reason %q", d4.Reason)
	}
}

func TestBuildInjection_HardLimitRejectsAtCriticalPressure(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	p.RegisterProvider("TaskLedger", func(sessionID string) (string, bool) {
		return "status: blocked on review", true
	})
	usage := contextbudget.Usage{Tokens: ptrInt64(95), ContextWindow: 100}

	d := p.BuildInjection("s1", "prompt", usage, "")
	if d.Accepted || d.Reason != "hard_limit" {
		t.Fatalf("expected hard_limit rejection at critical pressure, got %+v", d)
	}
}

func TestBuildInjection_NoProvidersYieldsEmptyAcceptedText(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	d := p.BuildInjection("s1", "prompt", usage, "")
	if !d.Accepted || d.Text != "" {
		t.Fatalf("expected an empty accepted decision with no registered providers, got %+v", d)
	}
}

func TestBuildInjection_IdentityInjectedOnlyOncePerSession(t *testing.T) {
	cfg := testCfg()
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	calls := 0
	p.RegisterProvider("Identity", func(sessionID string) (string, bool) {
		calls++
		return "agent: orchestrator", true
	})
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	d1 := p.BuildInjection("s1", "prompt", usage, "scope-1")
	if !d1.Accepted || calls != 1 {
		t.Fatalf("expected Identity to be included on first turn, calls=%d", calls)
	}

	d2 := p.BuildInjection("s1", "prompt", usage, "scope-2")
	if !d2.Accepted {
		t.Fatalf("expected second turn (different scope) to accept, got %+v", d2)
	}
	if calls != 1 {
		t.Fatalf("expected Identity provider to be skipped after its first injection, calls=%d", calls)
	}
}

func TestFloorsUnmet_WhenBudgetCannotCoverRegisteredBlocks(t *testing.T) {
	cfg := testCfg()
	cfg.MaxInjectionTokens = 10 // below a single block's 20-token floor
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	p.RegisterProvider("TaskLedger", func(sessionID string) (string, bool) {
		return "status: blocked", true
	})
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	d := p.BuildInjection("s1", "prompt", usage, "")
	if d.Accepted || d.Reason != "floor_unmet" {
		t.Fatalf("expected floor_unmet rejection, got %+v", d)
	}
}

func TestPlanSupplemental_AcceptsWithinScopeBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxInjectionTokens = 100
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	d := p.PlanSupplemental("s1", "leaf-a", "some extra context", usage)
	if !d.Accepted {
		t.Fatalf("expected acceptance with untouched scope budget, got %+v", d)
	}
}

func TestPlanSupplemental_BudgetExhaustedAfterCommits(t *testing.T) {
	cfg := testCfg()
	cfg.MaxInjectionTokens = 10 // 10 tokens * 4 chars/token = 40 chars
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	first := p.PlanSupplemental("s1", "leaf-a", strings.Repeat("x", 40), usage)
	if !first.Accepted {
		t.Fatalf("expected first supplemental to fit the whole scope budget, got %+v", first)
	}
	p.CommitSupplemental("s1", "leaf-a", first.FinalText)

	second := p.PlanSupplemental("s1", "leaf-a", "any more content", usage)
	if second.Accepted || second.DroppedReason != "budget_exhausted" {
		t.Fatalf("expected budget_exhausted after scope budget fully committed, got %+v", second)
	}
}

func TestPlanSupplemental_UncommittedPlanDoesNotLeakBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxInjectionTokens = 10
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	_ = p.PlanSupplemental("s1", "leaf-a", strings.Repeat("x", 40), usage)
	// no CommitSupplemental call — speculation alone must not charge the budget.
	again := p.PlanSupplemental("s1", "leaf-a", strings.Repeat("y", 40), usage)
	if !again.Accepted {
		t.Fatalf("expected repeated planning without commit to still see the full scope budget, got %+v", again)
	}
}

func TestPlanSupplemental_PrimaryInjectionConsumesScopeBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxInjectionTokens = 20 // exactly the single TaskLedger block's floor cap
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	p.RegisterProvider("TaskLedger", func(sessionID string) (string, bool) {
		return strings.Repeat("z", 80), true
	})
	usage := contextbudget.Usage{Tokens: ptrInt64(10), ContextWindow: 100}

	primary := p.BuildInjection("s1", "prompt", usage, "leaf-a")
	if !primary.Accepted || primary.TokensReserved != cfg.MaxInjectionTokens {
		t.Fatalf("expected primary injection to accept and reserve the whole scope budget, got %+v", primary)
	}

	supplemental := p.PlanSupplemental("s1", "leaf-a", "extra", usage)
	if supplemental.Accepted || supplemental.DroppedReason != "budget_exhausted" {
		t.Fatalf("expected primary injection's reservation to exhaust the scope budget, got %+v", supplemental)
	}
}

func TestPlanSupplemental_DisabledIsNoop(t *testing.T) {
	cfg := testCfg()
	cfg.Enabled = false
	cfg.MaxInjectionTokens = 1
	bm := contextbudget.New(cfg)
	p := New(cfg, bm)
	usage := contextbudget.Usage{Tokens: ptrInt64(999), ContextWindow: 100}

	d := p.PlanSupplemental("s1", "leaf-a", strings.Repeat("x", 1000), usage)
	if !d.Accepted || d.FinalText != strings.Repeat("x", 1000) {
		t.Fatalf("expected disabled budget to pass supplemental text through untouched, got %+v", d)
	}
}
