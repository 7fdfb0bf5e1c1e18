package evidence

import (
	"path/filepath"
	"testing"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "evidence.jsonl"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAppend_ChainsHashes(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 5; i++ {
		_, err := l.Append(Entry{SessionID: "s1", Turn: i, Tool: "exec", Verdict: VerdictPass})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if !l.VerifyChain("s1") {
		t.Fatal("expected chain to verify")
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	l := newTestLedger(t)
	_, _ = l.Append(Entry{SessionID: "s1", Turn: 0, Tool: "exec", Verdict: VerdictPass})
	_, _ = l.Append(Entry{SessionID: "s1", Turn: 1, Tool: "exec", Verdict: VerdictPass})

	l.rows["s1"][0].OutputSummary = "tampered"
	if l.VerifyChain("s1") {
		t.Fatal("expected tampered chain to fail verification")
	}
}

func TestCompactSession_SurvivesAndVerifies(t *testing.T) {
	l := newTestLedger(t)

	for turn := 1; turn <= 5; turn++ {
		_, err := l.Append(Entry{SessionID: "s1", Turn: turn, Tool: "exec", Verdict: VerdictPass})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if !l.VerifyChain("s1") {
		t.Fatal("expected chain to verify before compaction")
	}

	if err := l.CompactSession("s1", CompactOpts{KeepLast: 2, Reason: "digest_window"}); err != nil {
		t.Fatalf("CompactSession: %v", err)
	}

	rows := l.List("s1")
	if len(rows) >= 6 {
		t.Fatalf("expected fewer than 6 rows after compaction, got %d", len(rows))
	}
	foundCheckpoint := false
	for _, r := range rows {
		if r.Tool == "ledger_checkpoint" {
			foundCheckpoint = true
		}
	}
	if !foundCheckpoint {
		t.Fatal("expected a ledger_checkpoint row after compaction")
	}
	if !l.VerifyChain("s1") {
		t.Fatal("expected chain to verify after compaction")
	}
}

func TestCompactSession_IsDeterministicUnderReplay(t *testing.T) {
	mk := func() []Entry {
		l := newTestLedger(t)
		for turn := 1; turn <= 4; turn++ {
			_, _ = l.Append(Entry{SessionID: "s1", Turn: turn, Tool: "exec", ArgsSummary: "x", Verdict: VerdictPass})
		}
		_ = l.CompactSession("s1", CompactOpts{KeepLast: 1, Reason: "r"})
		return l.List("s1")
	}
	a := mk()
	b := mk()
	if len(a) != len(b) {
		t.Fatalf("expected deterministic row count, got %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Tool != b[i].Tool || a[i].Verdict != b[i].Verdict {
			t.Errorf("row %d differs between replays: %+v vs %+v", i, a[i], b[i])
		}
	}
}

func TestAppend_RedactsSecretsBeforeHashing(t *testing.T) {
	l := newTestLedger(t)
	e, err := l.Append(Entry{
		SessionID:     "s1",
		Tool:          "exec",
		ArgsSummary:   "key=sk-ant-REDACTED",
		OutputSummary: "ok",
		Verdict:       VerdictPass,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if e.ArgsSummary == "key=sk-ant-REDACTED" {
		t.Error("expected secret to be redacted in persisted entry")
	}
}
