package verification

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTrackStartEnd_ProducesPatchSetOnModify(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	if err := os.WriteFile(target, []byte("before"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	tr := NewTracker(root)
	if err := tr.TrackStart("s1", "tc1", "write_file", []string{"a.txt"}); err != nil {
		t.Fatalf("TrackStart: %v", err)
	}
	if err := os.WriteFile(target, []byte("after"), 0o644); err != nil {
		t.Fatalf("mutate file: %v", err)
	}
	id, err := tr.TrackEnd("s1", "tc1", true)
	if err != nil {
		t.Fatalf("TrackEnd: %v", err)
	}
	if id == "" {
		t.Fatal("expected a patch set id for a genuine modification")
	}
}

func TestTrackStartEnd_NoChangeProducesNoPatchSet(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("same"), 0o644)

	tr := NewTracker(root)
	tr.TrackStart("s1", "tc1", "read_file", []string{"a.txt"})
	id, err := tr.TrackEnd("s1", "tc1", true)
	if err != nil {
		t.Fatalf("TrackEnd: %v", err)
	}
	if id != "" {
		t.Fatalf("expected no patch set when nothing changed, got %q", id)
	}
}

func TestTrackEnd_FailedCallDiscardsSnapshot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("before"), 0o644)

	tr := NewTracker(root)
	tr.TrackStart("s1", "tc1", "write_file", []string{"a.txt"})
	os.WriteFile(target, []byte("after"), 0o644)

	id, err := tr.TrackEnd("s1", "tc1", false)
	if err != nil {
		t.Fatalf("TrackEnd: %v", err)
	}
	if id != "" {
		t.Fatal("expected failed tool call to produce no patch set")
	}
}

func TestRollbackLast_RestoresModifiedFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("before"), 0o644)

	tr := NewTracker(root)
	tr.TrackStart("s1", "tc1", "write_file", []string{"a.txt"})
	os.WriteFile(target, []byte("after"), 0o644)
	if _, err := tr.TrackEnd("s1", "tc1", true); err != nil {
		t.Fatalf("TrackEnd: %v", err)
	}

	ok, reason := tr.RollbackLast("s1")
	if !ok {
		t.Fatalf("RollbackLast failed: %s", reason)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "before" {
		t.Fatalf("expected restored content %q, got %q", "before", data)
	}
}

func TestRollbackLast_DeletesAddedFile(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "new.txt")

	tr := NewTracker(root)
	tr.TrackStart("s1", "tc1", "write_file", []string{"new.txt"})
	os.WriteFile(target, []byte("created"), 0o644)
	if _, err := tr.TrackEnd("s1", "tc1", true); err != nil {
		t.Fatalf("TrackEnd: %v", err)
	}

	ok, reason := tr.RollbackLast("s1")
	if !ok {
		t.Fatalf("RollbackLast failed: %s", reason)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected added file to be deleted by rollback")
	}
}

func TestRollbackLast_NoPatchSetReportsReason(t *testing.T) {
	tr := NewTracker(t.TempDir())
	ok, reason := tr.RollbackLast("s1")
	if ok || reason != "no_patchset" {
		t.Fatalf("expected no_patchset, got ok=%v reason=%q", ok, reason)
	}
}

func TestTrackStart_RejectsPathTraversal(t *testing.T) {
	root := t.TempDir()
	tr := NewTracker(root)
	err := tr.TrackStart("s1", "tc1", "write_file", []string{"../outside.txt"})
	if err == nil {
		t.Fatal("expected path traversal to be rejected")
	}
}

func TestRollbackLast_InvokesOnRollbackCallback(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "a.txt")
	os.WriteFile(target, []byte("before"), 0o644)

	tr := NewTracker(root)
	var resetCalled bool
	tr.OnRollback(func(sessionID string) { resetCalled = true })

	tr.TrackStart("s1", "tc1", "write_file", []string{"a.txt"})
	os.WriteFile(target, []byte("after"), 0o644)
	tr.TrackEnd("s1", "tc1", true)

	tr.RollbackLast("s1")
	if !resetCalled {
		t.Fatal("expected OnRollback callback to fire after successful rollback")
	}
}
