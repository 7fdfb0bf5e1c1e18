package skillcatalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
skills:
  - name: deep-debug
    tier: specialist
    tags: [debugging]
    tools:
      required: [read_file, exec]
      denied: [delete_file]
    budget:
      maxToolCalls: 40
      maxTokens: 20000
    outputs: [rootCause]
    composableWith: [code-review]
  - name: code-review
    tier: specialist
    tools:
      required: [read_file]
    budget:
      maxToolCalls: 20
      maxTokens: 8000
    outputs: [reviewNotes]
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "skills.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	return path
}

func TestLoad_ParsesContracts(t *testing.T) {
	path := writeCatalog(t, sampleYAML)
	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.List()) != 2 {
		t.Fatalf("expected 2 skills, got %d", len(c.List()))
	}
	sk, ok := c.Get("deep-debug")
	if !ok {
		t.Fatal("expected deep-debug to be present")
	}
	if sk.Budget.MaxToolCalls != 40 {
		t.Errorf("MaxToolCalls = %d, want 40", sk.Budget.MaxToolCalls)
	}
	if len(sk.Tools.Required) != 2 {
		t.Errorf("expected 2 required tools, got %d", len(sk.Tools.Required))
	}
}

func TestGet_UnknownSkillNotFound(t *testing.T) {
	path := writeCatalog(t, sampleYAML)
	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := c.Get("nonexistent"); ok {
		t.Fatal("expected unknown skill to be absent")
	}
}

func TestWatch_ReloadsOnFileChange(t *testing.T) {
	path := writeCatalog(t, sampleYAML)
	c, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := c.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer c.Stop()

	updated := sampleYAML + `
  - name: new-skill
    tier: generalist
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite catalog: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.Get("new-skill"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected catalog to hot-reload new-skill")
}
