package heartbeat

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleDoc = `# Heartbeat Policy

## Morning Standup

Cadence: 0 9 * * *

Summarize overnight failures and open questions.

## Nightly Compaction

Cadence: 0 2 * * *
Session: shared-compaction

Run a compaction pass across active sessions.
`

func TestParseRulesInOrder(t *testing.T) {
	policy, err := Parse([]byte(sampleDoc))
	require.NoError(t, err)
	require.Len(t, policy.Rules, 2)

	r0 := policy.Rules[0]
	require.Equal(t, "morning-standup", r0.ID)
	require.Equal(t, "0 9 * * *", r0.Cadence)
	require.Equal(t, DefaultSessionID("morning-standup"), r0.SessionID)
	require.Contains(t, r0.Prompt, "Summarize overnight failures")

	r1 := policy.Rules[1]
	require.Equal(t, "nightly-compaction", r1.ID)
	require.Equal(t, "shared-compaction", r1.SessionID)
}

func TestReloadClosesUnreferencedDefaultSessions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleDoc), 0o644))

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	// Remove the first rule; the second rule does not reference its
	// default session id, so it must be closed.
	reduced := `## Nightly Compaction

Cadence: 0 2 * * *
Session: shared-compaction

Run a compaction pass across active sessions.
`
	require.NoError(t, os.WriteFile(path, []byte(reduced), 0o644))

	result, err := m.Reload()
	require.NoError(t, err)
	require.Contains(t, result.RemovedRules, "morning-standup")
	require.Contains(t, result.ClosedSessions, DefaultSessionID("morning-standup"))
	require.Len(t, result.Policy.Rules, 1)
}

func TestReloadPreservesSharedSession(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "HEARTBEAT.md")
	doc := `## Rule A

Cadence: * * * * *
Session: shared

Body A.

## Rule B

Cadence: * * * * *
Session: shared

Body B.
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	onlyB := `## Rule B

Cadence: * * * * *
Session: shared

Body B.
`
	require.NoError(t, os.WriteFile(path, []byte(onlyB), 0o644))
	result, err := m.Reload()
	require.NoError(t, err)
	require.Contains(t, result.RemovedRules, "rule-a")
	require.Empty(t, result.ClosedSessions, "shared session is still referenced by rule-b")
}

func TestParseRejectsInvalidCadence(t *testing.T) {
	_, err := Parse([]byte("## Bad\n\nCadence: not-a-cron\n\nBody.\n"))
	require.Error(t, err)
}
