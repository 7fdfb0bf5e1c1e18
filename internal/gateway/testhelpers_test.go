package gateway

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
	"github.com/codeorc/orchestrator/internal/sessionrt"
)

const testCatalogYAML = `
skills:
  - name: default
    tier: core
    outputs: []
`

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "skills"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "skills", "catalog.yaml"), []byte(testCatalogYAML), 0o644))

	return &config.Config{
		WorkspaceRoot: root,
		Log:           config.LogConfig{Level: "error", Format: "console"},
		Gateway: config.GatewayConfig{
			Host:                       "127.0.0.1",
			Port:                       0,
			StateDir:                   "state",
			MaxWorkers:                 2,
			QueueEnabled:               false,
			SessionIdleSweepIntervalMs: 30,
			SessionIdleTtlMs:           30,
			GracefulTimeoutMs:          500,
			HeartbeatTickMs:            1000,
		},
		Budget: config.BudgetConfig{
			Enabled:                     true,
			ContextWindow:               1000,
			CompactionThresholdPercent:  0.75,
			HardLimitPercent:            0.92,
			PressureBypassPercent:       0.98,
			MinTurnsBetweenCompaction:   1,
			MinSecondsBetweenCompaction: 0,
			MaxInjectionTokens:          200,
			CharsPerToken:               4,
			TruncationStrategy:          "tail",
			RecentCompactionWindowTurns: 3,
		},
		Cost: config.CostConfig{
			SessionAlertRatio:    0.8,
			MaxCostUsdPerSession: 5,
			MaxCostUsdPerSkill:   2,
			ActionOnExceed:       "block_tools",
		},
		Skills: config.SkillsConfig{
			CatalogPath:          filepath.Join("skills", "catalog.yaml"),
			AllowedToolsMode:     "enforce",
			SkillMaxTokensMode:   "warn",
			SkillMaxParallelMode: "enforce",
		},
		Memory: config.MemoryConfig{
			CrystalMinUnits:            3,
			GlobalConfidenceFloor:      0.6,
			GlobalRecurrenceFloor:      2,
			DecayIntervalDays:          7,
			DecayRate:                  0.1,
			PruneBelowConfidence:       0.15,
			DailyRefreshHour:           4,
			MaxRankCandidatesPerSearch: 50,
			CognitiveRerankMode:        "off",
			WeightLexical:              0.5,
			WeightRecency:              0.25,
			WeightConfidence:           0.25,
			StoreDir:                   "memory",
		},
		Verify: config.VerifyConfig{
			Level:          "off",
			TimeoutSeconds: 5,
			OutputCapBytes: 4096,
		},
		Heartbeat: config.HeartbeatConfig{Enabled: false},
		Snapshot:  config.SnapshotConfig{DSN: filepath.Join(".orchestrator", "session-snapshots.db")},
	}
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	cfg := newTestConfig(t)
	logger := zap.NewNop()

	rt, err := sessionrt.New(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })

	d, err := New(cfg, rt, logger)
	require.NoError(t, err)
	return d
}
