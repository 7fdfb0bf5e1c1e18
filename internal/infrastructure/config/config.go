// Package config loads the orchestrator's configuration document.
//
// Loading is layered (lowest to highest precedence), mirroring the
// teacher's config.Load(): built-in defaults → global
// ~/.codeorc/config.yaml → project-local ./config.yaml or
// ./config/config.yaml → CODEORC_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration document, shape per spec.md §6
// (".config/<product>/<product>.json" in the source runtime; we additionally
// accept YAML for local development, matching the teacher).
type Config struct {
	WorkspaceRoot string `mapstructure:"workspace_root"`

	Log       LogConfig       `mapstructure:"log"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Budget    BudgetConfig    `mapstructure:"context_budget"`
	Cost      CostConfig      `mapstructure:"cost"`
	Skills    SkillsConfig    `mapstructure:"skills"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Verify    VerifyConfig    `mapstructure:"verification"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot_store"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// GatewayConfig configures the websocket daemon and its worker supervisor.
type GatewayConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	StateDir string `mapstructure:"state_dir"`

	MaxWorkers                 int   `mapstructure:"max_workers"`
	QueueEnabled                bool  `mapstructure:"queue_enabled"`
	MaxQueueDepth               int   `mapstructure:"max_queue_depth"`
	SessionIdleSweepIntervalMs int64 `mapstructure:"session_idle_sweep_interval_ms"`
	SessionIdleTtlMs           int64 `mapstructure:"session_idle_ttl_ms"`
	GracefulTimeoutMs          int64 `mapstructure:"graceful_timeout_ms"`
	HeartbeatTickMs            int64 `mapstructure:"heartbeat_tick_ms"`
}

// BudgetConfig configures the Context Budget Manager (spec.md §4.3) and
// feeds the Context Pipeline's per-source caps (spec.md §4.4).
type BudgetConfig struct {
	Enabled bool `mapstructure:"enabled"`

	ContextWindow              int     `mapstructure:"context_window"`
	CompactionThresholdPercent float64 `mapstructure:"compaction_threshold_percent"`
	HardLimitPercent           float64 `mapstructure:"hard_limit_percent"`
	PressureBypassPercent      float64 `mapstructure:"pressure_bypass_percent"`

	MinTurnsBetweenCompaction   int `mapstructure:"min_turns_between_compaction"`
	MinSecondsBetweenCompaction int `mapstructure:"min_seconds_between_compaction"`

	MaxInjectionTokens int    `mapstructure:"max_injection_tokens"`
	CharsPerToken       int    `mapstructure:"chars_per_token"`
	TruncationStrategy  string `mapstructure:"truncation_strategy"` // drop-entry | summarize | tail

	RecentCompactionWindowTurns int `mapstructure:"recent_compaction_window_turns"`
}

// CostConfig configures the Cost Tracker (spec.md §4.6).
type CostConfig struct {
	SessionAlertRatio   float64 `mapstructure:"session_alert_ratio"`
	MaxCostUsdPerSession float64 `mapstructure:"max_cost_usd_per_session"`
	MaxCostUsdPerSkill   float64 `mapstructure:"max_cost_usd_per_skill"`
	ActionOnExceed       string  `mapstructure:"action_on_exceed"` // block_tools | warn_only
}

// SkillsConfig configures the Skill Registry & Tool Policy (spec.md §4.5).
type SkillsConfig struct {
	CatalogPath          string `mapstructure:"catalog_path"`
	AllowedToolsMode     string `mapstructure:"allowed_tools_mode"`      // off|warn|enforce
	SkillMaxTokensMode   string `mapstructure:"skill_max_tokens_mode"`   // off|warn|enforce
	SkillMaxParallelMode string `mapstructure:"skill_max_parallel_mode"` // off|warn|enforce
}

// MemoryConfig configures the semantic Memory Engine (spec.md §4.7).
type MemoryConfig struct {
	CrystalMinUnits          int     `mapstructure:"crystal_min_units"`
	GlobalConfidenceFloor    float64 `mapstructure:"global_confidence_floor"`
	GlobalRecurrenceFloor    int     `mapstructure:"global_recurrence_floor"`
	DecayIntervalDays        int     `mapstructure:"decay_interval_days"`
	DecayRate                float64 `mapstructure:"decay_rate"`
	PruneBelowConfidence     float64 `mapstructure:"prune_below_confidence"`
	DailyRefreshHour         int     `mapstructure:"daily_refresh_hour"`
	MaxRankCandidatesPerSearch int   `mapstructure:"max_rank_candidates_per_search"`
	CognitiveRerankMode      string  `mapstructure:"cognitive_rerank_mode"` // off|shadow|active
	WeightLexical            float64 `mapstructure:"weight_lexical"`
	WeightRecency            float64 `mapstructure:"weight_recency"`
	WeightConfidence         float64 `mapstructure:"weight_confidence"`
	StoreDir                 string  `mapstructure:"store_dir"`
}

// VerifyConfig configures the Verification Gate (spec.md §4.8).
type VerifyConfig struct {
	Level          string            `mapstructure:"level"` // off|standard|strict
	Commands       map[string]string `mapstructure:"commands"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
	OutputCapBytes int               `mapstructure:"output_cap_bytes"`
}

// HeartbeatConfig configures heartbeat.reload (spec.md §4.9).
type HeartbeatConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	FilePath string `mapstructure:"file_path"`
}

// SnapshotConfig configures the Session Snapshot Store's sqlite backing
// file, used to persist per-session recovery state across restarts.
type SnapshotConfig struct {
	DSN string `mapstructure:"dsn"`
}

// Load reads configuration using the layered precedence described above.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	globalDir := filepath.Join(os.Getenv("HOME"), ".codeorc")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	for _, localDir := range []string{"./config", "."} {
		localPath := filepath.Join(localDir, "config.yaml")
		if _, err := os.Stat(localPath); err == nil {
			v2 := viper.New()
			v2.SetConfigFile(localPath)
			if err := v2.ReadInConfig(); err == nil {
				_ = v.MergeConfigMap(v2.AllSettings())
			}
			break
		}
	}

	v.SetEnvPrefix("CODEORC")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.WorkspaceRoot == "" {
		wd, _ := os.Getwd()
		cfg.WorkspaceRoot = wd
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("gateway.host", "127.0.0.1")
	v.SetDefault("gateway.port", 0) // 0 = allocate a free loopback port
	v.SetDefault("gateway.state_dir", "state")
	v.SetDefault("gateway.max_workers", 16)
	v.SetDefault("gateway.queue_enabled", false)
	v.SetDefault("gateway.max_queue_depth", 0)
	v.SetDefault("gateway.session_idle_sweep_interval_ms", int64(30*time.Second/time.Millisecond))
	v.SetDefault("gateway.session_idle_ttl_ms", int64(15*time.Minute/time.Millisecond))
	v.SetDefault("gateway.graceful_timeout_ms", int64(10*time.Second/time.Millisecond))
	v.SetDefault("gateway.heartbeat_tick_ms", int64(60*time.Second/time.Millisecond))

	v.SetDefault("context_budget.enabled", true)
	v.SetDefault("context_budget.context_window", 128000)
	v.SetDefault("context_budget.compaction_threshold_percent", 0.75)
	v.SetDefault("context_budget.hard_limit_percent", 0.92)
	v.SetDefault("context_budget.pressure_bypass_percent", 0.98)
	v.SetDefault("context_budget.min_turns_between_compaction", 4)
	v.SetDefault("context_budget.min_seconds_between_compaction", 60)
	v.SetDefault("context_budget.max_injection_tokens", 4000)
	v.SetDefault("context_budget.chars_per_token", 4)
	v.SetDefault("context_budget.truncation_strategy", "tail")
	v.SetDefault("context_budget.recent_compaction_window_turns", 3)

	v.SetDefault("cost.session_alert_ratio", 0.8)
	v.SetDefault("cost.max_cost_usd_per_session", 5.0)
	v.SetDefault("cost.max_cost_usd_per_skill", 2.0)
	v.SetDefault("cost.action_on_exceed", "block_tools")

	v.SetDefault("skills.catalog_path", filepath.Join("skills", "catalog.yaml"))
	v.SetDefault("skills.allowed_tools_mode", "enforce")
	v.SetDefault("skills.skill_max_tokens_mode", "warn")
	v.SetDefault("skills.skill_max_parallel_mode", "enforce")

	v.SetDefault("memory.crystal_min_units", 3)
	v.SetDefault("memory.global_confidence_floor", 0.6)
	v.SetDefault("memory.global_recurrence_floor", 2)
	v.SetDefault("memory.decay_interval_days", 7)
	v.SetDefault("memory.decay_rate", 0.1)
	v.SetDefault("memory.prune_below_confidence", 0.15)
	v.SetDefault("memory.daily_refresh_hour", 4)
	v.SetDefault("memory.max_rank_candidates_per_search", 50)
	v.SetDefault("memory.cognitive_rerank_mode", "off")
	v.SetDefault("memory.weight_lexical", 0.5)
	v.SetDefault("memory.weight_recency", 0.25)
	v.SetDefault("memory.weight_confidence", 0.25)
	v.SetDefault("memory.store_dir", "memory")

	v.SetDefault("verification.level", "standard")
	v.SetDefault("verification.timeout_seconds", 120)
	v.SetDefault("verification.output_cap_bytes", 65536)

	v.SetDefault("heartbeat.enabled", false)
	v.SetDefault("heartbeat.file_path", "HEARTBEAT.md")

	v.SetDefault("snapshot_store.dsn", filepath.Join(".orchestrator", "session-snapshots.db"))
}
