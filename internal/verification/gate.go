// Package verification implements the Verification Gate & File Change
// Tracker from spec.md §4.8: memoized shell-command checks invalidated by
// writes, and an atomic patch-set snapshot/rollback mechanism for
// mutation-tool calls.
package verification

import (
	"bytes"
	"context"
	"os/exec"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codeorc/orchestrator/internal/infrastructure/config"
)

// CheckResult is the outcome of one configured verification command.
type CheckResult struct {
	Name       string
	Passed     bool
	Output     string
	DurationMs int64
}

// EvaluateResult is the outcome of Evaluate.
type EvaluateResult struct {
	Passed          bool
	MissingEvidence []string
	Checks          []CheckResult
}

type memoEntry struct {
	result    CheckResult
	recordedAt time.Time
}

// Gate runs and memoizes the configured verification commands.
type Gate struct {
	cfg    config.VerifyConfig
	logger *zap.Logger

	mu          sync.Mutex
	memo        map[string]map[string]memoEntry // sessionId -> checkName -> entry
	lastWriteAt map[string]time.Time
}

// New creates a Gate.
func New(cfg config.VerifyConfig, logger *zap.Logger) *Gate {
	return &Gate{
		cfg:         cfg,
		logger:      logger,
		memo:        make(map[string]map[string]memoEntry),
		lastWriteAt: make(map[string]time.Time),
	}
}

// MarkWrite records that sessionID performed a mutation, invalidating any
// check memoized before this moment.
func (g *Gate) MarkWrite(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastWriteAt[sessionID] = nowFn()
}

// Reset clears all memoized check state for sessionID, used after a
// successful rollback (spec.md §4.8: "on success, resets the verification
// state for that session").
func (g *Gate) Reset(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.memo, sessionID)
	delete(g.lastWriteAt, sessionID)
}

// Evaluate runs every configured check for sessionID, reusing memoized
// results that are still fresh (recorded at or after the session's last
// write). level "off" always passes without executing anything.
func (g *Gate) Evaluate(ctx context.Context, sessionID, level string) EvaluateResult {
	if level == "off" || g.cfg.Level == "off" {
		return EvaluateResult{Passed: true}
	}

	names := make([]string, 0, len(g.cfg.Commands))
	for name := range g.cfg.Commands {
		names = append(names, name)
	}
	sort.Strings(names)

	var checks []CheckResult
	var missing []string
	allPassed := true

	for _, name := range names {
		cmdStr := g.cfg.Commands[name]
		result := g.runOrReuse(ctx, sessionID, name, cmdStr)
		checks = append(checks, result)
		if !result.Passed {
			allPassed = false
			missing = append(missing, name)
		}
	}

	return EvaluateResult{Passed: allPassed, MissingEvidence: missing, Checks: checks}
}

func (g *Gate) runOrReuse(ctx context.Context, sessionID, name, cmdStr string) CheckResult {
	g.mu.Lock()
	lastWrite := g.lastWriteAt[sessionID]
	if scoped, ok := g.memo[sessionID]; ok {
		if entry, ok := scoped[name]; ok && !entry.recordedAt.Before(lastWrite) {
			g.mu.Unlock()
			return entry.result
		}
	}
	g.mu.Unlock()

	result := g.run(ctx, name, cmdStr)

	g.mu.Lock()
	scoped, ok := g.memo[sessionID]
	if !ok {
		scoped = make(map[string]memoEntry)
		g.memo[sessionID] = scoped
	}
	scoped[name] = memoEntry{result: result, recordedAt: nowFn()}
	g.mu.Unlock()

	return result
}

func (g *Gate) run(ctx context.Context, name, cmdStr string) CheckResult {
	timeout := time.Duration(g.cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := nowFn()
	cmd := exec.CommandContext(runCtx, "bash", "-c", cmdStr)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	duration := nowFn().Sub(start)

	output := out.String()
	cap := g.cfg.OutputCapBytes
	if cap > 0 && len(output) > cap {
		output = output[:cap]
	}

	passed := err == nil
	if g.logger != nil && !passed {
		g.logger.Warn("verification check failed", zap.String("check", name), zap.Error(err))
	}

	return CheckResult{Name: name, Passed: passed, Output: output, DurationMs: duration.Milliseconds()}
}
