// Package flaggate routes requests between the optimized pipeline and the
// legacy path behind percentage-rollout feature flags.
package flaggate

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/calgate/calgate/pkg/errors"
)

// FlagOptimizedPipeline gates the batched, single-flight fetch path.
const FlagOptimizedPipeline = "optimized_pipeline"

// Flag is one rollout-controlled feature switch.
type Flag struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	// Rollout is the percentage of rollout keys the flag applies to,
	// 0 to 100.
	Rollout int `json:"rollout"`
}

// Handler runs one request through a single implementation.
type Handler func(ctx context.Context) (interface{}, error)

// GateStats tracks evaluation and dispatch counters.
type GateStats struct {
	Evaluations     uint64            `json:"evaluations"`
	OptimizedRuns   uint64            `json:"optimized_runs"`
	LegacyRuns      uint64            `json:"legacy_runs"`
	Fallbacks       uint64            `json:"fallbacks"`
	FallbacksByFlag map[string]uint64 `json:"fallbacks_by_flag"`
	EvalFailures    uint64            `json:"eval_failures"`
	Flags           map[string]Flag   `json:"flags"`
}

// Gate evaluates feature flags and dispatches between implementations. A
// failure anywhere in the optimized path falls back to legacy and is never
// surfaced to the caller.
type Gate struct {
	mu            sync.RWMutex
	flags         map[string]Flag
	flagFallbacks map[string]uint64
	logger        *slog.Logger

	stats struct {
		evaluations   atomic.Uint64
		optimizedRuns atomic.Uint64
		legacyRuns    atomic.Uint64
		fallbacks     atomic.Uint64
		evalFailures  atomic.Uint64
	}
}

// NewGate creates an empty gate.
func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		flags:         make(map[string]Flag),
		flagFallbacks: make(map[string]uint64),
		logger:        logger,
	}
}

// SetFlag registers or replaces a flag.
func (g *Gate) SetFlag(flag Flag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags[flag.Name] = flag
}

// Flags returns a snapshot of the registered flags.
func (g *Gate) Flags() map[string]Flag {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]Flag, len(g.flags))
	for name, flag := range g.flags {
		out[name] = flag
	}
	return out
}

// Evaluate reports whether the flag applies to rolloutKey. The same key
// always lands in the same bucket, so a client stays on one path across
// requests. Any evaluation problem disables the flag for that request.
func (g *Gate) Evaluate(name, rolloutKey string) bool {
	g.stats.evaluations.Add(1)

	g.mu.RLock()
	flag, exists := g.flags[name]
	g.mu.RUnlock()

	if !exists {
		g.stats.evalFailures.Add(1)
		g.logger.Warn("unknown feature flag, defaulting to disabled", "flag", name)
		return false
	}
	if !flag.Enabled || flag.Rollout <= 0 {
		return false
	}
	if rolloutKey == "" {
		g.stats.evalFailures.Add(1)
		g.logger.Warn("empty rollout key, defaulting to disabled", "flag", name)
		return false
	}
	if flag.Rollout >= 100 {
		return true
	}
	return bucket(name, rolloutKey) < uint32(flag.Rollout)
}

// Dispatch runs the request through the optimized handler when the flag
// applies, falling back to legacy on any optimized error or panic. Only the
// legacy path's outcome can reach the caller after a fallback.
func (g *Gate) Dispatch(ctx context.Context, flagName, rolloutKey string, optimized, legacy Handler) (interface{}, error) {
	if g.Evaluate(flagName, rolloutKey) {
		result, err := runProtected(ctx, optimized)
		if err == nil {
			g.stats.optimizedRuns.Add(1)
			return result, nil
		}
		g.stats.fallbacks.Add(1)
		g.mu.Lock()
		g.flagFallbacks[flagName]++
		g.mu.Unlock()
		g.logger.Warn("optimized path failed, retrying through legacy",
			"flag", flagName,
			"error", err)
	}

	g.stats.legacyRuns.Add(1)
	return legacy(ctx)
}

// GetStats returns a snapshot of gate counters and flags.
func (g *Gate) GetStats() GateStats {
	g.mu.RLock()
	byFlag := make(map[string]uint64, len(g.flagFallbacks))
	for name, n := range g.flagFallbacks {
		byFlag[name] = n
	}
	g.mu.RUnlock()

	return GateStats{
		Evaluations:     g.stats.evaluations.Load(),
		OptimizedRuns:   g.stats.optimizedRuns.Load(),
		LegacyRuns:      g.stats.legacyRuns.Load(),
		Fallbacks:       g.stats.fallbacks.Load(),
		FallbacksByFlag: byFlag,
		EvalFailures:    g.stats.evalFailures.Load(),
		Flags:           g.Flags(),
	}
}

// runProtected converts a panic in the handler into an error so dispatch can
// fall back instead of crashing the request.
func runProtected(ctx context.Context, h Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewError(errors.ErrCodePanicRecovered, "optimized path panicked").
				WithComponent("flaggate").
				WithDetail("panic", fmt.Sprint(r))
		}
	}()
	return h(ctx)
}

// bucket maps a flag and rollout key to a stable slot in [0, 100).
func bucket(name, rolloutKey string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	h.Write([]byte(":"))
	h.Write([]byte(rolloutKey))
	return h.Sum32() % 100
}
