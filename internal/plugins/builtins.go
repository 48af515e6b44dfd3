package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"autotune/internal/config"
	"autotune/internal/invoke"
	"autotune/internal/logging"
	"autotune/internal/registry"
	"autotune/internal/usage"
)

// RegisterBuiltins registers the built-in capabilities: the heuristic
// analyzer, the gemini strategy and evaluator (when a client is available),
// the in-memory tracker, and the default experiment hooks. Registration
// happens once during process initialization.
func RegisterBuiltins(reg *registry.Registry, client LLMClient, tracker *usage.Tracker, cfg *config.Config) error {
	workspace := cfg.Workspace

	if _, err := reg.Register(registry.KindAnalyzer, "heuristic", registry.Descriptor{
		Description: "Computes size and usage derived stats for a target artifact",
		Impl:        HeuristicAnalyzer(workspace, tracker),
		Options:     registry.Options{"workspace": workspace},
	}); err != nil {
		return fmt.Errorf("register heuristic analyzer: %w", err)
	}

	if client != nil {
		if _, err := reg.Register(registry.KindStrategy, "gemini", registry.Descriptor{
			Description: "LLM-backed artifact rewrite strategy",
			Impl:        GeminiStrategy(client),
			Options:     registry.Options{"focus": ""},
		}); err != nil {
			return fmt.Errorf("register gemini strategy: %w", err)
		}
		if _, err := reg.Register(registry.KindEvaluator, "gemini", registry.Descriptor{
			Description: "LLM-backed candidate judge",
			Impl:        GeminiEvaluator(client),
			Options:     registry.Options{},
		}); err != nil {
			return fmt.Errorf("register gemini evaluator: %w", err)
		}
	} else {
		logging.ConfigWarn("no LLM client configured; gemini strategy and evaluator not registered")
	}

	if tracker != nil {
		if _, err := reg.Register(registry.KindTracker, "in-memory", registry.Descriptor{
			Description: "Windowed in-memory usage tracker",
			Impl:        tracker,
			Options:     registry.Options{"window": cfg.Usage.Window.Std().String()},
		}); err != nil {
			return fmt.Errorf("register in-memory tracker: %w", err)
		}
	}

	if _, err := reg.Register(registry.KindExperiment, "default", registry.Descriptor{
		Description: "File-backed experiment: reads the target artifact, records adopted proposals",
		Impl: invoke.ExperimentHooks{
			Setup:   DefaultSetup(workspace, tracker),
			Cleanup: DefaultCleanup(workspace),
		},
		Options: registry.Options{
			"strategy":  cfg.Experiment.Strategy,
			"evaluator": cfg.Experiment.Evaluator,
		},
	}); err != nil {
		return fmt.Errorf("register default experiment: %w", err)
	}

	return nil
}

// HeuristicAnalyzer returns an AnalyzerFunc that reports cheap structural
// stats about a target artifact plus its current usage counters.
func HeuristicAnalyzer(workspace string, tracker *usage.Tracker) invoke.AnalyzerFunc {
	return func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error) {
		artifact, err := loadArtifact(workspace, target)
		if err != nil {
			return nil, err
		}

		lines := strings.Count(artifact, "\n") + 1
		words := len(strings.Fields(artifact))
		result := map[string]interface{}{
			"target":     target,
			"bytes":      len(artifact),
			"lines":      lines,
			"words":      words,
			"est_tokens": len(artifact) / 4,
		}

		if tracker != nil {
			snap := tracker.Snapshot()
			if rec, ok := snap.Lookup(target); ok {
				result["call_count"] = rec.CallCount
				result["window_calls"] = rec.WindowCalls
				result["cumulative_ms"] = rec.CumulativeTime.Milliseconds()
				result["hot"] = rec.Hot
			}
		}
		return result, nil
	}
}

// DefaultSetup returns a SetupFunc that resolves the target's artifact from
// the workspace and attaches current usage counters for the target.
func DefaultSetup(workspace string, tracker *usage.Tracker) invoke.SetupFunc {
	return func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error) {
		artifact, err := loadArtifact(workspace, target)
		if err != nil {
			return nil, err
		}

		data := map[string]interface{}{
			"original_artifact": artifact,
		}

		if tracker != nil {
			snap := tracker.Snapshot()
			if rec, ok := snap.Lookup(target); ok {
				data["usage"] = map[string]interface{}{
					"call_count":    rec.CallCount,
					"window_calls":  rec.WindowCalls,
					"cumulative_ms": rec.CumulativeTime.Milliseconds(),
					"hot":           rec.Hot,
				}
			}
		}
		return data, nil
	}
}

// DefaultCleanup returns a CleanupFunc that records adopted proposals under
// the state directory. Targets are never mutated in place; adoption is a
// recorded suggestion the operator applies.
func DefaultCleanup(workspace string) invoke.CleanupFunc {
	return func(ctx context.Context, args invoke.CleanupArgs) error {
		if args.Outcome != "success" || args.RunResult == nil {
			return nil
		}

		dir := filepath.Join(workspace, config.StateDirName, "proposals")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create proposals dir: %w", err)
		}

		name := proposalFileName(args.Target)
		path := filepath.Join(dir, name)
		content := fmt.Sprintf("# Proposal for %s\n# %s\n\n%s\n",
			args.Target, args.RunResult.Explanation, args.RunResult.OptimizedArtifact)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to write proposal: %w", err)
		}

		logging.Experiment("recorded adopted proposal for %s at %s", args.Target, path)
		return nil
	}
}

// loadArtifact reads a target's artifact. Targets that resolve to a file
// under the workspace load that file's contents; anything else uses the
// target identifier itself as the artifact.
func loadArtifact(workspace, target string) (string, error) {
	path := target
	if !filepath.IsAbs(path) {
		path = filepath.Join(workspace, target)
	}

	info, err := os.Stat(path)
	if err == nil && !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read artifact %s: %w", target, err)
		}
		return string(data), nil
	}

	if strings.TrimSpace(target) == "" {
		return "", fmt.Errorf("empty target")
	}
	return target, nil
}

// proposalFileName flattens a target identifier into a safe file name.
func proposalFileName(target string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, target)
	return s + ".proposal.md"
}
