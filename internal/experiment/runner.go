// Package experiment runs the setup → run → evaluate → cleanup state machine
// for one target at a time. Stage logic lives in registered capabilities; the
// runner only sequences them and guarantees the lifecycle invariants: stages
// are strictly ordered, a stage error short-circuits the remaining forward
// stages, and cleanup runs exactly once on every path.
package experiment

import (
	"context"
	"fmt"
	"time"

	"autotune/internal/invoke"
	"autotune/internal/logging"
	"autotune/internal/registry"

	"github.com/google/uuid"
)

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Registry *registry.Registry
	Invoker  *invoke.Invoker

	// StageTimeout bounds each stage's plugin call.
	StageTimeout time.Duration
	// AdoptionThreshold is the minimum evaluator success rating for a
	// successful outcome.
	AdoptionThreshold float64

	// Experiment names the experiment capability providing setup/cleanup
	// hooks. Defaults to "default".
	Experiment string
	// Strategy and Evaluator are the default stage capabilities, used when
	// the experiment descriptor's options name none.
	Strategy  string
	Evaluator string

	// Sink receives terminal runs. May be nil.
	Sink ResultSink
}

// Runner executes experiments.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a Runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("experiment runner requires a registry")
	}
	if cfg.Invoker == nil {
		return nil, fmt.Errorf("experiment runner requires an invoker")
	}
	if cfg.Experiment == "" {
		cfg.Experiment = "default"
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 30 * time.Second
	}
	return &Runner{cfg: cfg}, nil
}

// Execute runs one full experiment for targetID. release, when non-nil, is
// called exactly once, after the terminal state is reached and before the
// run is handed to the sink. The returned run is always terminal.
func (r *Runner) Execute(ctx context.Context, targetID string, usageData map[string]interface{}, release ReleaseFunc) *Run {
	run := &Run{
		ID:        fmt.Sprintf("run_%s", uuid.New().String()[:8]),
		TargetID:  targetID,
		State:     StateCreated,
		Metrics:   make(map[string]float64),
		StartedAt: time.Now(),
	}
	logging.Experiment("%s: starting for target %s", run.ID, targetID)

	expDesc, strategyDesc, evaluatorDesc, opts, err := r.resolve()
	if err != nil {
		// Capability table is broken for this run; there is nothing to
		// clean up because no stage ever started.
		run.Outcome = OutcomeError
		run.FailedStage = StageSetup
		run.Error = err.Error()
		run.State = StateDone
		run.FinishedAt = time.Now()
		r.finish(ctx, run, release)
		return run
	}

	r.runStages(ctx, run, usageData, expDesc, strategyDesc, evaluatorDesc, opts)

	run.State = StateDone
	run.FinishedAt = time.Now()
	logging.Experiment("%s: %s (outcome=%s, %v)", run.ID, run.State, run.Outcome, run.Duration())

	r.finish(ctx, run, release)
	return run
}

// runStages drives setup/run/evaluate, then always cleanup.
func (r *Runner) runStages(ctx context.Context, run *Run, usageData map[string]interface{}, expDesc, strategyDesc, evaluatorDesc *registry.Descriptor, opts registry.Options) {
	timeout := r.cfg.StageTimeout

	// Cleanup runs exactly once with whatever partial data exists,
	// regardless of which stage failed.
	defer func() {
		run.State = StateCleaningUp
		args := invoke.CleanupArgs{
			Target:    run.TargetID,
			SetupData: run.SetupData,
			RunResult: run.RunResult,
			Outcome:   string(run.Outcome),
		}
		if err := r.cfg.Invoker.Cleanup(ctx, expDesc, args, timeout); err != nil {
			warning := fmt.Sprintf("cleanup failed: %v", err)
			run.CleanupWarnings = append(run.CleanupWarnings, warning)
			logging.ExperimentWarn("%s: %s", run.ID, warning)
		}
	}()

	// Setup
	run.State = StateSetupRunning
	setupData, err := r.cfg.Invoker.Setup(ctx, expDesc, run.TargetID, opts, timeout)
	if err != nil {
		r.stageFailed(run, StateSetupFailed, StageSetup, err)
		return
	}
	run.SetupData = setupData
	run.State = StateSetupComplete

	// Run (strategy)
	run.State = StateRunning
	original, _ := setupData["original_artifact"].(string)
	if usageData == nil {
		usageData, _ = setupData["usage"].(map[string]interface{})
	}
	proposal, err := r.cfg.Invoker.Propose(ctx, strategyDesc, invoke.StrategyRequest{
		Target:           run.TargetID,
		OriginalArtifact: original,
		UsageData:        usageData,
		Options:          opts,
	}, timeout)
	if err != nil {
		r.stageFailed(run, StateRunFailed, StageRun, err)
		return
	}
	run.RunResult = proposal
	run.State = StateRunComplete

	// Evaluate
	run.State = StateEvaluating
	verdict, err := r.cfg.Invoker.Evaluate(ctx, evaluatorDesc, invoke.EvaluatorRequest{
		Target:            run.TargetID,
		OriginalArtifact:  original,
		CandidateArtifact: proposal.OptimizedArtifact,
		Metrics:           run.Metrics,
		Options:           opts,
	}, timeout)
	if err != nil {
		r.stageFailed(run, StateEvaluated, StageEvaluate, err)
		return
	}
	run.Verdict = verdict
	run.State = StateEvaluated
	run.Metrics["success_rating"] = verdict.SuccessRating

	if verdict.Outcome == "success" && verdict.SuccessRating >= r.cfg.AdoptionThreshold {
		run.Outcome = OutcomeSuccess
	} else {
		// The trial itself worked; the candidate just did not make the cut.
		run.Outcome = OutcomeFailure
	}
}

func (r *Runner) stageFailed(run *Run, state State, stage string, err error) {
	run.State = state
	run.Outcome = OutcomeError
	run.FailedStage = stage
	run.Error = err.Error()
	run.RateLimited = invoke.IsRateLimited(err)
	logging.ExperimentWarn("%s: stage %s failed: %v", run.ID, stage, err)
}

// finish releases the in-flight claim, then hands the run to the sink. The
// ordering matters: the target must be claimable again before sink latency
// comes into play.
func (r *Runner) finish(ctx context.Context, run *Run, release ReleaseFunc) {
	if release != nil {
		release(run.TargetID, run.RateLimited)
	}
	if r.cfg.Sink != nil {
		if err := r.cfg.Sink.SaveRun(ctx, run); err != nil {
			logging.ExperimentWarn("%s: result sink failed: %v", run.ID, err)
		}
	}
}

// resolve looks up the experiment descriptor and the strategy/evaluator it
// names. The experiment's options may override the runner defaults via the
// "strategy" and "evaluator" keys.
func (r *Runner) resolve() (expDesc, strategyDesc, evaluatorDesc *registry.Descriptor, opts registry.Options, err error) {
	expDesc, err = r.cfg.Registry.Lookup(registry.KindExperiment, r.cfg.Experiment)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resolving experiment capability: %w", err)
	}
	opts = expDesc.Options

	strategyName := r.cfg.Strategy
	if v, ok := opts["strategy"].(string); ok && v != "" {
		strategyName = v
	}
	evaluatorName := r.cfg.Evaluator
	if v, ok := opts["evaluator"].(string); ok && v != "" {
		evaluatorName = v
	}

	strategyDesc, err = r.cfg.Registry.Lookup(registry.KindStrategy, strategyName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resolving strategy: %w", err)
	}
	evaluatorDesc, err = r.cfg.Registry.Lookup(registry.KindEvaluator, evaluatorName)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("resolving evaluator: %w", err)
	}
	return expDesc, strategyDesc, evaluatorDesc, opts, nil
}
