package experiment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"autotune/internal/invoke"
	"autotune/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakes builds a registry with controllable stage behavior.
type fakes struct {
	reg *registry.Registry

	mu           sync.Mutex
	cleanupCalls int
	cleanupArgs  []invoke.CleanupArgs

	setupErr   error
	strategyFn invoke.StrategyFunc
	verdict    *invoke.Verdict
	evalErr    error
	cleanupErr error
}

func newFakes(t *testing.T) *fakes {
	t.Helper()
	f := &fakes{reg: registry.New()}

	_, err := f.reg.Register(registry.KindExperiment, "default", registry.Descriptor{
		Impl: invoke.ExperimentHooks{
			Setup: func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error) {
				if f.setupErr != nil {
					return nil, f.setupErr
				}
				return map[string]interface{}{"original_artifact": "orig:" + target}, nil
			},
			Cleanup: func(ctx context.Context, args invoke.CleanupArgs) error {
				f.mu.Lock()
				f.cleanupCalls++
				f.cleanupArgs = append(f.cleanupArgs, args)
				f.mu.Unlock()
				return f.cleanupErr
			},
		},
	})
	require.NoError(t, err)

	_, err = f.reg.Register(registry.KindStrategy, "fake", registry.Descriptor{
		Impl: invoke.StrategyFunc(func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
			if f.strategyFn != nil {
				return f.strategyFn(ctx, req)
			}
			return &invoke.Proposal{OptimizedArtifact: "opt:" + req.Target, Explanation: "memoized"}, nil
		}),
	})
	require.NoError(t, err)

	_, err = f.reg.Register(registry.KindEvaluator, "fake", registry.Descriptor{
		Impl: invoke.EvaluatorFunc(func(ctx context.Context, req invoke.EvaluatorRequest) (*invoke.Verdict, error) {
			if f.evalErr != nil {
				return nil, f.evalErr
			}
			if f.verdict != nil {
				return f.verdict, nil
			}
			return &invoke.Verdict{Outcome: "success", SuccessRating: 0.9}, nil
		}),
	})
	require.NoError(t, err)

	return f
}

func (f *fakes) cleanups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleanupCalls
}

func (f *fakes) runner(t *testing.T, sink ResultSink) *Runner {
	t.Helper()
	r, err := NewRunner(RunnerConfig{
		Registry:          f.reg,
		Invoker:           invoke.NewInvoker(time.Second),
		StageTimeout:      200 * time.Millisecond,
		AdoptionThreshold: 0.7,
		Strategy:          "fake",
		Evaluator:         "fake",
		Sink:              sink,
	})
	require.NoError(t, err)
	return r
}

func TestExecuteHappyPath(t *testing.T) {
	f := newFakes(t)

	var order []string
	var mu sync.Mutex
	sink := SinkFunc(func(ctx context.Context, run *Run) error {
		mu.Lock()
		order = append(order, "sink")
		mu.Unlock()
		return nil
	})
	release := func(target string, rateLimited bool) {
		mu.Lock()
		order = append(order, "release")
		mu.Unlock()
		assert.Equal(t, "Mod.fn/2", target)
		assert.False(t, rateLimited)
	}

	run := f.runner(t, sink).Execute(context.Background(), "Mod.fn/2", nil, release)

	assert.Equal(t, StateDone, run.State)
	assert.Equal(t, OutcomeSuccess, run.Outcome)
	assert.Equal(t, "opt:Mod.fn/2", run.RunResult.OptimizedArtifact)
	assert.Equal(t, 0.9, run.Metrics["success_rating"])
	assert.Empty(t, run.FailedStage)
	assert.Equal(t, 1, f.cleanups())
	assert.False(t, run.FinishedAt.IsZero())
	// Claim release strictly precedes the sink handoff.
	assert.Equal(t, []string{"release", "sink"}, order)
}

func TestSetupFailureShortCircuitsButCleansUp(t *testing.T) {
	f := newFakes(t)
	f.setupErr = errors.New("artifact source unavailable")

	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.Equal(t, StageSetup, run.FailedStage)
	assert.Nil(t, run.RunResult)
	require.Equal(t, 1, f.cleanups())
	// Cleanup saw no partial data past the failure point.
	assert.Nil(t, f.cleanupArgs[0].SetupData)
	assert.Nil(t, f.cleanupArgs[0].RunResult)
}

func TestStrategyFailure(t *testing.T) {
	f := newFakes(t)
	f.strategyFn = func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
		return nil, errors.New("model refused")
	}

	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.Equal(t, StageRun, run.FailedStage)
	require.Equal(t, 1, f.cleanups())
	// Setup data survived to cleanup.
	assert.Equal(t, "orig:Mod.fn/2", f.cleanupArgs[0].SetupData["original_artifact"])
}

func TestEvaluateFailure(t *testing.T) {
	f := newFakes(t)
	f.evalErr = errors.New("judge crashed")

	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.Equal(t, StageEvaluate, run.FailedStage)
	assert.Equal(t, 1, f.cleanups())
	assert.NotNil(t, f.cleanupArgs[0].RunResult)
}

func TestLowRatingIsFailureNotError(t *testing.T) {
	f := newFakes(t)
	f.verdict = &invoke.Verdict{Outcome: "success", SuccessRating: 0.4}

	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)

	assert.Equal(t, OutcomeFailure, run.Outcome)
	assert.Empty(t, run.FailedStage)
	assert.Equal(t, 1, f.cleanups())
}

func TestStageTimeoutYieldsErrorOutcome(t *testing.T) {
	f := newFakes(t)
	release := make(chan struct{})
	defer close(release)
	f.strategyFn = func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
		<-release
		return &invoke.Proposal{OptimizedArtifact: "late"}, nil
	}

	released := false
	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, func(string, bool) {
		released = true
	})

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.Equal(t, StageRun, run.FailedStage)
	assert.Contains(t, run.Error, "timeout")
	assert.True(t, released, "in-flight claim must be released after a timeout")
	assert.Equal(t, 1, f.cleanups())
}

func TestRateLimitedStagePropagates(t *testing.T) {
	f := newFakes(t)
	f.strategyFn = func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
		return nil, invoke.ErrRateLimited
	}

	var gotRateLimited bool
	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, func(_ string, rl bool) {
		gotRateLimited = rl
	})

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.True(t, run.RateLimited)
	assert.True(t, gotRateLimited)
}

func TestCleanupFailureIsWarningOnly(t *testing.T) {
	f := newFakes(t)
	f.cleanupErr = errors.New("temp dir busy")

	run := f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)

	assert.Equal(t, OutcomeSuccess, run.Outcome, "cleanup failure must not change the outcome")
	require.Len(t, run.CleanupWarnings, 1)
	assert.Contains(t, run.CleanupWarnings[0], "temp dir busy")
}

func TestCleanupRunsExactlyOncePerPath(t *testing.T) {
	paths := []func(f *fakes){
		func(f *fakes) {}, // all succeed
		func(f *fakes) { f.setupErr = errors.New("x") },
		func(f *fakes) {
			f.strategyFn = func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
				return nil, errors.New("x")
			}
		},
		func(f *fakes) { f.evalErr = errors.New("x") },
		func(f *fakes) { f.verdict = &invoke.Verdict{Outcome: "failure", SuccessRating: 0.1} },
	}
	for i, mutate := range paths {
		f := newFakes(t)
		mutate(f)
		f.runner(t, nil).Execute(context.Background(), "Mod.fn/2", nil, nil)
		assert.Equalf(t, 1, f.cleanups(), "path %d: cleanup must run exactly once", i)
	}
}

func TestMissingCapabilityIsTerminalError(t *testing.T) {
	f := newFakes(t)
	r, err := NewRunner(RunnerConfig{
		Registry:     f.reg,
		Invoker:      invoke.NewInvoker(time.Second),
		StageTimeout: time.Second,
		Strategy:     "nonexistent",
		Evaluator:    "fake",
	})
	require.NoError(t, err)

	released := false
	run := r.Execute(context.Background(), "Mod.fn/2", nil, func(string, bool) { released = true })

	assert.Equal(t, OutcomeError, run.Outcome)
	assert.Equal(t, StateDone, run.State)
	assert.True(t, released)
	assert.Equal(t, 0, f.cleanups(), "no stage started, nothing to clean up")
}

func TestAdHocSuccess(t *testing.T) {
	f := newFakes(t)

	res, err := f.runner(t, nil).AdHoc(context.Background(), AdHocRequest{Target: "Mod.fn/2"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.Proposal)
	// Artifact resolved through the setup hook when none was supplied.
	assert.Equal(t, "opt:Mod.fn/2", res.Proposal.OptimizedArtifact)
	assert.NotNil(t, res.Verdict)
}

func TestAdHocReportsFailingStage(t *testing.T) {
	f := newFakes(t)
	f.strategyFn = func(ctx context.Context, req invoke.StrategyRequest) (*invoke.Proposal, error) {
		return nil, errors.New("boom")
	}

	res, err := f.runner(t, nil).AdHoc(context.Background(), AdHocRequest{Target: "Mod.fn/2", Artifact: "src"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeError, res.Outcome)
	assert.Equal(t, StageRun, res.FailedStage)
	assert.Contains(t, res.Reason, "boom")
}

func TestAdHocUnknownSelector(t *testing.T) {
	f := newFakes(t)
	_, err := f.runner(t, nil).AdHoc(context.Background(), AdHocRequest{Target: "t", Strategy: "nope"})
	require.Error(t, err)
	var nf *registry.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
