package invoke

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"autotune/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strategyDesc(t *testing.T, fn StrategyFunc) *registry.Descriptor {
	t.Helper()
	r := registry.New()
	desc, err := r.Register(registry.KindStrategy, "test", registry.Descriptor{Impl: fn})
	require.NoError(t, err)
	return desc
}

func TestProposeSuccess(t *testing.T) {
	desc := strategyDesc(t, func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
		return &Proposal{OptimizedArtifact: "fast " + req.OriginalArtifact, Explanation: "inlined"}, nil
	})

	iv := NewInvoker(time.Second)
	p, err := iv.Propose(context.Background(), desc, StrategyRequest{
		Target:           "Mod.fn/2",
		OriginalArtifact: "code",
	}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "fast code", p.OptimizedArtifact)
}

func TestProposePanicBecomesException(t *testing.T) {
	desc := strategyDesc(t, func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
		panic("plugin blew up")
	})

	iv := NewInvoker(time.Second)
	_, err := iv.Propose(context.Background(), desc, StrategyRequest{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, ReasonException, ReasonOf(err))
	assert.Contains(t, err.Error(), "plugin blew up")
}

func TestProposeTimeoutAbandonsWait(t *testing.T) {
	release := make(chan struct{})
	desc := strategyDesc(t, func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
		<-release
		return &Proposal{OptimizedArtifact: "late"}, nil
	})

	iv := NewInvoker(time.Second)
	start := time.Now()
	_, err := iv.Propose(context.Background(), desc, StrategyRequest{}, 50*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Less(t, elapsed, 500*time.Millisecond, "timeout must abandon the wait promptly")
	close(release) // let the stalled goroutine finish
}

func TestProposeMalformedResult(t *testing.T) {
	cases := map[string]StrategyFunc{
		"nil proposal": func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
			return nil, nil
		},
		"empty artifact": func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
			return &Proposal{Explanation: "forgot the code"}, nil
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			iv := NewInvoker(time.Second)
			_, err := iv.Propose(context.Background(), strategyDesc(t, fn), StrategyRequest{}, time.Second)
			require.Error(t, err)
			assert.Equal(t, ReasonMalformedResult, ReasonOf(err))
		})
	}
}

func TestRateLimitClassification(t *testing.T) {
	cases := []error{
		fmt.Errorf("provider said: %w", ErrRateLimited),
		errors.New("googleapi: Error 429: too many requests"),
		errors.New("RESOURCE_EXHAUSTED: quota exceeded for model"),
	}
	for _, cause := range cases {
		cause := cause
		desc := strategyDesc(t, func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
			return nil, cause
		})
		iv := NewInvoker(time.Second)
		_, err := iv.Propose(context.Background(), desc, StrategyRequest{}, time.Second)
		require.Error(t, err)
		assert.True(t, IsRateLimited(err), "expected rate_limited for %v", cause)
	}
}

func TestPlainErrorBecomesException(t *testing.T) {
	desc := strategyDesc(t, func(ctx context.Context, req StrategyRequest) (*Proposal, error) {
		return nil, errors.New("model returned nonsense")
	})
	iv := NewInvoker(time.Second)
	_, err := iv.Propose(context.Background(), desc, StrategyRequest{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, ReasonException, ReasonOf(err))
}

func TestWrongImplHandle(t *testing.T) {
	r := registry.New()
	desc, err := r.Register(registry.KindStrategy, "broken", registry.Descriptor{
		Impl: func() {},
	})
	require.NoError(t, err)

	iv := NewInvoker(time.Second)
	_, err = iv.Propose(context.Background(), desc, StrategyRequest{}, time.Second)
	require.Error(t, err)
	assert.Equal(t, ReasonException, ReasonOf(err))
}

func TestEvaluateContractValidation(t *testing.T) {
	r := registry.New()

	register := func(name string, v *Verdict) *registry.Descriptor {
		desc, err := r.Register(registry.KindEvaluator, name, registry.Descriptor{
			Impl: EvaluatorFunc(func(ctx context.Context, req EvaluatorRequest) (*Verdict, error) {
				return v, nil
			}),
		})
		require.NoError(t, err)
		return desc
	}

	iv := NewInvoker(time.Second)

	good := register("good", &Verdict{Outcome: "success", SuccessRating: 0.9})
	v, err := iv.Evaluate(context.Background(), good, EvaluatorRequest{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0.9, v.SuccessRating)

	badOutcome := register("bad-outcome", &Verdict{Outcome: "meh", SuccessRating: 0.5})
	_, err = iv.Evaluate(context.Background(), badOutcome, EvaluatorRequest{}, time.Second)
	assert.Equal(t, ReasonMalformedResult, ReasonOf(err))

	badRating := register("bad-rating", &Verdict{Outcome: "success", SuccessRating: 1.7})
	_, err = iv.Evaluate(context.Background(), badRating, EvaluatorRequest{}, time.Second)
	assert.Equal(t, ReasonMalformedResult, ReasonOf(err))
}

func TestAnalyze(t *testing.T) {
	r := registry.New()
	desc, err := r.Register(registry.KindAnalyzer, "heuristic", registry.Descriptor{
		Impl: AnalyzerFunc(func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error) {
			return map[string]interface{}{"target": target, "complexity": 3}, nil
		}),
	})
	require.NoError(t, err)

	iv := NewInvoker(time.Second)
	analysis, err := iv.Analyze(context.Background(), desc, "Mod.fn/2", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "Mod.fn/2", analysis["target"])
}

func TestSetupAndCleanupHooks(t *testing.T) {
	r := registry.New()
	cleanedUp := 0
	desc, err := r.Register(registry.KindExperiment, "default", registry.Descriptor{
		Impl: ExperimentHooks{
			Setup: func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error) {
				return map[string]interface{}{"original_artifact": "src of " + target}, nil
			},
			Cleanup: func(ctx context.Context, args CleanupArgs) error {
				cleanedUp++
				return nil
			},
		},
	})
	require.NoError(t, err)

	iv := NewInvoker(time.Second)
	data, err := iv.Setup(context.Background(), desc, "Mod.fn/2", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "src of Mod.fn/2", data["original_artifact"])

	require.NoError(t, iv.Cleanup(context.Background(), desc, CleanupArgs{Target: "Mod.fn/2"}, time.Second))
	assert.Equal(t, 1, cleanedUp)
}

func TestNilHooksAreNoOps(t *testing.T) {
	r := registry.New()
	desc, err := r.Register(registry.KindExperiment, "bare", registry.Descriptor{
		Impl: ExperimentHooks{},
	})
	require.NoError(t, err)

	iv := NewInvoker(time.Second)
	data, err := iv.Setup(context.Background(), desc, "t", nil, time.Second)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.NoError(t, iv.Cleanup(context.Background(), desc, CleanupArgs{}, time.Second))
}
