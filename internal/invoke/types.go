package invoke

import (
	"context"

	"autotune/internal/registry"
)

// Plugin contracts. Each registered capability's implementation handle is one
// of these function types (or ExperimentHooks). They are synchronous, opaque
// calls; whether they reach an LLM service underneath is invisible here.

// AnalyzerFunc inspects a target and returns arbitrary structured analysis.
type AnalyzerFunc func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error)

// StrategyRequest carries what a strategy needs to propose a candidate.
type StrategyRequest struct {
	Target           string
	OriginalArtifact string
	UsageData        map[string]interface{}
	Options          registry.Options
}

// Proposal is a strategy's proposed replacement for a target.
type Proposal struct {
	OptimizedArtifact    string            `json:"optimized_artifact"`
	Explanation          string            `json:"explanation"`
	ExpectedImprovements map[string]string `json:"expected_improvements,omitempty"`
}

// StrategyFunc proposes an optimized candidate for a target.
type StrategyFunc func(ctx context.Context, req StrategyRequest) (*Proposal, error)

// EvaluatorRequest carries what an evaluator needs to judge a candidate.
type EvaluatorRequest struct {
	Target            string
	OriginalArtifact  string
	CandidateArtifact string
	Metrics           map[string]float64
	Options           registry.Options
}

// Verdict is an evaluator's judgement of a candidate.
type Verdict struct {
	Outcome         string   `json:"outcome"` // success or failure
	SuccessRating   float64  `json:"success_rating"`
	Risks           []string `json:"risks,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// EvaluatorFunc judges a candidate against the original artifact.
type EvaluatorFunc func(ctx context.Context, req EvaluatorRequest) (*Verdict, error)

// SetupFunc prepares an experiment: it resolves the target's original
// artifact and any context the later stages need.
type SetupFunc func(ctx context.Context, target string, opts registry.Options) (map[string]interface{}, error)

// CleanupArgs carries whatever partial data the experiment produced. Fields
// for stages never reached are zero.
type CleanupArgs struct {
	Target    string
	SetupData map[string]interface{}
	RunResult *Proposal
	Outcome   string
}

// CleanupFunc releases experiment resources. Always called exactly once.
type CleanupFunc func(ctx context.Context, args CleanupArgs) error

// ExperimentHooks is the implementation handle for experiment-kind
// capabilities: the setup and cleanup boundaries around the strategy and
// evaluator stages. Either hook may be nil.
type ExperimentHooks struct {
	Setup   SetupFunc
	Cleanup CleanupFunc
}
