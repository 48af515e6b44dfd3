package experiment

import (
	"context"
	"fmt"

	"autotune/internal/invoke"
	"autotune/internal/logging"
	"autotune/internal/registry"
)

// AdHocRequest is a direct strategy-then-evaluator invocation for one target,
// bypassing the scheduler. Selector fields fall back to the runner defaults.
type AdHocRequest struct {
	Target string
	// Artifact is the original artifact. When empty, the experiment
	// capability's setup hook is used to resolve it.
	Artifact  string
	Strategy  string
	Evaluator string
	UsageData map[string]interface{}
}

// AdHocResult reports the combined outcome synchronously, naming the failing
// stage and reason on error.
type AdHocResult struct {
	Target      string           `json:"target"`
	Proposal    *invoke.Proposal `json:"proposal,omitempty"`
	Verdict     *invoke.Verdict  `json:"verdict,omitempty"`
	Outcome     Outcome          `json:"outcome"`
	FailedStage string           `json:"failed_stage,omitempty"`
	Reason      string           `json:"reason,omitempty"`
}

// AdHoc runs the run+evaluate stages once for a target. Stage errors are
// reported in the result, not returned; the error return covers only requests
// the runner cannot start (unknown capability names, empty target).
func (r *Runner) AdHoc(ctx context.Context, req AdHocRequest) (*AdHocResult, error) {
	if req.Target == "" {
		return nil, fmt.Errorf("ad hoc optimization requires a target")
	}

	strategyName := req.Strategy
	if strategyName == "" {
		strategyName = r.cfg.Strategy
	}
	evaluatorName := req.Evaluator
	if evaluatorName == "" {
		evaluatorName = r.cfg.Evaluator
	}

	strategyDesc, err := r.cfg.Registry.Lookup(registry.KindStrategy, strategyName)
	if err != nil {
		return nil, err
	}
	evaluatorDesc, err := r.cfg.Registry.Lookup(registry.KindEvaluator, evaluatorName)
	if err != nil {
		return nil, err
	}

	res := &AdHocResult{Target: req.Target}
	timeout := r.cfg.StageTimeout
	logging.Experiment("ad hoc: %s via %s + %s", req.Target, strategyDesc, evaluatorDesc)

	artifact := req.Artifact
	if artifact == "" {
		expDesc, err := r.cfg.Registry.Lookup(registry.KindExperiment, r.cfg.Experiment)
		if err == nil {
			if data, serr := r.cfg.Invoker.Setup(ctx, expDesc, req.Target, expDesc.Options, timeout); serr == nil {
				artifact, _ = data["original_artifact"].(string)
			}
		}
	}

	proposal, err := r.cfg.Invoker.Propose(ctx, strategyDesc, invoke.StrategyRequest{
		Target:           req.Target,
		OriginalArtifact: artifact,
		UsageData:        req.UsageData,
	}, timeout)
	if err != nil {
		res.Outcome = OutcomeError
		res.FailedStage = StageRun
		res.Reason = err.Error()
		return res, nil
	}
	res.Proposal = proposal

	verdict, err := r.cfg.Invoker.Evaluate(ctx, evaluatorDesc, invoke.EvaluatorRequest{
		Target:            req.Target,
		OriginalArtifact:  artifact,
		CandidateArtifact: proposal.OptimizedArtifact,
	}, timeout)
	if err != nil {
		res.Outcome = OutcomeError
		res.FailedStage = StageEvaluate
		res.Reason = err.Error()
		return res, nil
	}
	res.Verdict = verdict

	if verdict.Outcome == "success" && verdict.SuccessRating >= r.cfg.AdoptionThreshold {
		res.Outcome = OutcomeSuccess
	} else {
		res.Outcome = OutcomeFailure
	}
	return res, nil
}
