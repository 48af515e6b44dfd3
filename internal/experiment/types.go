package experiment

import (
	"context"
	"fmt"
	"time"

	"autotune/internal/invoke"
)

// State is an experiment's position in its lifecycle. Transitions are
// strictly ordered; cleanup is reached from every path.
type State int

const (
	StateCreated State = iota
	StateSetupRunning
	StateSetupComplete
	StateSetupFailed
	StateRunning
	StateRunComplete
	StateRunFailed
	StateEvaluating
	StateEvaluated
	StateCleaningUp
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSetupRunning:
		return "setup_running"
	case StateSetupComplete:
		return "setup_complete"
	case StateSetupFailed:
		return "setup_failed"
	case StateRunning:
		return "running"
	case StateRunComplete:
		return "run_complete"
	case StateRunFailed:
		return "run_failed"
	case StateEvaluating:
		return "evaluating"
	case StateEvaluated:
		return "evaluated"
	case StateCleaningUp:
		return "cleaning_up"
	case StateDone:
		return "done"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Outcome is the terminal result of an experiment. Error means a stage
// itself failed; failure means the evaluation judged the candidate
// unsuccessful.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeError   Outcome = "error"
)

// Stage names, used when reporting which stage failed.
const (
	StageSetup    = "setup"
	StageRun      = "run"
	StageEvaluate = "evaluate"
	StageCleanup  = "cleanup"
)

// Run is one full trial against a target. Created on dispatch, owned
// exclusively by its runner until terminal state, then handed to the sink.
type Run struct {
	ID       string `json:"id"`
	TargetID string `json:"target_id"`
	State    State  `json:"state"`

	SetupData map[string]interface{} `json:"setup_data,omitempty"`
	RunResult *invoke.Proposal       `json:"run_result,omitempty"`
	Verdict   *invoke.Verdict        `json:"verdict,omitempty"`

	Outcome     Outcome            `json:"outcome"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	FailedStage string             `json:"failed_stage,omitempty"`
	Error       string             `json:"error,omitempty"`
	// RateLimited marks a stage failure caused by provider rate limiting,
	// which the scheduler turns into backoff rather than a dead target.
	RateLimited bool `json:"rate_limited,omitempty"`

	// CleanupWarnings records cleanup failures; they never change Outcome.
	CleanupWarnings []string `json:"cleanup_warnings,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the run's wall time.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ResultSink receives terminal runs. The core mandates no retention; the
// sink decides.
type ResultSink interface {
	SaveRun(ctx context.Context, run *Run) error
}

// SinkFunc adapts a function to ResultSink.
type SinkFunc func(ctx context.Context, run *Run) error

// SaveRun implements ResultSink.
func (f SinkFunc) SaveRun(ctx context.Context, run *Run) error { return f(ctx, run) }

// ReleaseFunc releases the target's in-flight claim. rateLimited tells the
// scheduler to apply backoff instead of normal re-eligibility.
type ReleaseFunc func(targetID string, rateLimited bool)
