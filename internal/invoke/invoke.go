// Package invoke is the sole call boundary between the orchestration core and
// plugin implementations. Every capability call goes through an Invoker, which
// guarantees a normalized result: panics become exceptions, stalls become
// timeouts, and results that violate the kind's contract become
// malformed_result. A stalled plugin can burn its own goroutine, never the
// scheduler's.
package invoke

import (
	"context"
	"fmt"
	"time"

	"autotune/internal/logging"
	"autotune/internal/registry"
)

// Invoker wraps plugin calls with timeout, panic, and contract enforcement.
type Invoker struct {
	// DefaultTimeout applies when a call site passes no timeout.
	DefaultTimeout time.Duration
}

// NewInvoker creates an Invoker with the given default timeout.
func NewInvoker(defaultTimeout time.Duration) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Invoker{DefaultTimeout: defaultTimeout}
}

// callResult carries the plugin's return over the abandonment boundary.
type callResult struct {
	value interface{}
	err   error
}

// call runs fn on its own goroutine and waits at most timeout. On timeout the
// wait is abandoned; the plugin call may still be running on the collaborator
// side (cancellation is cooperative only), so the result channel is buffered
// to let the goroutine finish without leaking a blocked send.
func (iv *Invoker) call(ctx context.Context, capability string, timeout time.Duration, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	if timeout <= 0 {
		timeout = iv.DefaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	start := time.Now()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.InvokeWarn("PANIC RECOVERED in %s: %v", capability, r)
				ch <- callResult{err: &Error{
					Capability: capability,
					Reason:     ReasonException,
					Detail:     fmt.Sprintf("panic: %v", r),
				}}
			}
		}()
		value, err := fn(callCtx)
		ch <- callResult{value: value, err: err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			if ie, ok := res.err.(*Error); ok {
				return nil, ie
			}
			return nil, classify(capability, res.err)
		}
		logging.InvokeDebug("%s completed in %v", capability, time.Since(start))
		return res.value, nil

	case <-callCtx.Done():
		if ctx.Err() != nil {
			// Caller cancelled; report it as a timeout-shaped abandonment.
			logging.InvokeWarn("%s abandoned: caller context done after %v", capability, time.Since(start))
		} else {
			logging.InvokeWarn("%s timed out after %v (call abandoned, may still be in flight)", capability, timeout)
		}
		return nil, &Error{Capability: capability, Reason: ReasonTimeout,
			Detail: fmt.Sprintf("no result within %v", timeout)}
	}
}

// Analyze invokes an analyzer capability.
func (iv *Invoker) Analyze(ctx context.Context, desc *registry.Descriptor, target string, opts registry.Options, timeout time.Duration) (map[string]interface{}, error) {
	fn, ok := desc.Impl.(AnalyzerFunc)
	if !ok {
		return nil, &Error{Capability: desc.String(), Reason: ReasonException,
			Detail: fmt.Sprintf("implementation handle is %T, want AnalyzerFunc", desc.Impl)}
	}

	raw, err := iv.call(ctx, desc.String(), timeout, func(callCtx context.Context) (interface{}, error) {
		return fn(callCtx, target, opts)
	})
	if err != nil {
		return nil, err
	}

	analysis, ok := raw.(map[string]interface{})
	if !ok || analysis == nil {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: "analyzer returned no analysis map"}
	}
	return analysis, nil
}

// Propose invokes a strategy capability and validates the proposal contract.
func (iv *Invoker) Propose(ctx context.Context, desc *registry.Descriptor, req StrategyRequest, timeout time.Duration) (*Proposal, error) {
	fn, ok := desc.Impl.(StrategyFunc)
	if !ok {
		return nil, &Error{Capability: desc.String(), Reason: ReasonException,
			Detail: fmt.Sprintf("implementation handle is %T, want StrategyFunc", desc.Impl)}
	}

	raw, err := iv.call(ctx, desc.String(), timeout, func(callCtx context.Context) (interface{}, error) {
		return fn(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	proposal, ok := raw.(*Proposal)
	if !ok || proposal == nil {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: "strategy returned no proposal"}
	}
	if proposal.OptimizedArtifact == "" {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: "proposal has empty optimized_artifact"}
	}
	return proposal, nil
}

// Evaluate invokes an evaluator capability and validates the verdict
// contract.
func (iv *Invoker) Evaluate(ctx context.Context, desc *registry.Descriptor, req EvaluatorRequest, timeout time.Duration) (*Verdict, error) {
	fn, ok := desc.Impl.(EvaluatorFunc)
	if !ok {
		return nil, &Error{Capability: desc.String(), Reason: ReasonException,
			Detail: fmt.Sprintf("implementation handle is %T, want EvaluatorFunc", desc.Impl)}
	}

	raw, err := iv.call(ctx, desc.String(), timeout, func(callCtx context.Context) (interface{}, error) {
		return fn(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	verdict, ok := raw.(*Verdict)
	if !ok || verdict == nil {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: "evaluator returned no verdict"}
	}
	if verdict.Outcome != "success" && verdict.Outcome != "failure" {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: fmt.Sprintf("verdict outcome %q not in {success, failure}", verdict.Outcome)}
	}
	if verdict.SuccessRating < 0 || verdict.SuccessRating > 1 {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: fmt.Sprintf("success_rating %v outside [0,1]", verdict.SuccessRating)}
	}
	return verdict, nil
}

// Setup invokes an experiment capability's setup hook. A nil hook yields an
// empty setup map.
func (iv *Invoker) Setup(ctx context.Context, desc *registry.Descriptor, target string, opts registry.Options, timeout time.Duration) (map[string]interface{}, error) {
	hooks, ok := desc.Impl.(ExperimentHooks)
	if !ok {
		return nil, &Error{Capability: desc.String(), Reason: ReasonException,
			Detail: fmt.Sprintf("implementation handle is %T, want ExperimentHooks", desc.Impl)}
	}
	if hooks.Setup == nil {
		return map[string]interface{}{}, nil
	}

	raw, err := iv.call(ctx, desc.String()+"#setup", timeout, func(callCtx context.Context) (interface{}, error) {
		return hooks.Setup(callCtx, target, opts)
	})
	if err != nil {
		return nil, err
	}

	data, ok := raw.(map[string]interface{})
	if !ok || data == nil {
		return nil, &Error{Capability: desc.String(), Reason: ReasonMalformedResult,
			Detail: "setup returned no data map"}
	}
	return data, nil
}

// Cleanup invokes an experiment capability's cleanup hook. A nil hook is a
// no-op.
func (iv *Invoker) Cleanup(ctx context.Context, desc *registry.Descriptor, args CleanupArgs, timeout time.Duration) error {
	hooks, ok := desc.Impl.(ExperimentHooks)
	if !ok {
		return &Error{Capability: desc.String(), Reason: ReasonException,
			Detail: fmt.Sprintf("implementation handle is %T, want ExperimentHooks", desc.Impl)}
	}
	if hooks.Cleanup == nil {
		return nil
	}

	_, err := iv.call(ctx, desc.String()+"#cleanup", timeout, func(callCtx context.Context) (interface{}, error) {
		return nil, hooks.Cleanup(callCtx, args)
	})
	return err
}
