// Package scheduler is the adaptive driver loop: on a fixed interval it
// snapshots the usage tracker, scores and selects hot targets, and dispatches
// experiment runs as independent goroutines under a concurrency bound.
//
// The loop itself is single-owner; all claim/release mutation of the
// in-flight set and backoff table happens under one mutex so the
// at-most-one-experiment-per-target invariant holds even when a release
// races a new tick's claim.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"autotune/internal/experiment"
	"autotune/internal/logging"
	"autotune/internal/usage"

	"golang.org/x/sync/semaphore"
)

// ScorePolicy computes a target's priority from its usage record. Higher
// wins. Injectable; the exact formula is policy, not core.
type ScorePolicy func(usage.Record) float64

// DefaultScorePolicy weighs windowed call volume plus windowed cumulative
// time (a hundredth of a millisecond per point keeps the two comparable).
func DefaultScorePolicy(r usage.Record) float64 {
	return float64(r.WindowCalls) + float64(r.WindowTime.Milliseconds())/100
}

// Config configures the scheduler.
type Config struct {
	// Interval between ticks.
	Interval time.Duration
	// MaxConcurrent bounds simultaneously running experiments.
	MaxConcurrent int
	// TopK caps dispatches per tick; further capped by free slots.
	TopK int
	// BackoffBase is the first delay after a rate-limited run; doubled per
	// consecutive strike up to BackoffCap.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StopGrace bounds how long Stop waits for in-flight experiments.
	StopGrace time.Duration
	// Score overrides DefaultScorePolicy.
	Score ScorePolicy
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
	// RestartDelay is the pause before the supervisor restarts a crashed
	// loop.
	RestartDelay time.Duration
}

func (c *Config) fillDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.TopK <= 0 {
		c.TopK = c.MaxConcurrent
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Minute
	}
	if c.StopGrace <= 0 {
		c.StopGrace = 2 * time.Minute
	}
	if c.Score == nil {
		c.Score = DefaultScorePolicy
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
}

// Stats is a point-in-time view of scheduler activity.
type Stats struct {
	Ticks       int64
	Dispatched  int64
	SkippedBusy int64 // eligible but in-flight or backed off
	TickErrors  int64
	Restarts    int64
	InFlight    int
	BackedOff   int
}

type backoffEntry struct {
	until   time.Time
	strikes int
}

// Scheduler drives experiment dispatch from usage snapshots.
type Scheduler struct {
	tracker *usage.Tracker
	runner  *experiment.Runner
	slots   *semaphore.Weighted

	mu       sync.Mutex
	cfg      Config
	inFlight map[string]struct{}
	backoff  map[string]backoffEntry
	stats    Stats

	runWG   sync.WaitGroup // dispatched experiments
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New creates a scheduler. Start must be called to begin ticking; Tick may
// be called directly for single-step use and tests.
func New(tracker *usage.Tracker, runner *experiment.Runner, cfg Config) (*Scheduler, error) {
	if tracker == nil {
		return nil, fmt.Errorf("scheduler requires a usage tracker")
	}
	if runner == nil {
		return nil, fmt.Errorf("scheduler requires an experiment runner")
	}
	cfg.fillDefaults()
	return &Scheduler{
		tracker:  tracker,
		runner:   runner,
		slots:    semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		cfg:      cfg,
		inFlight: make(map[string]struct{}),
		backoff:  make(map[string]backoffEntry),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start launches the supervised driver loop. Returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	logging.Scheduler("starting: interval=%v max_concurrent=%d top_k=%d",
		s.cfg.Interval, s.cfg.MaxConcurrent, s.cfg.TopK)
	go s.supervise(ctx)
}

// supervise keeps the driver loop alive: an abnormal loop exit is logged and
// the loop restarted after a short delay. Only Stop or context cancellation
// end it for good.
func (s *Scheduler) supervise(ctx context.Context) {
	defer close(s.doneCh)

	for {
		crashed := s.runLoop(ctx)
		if !crashed {
			return
		}

		s.mu.Lock()
		s.stats.Restarts++
		delay := s.cfg.RestartDelay
		s.mu.Unlock()
		logging.SchedulerWarn("driver loop crashed, restarting in %v", delay)

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// runLoop ticks until stopped. Returns true if it exited via panic.
func (s *Scheduler) runLoop(ctx context.Context) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryScheduler).Error("PANIC RECOVERED in driver loop: %v", r)
			crashed = true
		}
	}()

	for {
		s.mu.Lock()
		interval := s.cfg.Interval
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-s.stopCh:
			return false
		case <-time.After(interval):
		}

		if err := s.Tick(ctx); err != nil {
			// A bad tick never kills the loop.
			s.mu.Lock()
			s.stats.TickErrors++
			s.mu.Unlock()
			logging.SchedulerWarn("tick skipped: %v", err)
		}
	}
}

// Tick runs a single scan → select → dispatch cycle.
func (s *Scheduler) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()

	timer := logging.StartTimer(logging.CategoryScheduler, "Tick")
	defer timer.StopWithThreshold(time.Second)

	// Scanning
	snap := s.tracker.Snapshot()

	// Selecting + claiming, atomically with respect to concurrent releases
	// and overlapping ticks.
	selected := s.selectAndClaim(snap)

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.Dispatched += int64(len(selected))
	s.mu.Unlock()

	// Dispatching
	for _, rec := range selected {
		s.dispatch(ctx, rec)
	}
	if len(selected) > 0 {
		logging.Scheduler("tick: dispatched %d of %d hot targets", len(selected), len(snap.HotTargets()))
	}
	return nil
}

type candidate struct {
	rec   usage.Record
	score float64
}

// selectAndClaim picks the top-K eligible hot targets and marks them
// in-flight in one critical section.
func (s *Scheduler) selectAndClaim(snap *usage.Snapshot) []usage.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock()
	var eligible []candidate
	for _, rec := range snap.HotTargets() {
		if _, busy := s.inFlight[rec.TargetID]; busy {
			s.stats.SkippedBusy++
			continue
		}
		if entry, ok := s.backoff[rec.TargetID]; ok && now.Before(entry.until) {
			s.stats.SkippedBusy++
			continue
		}
		eligible = append(eligible, candidate{rec: rec, score: s.cfg.Score(rec)})
	}

	sort.Slice(eligible, func(i, j int) bool { return eligible[i].score > eligible[j].score })

	free := s.cfg.MaxConcurrent - len(s.inFlight)
	k := s.cfg.TopK
	if free < k {
		k = free
	}
	if k <= 0 {
		return nil
	}
	if len(eligible) > k {
		eligible = eligible[:k]
	}

	selected := make([]usage.Record, 0, len(eligible))
	for _, c := range eligible {
		s.inFlight[c.rec.TargetID] = struct{}{}
		selected = append(selected, c.rec)
	}
	return selected
}

// dispatch starts one experiment as an independent unit of work. The claim is
// already held; the runner releases it on terminal state via s.release.
func (s *Scheduler) dispatch(ctx context.Context, rec usage.Record) {
	usageData := map[string]interface{}{
		"call_count":         rec.CallCount,
		"cumulative_time_ms": rec.CumulativeTime.Milliseconds(),
		"window_calls":       rec.WindowCalls,
		"window_time_ms":     rec.WindowTime.Milliseconds(),
		"last_seen":          rec.LastSeen,
	}

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		// Catch boundary: a crash in one experiment is an error outcome for
		// that target, never a crashed scheduler.
		defer func() {
			if r := recover(); r != nil {
				logging.Get(logging.CategoryScheduler).Error("PANIC RECOVERED in experiment for %s: %v", rec.TargetID, r)
				s.release(rec.TargetID, false)
			}
		}()

		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.release(rec.TargetID, false)
			return
		}
		defer s.slots.Release(1)

		s.runner.Execute(ctx, rec.TargetID, usageData, s.release)
	}()
}

// release clears a target's in-flight claim. Rate-limited completions move
// the target into exponential backoff; anything else clears its strikes so a
// failed candidate stays eligible for future ticks.
func (s *Scheduler) release(targetID string, rateLimited bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, targetID)

	if !rateLimited {
		delete(s.backoff, targetID)
		return
	}

	entry := s.backoff[targetID]
	entry.strikes++
	delay := s.cfg.BackoffBase << (entry.strikes - 1)
	if delay > s.cfg.BackoffCap || delay <= 0 {
		delay = s.cfg.BackoffCap
	}
	entry.until = s.cfg.Clock().Add(delay)
	s.backoff[targetID] = entry
	logging.SchedulerWarn("%s rate limited, backing off %v (strike %d)", targetID, delay, entry.strikes)
}

// Stop ends the loop and waits up to StopGrace for in-flight experiments.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	grace := s.cfg.StopGrace
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logging.Scheduler("stopped cleanly")
	case <-time.After(grace):
		logging.SchedulerWarn("stop grace of %v elapsed with experiments still in flight", grace)
	}
}

// Reconfigure applies hot-reloadable settings. The concurrency bound is
// fixed at construction (the semaphore's size); other knobs take effect on
// the next tick.
func (s *Scheduler) Reconfigure(interval, backoffBase, backoffCap time.Duration, topK int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval > 0 {
		s.cfg.Interval = interval
	}
	if backoffBase > 0 {
		s.cfg.BackoffBase = backoffBase
	}
	if backoffCap > 0 {
		s.cfg.BackoffCap = backoffCap
	}
	if topK > 0 {
		s.cfg.TopK = topK
	}
	logging.Scheduler("reconfigured: interval=%v top_k=%d", s.cfg.Interval, s.cfg.TopK)
}

// InFlight returns the currently claimed targets.
func (s *Scheduler) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inFlight))
	for t := range s.inFlight {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// BackoffUntil reports a target's next eligibility time, if backed off.
func (s *Scheduler) BackoffUntil(targetID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.backoff[targetID]
	if !ok || !s.cfg.Clock().Before(entry.until) {
		return time.Time{}, false
	}
	return entry.until, true
}

// GetStats returns current counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.InFlight = len(s.inFlight)
	st.BackedOff = len(s.backoff)
	return st
}
