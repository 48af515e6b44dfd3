// Package usage records per-target activity and produces point-in-time
// snapshots for the adaptive scheduler.
//
// Writers are many and concurrent; readers must never block them. Each target
// gets its own record with its own lock inside a sync.Map, so Record calls for
// different targets never contend and Snapshot only holds one record's lock at
// a time.
package usage

import (
	"sort"
	"sync"
	"time"

	"autotune/internal/logging"
)

// bucketCount fixes the rolling-window resolution: window/bucketCount per
// bucket.
const bucketCount = 12

type bucket struct {
	start time.Time
	calls int64
	dur   time.Duration
}

// targetRecord is the mutable per-target state. All fields are guarded by mu.
type targetRecord struct {
	mu       sync.Mutex
	calls    int64
	cumTime  time.Duration
	lastSeen time.Time
	buckets  []bucket
}

// Tracker records per-target activity. Safe for concurrent use.
type Tracker struct {
	records sync.Map // target id -> *targetRecord

	mu     sync.RWMutex // guards window/policy for hot reload
	window time.Duration
	policy HotPolicy

	clock func() time.Time
}

// TrackerConfig configures a Tracker.
type TrackerConfig struct {
	// Window is the rolling window for hotness; defaults to 10 minutes.
	Window time.Duration
	// Policy decides hotness from a windowed record; defaults to
	// ThresholdHotPolicy(50).
	Policy HotPolicy
	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// NewTracker creates a usage tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Minute
	}
	if cfg.Policy == nil {
		cfg.Policy = ThresholdHotPolicy(50)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tracker{
		window: cfg.Window,
		policy: cfg.Policy,
		clock:  cfg.Clock,
	}
}

// Record reports activity for a target, creating its record if absent.
func (t *Tracker) Record(targetID string, ev Event) {
	if targetID == "" {
		return
	}
	calls := ev.Calls
	if calls <= 0 {
		calls = 1
	}

	rec := t.recordFor(targetID)
	now := t.clock()
	window, _ := t.settings()
	bucketDur := window / bucketCount

	rec.mu.Lock()
	rec.calls += calls
	rec.cumTime += ev.Duration
	rec.lastSeen = now

	// Roll the window: drop expired buckets, extend the current one.
	cutoff := now.Add(-window)
	i := 0
	for i < len(rec.buckets) && rec.buckets[i].start.Add(bucketDur).Before(cutoff) {
		i++
	}
	if i > 0 {
		rec.buckets = append(rec.buckets[:0], rec.buckets[i:]...)
	}
	n := len(rec.buckets)
	if n > 0 && now.Sub(rec.buckets[n-1].start) < bucketDur {
		rec.buckets[n-1].calls += calls
		rec.buckets[n-1].dur += ev.Duration
	} else {
		rec.buckets = append(rec.buckets, bucket{start: now, calls: calls, dur: ev.Duration})
	}
	rec.mu.Unlock()
}

// Snapshot returns an internally consistent copy of every record with the
// hot-path policy applied. It never blocks concurrent Record calls on other
// targets.
func (t *Tracker) Snapshot() *Snapshot {
	timer := logging.StartTimer(logging.CategoryUsage, "Snapshot")
	defer timer.Stop()

	now := t.clock()
	window, policy := t.settings()
	cutoff := now.Add(-window)
	bucketDur := window / bucketCount

	snap := &Snapshot{TakenAt: now}
	t.records.Range(func(k, v interface{}) bool {
		rec := v.(*targetRecord)

		rec.mu.Lock()
		r := Record{
			TargetID:       k.(string),
			CallCount:      rec.calls,
			CumulativeTime: rec.cumTime,
			LastSeen:       rec.lastSeen,
		}
		for _, b := range rec.buckets {
			if b.start.Add(bucketDur).Before(cutoff) {
				continue
			}
			r.WindowCalls += b.calls
			r.WindowTime += b.dur
		}
		rec.mu.Unlock()

		r.Hot = policy(r)
		snap.Records = append(snap.Records, r)
		return true
	})

	sort.Slice(snap.Records, func(i, j int) bool {
		return snap.Records[i].TargetID < snap.Records[j].TargetID
	})

	logging.UsageDebug("snapshot: %d targets, %d hot", len(snap.Records), len(snap.HotTargets()))
	return snap
}

// TotalTargets returns how many targets have ever been recorded.
func (t *Tracker) TotalTargets() int {
	n := 0
	t.records.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Reconfigure swaps the window and policy, for config hot reload. Existing
// buckets are reinterpreted under the new window on the next roll.
func (t *Tracker) Reconfigure(window time.Duration, policy HotPolicy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if window > 0 {
		t.window = window
	}
	if policy != nil {
		t.policy = policy
	}
	logging.Usage("tracker reconfigured: window=%v", t.window)
}

func (t *Tracker) settings() (time.Duration, HotPolicy) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.window, t.policy
}

func (t *Tracker) recordFor(targetID string) *targetRecord {
	if v, ok := t.records.Load(targetID); ok {
		return v.(*targetRecord)
	}
	v, _ := t.records.LoadOrStore(targetID, &targetRecord{})
	return v.(*targetRecord)
}
