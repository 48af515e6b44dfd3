package usage

import "time"

// Event is one reported activity burst for a target.
type Event struct {
	// Calls is the number of calls the event represents. Zero means one.
	Calls int64
	// Duration is the cumulative execution time those calls took.
	Duration time.Duration
}

// Record is a point-in-time copy of one target's counters. Lifetime counters
// are monotonic; windowed counters cover the tracker's rolling window.
type Record struct {
	TargetID       string        `json:"target_id"`
	CallCount      int64         `json:"call_count"`
	CumulativeTime time.Duration `json:"cumulative_time"`
	LastSeen       time.Time     `json:"last_seen"`

	// Rolling-window view used by the hot-path policy.
	WindowCalls int64         `json:"window_calls"`
	WindowTime  time.Duration `json:"window_time"`

	// Hot is the hot-path policy's verdict at snapshot time.
	Hot bool `json:"hot"`
}

// Snapshot is an immutable copy of all records. Each record is internally
// consistent (copied under its own lock); the set as a whole is a point-in-
// time view, not a transaction.
type Snapshot struct {
	TakenAt time.Time `json:"taken_at"`
	Records []Record  `json:"records"`
}

// HotTargets returns the subset of records the policy marked hot.
func (s *Snapshot) HotTargets() []Record {
	var hot []Record
	for _, r := range s.Records {
		if r.Hot {
			hot = append(hot, r)
		}
	}
	return hot
}

// Lookup finds a record by target id.
func (s *Snapshot) Lookup(targetID string) (Record, bool) {
	for _, r := range s.Records {
		if r.TargetID == targetID {
			return r, true
		}
	}
	return Record{}, false
}

// HotPolicy decides whether a record's windowed activity makes its target
// hot. The exact scoring function is deliberately injectable.
type HotPolicy func(Record) bool

// ThresholdHotPolicy marks a target hot when its windowed call count reaches
// threshold.
func ThresholdHotPolicy(threshold int64) HotPolicy {
	return func(r Record) bool {
		return r.WindowCalls >= threshold
	}
}
