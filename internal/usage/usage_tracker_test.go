package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRecordCreatesAndAccumulates(t *testing.T) {
	tr := NewTracker(TrackerConfig{Window: time.Minute})

	tr.Record("Mod.fn/2", Event{Duration: 10 * time.Millisecond})
	tr.Record("Mod.fn/2", Event{Calls: 4, Duration: 40 * time.Millisecond})

	snap := tr.Snapshot()
	rec, ok := snap.Lookup("Mod.fn/2")
	if !ok {
		t.Fatalf("record missing from snapshot")
	}
	if rec.CallCount != 5 {
		t.Fatalf("CallCount=%d, want 5", rec.CallCount)
	}
	if rec.CumulativeTime != 50*time.Millisecond {
		t.Fatalf("CumulativeTime=%v, want 50ms", rec.CumulativeTime)
	}
	if rec.WindowCalls != 5 {
		t.Fatalf("WindowCalls=%d, want 5", rec.WindowCalls)
	}
}

func TestHotPolicyAppliedAtSnapshot(t *testing.T) {
	tr := NewTracker(TrackerConfig{Window: time.Minute, Policy: ThresholdHotPolicy(100)})

	for i := 0; i < 100; i++ {
		tr.Record("Mod.fn/2", Event{Duration: time.Millisecond})
	}
	tr.Record("Cold.fn/1", Event{})

	snap := tr.Snapshot()
	hot := snap.HotTargets()
	if len(hot) != 1 || hot[0].TargetID != "Mod.fn/2" {
		t.Fatalf("hot targets = %+v, want exactly Mod.fn/2", hot)
	}
}

func TestWindowExpiryResetsHotness(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	tr := NewTracker(TrackerConfig{
		Window: time.Minute,
		Policy: ThresholdHotPolicy(10),
		Clock:  clock,
	})

	for i := 0; i < 20; i++ {
		tr.Record("Mod.fn/2", Event{})
	}
	if rec, _ := tr.Snapshot().Lookup("Mod.fn/2"); !rec.Hot {
		t.Fatalf("target should be hot inside the window")
	}

	// Advance past the window; lifetime counters stay, windowed ones expire.
	now = now.Add(2 * time.Minute)
	rec, ok := tr.Snapshot().Lookup("Mod.fn/2")
	if !ok {
		t.Fatalf("record should persist past the window")
	}
	if rec.CallCount != 20 {
		t.Fatalf("lifetime CallCount=%d, want 20", rec.CallCount)
	}
	if rec.WindowCalls != 0 {
		t.Fatalf("WindowCalls=%d after expiry, want 0", rec.WindowCalls)
	}
	if rec.Hot {
		t.Fatalf("target should no longer be hot")
	}
}

func TestSnapshotSortedAndImmutable(t *testing.T) {
	tr := NewTracker(TrackerConfig{Window: time.Minute})
	tr.Record("b", Event{})
	tr.Record("a", Event{})
	tr.Record("c", Event{})

	snap := tr.Snapshot()
	gotOrder := make([]string, len(snap.Records))
	for i, rec := range snap.Records {
		gotOrder[i] = rec.TargetID
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, gotOrder); diff != "" {
		t.Fatalf("record order mismatch (-want +got):\n%s", diff)
	}

	// Later activity must not show up in an already-taken snapshot.
	tr.Record("a", Event{Calls: 100})
	if rec, _ := snap.Lookup("a"); rec.CallCount != 1 {
		t.Fatalf("snapshot mutated by later Record: %+v", rec)
	}
}

func TestConcurrentRecordAndSnapshot(t *testing.T) {
	tr := NewTracker(TrackerConfig{Window: time.Minute})

	const writers = 8
	const perWriter = 500
	var wg sync.WaitGroup
	targets := []string{"a", "b", "c", "d"}

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				tr.Record(targets[(w+i)%len(targets)], Event{Duration: time.Microsecond})
			}
		}(w)
	}

	// Snapshots race with the writers; every observed record must be
	// internally consistent (calls and window counts never torn).
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			snap := tr.Snapshot()
			for _, rec := range snap.Records {
				if rec.WindowCalls > rec.CallCount {
					t.Errorf("torn record: window=%d > lifetime=%d", rec.WindowCalls, rec.CallCount)
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done

	total := int64(0)
	for _, rec := range tr.Snapshot().Records {
		total += rec.CallCount
	}
	if total != writers*perWriter {
		t.Fatalf("total calls=%d, want %d", total, writers*perWriter)
	}
}

func TestReconfigure(t *testing.T) {
	tr := NewTracker(TrackerConfig{Window: time.Minute, Policy: ThresholdHotPolicy(1000)})
	for i := 0; i < 5; i++ {
		tr.Record("Mod.fn/2", Event{})
	}
	if rec, _ := tr.Snapshot().Lookup("Mod.fn/2"); rec.Hot {
		t.Fatalf("should not be hot under threshold 1000")
	}

	tr.Reconfigure(time.Minute, ThresholdHotPolicy(5))
	if rec, _ := tr.Snapshot().Lookup("Mod.fn/2"); !rec.Hot {
		t.Fatalf("should be hot after threshold lowered to 5")
	}
}
