package health

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker() (*Tracker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Config{
		CooldownBase:   10 * time.Second,
		CooldownMax:    80 * time.Second,
		FailureCeiling: 4,
		TTL:            time.Hour,
	}, nil)
	tr.now = clock.Now
	return tr, clock
}

var errBoom = errors.New("boom")

func TestUnknownMethodIsAllowed(t *testing.T) {
	tr, _ := newTestTracker()
	if !tr.Allowed("direct:youtube") {
		t.Error("methods without a record should be allowed")
	}
	if _, ok := tr.Get("direct:youtube"); ok {
		t.Error("Allowed must not create records")
	}
}

func TestFailureStartsCooldown(t *testing.T) {
	tr, clock := newTestTracker()

	tr.RecordFailure("pipeline", errBoom)
	if tr.Allowed("pipeline") {
		t.Fatal("method should be cooling down after a failure")
	}

	clock.Advance(11 * time.Second)
	if !tr.Allowed("pipeline") {
		t.Error("cooldown should expire after the base window")
	}

	rec, _ := tr.Get("pipeline")
	if rec.ConsecutiveFailures != 1 || rec.LastError != "boom" {
		t.Errorf("record = %+v", rec)
	}
}

func TestCooldownGrowsAndCaps(t *testing.T) {
	tr, _ := newTestTracker()

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{4, 80 * time.Second}, // ceiling
		{9, 80 * time.Second},
	}
	for _, tt := range tests {
		if got := tr.cooldownFor(tt.failures); got != tt.expected {
			t.Errorf("cooldownFor(%d) = %v, want %v", tt.failures, got, tt.expected)
		}
	}
}

func TestSuccessResets(t *testing.T) {
	tr, _ := newTestTracker()

	tr.RecordFailure("direct", errBoom)
	tr.RecordFailure("direct", errBoom)
	tr.RecordSuccess("direct")

	rec, _ := tr.Get("direct")
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %d, want 0", rec.ConsecutiveFailures)
	}
	if !tr.Allowed("direct") {
		t.Error("success should clear the cooldown")
	}
	if rec.Failures != 2 || rec.Successes != 1 {
		t.Errorf("totals = %d/%d", rec.Failures, rec.Successes)
	}
}

func TestFilterFailsOpen(t *testing.T) {
	tr, _ := newTestTracker()
	methods := []string{"cache", "direct", "pipeline"}

	tr.RecordFailure("direct", errBoom)
	allowed, reset := tr.Filter(methods)
	if reset || len(allowed) != 2 || allowed[0] != "cache" || allowed[1] != "pipeline" {
		t.Errorf("Filter() = %v, %v", allowed, reset)
	}

	for _, m := range methods {
		tr.RecordFailure(m, errBoom)
	}
	allowed, reset = tr.Filter(methods)
	if !reset {
		t.Error("expected a fail-open reset when every method is cooling down")
	}
	if len(allowed) != 3 {
		t.Errorf("Filter() after reset = %v", allowed)
	}
	for _, m := range methods {
		if !tr.Allowed(m) {
			t.Errorf("%s should be allowed after reset", m)
		}
	}
}

func TestFilterEmpty(t *testing.T) {
	tr, _ := newTestTracker()
	allowed, reset := tr.Filter(nil)
	if len(allowed) != 0 || reset {
		t.Errorf("Filter(nil) = %v, %v", allowed, reset)
	}
}

func TestResetAll(t *testing.T) {
	tr, _ := newTestTracker()
	tr.RecordFailure("a", errBoom)
	tr.RecordFailure("b", errBoom)

	tr.Reset()
	if cooling, total := tr.Cooling(); cooling != 0 || total != 2 {
		t.Errorf("Cooling() = %d, %d", cooling, total)
	}
}

func TestSweepDropsIdleRecords(t *testing.T) {
	tr, clock := newTestTracker()

	tr.RecordSuccess("old")
	clock.Advance(2 * time.Hour)
	tr.RecordSuccess("recent")

	if removed := tr.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if _, ok := tr.Get("old"); ok {
		t.Error("idle record should be evicted")
	}
	if _, ok := tr.Get("recent"); !ok {
		t.Error("recent record should survive")
	}
}

func TestConcurrentUse(t *testing.T) {
	tr, _ := newTestTracker()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				tr.RecordFailure("m", errBoom)
			} else {
				tr.RecordSuccess("m")
			}
			tr.Allowed("m")
			tr.Snapshot()
		}(i)
	}
	wg.Wait()
}
