package ratectl

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
	f.sleeps = append(f.sleeps, d)
	return nil
}

// advance moves the clock as an in-flight request would, without recording a sleep.
func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clk := newFakeClock()
	cfg.NoJitter = true
	return New(cfg, WithClock(clk.Now, clk.Sleep)), clk
}

func acquire(t *testing.T, c *Controller, origin string) {
	t.Helper()
	release, err := c.Acquire(context.Background(), origin)
	if err != nil {
		t.Fatalf("Acquire(%s): %v", origin, err)
	}
	release()
}

func TestAcquire_SpacesByRate(t *testing.T) {
	c, clk := newTestController(Config{Initial: 1})

	acquire(t, c, "example.com")
	if len(clk.sleeps) != 0 {
		t.Fatalf("first request should not wait, slept %v", clk.sleeps)
	}
	acquire(t, c, "example.com")
	if len(clk.sleeps) != 1 || clk.sleeps[0] != time.Second {
		t.Fatalf("second request should wait 1s, slept %v", clk.sleeps)
	}
	if got := c.Snapshot("example.com").LastRequestAt; !got.Equal(clk.Now()) {
		t.Errorf("LastRequestAt = %v, want post-wait time %v", got, clk.Now())
	}
}

func TestAcquire_OriginsIndependent(t *testing.T) {
	// WHAT: Two origins are admitted back to back without waiting.
	// WHY: Spacing is per origin; no cross-origin head-of-line blocking.
	c, clk := newTestController(Config{Initial: 0.1})
	acquire(t, c, "a.com")
	acquire(t, c, "b.com")
	if len(clk.sleeps) != 0 {
		t.Errorf("different origins waited: %v", clk.sleeps)
	}
}

func TestAcquire_SerializesSameOrigin(t *testing.T) {
	// WHAT: Five concurrent callers on one origin at 1 req/s advance the clock by exactly 4s.
	// WHY: Per-origin mutual exclusion means each caller computes its wait after the previous one.
	c, clk := newTestController(Config{Initial: 1, MaxConcurrent: 10})
	start := clk.Now()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Acquire(context.Background(), "example.com")
			if err != nil {
				t.Error(err)
				return
			}
			release()
		}()
	}
	wg.Wait()

	if got := clk.Now().Sub(start); got != 4*time.Second {
		t.Errorf("elapsed = %v, want 4s", got)
	}
	if got := c.Snapshot("example.com").TotalRequests; got != 5 {
		t.Errorf("TotalRequests = %d, want 5", got)
	}
}

func TestAcquire_SpacingAfterRateCut(t *testing.T) {
	// WHAT: After a 429 or 403 cuts the rate, the next request waits the new interval
	// measured from the previous request's start.
	// WHY: Time spent on the failed request must not refill the old rate's budget.
	tests := []struct {
		name    string
		initial float64
		status  int
		elapsed time.Duration
	}{
		{"429 after 1s request", 1, 429, time.Second},
		{"403 after 10s request", 0.1, 403, 10 * time.Second},
		{"503 after instant failure", 1, 503, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, clk := newTestController(Config{Initial: tt.initial, Floor: 0.01})
			acquire(t, c, "example.com")
			clk.advance(tt.elapsed)
			c.RecordError("example.com", tt.status, 0)

			snap := c.Snapshot("example.com")
			acquire(t, c, "example.com")
			gap := c.Snapshot("example.com").LastRequestAt.Sub(snap.LastRequestAt)
			want := time.Duration(float64(time.Second) / snap.CurrentRate)
			if gap < want {
				t.Errorf("rate=%.3f gap=%v, want >= %v", snap.CurrentRate, gap, want)
			}
		})
	}
}

func TestAcquire_RetryAfter(t *testing.T) {
	c, clk := newTestController(Config{Initial: 1})
	acquire(t, c, "example.com")
	c.RecordError("example.com", 429, 5*time.Second)

	acquire(t, c, "example.com")
	if len(clk.sleeps) == 0 || clk.sleeps[0] != 5*time.Second {
		t.Fatalf("expected a 5s retry-after wait first, got %v", clk.sleeps)
	}
	if !c.Snapshot("example.com").RetryAfterUntil.IsZero() {
		t.Error("retry-after should be cleared once it elapsed")
	}
}

func TestAcquire_GlobalCeiling(t *testing.T) {
	c, _ := newTestController(Config{MaxConcurrent: 1})
	release, err := c.Acquire(context.Background(), "a.com")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := c.Acquire(ctx, "b.com"); err == nil {
		t.Fatal("second origin should block on the global ceiling")
	}

	release()
	release() // idempotent
	acquire(t, c, "b.com")
}

func TestAcquire_CancelledContext(t *testing.T) {
	c, _ := newTestController(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Acquire(ctx, "example.com"); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}

func TestRecordSuccess_SpeedUp(t *testing.T) {
	c, _ := newTestController(Config{Initial: 1, DefaultCeiling: 2})
	for range 4 {
		c.RecordSuccess("example.com")
	}
	if r := c.Snapshot("example.com").CurrentRate; r != 1 {
		t.Fatalf("rate after 4 successes = %v, want 1", r)
	}
	c.RecordSuccess("example.com")
	st := c.Snapshot("example.com")
	if math.Abs(st.CurrentRate-1.2) > 1e-9 {
		t.Errorf("rate after 5 successes = %v, want 1.2", st.CurrentRate)
	}
	if st.SuccessStreak != 0 {
		t.Errorf("streak should reset after speed-up, got %d", st.SuccessStreak)
	}

	for range 50 {
		c.RecordSuccess("example.com")
	}
	if r := c.Snapshot("example.com").CurrentRate; r != 2 {
		t.Errorf("rate should cap at ceiling 2, got %v", r)
	}
}

func TestRecordError_Steps(t *testing.T) {
	tests := []struct {
		name   string
		start  float64
		status int
		want   float64
	}{
		{"429 halves", 1, 429, 0.5},
		{"503 halves", 1, 503, 0.5},
		{"429 floor", 0.03, 429, 0.02},
		{"403 x0.7", 1, 403, 0.7},
		{"403 floor", 0.06, 403, 0.05},
		{"403 below floor stays", 0.03, 403, 0.03},
		{"single plain error unchanged", 1, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(Config{Initial: tt.start})
			c.RecordError("example.com", tt.status, 0)
			if got := c.Snapshot("example.com").CurrentRate; math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("rate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRecordError_StreakSlowdown(t *testing.T) {
	c, _ := newTestController(Config{Initial: 1})
	c.RecordError("example.com", 500, 0)
	c.RecordError("example.com", 500, 0)
	if r := c.Snapshot("example.com").CurrentRate; r != 1 {
		t.Fatalf("rate after 2 errors = %v, want 1", r)
	}
	c.RecordError("example.com", 500, 0)
	if r := c.Snapshot("example.com").CurrentRate; math.Abs(r-0.8) > 1e-9 {
		t.Errorf("rate after 3 errors = %v, want 0.8", r)
	}
	c.RecordSuccess("example.com")
	if s := c.Snapshot("example.com"); s.ErrorStreak != 0 || s.TotalErrors != 3 {
		t.Errorf("success should reset streak only: %+v", s)
	}
}

func TestRate_AlwaysWithinBounds(t *testing.T) {
	// WHAT: Any sequence of outcomes keeps the rate inside [0.02, ceiling].
	// WHY: Admission must never stall completely nor exceed an origin's maximum.
	rng := rand.New(rand.NewPCG(1, 2))
	statuses := []int{0, 403, 429, 500, 503}
	c, _ := newTestController(Config{Ceilings: map[string]float64{"www.slow.com": 0.5}})

	for _, o := range []string{"slow.com", "fast.com"} {
		ceiling := c.Snapshot(o).Ceiling
		for i := range 2000 {
			if rng.IntN(3) == 0 {
				c.RecordError(o, statuses[rng.IntN(len(statuses))], 0)
			} else {
				c.RecordSuccess(o)
			}
			r := c.Snapshot(o).CurrentRate
			if r < 0.02-1e-12 || r > ceiling+1e-12 {
				t.Fatalf("%s step %d: rate %v outside [0.02, %v]", o, i, r, ceiling)
			}
		}
	}
	if got := c.Snapshot("slow.com").Ceiling; got != 0.5 {
		t.Errorf("configured ceiling = %v, want 0.5", got)
	}
}

func TestLimitCeiling(t *testing.T) {
	c, _ := newTestController(Config{Initial: 1})
	c.LimitCeiling("example.com", 0.25)
	st := c.Snapshot("example.com")
	if st.Ceiling != 0.25 || st.CurrentRate != 0.25 {
		t.Fatalf("after lowering: %+v", st)
	}
	c.LimitCeiling("example.com", 1)
	if got := c.Snapshot("example.com").Ceiling; got != 0.25 {
		t.Errorf("ceiling must never be raised, got %v", got)
	}
}

func TestJitter_Deterministic(t *testing.T) {
	c := New(Config{MaxJitter: 250 * time.Millisecond})
	a1, a2 := c.jitter("example.com"), c.jitter("example.com")
	if a1 != a2 {
		t.Errorf("jitter not deterministic: %v vs %v", a1, a2)
	}
	if a1 < 0 || a1 > 250*time.Millisecond {
		t.Errorf("jitter %v out of range", a1)
	}
}
