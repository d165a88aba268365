package learner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/hybridfetch/dbopen"
	"github.com/hazyhaar/hybridfetch/scrape/internal/store"
	"github.com/hazyhaar/hybridfetch/scrape/internal/strategy"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePersister struct {
	mu      sync.Mutex
	saves   [][]store.LedgerRow
	saveErr error
	cutoff  time.Time
}

func (f *fakePersister) LoadLedger(context.Context) ([]store.LedgerRow, error) { return nil, nil }

func (f *fakePersister) SaveLedger(_ context.Context, rows []store.LedgerRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saves = append(f.saves, rows)
	return nil
}

func (f *fakePersister) DeleteLedgerBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 0, nil
}

func record(l *Learner, origin string, id strategy.ID, successes, failures int) {
	for range successes {
		l.Record(context.Background(), origin, id, true, time.Second)
	}
	for range failures {
		l.Record(context.Background(), origin, id, false, time.Second)
	}
}

func TestRecommend_NoHistory(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	if got := l.Recommend("example.com", strategy.Lightweight); got != strategy.Lightweight {
		t.Errorf("got %s, want default lightweight", got)
	}
	if got := l.Recommend("example.com", strategy.Stealth); got != strategy.Stealth {
		t.Errorf("got %s, want the given default", got)
	}
	if l.Stats("example.com") != nil {
		t.Error("Stats should be nil without history")
	}
}

func TestRecommend_BestQualified(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	record(l, "example.com", strategy.Lightweight, 1, 2) // 33%
	record(l, "example.com", strategy.Stealth, 3, 1)     // 75%
	record(l, "example.com", strategy.UltraStealth, 2, 0) // 100% but only 2 attempts

	if got := l.Recommend("example.com", strategy.Lightweight); got != strategy.Stealth {
		t.Errorf("got %s, want stealth", got)
	}
}

func TestRecommend_TooFewAttempts(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	record(l, "example.com", strategy.Stealth, 2, 0)
	if got := l.Recommend("example.com", strategy.Lightweight); got != strategy.Lightweight {
		t.Errorf("got %s, want default when nothing has 3 attempts", got)
	}
}

func TestRecommend_EscalatesOnLowConfidence(t *testing.T) {
	// WHAT: When the best qualified strategy succeeds under 50%, the next heavier one is recommended.
	// WHY: Low confidence means try something stronger, never something weaker.
	l := New(Config{}, nil, WithLogger(quiet))
	record(l, "example.com", strategy.Lightweight, 1, 3) // 25%
	if got := l.Recommend("example.com", strategy.Lightweight); got != strategy.Stealth {
		t.Errorf("got %s, want stealth", got)
	}

	record(l, "hard.com", strategy.UltraStealth, 0, 5)
	if got := l.Recommend("hard.com", strategy.Lightweight); got != strategy.UltraStealth {
		t.Errorf("escalation must cap at ultra_stealth, got %s", got)
	}
}

func TestRecord_SuccessRateNeverDrifts(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	rng := rand.New(rand.NewPCG(7, 11))
	for range 500 {
		id := strategy.All[rng.IntN(len(strategy.All))]
		l.Record(context.Background(), "example.com", id, rng.IntN(2) == 0, time.Duration(rng.IntN(5000))*time.Millisecond)
		for _, o := range l.Stats("example.com") {
			if o.Attempts != o.Successes+o.Failures {
				t.Fatalf("%s: attempts %d != %d+%d", o.Strategy, o.Attempts, o.Successes, o.Failures)
			}
			if want := float64(o.Successes) / float64(o.Attempts); o.SuccessRate != want {
				t.Fatalf("%s: success rate %v, want %v", o.Strategy, o.SuccessRate, want)
			}
		}
	}
}

func TestRecord_RunningAverage(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	for _, d := range []time.Duration{time.Second, 2 * time.Second, 6 * time.Second} {
		l.Record(context.Background(), "example.com", strategy.Lightweight, true, d)
	}
	got := l.Stats("example.com")[0].AvgDuration
	if math.Abs(got-3) > 1e-9 {
		t.Errorf("avg duration = %v, want 3", got)
	}
}

func TestRecord_CheckpointsEveryNthAttempt(t *testing.T) {
	p := &fakePersister{}
	l := New(Config{PersistEvery: 10}, p, WithLogger(quiet))

	record(l, "example.com", strategy.Lightweight, 5, 4)
	if len(p.saves) != 0 {
		t.Fatalf("saved after 9 attempts: %d", len(p.saves))
	}
	record(l, "example.com", strategy.Stealth, 1, 0)
	if len(p.saves) != 1 {
		t.Fatalf("saves after 10 attempts = %d, want 1", len(p.saves))
	}
	if len(p.saves[0]) != 2 {
		t.Errorf("checkpoint should write every strategy of the origin, got %d rows", len(p.saves[0]))
	}

	// Other origins count their own attempts.
	record(l, "other.com", strategy.Lightweight, 9, 0)
	if len(p.saves) != 1 {
		t.Errorf("other origin triggered a checkpoint early")
	}
}

func TestRecord_CheckpointFailureSwallowed(t *testing.T) {
	p := &fakePersister{saveErr: errors.New("disk full")}
	l := New(Config{PersistEvery: 1}, p, WithLogger(quiet))
	l.Record(context.Background(), "example.com", strategy.Lightweight, true, time.Second)

	if got := l.Stats("example.com"); len(got) != 1 || got[0].Successes != 1 {
		t.Fatalf("in-memory ledger must survive a failed checkpoint: %+v", got)
	}

	p.saveErr = nil
	if err := l.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(p.saves) != 1 {
		t.Errorf("Flush should retry the dirty origin, saves = %d", len(p.saves))
	}
	if err := l.Flush(context.Background()); err != nil || len(p.saves) != 1 {
		t.Errorf("second Flush should be a no-op, saves = %d", len(p.saves))
	}
}

func TestLedger_PersistAndReload(t *testing.T) {
	s := &store.Store{DB: dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))}
	ctx := context.Background()

	a := New(Config{}, s, WithLogger(quiet))
	record(a, "example.com", strategy.Lightweight, 2, 1)
	record(a, "example.com", strategy.UltraStealth, 1, 0)
	if err := a.Flush(ctx); err != nil {
		t.Fatal(err)
	}

	b := New(Config{}, s, WithLogger(quiet))
	if err := b.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(a.Stats("example.com"), b.Stats("example.com")); diff != "" {
		t.Errorf("reloaded ledger differs (-before +after):\n%s", diff)
	}
}

func TestPurge(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := now.Add(-40 * 24 * time.Hour)
	p := &fakePersister{}
	l := New(Config{}, p, WithLogger(quiet), WithClock(func() time.Time { return clock }))

	record(l, "stale.com", strategy.Lightweight, 3, 0)
	clock = now
	record(l, "fresh.com", strategy.Lightweight, 3, 0)

	n, err := l.Purge(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	if l.Stats("stale.com") != nil || l.Stats("fresh.com") == nil {
		t.Errorf("origins after purge: %v", l.Origins())
	}
	if want := now.Add(-30 * 24 * time.Hour); !p.cutoff.Equal(want) {
		t.Errorf("persisted cutoff = %v, want %v", p.cutoff, want)
	}
}

func TestRecord_Concurrent(t *testing.T) {
	l := New(Config{}, nil, WithLogger(quiet))
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(context.Background(), "example.com", strategy.Stealth, i%2 == 0, time.Second)
		}()
	}
	wg.Wait()
	got := l.Stats("example.com")[0]
	if got.Attempts != 50 || got.Successes != 25 {
		t.Errorf("after 50 concurrent records: %+v", got)
	}
}
