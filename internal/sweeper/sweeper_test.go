package sweeper

import (
	"context"
	"sync"
	"testing"
	"time"

	"recipe-ingestion/internal/config"
	"recipe-ingestion/internal/models"
	"recipe-ingestion/internal/store"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func completedJob(t *testing.T, st *store.Memory) string {
	t.Helper()
	ctx := context.Background()
	job, err := st.CreateJob(ctx, store.CreateJobParams{UserID: "u1", Type: models.JobTypeURL})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st.Start(ctx, job.ID)
	if ok, _ := st.Complete(ctx, job.ID, models.Result{Strategy: "heuristic"}, nil); !ok {
		t.Fatalf("complete did not apply")
	}
	return job.ID
}

func newSweeper(st store.Store, c *clock, batch int) *Sweeper {
	sw := New(st, config.Config{AbandonAfter: 72 * time.Hour, SweepBatchSize: batch}, nil)
	sw.now = c.Now
	return sw
}

func TestSweepAbandonsOnlyStaleComplete(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	st.SetClock(c.Now)

	stale := completedJob(t, st)
	committed := completedJob(t, st)
	st.Commit(ctx, committed)
	c.Advance(73 * time.Hour)
	fresh := completedJob(t, st)

	stats, err := newSweeper(st, c, 10).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Abandoned != 1 {
		t.Fatalf("expected one abandon, got %+v", stats)
	}
	for id, want := range map[string]models.Status{stale: models.StatusAbandoned, committed: models.StatusCommitted, fresh: models.StatusComplete} {
		got, _ := st.GetJob(ctx, id)
		if got.Status != want {
			t.Fatalf("job %s: status %s, want %s", id, got.Status, want)
		}
	}
	again, _ := newSweeper(st, c, 10).SweepOnce(ctx)
	if again.Scanned != 0 {
		t.Fatalf("second sweep must find nothing, got %+v", again)
	}
}

// racingStore commits every job between the scan and the abandon.
type racingStore struct {
	*store.Memory
}

func (r racingStore) ListStaleComplete(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	ids, err := r.Memory.ListStaleComplete(ctx, cutoff, limit)
	for _, id := range ids {
		r.Memory.Commit(ctx, id)
	}
	return ids, err
}

func TestCommitBetweenScanAndAbandonWins(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	st.SetClock(c.Now)
	id := completedJob(t, st)
	c.Advance(100 * time.Hour)

	stats, err := newSweeper(racingStore{st}, c, 10).SweepOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if stats.Skipped != 1 || stats.Abandoned != 0 {
		t.Fatalf("expected the sweep to skip, got %+v", stats)
	}
	got, _ := st.GetJob(ctx, id)
	if got.Status != models.StatusCommitted || got.AbandonedAt != nil {
		t.Fatalf("commit must win, got %s", got.Status)
	}
}

func TestConcurrentCommitAndSweepHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	for i := 0; i < 50; i++ {
		st := store.NewMemory()
		st.SetClock(c.Now)
		id := completedJob(t, st)
		c.Advance(100 * time.Hour)
		sw := newSweeper(st, c, 10)

		var wg sync.WaitGroup
		var committed bool
		var stats Stats
		wg.Add(2)
		go func() { defer wg.Done(); committed, _ = st.Commit(ctx, id) }()
		go func() { defer wg.Done(); stats, _ = sw.SweepOnce(ctx) }()
		wg.Wait()

		if committed == (stats.Abandoned == 1) {
			t.Fatalf("run %d: committed=%v abandoned=%d", i, committed, stats.Abandoned)
		}
		got, _ := st.GetJob(ctx, id)
		if committed && got.Status != models.StatusCommitted || !committed && got.Status != models.StatusAbandoned {
			t.Fatalf("run %d: final status %s", i, got.Status)
		}
	}
}

func TestSweepPagesThroughBatches(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st := store.NewMemory()
	st.SetClock(c.Now)
	for i := 0; i < 7; i++ {
		completedJob(t, st)
	}
	c.Advance(100 * time.Hour)

	stats, err := newSweeper(st, c, 3).SweepOnce(ctx)
	if err != nil || stats.Abandoned != 7 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sw := New(store.NewMemory(), config.Config{SweepInterval: time.Hour}, nil)
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
