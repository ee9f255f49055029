package janitor_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/finchbase/finch/internal/janitor"
	"github.com/finchbase/finch/internal/persistence"
)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "finch.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type countingSweeper struct {
	calls int
}

func (s *countingSweeper) Sweep() int {
	s.calls++
	return 2
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := janitor.New(janitor.Config{Schedule: "not a cron expr"}); err == nil {
		t.Fatal("bad schedule accepted")
	}
}

func TestNewDefaultsSchedule(t *testing.T) {
	store := openTestStore(t)
	j, err := janitor.New(janitor.Config{Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if j == nil {
		t.Fatal("nil janitor")
	}
}

func TestRunOncePurgesAndSweeps(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	ask := &persistence.Ask{ID: "ask-old", Question: "q", TraceID: "tr"}
	if err := store.CreateAsk(ctx, ask); err != nil {
		t.Fatalf("CreateAsk: %v", err)
	}
	if _, err := store.CompleteAskFromCache(ctx, "ask-old", "SELECT 1"); err != nil {
		t.Fatalf("CompleteAskFromCache: %v", err)
	}
	old := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := store.DB().ExecContext(ctx, `UPDATE asks SET updated_at = ? WHERE id = 'ask-old';`, old); err != nil {
		t.Fatalf("age ask: %v", err)
	}

	sweeper := &countingSweeper{}
	j, err := janitor.New(janitor.Config{
		Store:              store,
		Cache:              sweeper,
		AskRetentionDays:   30,
		EventRetentionDays: 30,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	j.RunOnce(ctx)

	if sweeper.calls != 1 {
		t.Errorf("cache sweeps = %d, want 1", sweeper.calls)
	}
	if _, err := store.GetAsk(ctx, "ask-old"); !errors.Is(err, persistence.ErrAskNotFound) {
		t.Errorf("expired ask still present: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	store := openTestStore(t)
	j, err := janitor.New(janitor.Config{Store: store, Interval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Start(context.Background())
	time.Sleep(30 * time.Millisecond)
	j.Stop()
}
