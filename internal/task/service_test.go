package task

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/cache"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/config"
	"github.com/finchbase/finch/internal/intent"
	"github.com/finchbase/finch/internal/persistence"
	"github.com/finchbase/finch/internal/retrieval"
	"github.com/finchbase/finch/internal/sqlgen"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeDocStore struct {
	mu    sync.Mutex
	items map[string][]capability.ScoredDocument
}

func (f *fakeDocStore) Search(_ context.Context, index string, _ []float32, topK int) ([]capability.ScoredDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[index], nil
}

type fakeGenerator struct {
	mu      sync.Mutex
	replies []string
	errs    []error
	delay   time.Duration
	calls   int
}

func (g *fakeGenerator) Complete(ctx context.Context, prompt string, _ capability.CompleteOptions) (string, error) {
	g.mu.Lock()
	i := g.calls
	g.calls++
	g.mu.Unlock()
	if g.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(g.delay):
		}
	}
	if i < len(g.errs) && g.errs[i] != nil {
		return "", g.errs[i]
	}
	if i < len(g.replies) {
		return g.replies[i], nil
	}
	return `{"sql": "SELECT 1"}`, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var _ capability.QueryEngine = (*fakeEngine)(nil)

type fakeEngine struct {
	mu         sync.Mutex
	dryRunErrs []error
	calls      int
}

func (e *fakeEngine) DryRun(_ context.Context, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	if i < len(e.dryRunErrs) {
		return e.dryRunErrs[i]
	}
	return nil
}

func (e *fakeEngine) Execute(_ context.Context, _ string, _ int) ([]capability.Row, error) {
	return nil, nil
}

type harness struct {
	svc   *Service
	gen   *fakeGenerator
	eng   *fakeEngine
	store *persistence.Store
	cfg   *config.Config
	docs  *fakeDocStore
}

func newHarness(t *testing.T, mutate func(*config.Config), gen *fakeGenerator, eng *fakeEngine) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Ask.AllowIntentClassification = false
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := persistence.Open(filepath.Join(t.TempDir(), "finch.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	docs := &fakeDocStore{items: map[string][]capability.ScoredDocument{
		retrieval.IndexTables: {{ID: "t1", Content: "orders(id, shipped_at)", Score: 0.95}},
	}}

	registry, err := capability.NewBuilder().
		WithGenerator(gen).
		WithEmbedder(fakeEmbedder{}).
		WithQueryEngine(eng).
		WithDocumentStore(docs).
		Build()
	if err != nil {
		t.Fatalf("Build registry: %v", err)
	}

	resultCache := cache.New[CachedResult](cfg.Ask.QueryCacheMaxSize, cfg.QueryCacheTTL(), nil)
	coordinator := retrieval.NewCoordinator(fakeEmbedder{}, docs, cfg.Retrieval, nil, nil)
	classifier := intent.NewClassifier(gen, intent.Options{
		Enabled:    cfg.Ask.AllowIntentClassification,
		UseContext: cfg.Ask.IntentUsesContext,
	}, nil)

	svc := NewService(Options{
		Config:     &cfg,
		Store:      store,
		Registry:   registry,
		Retriever:  coordinator,
		Classifier: classifier,
		Cache:      resultCache,
		Bus:        bus.New(),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &harness{svc: svc, gen: gen, eng: eng, store: store, cfg: &cfg, docs: docs}
}

func waitTerminal(t *testing.T, svc *Service, id string) *Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := svc.Poll(context.Background(), id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if snap.State.IsTerminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never reached a terminal state")
	return nil
}

func TestAskSucceedsFirstAttempt(t *testing.T) {
	h := newHarness(t, nil, &fakeGenerator{replies: []string{`{"sql": "SELECT count(*) FROM orders"}`}}, &fakeEngine{})

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "how many orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED (error: %+v)", snap.State, snap.Error)
	}
	if snap.SQL != "SELECT count(*) FROM orders" {
		t.Errorf("sql = %q", snap.SQL)
	}
	if len(snap.Attempts) != 1 {
		t.Errorf("attempts = %d, want 1", len(snap.Attempts))
	}
	if snap.CacheHit {
		t.Error("first ask reported a cache hit")
	}
}

func TestAskCorrectsThenSucceeds(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"sql": "SELECT shiped FROM orders"}`,
		`{"sql": "SELECT shipped_at FROM orders"}`,
	}}
	eng := &fakeEngine{dryRunErrs: []error{
		&capability.ValidationError{Kind: capability.ValidationExecution, Detail: "unknown column shiped"},
	}}
	h := newHarness(t, nil, gen, eng)

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "ship dates"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED", snap.State)
	}
	if len(snap.Attempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(snap.Attempts))
	}

	// The state history must show the correction phase.
	events, err := h.store.ListAskEvents(context.Background(), snap.ID, 0, 100)
	if err != nil {
		t.Fatalf("ListAskEvents: %v", err)
	}
	sawCorrecting := false
	for _, ev := range events {
		if ev.StateTo == persistence.AskStateCorrecting {
			sawCorrecting = true
		}
	}
	if !sawCorrecting {
		t.Error("no CORRECTING transition recorded")
	}
}

func TestAskFailsAfterBudgetExhausted(t *testing.T) {
	ve := &capability.ValidationError{Kind: capability.ValidationSyntax, Detail: "near FORM: syntax error"}
	gen := &fakeGenerator{}
	eng := &fakeEngine{dryRunErrs: []error{ve, ve, ve, ve}}
	h := newHarness(t, nil, gen, eng)

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != KindValidation {
		t.Fatalf("error = %+v, want VALIDATION", snap.Error)
	}
	// Budget of 3 corrections: initial attempt plus 3 retries.
	if len(snap.Attempts) != 4 {
		t.Errorf("attempts = %d, want 4", len(snap.Attempts))
	}
}

func TestAskCapabilityTimeoutFailsImmediately(t *testing.T) {
	callErr := &capability.CallError{Capability: "generator", Kind: capability.CallKindTimeout, Err: context.DeadlineExceeded}
	gen := &fakeGenerator{errs: []error{callErr}}
	h := newHarness(t, nil, gen, &fakeEngine{})

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != KindTimeout {
		t.Fatalf("error = %+v, want TIMEOUT", snap.Error)
	}
	if got := h.gen.callCount(); got != 1 {
		t.Errorf("generator calls = %d, want 1", got)
	}
	if len(snap.Attempts) != 1 {
		t.Fatalf("attempts = %d, want 1: the timed-out call counts as an attempt", len(snap.Attempts))
	}
	if snap.Attempts[0].Outcome != sqlgen.OutcomeCallFailed {
		t.Errorf("outcome = %q, want %q", snap.Attempts[0].Outcome, sqlgen.OutcomeCallFailed)
	}
}

func TestAskNoRelevantSQL(t *testing.T) {
	h := newHarness(t, nil, &fakeGenerator{}, &fakeEngine{})
	h.docs.mu.Lock()
	h.docs.items = map[string][]capability.ScoredDocument{}
	h.docs.mu.Unlock()

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "what is the weather"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != KindNoRelevantSQL {
		t.Fatalf("error = %+v, want NO_RELEVANT_SQL", snap.Error)
	}
	if got := h.gen.callCount(); got != 0 {
		t.Errorf("generator calls = %d, want 0", got)
	}
}

func TestAskIntentGeneral(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"GENERAL"}}
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Ask.AllowIntentClassification = true
	}, gen, &fakeEngine{})

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "what can you do"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateIdentifiedGeneral {
		t.Fatalf("state = %s, want IDENTIFIED_GENERAL", snap.State)
	}
	if snap.Intent != string(intent.General) {
		t.Errorf("intent = %q, want GENERAL", snap.Intent)
	}
	if snap.SQL != "" {
		t.Errorf("general ask produced sql %q", snap.SQL)
	}
}

func TestAskIntentMisleading(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"MISLEADING_QUERY"}}
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Ask.AllowIntentClassification = true
	}, gen, &fakeEngine{})

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "delete all my data"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateIdentifiedMisleading {
		t.Fatalf("state = %s, want IDENTIFIED_MISLEADING", snap.State)
	}
}

func TestAskCacheHit(t *testing.T) {
	h := newHarness(t, nil, &fakeGenerator{replies: []string{`{"sql": "SELECT 1"}`}}, &fakeEngine{})
	ctx := context.Background()

	first, err := h.svc.Create(ctx, CreateRequest{Question: "orders", ContextVersion: "v1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitTerminal(t, h.svc, first.ID)
	callsAfterFirst := h.gen.callCount()

	second, err := h.svc.Create(ctx, CreateRequest{Question: "orders", ContextVersion: "v1"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("cache hit reused the first task id")
	}
	if second.State != persistence.AskStateSucceeded {
		t.Fatalf("state = %s, want SUCCEEDED without running", second.State)
	}
	if !second.CacheHit {
		t.Error("cache_hit not set")
	}
	if second.SQL != "SELECT 1" {
		t.Errorf("sql = %q", second.SQL)
	}
	if got := h.gen.callCount(); got != callsAfterFirst {
		t.Errorf("generator ran %d extra times on a cache hit", got-callsAfterFirst)
	}

	// A different context version misses.
	third, err := h.svc.Create(ctx, CreateRequest{Question: "orders", ContextVersion: "v2"})
	if err != nil {
		t.Fatalf("third Create: %v", err)
	}
	third = waitTerminal(t, h.svc, third.ID)
	if third.CacheHit {
		t.Error("changed context version still hit the cache")
	}
}

func TestAskDuplicateInFlightJoinsFirstTask(t *testing.T) {
	gen := &fakeGenerator{delay: 300 * time.Millisecond}
	h := newHarness(t, nil, gen, &fakeEngine{})
	ctx := context.Background()

	first, err := h.svc.Create(ctx, CreateRequest{Question: "slow question"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	second, err := h.svc.Create(ctx, CreateRequest{Question: "slow question"})
	if err != nil {
		t.Fatalf("duplicate Create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate got task %s, want to join %s", second.ID, first.ID)
	}
	waitTerminal(t, h.svc, first.ID)
}

func TestAskFailureLeavesNoCacheEntry(t *testing.T) {
	ve := &capability.ValidationError{Kind: capability.ValidationSyntax, Detail: "syntax error"}
	h := newHarness(t, nil, &fakeGenerator{}, &fakeEngine{dryRunErrs: []error{ve, ve, ve, ve}})
	ctx := context.Background()

	first, err := h.svc.Create(ctx, CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitTerminal(t, h.svc, first.ID)

	// A retry must run the pipeline again, not see a pending marker or a
	// cached failure.
	second, err := h.svc.Create(ctx, CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("second Create: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("failed ask left its marker behind")
	}
	waitTerminal(t, h.svc, second.ID)
}

func TestCancelInFlightAsk(t *testing.T) {
	gen := &fakeGenerator{delay: 2 * time.Second}
	h := newHarness(t, nil, gen, &fakeEngine{})
	ctx := context.Background()

	snap, err := h.svc.Create(ctx, CreateRequest{Question: "slow"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.svc.Cancel(ctx, snap.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	snap = waitTerminal(t, h.svc, snap.ID)
	if snap.State != persistence.AskStateFailed {
		t.Fatalf("state = %s, want FAILED", snap.State)
	}
	if snap.Error == nil || snap.Error.Kind != KindCanceled {
		t.Fatalf("error = %+v, want CANCELED", snap.Error)
	}

	// Cancel is idempotent, including on terminal tasks.
	if err := h.svc.Cancel(ctx, snap.ID); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, nil, &fakeGenerator{}, &fakeEngine{})
	if err := h.svc.Cancel(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("Cancel(unknown) = %v, want ErrNotFound", err)
	}
}

func TestWaitReportsTimeoutWithoutAborting(t *testing.T) {
	gen := &fakeGenerator{delay: 500 * time.Millisecond}
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Ask.EngineTimeoutSeconds = 0 // rounds the wait down to an immediate report
	}, gen, &fakeEngine{})
	ctx := context.Background()

	snap, err := h.svc.Create(ctx, CreateRequest{Question: "slow"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waited, err := h.svc.Wait(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !waited.TimedOut {
		t.Fatal("Wait did not report the timeout")
	}
	if waited.State.IsTerminal() {
		t.Fatalf("Wait returned terminal state %s under timeout", waited.State)
	}

	// The pipeline keeps going and finishes on its own.
	final := waitTerminal(t, h.svc, snap.ID)
	if final.State != persistence.AskStateSucceeded {
		t.Fatalf("final state = %s, want SUCCEEDED", final.State)
	}
}

func TestRetrievalWarningsSurfaceOnSnapshot(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Retrieval.Historical.Enabled = true
	}, &fakeGenerator{}, &fakeEngine{})

	// No docstore wiring change needed: the fake returns empty results, not
	// errors, so this only checks that a successful run has no warnings.
	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if len(snap.Warnings) != 0 {
		t.Errorf("warnings = %+v, want none", snap.Warnings)
	}
}

func TestShutdownStopsInFlightTasks(t *testing.T) {
	gen := &fakeGenerator{delay: 5 * time.Second}
	h := newHarness(t, nil, gen, &fakeEngine{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		snap, err := h.svc.Create(ctx, CreateRequest{Question: fmt.Sprintf("slow %d", i)})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, snap.ID)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := h.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range ids {
		snap, err := h.svc.Poll(ctx, id)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if !snap.State.IsTerminal() {
			t.Errorf("task %s still %s after shutdown", id, snap.State)
		}
	}

	if _, err := h.svc.Create(ctx, CreateRequest{Question: "too late"}); err == nil {
		t.Error("Create succeeded after shutdown")
	}
}

func TestSnapshotAttemptHistoryOrder(t *testing.T) {
	gen := &fakeGenerator{replies: []string{
		`{"sql": "SELECT a FROM orders"}`,
		`{"sql": "SELECT b FROM orders"}`,
		`{"sql": "SELECT shipped_at FROM orders"}`,
	}}
	eng := &fakeEngine{dryRunErrs: []error{
		&capability.ValidationError{Kind: capability.ValidationExecution, Detail: "unknown column a"},
		&capability.ValidationError{Kind: capability.ValidationExecution, Detail: "unknown column b"},
	}}
	h := newHarness(t, nil, gen, eng)

	snap, err := h.svc.Create(context.Background(), CreateRequest{Question: "orders"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	snap = waitTerminal(t, h.svc, snap.ID)
	if len(snap.Attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(snap.Attempts))
	}
	for i, a := range snap.Attempts {
		if a.CorrectedFrom != i-1 {
			t.Errorf("attempt %d corrected_from = %d, want %d", i, a.CorrectedFrom, i-1)
		}
	}
	if !strings.Contains(snap.Attempts[2].SQL, "shipped_at") {
		t.Errorf("final attempt sql = %q", snap.Attempts[2].SQL)
	}
}
