package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/config"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

type fakeDocStore struct {
	mu      sync.Mutex
	byIndex map[string][]capability.ScoredDocument
	errFor  map[string]error
	calls   []string
}

func (f *fakeDocStore) Search(_ context.Context, index string, _ []float32, _ int) ([]capability.ScoredDocument, error) {
	f.mu.Lock()
	f.calls = append(f.calls, index)
	f.mu.Unlock()
	if err := f.errFor[index]; err != nil {
		return nil, err
	}
	return f.byIndex[index], nil
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		Tables:       config.IndexConfig{Enabled: true, TopK: 10},
		Columns:      config.IndexConfig{Enabled: false, TopK: 100},
		Historical:   config.IndexConfig{Enabled: true, TopK: 2, Threshold: 0.9},
		SQLPairs:     config.IndexConfig{Enabled: true, TopK: 10, Threshold: 0.7},
		Instructions: config.IndexConfig{Enabled: false, TopK: 10, Threshold: 0.7},
		SQLFunctions: config.IndexConfig{Enabled: false, TopK: 10, Threshold: 0.7},
	}
}

func TestRetrieve_AppliesThresholdAndTopK(t *testing.T) {
	store := &fakeDocStore{
		byIndex: map[string][]capability.ScoredDocument{
			IndexHistorical: {
				{ID: "h1", Content: "q1 -> sql1", Score: 0.95},
				{ID: "h2", Content: "q2 -> sql2", Score: 0.89}, // below 0.9 floor
				{ID: "h3", Content: "q3 -> sql3", Score: 0.97},
				{ID: "h4", Content: "q4 -> sql4", Score: 0.93},
			},
			IndexSQLPairs: {
				{ID: "p1", Content: "pair", Score: 0.71},
			},
			IndexTables: {
				{ID: "t1", Content: "orders table", Score: 0.4},
			},
		},
	}
	coord := NewCoordinator(&fakeEmbedder{vec: []float32{1}}, store, testRetrievalConfig(), nil, nil)

	rc, err := coord.Retrieve(context.Background(), "how many orders", "v1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	hist := rc.Items[IndexHistorical]
	if len(hist) != 2 {
		t.Fatalf("historical items = %d, want 2 (threshold + top_k)", len(hist))
	}
	if hist[0].ID != "h3" || hist[1].ID != "h1" {
		t.Errorf("historical order = %s,%s want h3,h1", hist[0].ID, hist[1].ID)
	}
	for _, it := range hist {
		if it.Score < 0.9 {
			t.Errorf("item %s score %v below threshold", it.ID, it.Score)
		}
	}
	// The tables index has no threshold; low scores survive.
	if len(rc.Items[IndexTables]) != 1 {
		t.Errorf("tables items = %d, want 1", len(rc.Items[IndexTables]))
	}
	// Disabled indices must not be queried.
	for _, call := range store.calls {
		if call == IndexColumns || call == IndexInstructions {
			t.Errorf("disabled index %s was queried", call)
		}
	}
}

func TestRetrieve_InstructionsScopedToSQL(t *testing.T) {
	store := &fakeDocStore{
		byIndex: map[string][]capability.ScoredDocument{
			IndexTables: {
				{ID: "t1", Content: "orders table", Score: 0.4},
			},
			IndexInstructions: {
				{ID: "i1", Content: "prefer explicit joins", Source: "sql", Score: 0.9},
				{ID: "i2", Content: "chart colors", Source: "chart", Score: 0.95},
				{ID: "i3", Content: "use ISO dates", Score: 0.8}, // no scope, counts as sql
			},
		},
	}
	cfg := testRetrievalConfig()
	cfg.Instructions.Enabled = true
	coord := NewCoordinator(&fakeEmbedder{vec: []float32{1}}, store, cfg, nil, nil)

	rc, err := coord.Retrieve(context.Background(), "how many orders", "v1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	got := rc.Items[IndexInstructions]
	if len(got) != 2 {
		t.Fatalf("instruction items = %d, want 2", len(got))
	}
	for _, it := range got {
		if it.ID == "i2" {
			t.Errorf("out-of-scope instruction %s survived", it.ID)
		}
	}
}

func TestRetrieve_TiesBreakByStoreRank(t *testing.T) {
	store := &fakeDocStore{
		byIndex: map[string][]capability.ScoredDocument{
			IndexTables: {
				{ID: "a", Score: 0.8},
				{ID: "b", Score: 0.8},
				{ID: "c", Score: 0.8},
			},
		},
	}
	cfg := config.RetrievalConfig{Tables: config.IndexConfig{Enabled: true, TopK: 3}}
	coord := NewCoordinator(&fakeEmbedder{vec: []float32{1}}, store, cfg, nil, nil)

	rc, err := coord.Retrieve(context.Background(), "q", "v1")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	got := rc.Items[IndexTables]
	if got[0].ID != "a" || got[1].ID != "b" || got[2].ID != "c" {
		t.Fatalf("tie order = %s,%s,%s, want a,b,c", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestRetrieve_DegradedIndexIsWarningNotFailure(t *testing.T) {
	store := &fakeDocStore{
		byIndex: map[string][]capability.ScoredDocument{
			IndexTables: {{ID: "t1", Score: 0.5}},
		},
		errFor: map[string]error{
			IndexHistorical: errors.New("connection refused"),
		},
	}
	b := bus.New()
	sub := b.Subscribe(bus.TopicRetrievalDegraded)
	defer b.Unsubscribe(sub)

	coord := NewCoordinator(&fakeEmbedder{vec: []float32{1}}, store, testRetrievalConfig(), b, nil)
	rc, err := coord.Retrieve(context.Background(), "q", "v1")
	if err != nil {
		t.Fatalf("Retrieve must not fail on a degraded index: %v", err)
	}
	if len(rc.Warnings) != 1 || rc.Warnings[0].Index != IndexHistorical {
		t.Fatalf("warnings = %v, want one for %s", rc.Warnings, IndexHistorical)
	}
	if len(rc.Items[IndexHistorical]) != 0 {
		t.Errorf("degraded index contributed items")
	}
	if len(rc.Items[IndexTables]) != 1 {
		t.Errorf("healthy index lost its contribution")
	}

	select {
	case ev := <-sub.Ch():
		payload := ev.Payload.(bus.RetrievalDegradedEvent)
		if payload.Index != IndexHistorical {
			t.Errorf("event index = %s", payload.Index)
		}
	default:
		t.Error("expected a degradation event on the bus")
	}
}

func TestRetrieve_EmbedderFailurePropagates(t *testing.T) {
	coord := NewCoordinator(
		&fakeEmbedder{err: &capability.CallError{Capability: "embedder", Kind: capability.CallKindProvider, Err: errors.New("down")}},
		&fakeDocStore{},
		testRetrievalConfig(), nil, nil)

	_, err := coord.Retrieve(context.Background(), "q", "v1")
	if _, ok := capability.AsCallError(err); !ok {
		t.Fatalf("expected CallError, got %v", err)
	}
}

func TestContext_Empty(t *testing.T) {
	c := &Context{Items: map[string][]Item{IndexTables: nil}}
	if !c.Empty() {
		t.Error("context with no items should be empty")
	}
	c.Items[IndexTables] = []Item{{ID: "x"}}
	if c.Empty() {
		t.Error("context with items should not be empty")
	}
}
