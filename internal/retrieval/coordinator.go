// Package retrieval builds the generation context for a question by fanning
// similarity queries out across the enabled vector indices and merging the
// results under per-index thresholds and size limits.
package retrieval

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/config"
	"github.com/finchbase/finch/internal/shared"
)

// Index names as known to the document store.
const (
	IndexTables       = "table_descriptions"
	IndexColumns      = "table_columns"
	IndexHistorical   = "historical_questions"
	IndexSQLPairs     = "sql_pairs"
	IndexInstructions = "instructions"
	IndexSQLFunctions = "sql_functions"
)

// Instruction documents carry their scope in the source field. Only
// sql-scoped instructions feed generation; an empty source counts as sql.
const instructionScope = "sql"

// Item is one retrieved chunk attached to a context. Score is always at or
// above the owning index's threshold.
type Item struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}

// Warning records a degraded index: the query failed and the index
// contributed nothing.
type Warning struct {
	Index  string `json:"index"`
	Reason string `json:"reason"`
}

// Context is the merged retrieval result for one question. It is built once
// per task and never mutated afterwards.
type Context struct {
	Question       string            `json:"question"`
	ContextVersion string            `json:"context_version"`
	Items          map[string][]Item `json:"items"`
	Warnings       []Warning         `json:"warnings,omitempty"`
}

// Empty reports whether no index contributed anything.
func (c *Context) Empty() bool {
	for _, items := range c.Items {
		if len(items) > 0 {
			return false
		}
	}
	return true
}

// Coordinator fans out one similarity query per enabled index.
type Coordinator struct {
	embedder capability.Embedder
	store    capability.DocumentStore
	cfg      config.RetrievalConfig
	bus      *bus.Bus
	logger   *slog.Logger
}

func NewCoordinator(embedder capability.Embedder, store capability.DocumentStore, cfg config.RetrievalConfig, eventBus *bus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		bus:      eventBus,
		logger:   logger,
	}
}

type indexQuery struct {
	name string
	cfg  config.IndexConfig
}

func (c *Coordinator) enabledIndices() []indexQuery {
	all := []indexQuery{
		{IndexTables, c.cfg.Tables},
		{IndexColumns, c.cfg.Columns},
		{IndexHistorical, c.cfg.Historical},
		{IndexSQLPairs, c.cfg.SQLPairs},
		{IndexInstructions, c.cfg.Instructions},
		{IndexSQLFunctions, c.cfg.SQLFunctions},
	}
	out := all[:0]
	for _, q := range all {
		if q.cfg.Enabled {
			out = append(out, q)
		}
	}
	return out
}

// Retrieve embeds the question once and queries every enabled index
// concurrently. An unreachable index degrades to an empty contribution and a
// warning; Retrieve itself only fails when the embedding capability does.
func (c *Coordinator) Retrieve(ctx context.Context, question, contextVersion string) (*Context, error) {
	start := time.Now()

	vector, err := c.embedder.Embed(ctx, question)
	if err != nil {
		return nil, err
	}

	indices := c.enabledIndices()
	result := &Context{
		Question:       question,
		ContextVersion: contextVersion,
		Items:          make(map[string][]Item, len(indices)),
	}

	type indexResult struct {
		name  string
		items []Item
		err   error
	}

	results := make(chan indexResult, len(indices))
	var wg sync.WaitGroup
	for _, q := range indices {
		wg.Add(1)
		go func(q indexQuery) {
			defer wg.Done()
			docs, err := c.store.Search(ctx, q.name, vector, q.cfg.TopK)
			if err != nil {
				results <- indexResult{name: q.name, err: err}
				return
			}
			if q.name == IndexInstructions {
				docs = scopedInstructions(docs)
			}
			results <- indexResult{name: q.name, items: filterRank(docs, q.cfg)}
		}(q)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			warning := Warning{Index: r.name, Reason: r.err.Error()}
			result.Warnings = append(result.Warnings, warning)
			result.Items[r.name] = nil
			c.logger.Warn("retrieval index degraded", "index", r.name, "error", r.err)
			if c.bus != nil {
				c.bus.Publish(bus.TopicRetrievalDegraded, bus.RetrievalDegradedEvent{
					TaskID: shared.TaskID(ctx),
					Index:  r.name,
					Reason: r.err.Error(),
				})
			}
			continue
		}
		result.Items[r.name] = r.items
	}

	// Deterministic warning order for polling clients.
	sort.Slice(result.Warnings, func(i, j int) bool {
		return result.Warnings[i].Index < result.Warnings[j].Index
	})

	c.logger.Debug("retrieval complete",
		"indices", len(indices),
		"warnings", len(result.Warnings),
		"duration", time.Since(start))
	return result, nil
}

// scopedInstructions keeps instruction documents whose scope matches SQL
// generation.
func scopedInstructions(docs []capability.ScoredDocument) []capability.ScoredDocument {
	out := docs[:0]
	for _, d := range docs {
		if d.Source == "" || d.Source == instructionScope {
			out = append(out, d)
		}
	}
	return out
}

// filterRank drops items below the index threshold, orders the survivors by
// descending score (stable, so store rank breaks ties), and truncates to
// top_k.
func filterRank(docs []capability.ScoredDocument, cfg config.IndexConfig) []Item {
	items := make([]Item, 0, len(docs))
	for _, d := range docs {
		if d.Score < cfg.Threshold {
			continue
		}
		items = append(items, Item{
			ID:      d.ID,
			Content: d.Content,
			Source:  d.Source,
			Score:   d.Score,
		})
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Score > items[j].Score
	})
	if len(items) > cfg.TopK {
		items = items[:cfg.TopK]
	}
	return items
}
