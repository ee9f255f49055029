// Package task runs the asking pipeline: each ask moves through
// classification, retrieval, generation and correction as a tracked task that
// clients create, poll and cancel over the gateway.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/cache"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/config"
	"github.com/finchbase/finch/internal/intent"
	otelpkg "github.com/finchbase/finch/internal/otel"
	"github.com/finchbase/finch/internal/persistence"
	"github.com/finchbase/finch/internal/retrieval"
	"github.com/finchbase/finch/internal/shared"
	"github.com/finchbase/finch/internal/sqlgen"
)

// ErrNotFound is returned by Poll and Cancel for unknown task ids.
var ErrNotFound = persistence.ErrAskNotFound

// CachedResult is what a successful ask leaves in the result cache.
type CachedResult struct {
	SQL string `json:"sql"`
}

// CreateRequest is one incoming ask.
type CreateRequest struct {
	Question       string `json:"question"`
	ProjectID      string `json:"project_id,omitempty"`
	ContextVersion string `json:"context_version,omitempty"`
}

// Snapshot is the externally visible view of a task at one point in time.
type Snapshot struct {
	ID        string               `json:"id"`
	State     persistence.AskState `json:"state"`
	Intent    string               `json:"intent,omitempty"`
	SQL       string               `json:"sql,omitempty"`
	Reasoning string               `json:"reasoning,omitempty"`
	Attempts  []sqlgen.Attempt     `json:"attempts,omitempty"`
	Warnings  []retrieval.Warning  `json:"warnings,omitempty"`
	Error     *ErrorInfo           `json:"error,omitempty"`
	CacheHit  bool                 `json:"cache_hit"`
	TimedOut  bool                 `json:"timed_out,omitempty"`
	TraceID   string               `json:"trace_id"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Service owns the pipeline and the in-flight task set.
type Service struct {
	cfg        *config.Config
	store      *persistence.Store
	registry   *capability.Registry
	retriever  *retrieval.Coordinator
	classifier *intent.Classifier
	cache      *cache.Cache[CachedResult]
	bus        *bus.Bus
	metrics    *otelpkg.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

type Options struct {
	Config     *config.Config
	Store      *persistence.Store
	Registry   *capability.Registry
	Retriever  *retrieval.Coordinator
	Classifier *intent.Classifier
	Cache      *cache.Cache[CachedResult]
	Bus        *bus.Bus
	Metrics    *otelpkg.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        opts.Config,
		store:      opts.Store,
		registry:   opts.Registry,
		retriever:  opts.Retriever,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		bus:        opts.Bus,
		metrics:    opts.Metrics,
		tracer:     opts.Tracer,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Create registers a new ask and starts the pipeline for it. A cache hit
// completes the task immediately; a duplicate of an in-flight ask returns the
// owning task so the caller polls it instead of starting another run.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Snapshot, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, errors.New("service shutting down")
	}

	id := uuid.NewString()
	traceID := shared.NewTraceID()
	key := cache.KeyFor(req.Question, req.ContextVersion, s.cfg.Fingerprint())

	owner, existing := s.cache.Begin(key, id)
	if !owner {
		switch existing.State {
		case cache.StateReady:
			return s.completeFromCache(ctx, id, traceID, req, key, existing.Value)
		case cache.StatePending:
			snap, err := s.Poll(ctx, existing.TaskID)
			if err == nil {
				s.logger.Info("ask joined in-flight duplicate",
					"task_id", existing.TaskID, "trace_id", traceID)
				return snap, nil
			}
			// The owning task vanished (restart, retention). Reclaim.
			s.cache.Abort(key, existing.TaskID)
			if owner, _ = s.cache.Begin(key, id); !owner {
				return nil, errors.New("cache key contested, retry the ask")
			}
		}
	}

	ask := &persistence.Ask{
		ID:             id,
		ProjectID:      req.ProjectID,
		Question:       req.Question,
		ContextVersion: req.ContextVersion,
		CacheKey:       string(key),
		TraceID:        traceID,
	}
	if err := s.store.CreateAsk(ctx, ask); err != nil {
		s.cache.Abort(key, id)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.cache.Abort(key, id)
		return nil, errors.New("service shutting down")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancels[id] = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	runCtx = shared.WithTraceID(runCtx, traceID)
	runCtx = shared.WithTaskID(runCtx, id)
	if s.metrics != nil {
		s.metrics.ActiveAsks.Add(ctx, 1)
		s.metrics.CacheMisses.Add(ctx, 1)
	}
	go s.run(runCtx, id, key, req)

	return s.Poll(ctx, id)
}

func (s *Service) completeFromCache(ctx context.Context, id, traceID string, req CreateRequest, key cache.Key, cached CachedResult) (*Snapshot, error) {
	ask := &persistence.Ask{
		ID:             id,
		ProjectID:      req.ProjectID,
		Question:       req.Question,
		ContextVersion: req.ContextVersion,
		CacheKey:       string(key),
		TraceID:        traceID,
	}
	if err := s.store.CreateAsk(ctx, ask); err != nil {
		return nil, err
	}
	if _, err := s.store.CompleteAskFromCache(ctx, id, cached.SQL); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.CacheHits.Add(ctx, 1)
	}
	s.publishCompleted(id, cached.SQL, 0, true)
	s.logger.Info("ask served from cache", "task_id", id, "trace_id", traceID)
	return s.Poll(ctx, id)
}

// Poll returns the current snapshot without waiting.
func (s *Service) Poll(ctx context.Context, id string) (*Snapshot, error) {
	ask, err := s.store.GetAsk(ctx, id)
	if err != nil {
		return nil, err
	}
	return snapshotOf(ask), nil
}

// Wait polls until the task is terminal or the configured engine timeout
// elapses. A timeout is reported on the snapshot, never applied to the task:
// the pipeline keeps running and a later poll can still see it finish.
func (s *Service) Wait(ctx context.Context, id string) (*Snapshot, error) {
	deadline := time.NewTimer(s.cfg.EngineTimeout())
	defer deadline.Stop()
	tick := time.NewTicker(150 * time.Millisecond)
	defer tick.Stop()

	for {
		snap, err := s.Poll(ctx, id)
		if err != nil {
			return nil, err
		}
		if snap.State.IsTerminal() {
			return snap, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			snap.TimedOut = true
			return snap, nil
		case <-tick.C:
		}
	}
}

// Cancel requests cooperative cancellation. Terminal tasks are unaffected and
// the call is idempotent; the actual stop happens at the pipeline's next
// checkpoint.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if _, err := s.store.GetAsk(ctx, id); err != nil {
		return err
	}
	flagged, err := s.store.RequestCancel(ctx, id)
	if err != nil {
		return err
	}
	if !flagged {
		return nil
	}
	s.mu.Lock()
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.logger.Info("ask cancellation requested", "task_id", id)
	return nil
}

// Shutdown cancels every in-flight task and waits for their goroutines,
// bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) finish(id string) {
	s.mu.Lock()
	if cancel := s.cancels[id]; cancel != nil {
		cancel()
		delete(s.cancels, id)
	}
	s.mu.Unlock()
	s.wg.Done()
}

func snapshotOf(ask *persistence.Ask) *Snapshot {
	snap := &Snapshot{
		ID:        ask.ID,
		State:     ask.State,
		Intent:    ask.Intent,
		SQL:       ask.SQL,
		Reasoning: ask.Reasoning,
		CacheHit:  ask.CacheHit,
		TraceID:   ask.TraceID,
		CreatedAt: ask.CreatedAt,
		UpdatedAt: ask.UpdatedAt,
	}
	if ask.AttemptsJSON != "" {
		_ = json.Unmarshal([]byte(ask.AttemptsJSON), &snap.Attempts)
	}
	if ask.WarningsJSON != "" {
		_ = json.Unmarshal([]byte(ask.WarningsJSON), &snap.Warnings)
	}
	if ask.ErrorKind != "" {
		snap.Error = &ErrorInfo{Kind: ErrorKind(ask.ErrorKind), Message: ask.ErrorMessage}
	}
	return snap
}

func (s *Service) publishCompleted(id, sql string, attempts int, cacheHit bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicAskCompleted, bus.AskCompletedEvent{
		TaskID:   id,
		SQL:      sql,
		Attempts: attempts,
		CacheHit: cacheHit,
	})
}

func (s *Service) publishFailed(id string, kind ErrorKind, message string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicAskFailed, bus.AskFailedEvent{
		TaskID:  id,
		Kind:    string(kind),
		Message: message,
	})
}

func (s *Service) spanAttrs(id string) []attribute.KeyValue {
	return []attribute.KeyValue{otelpkg.AttrTaskID.String(id)}
}
