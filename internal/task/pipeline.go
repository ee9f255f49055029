package task

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/finchbase/finch/internal/cache"
	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/intent"
	otelpkg "github.com/finchbase/finch/internal/otel"
	"github.com/finchbase/finch/internal/persistence"
	"github.com/finchbase/finch/internal/retrieval"
	"github.com/finchbase/finch/internal/shared"
	"github.com/finchbase/finch/internal/sqlgen"
)

var activeStates = []persistence.AskState{
	persistence.AskStateCreated,
	persistence.AskStateClassifying,
	persistence.AskStateRetrieving,
	persistence.AskStateGenerating,
	persistence.AskStateCorrecting,
}

// run drives one ask to a terminal state. It owns the pending cache marker:
// on success the result is committed, on any other exit the marker is
// withdrawn so the question can be asked again.
func (s *Service) run(ctx context.Context, id string, key cache.Key, req CreateRequest) {
	defer s.finish(id)

	started := time.Now()
	var span trace.Span
	if s.tracer != nil {
		ctx, span = otelpkg.StartSpan(ctx, s.tracer, "ask.pipeline", s.spanAttrs(id)...)
		defer span.End()
	}

	succeeded := false
	defer func() {
		if !succeeded {
			s.cache.Abort(key, id)
		}
		if s.metrics != nil {
			persistCtx := context.WithoutCancel(ctx)
			s.metrics.ActiveAsks.Add(persistCtx, -1)
			s.metrics.AskDuration.Record(persistCtx, time.Since(started).Seconds())
		}
	}()

	// Classification.
	classified := intent.SQLGeneration
	var rc *retrieval.Context
	if s.cfg.Ask.AllowIntentClassification {
		if !s.step(ctx, id, persistence.AskStateCreated, persistence.AskStateClassifying) {
			return
		}
		if s.cfg.Ask.IntentUsesContext {
			// The context slice for classification is reused for generation
			// so the indexes are only queried once.
			if got, err := s.retriever.Retrieve(ctx, req.Question, req.ContextVersion); err == nil {
				rc = got
			}
		}
		classified = s.classifier.Classify(ctx, req.Question, rc)

		switch classified {
		case intent.General, intent.UserGuide:
			payload := `{"reason":"intent"}`
			if classified == intent.UserGuide {
				payload = `{"reason":"intent","guide":true}`
			}
			s.setIntent(ctx, id, classified, persistence.AskStateIdentifiedGeneral, payload)
			return
		case intent.MisleadingQuery:
			s.setIntent(ctx, id, classified, persistence.AskStateIdentifiedMisleading, `{"reason":"intent"}`)
			return
		default:
			if !s.setIntent(ctx, id, classified, persistence.AskStateRetrieving, "") {
				return
			}
		}
	} else {
		if !s.step(ctx, id, persistence.AskStateCreated, persistence.AskStateRetrieving) {
			return
		}
	}

	// Retrieval.
	if rc == nil {
		retrStart := time.Now()
		got, err := s.retriever.Retrieve(ctx, req.Question, req.ContextVersion)
		if s.metrics != nil {
			s.metrics.RetrievalDuration.Record(context.WithoutCancel(ctx), time.Since(retrStart).Seconds())
		}
		if err != nil {
			s.failFromError(ctx, id, err, "")
			return
		}
		rc = got
	}
	if len(rc.Warnings) > 0 {
		if raw, err := json.Marshal(rc.Warnings); err == nil {
			_ = s.store.SetWarnings(context.WithoutCancel(ctx), id, string(raw))
		}
	}
	if len(rc.Items[retrieval.IndexTables]) == 0 {
		s.fail(ctx, id, KindNoRelevantSQL, "no tables matched the question", "")
		return
	}

	// Generation and correction.
	if !s.step(ctx, id, persistence.AskStateRetrieving, persistence.AskStateGenerating) {
		return
	}
	loopOpts := sqlgen.Options{
		MaxCorrectionRetries: s.cfg.Ask.MaxSQLCorrectionRetries,
		Reasoning:            s.cfg.Ask.AllowSQLGenerationReasoning,
		OnCorrection: func() {
			_, _ = s.store.Transition(context.WithoutCancel(ctx), id,
				[]persistence.AskState{persistence.AskStateGenerating},
				persistence.AskStateCorrecting, `{"reason":"dry_run_failed"}`)
		},
	}
	if s.metrics != nil {
		loopOpts.OnLLMCall = func(d time.Duration) {
			s.metrics.LLMCallDuration.Record(context.WithoutCancel(ctx), d.Seconds())
		}
		loopOpts.OnDryRun = func(d time.Duration) {
			s.metrics.DryRunDuration.Record(context.WithoutCancel(ctx), d.Seconds())
		}
	}
	loop := sqlgen.NewLoop(s.registry.Generator(), s.registry.QueryEngine(), loopOpts, s.logger)

	result, err := loop.Generate(ctx, req.Question, *rc)
	if err != nil {
		s.failFromError(ctx, id, err, partialAttemptsJSON(err))
		return
	}

	attemptsJSON := ""
	if raw, err := json.Marshal(result.Attempts); err == nil {
		attemptsJSON = string(raw)
	}
	if s.metrics != nil && len(result.Attempts) > 1 {
		s.metrics.CorrectionAttempts.Add(context.WithoutCancel(ctx), int64(len(result.Attempts)-1))
	}

	persistCtx := context.WithoutCancel(ctx)
	ok, err := s.store.CompleteAsk(persistCtx, id, result.SQL, result.Reasoning, attemptsJSON,
		[]persistence.AskState{persistence.AskStateGenerating, persistence.AskStateCorrecting})
	if err != nil || !ok {
		s.logger.Error("persist success failed", "task_id", id, "error", err)
		return
	}
	s.cache.Commit(key, id, CachedResult{SQL: result.SQL})
	succeeded = true
	s.publishCompleted(id, result.SQL, len(result.Attempts), false)
	s.logger.Info("ask succeeded",
		"task_id", id,
		"trace_id", shared.TraceID(ctx),
		"attempts", len(result.Attempts),
		"duration_ms", time.Since(started).Milliseconds())
}

// step advances the state machine, honoring cancellation between stages.
// It returns false when the pipeline must stop.
func (s *Service) step(ctx context.Context, id string, from, to persistence.AskState) bool {
	if s.canceled(ctx, id) {
		s.fail(ctx, id, KindCanceled, "canceled by client", "")
		return false
	}
	ok, err := s.store.Transition(context.WithoutCancel(ctx), id, []persistence.AskState{from}, to, "")
	if err != nil {
		s.logger.Error("state transition failed", "task_id", id, "from", from, "to", to, "error", err)
		return false
	}
	return ok
}

func (s *Service) setIntent(ctx context.Context, id string, classified intent.Intent, to persistence.AskState, payload string) bool {
	ok, err := s.store.SetIntent(context.WithoutCancel(ctx), id, string(classified), to, payload)
	if err != nil {
		s.logger.Error("record intent failed", "task_id", id, "error", err)
		return false
	}
	if ok && to != persistence.AskStateRetrieving {
		s.logger.Info("ask resolved by intent", "task_id", id, "intent", classified, "state", to)
	}
	return ok
}

func (s *Service) canceled(ctx context.Context, id string) bool {
	if ctx.Err() != nil {
		return true
	}
	requested, err := s.store.IsCancelRequested(context.WithoutCancel(ctx), id)
	return err == nil && requested
}

// partialAttemptsJSON pulls the attempt history out of a generation loop
// error. Both exhausted and aborted loops carry their attempts, so even a
// provider outage mid-correction leaves the earlier candidates on the task.
func partialAttemptsJSON(err error) string {
	var attempts []sqlgen.Attempt
	var ex *sqlgen.ExhaustedError
	var ab *sqlgen.AbortedError
	switch {
	case errors.As(err, &ex):
		attempts = ex.Attempts
	case errors.As(err, &ab):
		attempts = ab.Attempts
	}
	if len(attempts) == 0 {
		return ""
	}
	raw, mErr := json.Marshal(attempts)
	if mErr != nil {
		return ""
	}
	return string(raw)
}

// failFromError maps a pipeline error onto the stable taxonomy.
func (s *Service) failFromError(ctx context.Context, id string, err error, attemptsJSON string) {
	switch {
	case errors.Is(err, context.Canceled):
		s.fail(ctx, id, KindCanceled, "canceled by client", attemptsJSON)
		return
	case capability.IsTimeout(err):
		s.fail(ctx, id, KindTimeout, shared.Redact(err.Error()), attemptsJSON)
		return
	}
	var ex *sqlgen.ExhaustedError
	if errors.As(err, &ex) {
		s.fail(ctx, id, KindValidation, shared.Redact(ex.LastDetail), attemptsJSON)
		return
	}
	s.fail(ctx, id, KindCapability, shared.Redact(err.Error()), attemptsJSON)
}

func (s *Service) fail(ctx context.Context, id string, kind ErrorKind, message, attemptsJSON string) {
	persistCtx := context.WithoutCancel(ctx)
	ok, err := s.store.FailAsk(persistCtx, id, string(kind), message, attemptsJSON, activeStates)
	if err != nil {
		s.logger.Error("persist failure failed", "task_id", id, "error", err)
		return
	}
	if !ok {
		return
	}
	s.publishFailed(id, kind, message)
	s.logger.Warn("ask failed",
		"task_id", id,
		"trace_id", shared.TraceID(ctx),
		"kind", kind,
		"message", message)
}
