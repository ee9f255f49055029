package sqlgen

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/retrieval"
	"github.com/finchbase/finch/internal/shared"
)

// Options tunes the generation loop.
type Options struct {
	// MaxCorrectionRetries bounds corrections after the initial attempt, so
	// the loop makes at most MaxCorrectionRetries+1 attempts in total.
	MaxCorrectionRetries int
	// Reasoning enables a planning call before the first generation. The
	// plan is folded into the generation prompt; it never triggers retries
	// of its own, and a failed plan call fails the whole loop.
	Reasoning   bool
	Temperature float32
	// OnCorrection, when set, is called once before the first correction
	// attempt so the caller can surface the phase change.
	OnCorrection func()
	// OnLLMCall and OnDryRun, when set, receive the wall time of each
	// generator call and each dry-run.
	OnLLMCall func(time.Duration)
	OnDryRun  func(time.Duration)
}

// Loop drives generation and dry-run correction for one question.
type Loop struct {
	gen    capability.Generator
	engine capability.QueryEngine
	opts   Options
	logger *slog.Logger
}

func NewLoop(gen capability.Generator, engine capability.QueryEngine, opts Options, logger *slog.Logger) *Loop {
	if opts.MaxCorrectionRetries < 0 {
		opts.MaxCorrectionRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{gen: gen, engine: engine, opts: opts, logger: logger}
}

// Generate produces a dry-run-validated SQL statement for the question.
//
// Validation failures (bad syntax, engine rejection, unusable model output)
// consume correction retries. Capability failures do not: a provider or
// timeout error on any call ends the loop immediately, returned inside an
// *AbortedError that records the failing call as an attempt alongside any
// earlier ones. When the budget runs out the last validation error is
// returned inside an *ExhaustedError together with the full attempt history.
func (l *Loop) Generate(ctx context.Context, question string, rc retrieval.Context) (*Result, error) {
	var reasoning string
	if l.opts.Reasoning {
		plan, err := l.complete(ctx, reasoningPrompt(question, rc), capability.CompleteOptions{
			Temperature: l.opts.Temperature,
		})
		if err != nil {
			return nil, err
		}
		reasoning = plan
	}

	attempts := make([]Attempt, 0, l.opts.MaxCorrectionRetries+1)
	for i := 0; i <= l.opts.MaxCorrectionRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, &AbortedError{Attempts: attempts, Err: err}
		}

		prompt := generationPrompt(question, rc, reasoning)
		if i > 0 {
			if i == 1 && l.opts.OnCorrection != nil {
				l.opts.OnCorrection()
			}
			prompt = correctionPrompt(question, rc, attempts[i-1])
		}

		started := time.Now()
		raw, err := l.complete(ctx, prompt, capability.CompleteOptions{
			ResponseSchema: []byte(ResponseSchema),
			Temperature:    l.opts.Temperature,
		})
		if err != nil {
			attempts = append(attempts, Attempt{
				Outcome:       OutcomeCallFailed,
				ErrorDetail:   err.Error(),
				CorrectedFrom: i - 1,
			})
			return nil, &AbortedError{Attempts: attempts, Err: err}
		}

		attempt := Attempt{CorrectedFrom: i - 1}
		sql, err := ExtractSQL(raw)
		if err == nil {
			attempt.SQL = sql
			err = l.dryRun(ctx, sql)
		}
		if err == nil {
			attempt.Outcome = OutcomeOK
			attempts = append(attempts, attempt)
			l.logger.Info("sql validated",
				"task_id", shared.TaskID(ctx),
				"attempt", i+1,
				"duration_ms", time.Since(started).Milliseconds())
			return &Result{SQL: sql, Reasoning: reasoning, Attempts: attempts}, nil
		}

		var ve *capability.ValidationError
		if !errors.As(err, &ve) {
			// Provider or timeout failure, or a canceled context. Retrying
			// cannot help, so the loop ends here.
			attempt.Outcome = OutcomeCallFailed
			attempt.ErrorDetail = err.Error()
			attempts = append(attempts, attempt)
			return nil, &AbortedError{Attempts: attempts, Err: err}
		}
		attempt.Outcome = outcomeFor(ve)
		attempt.ErrorDetail = ve.Detail
		attempts = append(attempts, attempt)
		l.logger.Warn("sql attempt failed validation",
			"task_id", shared.TaskID(ctx),
			"attempt", i+1,
			"outcome", attempt.Outcome,
			"detail", shared.Redact(ve.Detail))
	}

	last := attempts[len(attempts)-1]
	return nil, &ExhaustedError{
		LastOutcome: last.Outcome,
		LastDetail:  last.ErrorDetail,
		Attempts:    attempts,
	}
}

func (l *Loop) complete(ctx context.Context, prompt string, opts capability.CompleteOptions) (string, error) {
	started := time.Now()
	raw, err := l.gen.Complete(ctx, prompt, opts)
	if l.opts.OnLLMCall != nil {
		l.opts.OnLLMCall(time.Since(started))
	}
	return raw, err
}

func (l *Loop) dryRun(ctx context.Context, sql string) error {
	started := time.Now()
	err := l.engine.DryRun(ctx, sql)
	if l.opts.OnDryRun != nil {
		l.opts.OnDryRun(time.Since(started))
	}
	return err
}
