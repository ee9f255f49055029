// Package sqlgen turns a question plus retrieved context into a validated
// SQL statement, correcting failed candidates against dry-run feedback until
// the retry budget runs out.
package sqlgen

import (
	"fmt"

	"github.com/finchbase/finch/internal/capability"
)

// Outcome classifies one attempt's validation result.
type Outcome string

const (
	OutcomeOK             Outcome = "ok"
	OutcomeSyntaxError    Outcome = "syntax_error"
	OutcomeExecutionError Outcome = "execution_error"
	OutcomeCallFailed     Outcome = "call_failed"
)

func outcomeFor(ve *capability.ValidationError) Outcome {
	if ve.Kind == capability.ValidationSyntax {
		return OutcomeSyntaxError
	}
	return OutcomeExecutionError
}

// Attempt is one generated SQL candidate and its validation result. The
// attempt list on a task is append-only; CorrectedFrom links a correction to
// the attempt whose error it was conditioned on (-1 for the initial one).
type Attempt struct {
	SQL           string  `json:"sql"`
	Outcome       Outcome `json:"outcome"`
	ErrorDetail   string  `json:"error_detail,omitempty"`
	CorrectedFrom int     `json:"corrected_from"`
}

// Result is a successful loop outcome: the validated statement plus the full
// attempt history for observability.
type Result struct {
	SQL       string    `json:"sql"`
	Reasoning string    `json:"reasoning,omitempty"`
	Attempts  []Attempt `json:"attempts"`
}

// ExhaustedError reports that every attempt failed validation and the retry
// budget is spent. The embedded outcome/detail are the last attempt's, which
// is what the user sees.
type ExhaustedError struct {
	LastOutcome Outcome
	LastDetail  string
	Attempts    []Attempt
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sql correction budget exhausted after %d attempts: %s: %s",
		len(e.Attempts), e.LastOutcome, e.LastDetail)
}

// AbortedError reports that a provider failure, timeout, or cancellation
// ended the loop before the budget was spent. It carries every attempt
// recorded up to that point, including one for the call that failed, so the
// history stays observable on the task.
type AbortedError struct {
	Attempts []Attempt
	Err      error
}

func (e *AbortedError) Error() string { return e.Err.Error() }

func (e *AbortedError) Unwrap() error { return e.Err }
