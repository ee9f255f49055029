// Package intent classifies a question's purpose before any SQL work
// happens, so general chat and misleading questions terminate early.
package intent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/finchbase/finch/internal/capability"
	"github.com/finchbase/finch/internal/retrieval"
)

// Intent labels a question's purpose.
type Intent string

const (
	SQLGeneration   Intent = "SQL_GENERATION"
	General         Intent = "GENERAL"
	MisleadingQuery Intent = "MISLEADING_QUERY"
	UserGuide       Intent = "USER_GUIDE"
)

const defaultTimeout = 10 * time.Second

// Options configures the classifier.
type Options struct {
	// Enabled false turns classification off entirely; Classify then always
	// returns SQLGeneration without a capability call.
	Enabled bool
	// UseContext feeds a slice of the retrieved context into the prompt.
	UseContext bool
	Timeout    time.Duration
}

// Classifier wraps the generation capability with a timeout and a fail-open
// default: anything that prevents a clean classification yields
// SQL_GENERATION, because the generation loop carries its own signal for
// questions with no relevant SQL.
type Classifier struct {
	generator capability.Generator
	opts      Options
	logger    *slog.Logger
}

func NewClassifier(generator capability.Generator, opts Options, logger *slog.Logger) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{generator: generator, opts: opts, logger: logger}
}

const promptTemplate = `Classify the user's question about a relational database into exactly one label:
- SQL_GENERATION: answerable with a SQL query over the schema
- GENERAL: chit-chat or a question unrelated to the data
- MISLEADING_QUERY: refers to tables or columns that do not exist, or asks for something the data cannot answer
- USER_GUIDE: asks how to use the product itself

Reply with the label only.

Question: %QUESTION%
%CONTEXT%`

// Classify returns the intent for a question, optionally informed by a
// context slice.
func (c *Classifier) Classify(ctx context.Context, question string, rc *retrieval.Context) Intent {
	if !c.opts.Enabled {
		return SQLGeneration
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	prompt := strings.Replace(promptTemplate, "%QUESTION%", question, 1)
	prompt = strings.Replace(prompt, "%CONTEXT%", c.contextSlice(rc), 1)

	reply, err := c.generator.Complete(ctx, prompt, capability.CompleteOptions{Temperature: 0})
	if err != nil {
		c.logger.Warn("intent classification failed, defaulting to SQL_GENERATION", "error", err)
		return SQLGeneration
	}

	intent, ok := parse(reply)
	if !ok {
		c.logger.Warn("intent classification returned malformed label, defaulting to SQL_GENERATION", "reply", truncate(reply, 80))
		return SQLGeneration
	}
	return intent
}

// contextSlice renders a compact schema excerpt for the prompt. Only table
// descriptions are included; full column detail belongs to generation, not
// classification.
func (c *Classifier) contextSlice(rc *retrieval.Context) string {
	if !c.opts.UseContext || rc == nil {
		return ""
	}
	items := rc.Items[retrieval.IndexTables]
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\nKnown tables:\n")
	for _, it := range items {
		sb.WriteString("- ")
		sb.WriteString(it.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parse(reply string) (Intent, bool) {
	cleaned := strings.ToUpper(strings.TrimSpace(reply))
	// Tolerate labels embedded in a short sentence, checking the most
	// specific first.
	for _, candidate := range []Intent{MisleadingQuery, UserGuide, SQLGeneration, General} {
		if strings.Contains(cleaned, string(candidate)) {
			return candidate, true
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
