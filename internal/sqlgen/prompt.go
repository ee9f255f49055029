package sqlgen

import (
	"strings"

	"github.com/finchbase/finch/internal/retrieval"
)

var sectionTitles = map[string]string{
	retrieval.IndexTables:       "Tables",
	retrieval.IndexColumns:      "Columns",
	retrieval.IndexHistorical:   "Previously answered questions",
	retrieval.IndexSQLPairs:     "Example question/SQL pairs",
	retrieval.IndexInstructions: "Instructions",
	retrieval.IndexSQLFunctions: "Available SQL functions",
}

// sectionOrder keeps prompts stable across runs; map iteration order would
// make otherwise-identical requests produce different prompts.
var sectionOrder = []string{
	retrieval.IndexTables,
	retrieval.IndexColumns,
	retrieval.IndexHistorical,
	retrieval.IndexSQLPairs,
	retrieval.IndexInstructions,
	retrieval.IndexSQLFunctions,
}

func generationPrompt(question string, rc retrieval.Context, reasoning string) string {
	var b strings.Builder
	b.WriteString("You write SQL for an analytics engine. Using only the schema and context below, ")
	b.WriteString("answer the question with a single read-only SQL statement.\n\n")
	writeContext(&b, rc)
	if reasoning != "" {
		b.WriteString("## Plan\n")
		b.WriteString(reasoning)
		b.WriteString("\n\n")
	}
	b.WriteString("## Question\n")
	b.WriteString(question)
	b.WriteString("\n\nRespond with a JSON object of the form {\"sql\": \"...\"} and nothing else.\n")
	return b.String()
}

func correctionPrompt(question string, rc retrieval.Context, prev Attempt) string {
	var b strings.Builder
	b.WriteString("A SQL statement you wrote for the question below failed validation. ")
	b.WriteString("Fix it using the error message and the original context.\n\n")
	writeContext(&b, rc)
	b.WriteString("## Question\n")
	b.WriteString(question)
	b.WriteString("\n\n## Failed statement\n")
	b.WriteString(prev.SQL)
	b.WriteString("\n\n## Error\n")
	b.WriteString(string(prev.Outcome))
	b.WriteString(": ")
	b.WriteString(prev.ErrorDetail)
	b.WriteString("\n\nRespond with a JSON object of the form {\"sql\": \"...\"} and nothing else.\n")
	return b.String()
}

func reasoningPrompt(question string, rc retrieval.Context) string {
	var b strings.Builder
	b.WriteString("Before writing SQL, outline the steps needed to answer the question ")
	b.WriteString("from the schema below. Keep it to a short numbered list. Do not write SQL yet.\n\n")
	writeContext(&b, rc)
	b.WriteString("## Question\n")
	b.WriteString(question)
	b.WriteString("\n")
	return b.String()
}

func writeContext(b *strings.Builder, rc retrieval.Context) {
	for _, index := range sectionOrder {
		items := rc.Items[index]
		if len(items) == 0 {
			continue
		}
		b.WriteString("## ")
		b.WriteString(sectionTitles[index])
		b.WriteString("\n")
		for _, it := range items {
			b.WriteString("- ")
			b.WriteString(it.Content)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
}
