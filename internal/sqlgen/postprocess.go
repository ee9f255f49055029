package sqlgen

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/finchbase/finch/internal/capability"
)

// ResponseSchema constrains the model to a single-key JSON object. It is sent
// to providers that support structured output and enforced locally either way.
const ResponseSchema = `{
  "type": "object",
  "properties": {
    "sql": {"type": "string"}
  },
  "required": ["sql"],
  "additionalProperties": false
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func responseSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ResponseSchema))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("sqlgen.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = c.Compile("sqlgen.json")
	})
	return compiledSchema, schemaErr
}

// ExtractSQL pulls the statement out of a raw model reply. Replies arrive as
// a JSON object, often wrapped in markdown fences; some models answer with a
// bare statement instead, which is accepted as a fallback. An empty statement
// or one that is not a read-only query is a validation failure.
func ExtractSQL(raw string) (string, error) {
	body := stripFences(strings.TrimSpace(raw))
	if body == "" {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "model returned an empty reply",
		}
	}

	sql := body
	if strings.HasPrefix(body, "{") {
		parsed, err := parseEnvelope(body)
		if err != nil {
			return "", err
		}
		sql = parsed
	}

	sql = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sql), ";"))
	if sql == "" {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "model returned an empty sql field",
		}
	}
	if !isReadOnly(sql) {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "statement is not a read-only query",
		}
	}
	return sql, nil
}

func parseEnvelope(body string) (string, error) {
	sch, err := responseSchema()
	if err != nil {
		return "", err
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "model reply is not valid JSON: " + err.Error(),
		}
	}
	if err := sch.Validate(inst); err != nil {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "model reply does not match the expected shape: " + err.Error(),
		}
	}
	var envelope struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return "", &capability.ValidationError{
			Kind:   capability.ValidationSyntax,
			Detail: "model reply is not valid JSON: " + err.Error(),
		}
	}
	return envelope.SQL, nil
}

// stripFences removes a single markdown code fence wrapper, with or without a
// language tag, leaving other content untouched.
func stripFences(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		first := strings.TrimSpace(s[:idx])
		if first == "" || isFenceTag(first) {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func isFenceTag(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func isReadOnly(sql string) bool {
	head := strings.ToUpper(sql)
	for _, prefix := range []string{"SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN"} {
		if strings.HasPrefix(head, prefix) {
			return true
		}
	}
	return false
}
