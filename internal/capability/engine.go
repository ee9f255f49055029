package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EngineClient is the HTTP client for the external SQL execution service.
// Dry-run validates a statement against the deployed schema without reading
// data; Execute returns a bounded preview of rows.
type EngineClient struct {
	baseURL string
	http    *http.Client
}

func NewEngineClient(baseURL string, timeout time.Duration) *EngineClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &EngineClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type dryRunRequest struct {
	SQL    string `json:"sql"`
	DryRun bool   `json:"dry_run"`
	Limit  int    `json:"limit,omitempty"`
}

type engineError struct {
	Kind    string `json:"kind"` // "syntax" | "execution"
	Message string `json:"message"`
}

type executeResponse struct {
	Rows  []Row        `json:"rows"`
	Error *engineError `json:"error,omitempty"`
}

// DryRun implements QueryEngine. A 200 means the statement planned cleanly;
// a 422 carries a structured validation error; anything else is a capability
// failure.
func (c *EngineClient) DryRun(ctx context.Context, sql string) error {
	resp, body, err := c.post(ctx, "/v1/sql/validate", dryRunRequest{SQL: sql, DryRun: true})
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnprocessableEntity:
		var ee engineError
		if jsonErr := json.Unmarshal(body, &ee); jsonErr != nil || ee.Message == "" {
			return &ValidationError{Kind: ValidationExecution, Detail: truncate(string(body), 300)}
		}
		kind := ValidationExecution
		if ee.Kind == "syntax" {
			kind = ValidationSyntax
		}
		return &ValidationError{Kind: kind, Detail: ee.Message}
	default:
		return &CallError{
			Capability: "engine",
			Kind:       CallKindProvider,
			Err:        fmt.Errorf("dry-run http %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}
}

// Execute implements QueryEngine.
func (c *EngineClient) Execute(ctx context.Context, sql string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 500
	}
	resp, body, err := c.post(ctx, "/v1/sql/execute", dryRunRequest{SQL: sql, Limit: limit})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Capability: "engine",
			Kind:       CallKindProvider,
			Err:        fmt.Errorf("execute http %d: %s", resp.StatusCode, truncate(string(body), 200)),
		}
	}
	var out executeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &CallError{Capability: "engine", Kind: CallKindProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.Error != nil {
		kind := ValidationExecution
		if out.Error.Kind == "syntax" {
			kind = ValidationSyntax
		}
		return nil, &ValidationError{Kind: kind, Detail: out.Error.Message}
	}
	return out.Rows, nil
}

func (c *EngineClient) post(ctx context.Context, path string, payload any) (*http.Response, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, &CallError{Capability: "engine", Kind: CallKindProvider, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, nil, &CallError{Capability: "engine", Kind: CallKindProvider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		kind := CallKindProvider
		if isTimeoutErr(err) {
			kind = CallKindTimeout
		}
		return nil, nil, &CallError{Capability: "engine", Kind: kind, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &CallError{Capability: "engine", Kind: CallKindProvider, Err: err}
	}
	return resp, body, nil
}
