package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIClient talks to an OpenAI-compatible endpoint (OpenAI, OpenRouter,
// LM Studio, Ollama's /v1 shim) and implements both Generator and Embedder.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	http       *http.Client
	maxRetries int
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	BaseURL    string
	APIKey     string
	Model      string
	EmbedModel string
	Timeout    time.Duration
	MaxRetries int // transport retries on 429/5xx; 0 disables
}

func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		embedModel: opts.EmbedModel,
		http:       &http.Client{Timeout: timeout},
		maxRetries: opts.MaxRetries,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float32       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Generator against /chat/completions.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string, opts CompleteOptions) (string, error) {
	reqBody := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
	}
	if len(opts.ResponseSchema) > 0 {
		reqBody.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   "response",
				"schema": json.RawMessage(opts.ResponseSchema),
			},
		}
	}

	body, err := c.post(ctx, "generator", "/chat/completions", reqBody)
	if err != nil {
		return "", err
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", &CallError{Capability: "generator", Kind: CallKindProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return "", &CallError{Capability: "generator", Kind: CallKindProvider, Err: errors.New("empty choices in response")}
	}
	return out.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed implements Embedder against /embeddings.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.embedModel
	if model == "" {
		model = c.model
	}
	body, err := c.post(ctx, "embedder", "/embeddings", embedRequest{Model: model, Input: []string{text}})
	if err != nil {
		return nil, err
	}

	var out embedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &CallError{Capability: "embedder", Kind: CallKindProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(out.Data) == 0 {
		return nil, &CallError{Capability: "embedder", Kind: CallKindProvider, Err: errors.New("empty embedding response")}
	}
	return out.Data[0].Embedding, nil
}

// post sends a JSON request, retrying 429/5xx with linear backoff, and maps
// transport failures onto CallError kinds.
func (c *OpenAIClient) post(ctx context.Context, capability, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, &CallError{Capability: capability, Kind: CallKindProvider, Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &CallError{Capability: capability, Kind: CallKindTimeout, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
		if err != nil {
			return nil, &CallError{Capability: capability, Kind: CallKindProvider, Err: err}
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if isTimeoutErr(err) {
				return nil, &CallError{Capability: capability, Kind: CallKindTimeout, Err: err}
			}
			lastErr = err
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			continue
		}

		switch {
		case resp.StatusCode/100 == 2:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
			lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 200))
			continue
		default:
			// 4xx other than 429 will not improve on retry.
			return nil, &CallError{
				Capability: capability,
				Kind:       CallKindProvider,
				Err:        fmt.Errorf("http %d: %s", resp.StatusCode, truncate(string(body), 200)),
			}
		}
	}
	return nil, &CallError{Capability: capability, Kind: CallKindProvider, Err: fmt.Errorf("retries exhausted: %w", lastErr)}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
