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

// DocStoreClient is the HTTP client for the external vector index service.
type DocStoreClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewDocStoreClient(baseURL, apiKey string, timeout time.Duration) *DocStoreClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &DocStoreClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

type searchRequest struct {
	Vector []float32 `json:"vector"`
	TopK   int       `json:"top_k"`
}

type searchResponse struct {
	Items []ScoredDocument `json:"items"`
}

// Search implements DocumentStore. Results come back ranked by the store;
// the caller applies its own similarity floor.
func (c *DocStoreClient) Search(ctx context.Context, index string, vector []float32, topK int) ([]ScoredDocument, error) {
	raw, err := json.Marshal(searchRequest{Vector: vector, TopK: topK})
	if err != nil {
		return nil, &CallError{Capability: "doc_store", Kind: CallKindProvider, Err: err}
	}

	url := fmt.Sprintf("%s/v1/indexes/%s/search", c.baseURL, index)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, &CallError{Capability: "doc_store", Kind: CallKindProvider, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		kind := CallKindProvider
		if isTimeoutErr(err) {
			kind = CallKindTimeout
		}
		return nil, &CallError{Capability: "doc_store", Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &CallError{Capability: "doc_store", Kind: CallKindProvider, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Capability: "doc_store",
			Kind:       CallKindProvider,
			Err:        fmt.Errorf("search %s http %d: %s", index, resp.StatusCode, truncate(string(body), 200)),
		}
	}

	var out searchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &CallError{Capability: "doc_store", Kind: CallKindProvider, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out.Items, nil
}
