package capability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestEngineClient_DryRunOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sql/validate" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req dryRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if !req.DryRun {
			t.Errorf("dry_run flag not set")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, time.Second)
	if err := c.DryRun(context.Background(), "SELECT 1"); err != nil {
		t.Fatalf("DryRun: %v", err)
	}
}

func TestEngineClient_DryRunValidationError(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantKind ValidationKind
	}{
		{"syntax", `{"kind":"syntax","message":"mismatched input 'FORM'"}`, ValidationSyntax},
		{"execution", `{"kind":"execution","message":"table orders not found"}`, ValidationExecution},
		{"unstructured body", `boom`, ValidationExecution},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnprocessableEntity)
				w.Write([]byte(tt.payload))
			}))
			defer srv.Close()

			c := NewEngineClient(srv.URL, time.Second)
			err := c.DryRun(context.Background(), "SELECT broken")
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if ve.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", ve.Kind, tt.wantKind)
			}
		})
	}
}

func TestEngineClient_DryRunEngineDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, time.Second)
	err := c.DryRun(context.Background(), "SELECT 1")
	ce, ok := AsCallError(err)
	if !ok {
		t.Fatalf("error type = %T, want *CallError", err)
	}
	if ce.Capability != "engine" {
		t.Errorf("capability = %s, want engine", ce.Capability)
	}
}

func TestEngineClient_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sql/execute" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(executeResponse{
			Rows: []Row{{"count": float64(42)}},
		})
	}))
	defer srv.Close()

	c := NewEngineClient(srv.URL, time.Second)
	rows, err := c.Execute(context.Background(), "SELECT COUNT(*) AS count FROM orders", 10)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(rows) != 1 || rows[0]["count"] != float64(42) {
		t.Fatalf("rows = %v", rows)
	}
}

func TestRegistryBuilder_MissingCapability(t *testing.T) {
	_, err := NewBuilder().
		WithGenerator(NewOpenAIClient(OpenAIOptions{BaseURL: "http://x", Model: "m"})).
		Build()
	if err == nil {
		t.Fatal("expected error for unbound capabilities")
	}
}

func TestRegistryBuilder_Complete(t *testing.T) {
	oc := NewOpenAIClient(OpenAIOptions{BaseURL: "http://x", Model: "m"})
	reg, err := NewBuilder().
		WithGenerator(oc).
		WithEmbedder(oc).
		WithQueryEngine(NewEngineClient("http://y", 0)).
		WithDocumentStore(NewDocStoreClient("http://z", "", 0)).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if reg.Generator() == nil || reg.Embedder() == nil || reg.QueryEngine() == nil || reg.DocumentStore() == nil {
		t.Fatal("registry returned nil capability")
	}
}
