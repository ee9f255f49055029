// Package gateway exposes the asking service over HTTP: a small JSON API for
// creating, polling and canceling asks, health and status endpoints, and a
// WebSocket stream of task lifecycle events.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/finchbase/finch/internal/bus"
	"github.com/finchbase/finch/internal/config"
	otelpkg "github.com/finchbase/finch/internal/otel"
	"github.com/finchbase/finch/internal/persistence"
	"github.com/finchbase/finch/internal/task"
)

const maxQuestionBytes = 8 << 10

type Config struct {
	Service *task.Service
	Store   *persistence.Store
	Bus     *bus.Bus

	// AuthToken guards every endpoint except /healthz. Empty disables auth,
	// which is only sane on a loopback bind.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of the active config exposed in /statusz.
	ConfigFingerprint string

	RateLimit config.RateLimitConfig

	Metrics *otelpkg.Metrics
	Logger  *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *rateLimiter

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		logger:  logger,
		limiter: newRateLimiter(cfg.RateLimit),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/statusz", s.handleStatusz)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/v1/asks", s.handleAsks)
	mux.HandleFunc("/v1/asks/", s.handleAskByID)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, _, err := s.cfg.Store.AskCounts(r.Context()); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	active, terminal, err := s.cfg.Store.AskCounts(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	recent, err := s.cfg.Store.ListRecentAsks(r.Context(), 20)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	summaries := make([]map[string]any, 0, len(recent))
	for _, a := range recent {
		summaries = append(summaries, map[string]any{
			"id":         a.ID,
			"state":      a.State,
			"intent":     a.Intent,
			"cache_hit":  a.CacheHit,
			"created_at": a.CreatedAt,
			"updated_at": a.UpdatedAt,
		})
	}
	payload := map[string]any{
		"active_asks":        active,
		"terminal_asks":      terminal,
		"ws_clients":         s.clientCount(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"alloc_bytes":        mem.Alloc,
		"recent":             summaries,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// handleAsks serves POST /v1/asks. With ?wait=true the response holds off
// until the task is terminal or the engine timeout trips, in which case the
// snapshot carries timed_out and the task keeps running.
func (s *Server) handleAsks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.limiter.allow(clientKey(r)) {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RateLimitRejects.Add(r.Context(), 1)
		}
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	var req task.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxQuestionBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	snap, err := s.cfg.Service.Create(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if boolParam(r, "wait") && !snap.State.IsTerminal() {
		if waited, err := s.cfg.Service.Wait(r.Context(), snap.ID); err == nil {
			snap = waited
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(snap)
}

// handleAskByID serves GET /v1/asks/{id}, GET /v1/asks/{id}/events and
// POST /v1/asks/{id}/cancel.
func (s *Server) handleAskByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/asks/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "ask id required", http.StatusBadRequest)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.serveSnapshot(w, r, id)
	case action == "events" && r.Method == http.MethodGet:
		s.serveEvents(w, r, id)
	case action == "cancel" && r.Method == http.MethodPost:
		s.serveCancel(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serveSnapshot(w http.ResponseWriter, r *http.Request, id string) {
	var snap *task.Snapshot
	var err error
	if boolParam(r, "wait") {
		snap, err = s.cfg.Service.Wait(r.Context(), id)
	} else {
		snap, err = s.cfg.Service.Poll(r.Context(), id)
	}
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "ask not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := s.cfg.Service.Poll(r.Context(), id); errors.Is(err, task.ErrNotFound) {
		http.Error(w, "ask not found", http.StatusNotFound)
		return
	}
	var from int64
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			from = n
		}
	}
	events, err := s.cfg.Store.ListAskEvents(r.Context(), id, from, 200)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"events": events})
}

func (s *Server) serveCancel(w http.ResponseWriter, r *http.Request, id string) {
	err := s.cfg.Service.Cancel(r.Context(), id)
	if errors.Is(err, task.ErrNotFound) {
		http.Error(w, "ask not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancel_requested", "id": id})
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

// clientKey picks the rate limit bucket for a request: the bearer token when
// present, the remote address otherwise.
func clientKey(r *http.Request) string {
	if authz := r.Header.Get("Authorization"); authz != "" {
		return authz
	}
	host, _, found := strings.Cut(r.RemoteAddr, ":")
	if found {
		return host
	}
	return r.RemoteAddr
}

func boolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
