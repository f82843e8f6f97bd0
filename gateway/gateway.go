// Package gateway exposes the orchestrator over HTTP: session start/cancel,
// read-model queries, suggestion bookkeeping, and a websocket endpoint that
// pushes live session events to watchers.
package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/c360/studymatch/config"
	"github.com/c360/studymatch/errors"
	"github.com/c360/studymatch/health"
	"github.com/c360/studymatch/session"
	"github.com/c360/studymatch/store"
	"github.com/c360/studymatch/stream"
)

// apiPrefix is the root of all API routes
const apiPrefix = "/api/v1"

// getOrGenerateRequestID extracts the request ID from headers or generates a
// new one for tracing
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// Gateway serves the StudyMatch HTTP API
type Gateway struct {
	manager *session.Manager
	store   *store.Store
	cfg     config.HTTPConfig
	logger  *slog.Logger

	startTime time.Time

	// Metrics (atomic operations)
	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
}

// NewGateway creates a gateway over the given manager and store
func NewGateway(manager *session.Manager, st *store.Store, cfg config.HTTPConfig, logger *slog.Logger) (*Gateway, error) {
	if manager == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"session manager is required")
	}
	if st == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxRequestSize <= 0 {
		cfg.MaxRequestSize = 4 << 20
	}

	return &Gateway{
		manager:   manager,
		store:     st,
		cfg:       cfg,
		logger:    logger,
		startTime: time.Now(),
	}, nil
}

// RegisterHandlers registers all gateway routes with the mux
func (g *Gateway) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("POST "+apiPrefix+"/sessions/start", g.wrap(g.handleStart))
	mux.HandleFunc("POST "+apiPrefix+"/sessions/cancel", g.wrap(g.handleCancel))
	mux.HandleFunc("POST "+apiPrefix+"/sessions/cancel-all", g.wrap(g.handleCancelAll))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/status", g.wrap(g.handleStatus))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/classifications", g.wrap(g.handleClassifications))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/events", g.wrap(g.handleEvents))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/running", g.wrap(g.handleRunning))
	mux.HandleFunc("GET "+apiPrefix+"/sessions/watch", g.handleWatch)
	mux.HandleFunc("POST "+apiPrefix+"/suggestions/dismiss", g.wrap(g.handleDismissSuggestion))
	mux.HandleFunc("GET "+apiPrefix+"/suggestions/dismissed", g.wrap(g.handleSuggestionDismissed))
	mux.HandleFunc("POST "+apiPrefix+"/suggestions/clear", g.wrap(g.handleClearSuggestions))
	mux.HandleFunc("GET /healthz", g.wrap(g.handleHealth))

	// Method-qualified patterns do not match preflight requests, so CORS
	// preflight gets its own catch-all
	mux.HandleFunc("OPTIONS "+apiPrefix+"/", g.wrap(func(http.ResponseWriter, *http.Request) {}))
}

// wrap applies request IDs, CORS, and request accounting to a handler
func (g *Gateway) wrap(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)
		g.requestsTotal.Add(1)

		if g.cfg.EnableCORS {
			g.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		handler(w, r)
	}
}

// applyCORS applies CORS headers to the response
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range g.cfg.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

// startRequest is the body of POST /sessions/start. Report and studies are
// passed through to the upstream pipeline opaquely.
type startRequest struct {
	BatchID         string                  `json:"batch_id"`
	ReportIndex     int                     `json:"report_index"`
	Report          json.RawMessage         `json:"report"`
	Studies         []json.RawMessage       `json:"studies"`
	Model           string                  `json:"model,omitempty"`
	IncludePDF      *bool                   `json:"include_pdf,omitempty"`
	Temperature     *float64                `json:"temperature,omitempty"`
	PromptOverrides *stream.PromptOverrides `json:"prompt_overrides,omitempty"`
}

// keyRequest is the body of cancel and suggestion-free session operations
type keyRequest struct {
	BatchID     string `json:"batch_id"`
	ReportIndex int    `json:"report_index"`
}

func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.BatchID == "" {
		g.writeError(w, http.StatusBadRequest, "batch_id is required")
		return
	}
	if req.ReportIndex < 0 {
		g.writeError(w, http.StatusBadRequest, "report_index cannot be negative")
		return
	}

	key := store.Key{BatchID: req.BatchID, ReportIndex: req.ReportIndex}
	evalReq := &stream.EvaluateRequest{
		Report:          req.Report,
		Studies:         req.Studies,
		Model:           req.Model,
		IncludePDF:      req.IncludePDF,
		Temperature:     req.Temperature,
		PromptOverrides: req.PromptOverrides,
	}

	sessionID, err := g.manager.Start(r.Context(), key, evalReq)
	if err != nil {
		g.writeSessionError(w, err)
		return
	}

	view, _ := g.store.Snapshot(key)
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"session_id": sessionID,
		"session":    view,
	})
}

func (g *Gateway) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	key := store.Key{BatchID: req.BatchID, ReportIndex: req.ReportIndex}
	if err := g.manager.Cancel(key); err != nil {
		g.writeSessionError(w, err)
		return
	}

	view, _ := g.store.Snapshot(key)
	g.writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (g *Gateway) handleCancelAll(w http.ResponseWriter, _ *http.Request) {
	g.manager.CancelAll()
	g.writeJSON(w, http.StatusOK, map[string]any{
		"running_count": g.manager.RunningCount(),
	})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	key, ok := g.queryKey(w, r)
	if !ok {
		return
	}

	// No session yet is a valid observable state (idle), not an error
	view, _ := g.store.Snapshot(key)
	g.writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (g *Gateway) handleClassifications(w http.ResponseWriter, r *http.Request) {
	key, ok := g.queryKey(w, r)
	if !ok {
		return
	}

	results := g.store.Classifications(key)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"key":             key,
		"classifications": results,
	})
}

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	key, ok := g.queryKey(w, r)
	if !ok {
		return
	}

	events := g.store.Events(key)
	g.writeJSON(w, http.StatusOK, map[string]any{
		"key":    key,
		"events": events,
	})
}

func (g *Gateway) handleRunning(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{
		"count": g.manager.RunningCount(),
		"max":   g.manager.MaxConcurrent(),
	})
}

type suggestionRequest struct {
	Key string `json:"key"`
}

func (g *Gateway) handleDismissSuggestion(w http.ResponseWriter, r *http.Request) {
	var req suggestionRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	if req.Key == "" {
		g.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	g.store.DismissSuggestion(req.Key)
	g.writeJSON(w, http.StatusOK, map[string]any{"dismissed": true})
}

func (g *Gateway) handleSuggestionDismissed(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		g.writeError(w, http.StatusBadRequest, "key query parameter is required")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]any{
		"key":       key,
		"dismissed": g.store.IsSuggestionDismissed(key),
	})
}

func (g *Gateway) handleClearSuggestions(w http.ResponseWriter, _ *http.Request) {
	g.store.ClearDismissedSuggestions()
	g.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := health.Aggregate("studymatch",
		health.Healthy("gateway", fmt.Sprintf("uptime %s", time.Since(g.startTime).Round(time.Second))),
		g.manager.Health(),
	)

	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

// queryKey extracts the session key from query parameters
func (g *Gateway) queryKey(w http.ResponseWriter, r *http.Request) (store.Key, bool) {
	batchID := r.URL.Query().Get("batch_id")
	if batchID == "" {
		g.writeError(w, http.StatusBadRequest, "batch_id query parameter is required")
		return store.Key{}, false
	}

	idxStr := r.URL.Query().Get("report_index")
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 {
		g.writeError(w, http.StatusBadRequest, "report_index must be a non-negative integer")
		return store.Key{}, false
	}

	return store.Key{BatchID: batchID, ReportIndex: idx}, true
}

// decodeBody reads and decodes a JSON request body with a size limit
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	bodyReader := io.LimitReader(r.Body, g.cfg.MaxRequestSize+1)
	body, err := io.ReadAll(bodyReader)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > g.cfg.MaxRequestSize {
		g.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", g.cfg.MaxRequestSize))
		return false
	}

	if err := json.Unmarshal(body, dst); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeSessionError maps manager errors to HTTP responses. Admission
// rejection gets a dedicated shape carrying the running count so callers can
// present it; it is an expected outcome, not a server failure.
func (g *Gateway) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case stderrors.Is(err, errors.ErrAtCapacity):
		g.writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "session capacity reached",
			"running_count": g.manager.RunningCount(),
			"max":           g.manager.MaxConcurrent(),
		})
	case stderrors.Is(err, errors.ErrSessionNotFound), stderrors.Is(err, errors.ErrNotStreaming):
		g.writeError(w, http.StatusNotFound, "no streaming session for key")
	case errors.IsInvalid(err):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.IsTransient(err):
		g.writeError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable")
	default:
		g.writeError(w, http.StatusInternalServerError, "internal server error")
	}
	g.requestsFailed.Add(1)
}

// writeJSON writes a JSON response
func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		g.requestsFailed.Add(1)
		return
	}
	if statusCode < 400 {
		g.requestsSuccess.Add(1)
	}
}

// writeError writes an error response
func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]any{
		"error":  message,
		"status": statusCode,
	}
	data, _ := json.Marshal(response)
	_, _ = w.Write(data)
	g.requestsFailed.Add(1)
}
