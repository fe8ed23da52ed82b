// Package server exposes the HTTP surface: health, the SSE event stream,
// emergence metrics, predictions, and capability scoring.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/casys-ai/toolmind/internal/emergence"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/predict"
	"github.com/casys-ai/toolmind/internal/speculation"
	"github.com/casys-ai/toolmind/internal/trace"
)

// SpeculationExecutor is the cache-bearing speculative runner.
type SpeculationExecutor interface {
	StartSpeculations(predictions []speculation.Prediction, contextData map[string]any, fromToolID string)
	CheckCache(toolID string) any
	ValidateAndConsume(toolID, fromToolID string) any
	DiscardCache()
}

// TraceLearner folds trace batches into the graph.
type TraceLearner interface {
	Process(events []trace.Event) (trace.Stats, error)
}

// TraceObserver receives every ingested batch (episodic history).
type TraceObserver interface {
	ObserveBatch(events []trace.Event)
}

// Scorer ranks candidates against an intent embedding.
type Scorer interface {
	ScoreAllCapabilities(intent []float32) []ScoredCandidate
	ScoreAllTools(intent []float32) []ScoredCandidate
}

// ScoredCandidate mirrors the model's candidate type without importing it.
type ScoredCandidate = struct {
	ID    string
	Score float64
}

// Embedder turns query text into an intent vector.
type Embedder interface {
	Embed(texts []string) ([][]float32, error)
}

// Server wires the subsystems behind the chi router.
type Server struct {
	graph       *graph.Store
	analyzer    *emergence.Analyzer
	facade      *predict.Facade
	speculation *speculation.Manager
	broker      *Broker
	embedder    Embedder
	scoreCaps   func(intent []float32) []ScoredCandidate
	learner     TraceLearner
	observer    TraceObserver
	executor    SpeculationExecutor
}

// Options carries the optional collaborators.
type Options struct {
	Graph       *graph.Store
	Analyzer    *emergence.Analyzer
	Facade      *predict.Facade
	Speculation *speculation.Manager
	Broker      *Broker
	Embedder    Embedder
	ScoreCaps   func(intent []float32) []ScoredCandidate
	Learner     TraceLearner
	Observer    TraceObserver
	Executor    SpeculationExecutor
}

// New builds the server.
func New(opts Options) *Server {
	if opts.Broker == nil {
		opts.Broker = NewBroker()
	}
	if opts.Analyzer == nil {
		opts.Analyzer = emergence.NewAnalyzer()
	}
	return &Server{
		graph:       opts.Graph,
		analyzer:    opts.Analyzer,
		facade:      opts.Facade,
		speculation: opts.Speculation,
		broker:      opts.Broker,
		embedder:    opts.Embedder,
		scoreCaps:   opts.ScoreCaps,
		learner:     opts.Learner,
		observer:    opts.Observer,
		executor:    opts.Executor,
	}
}

// Broker exposes the event broker so other subsystems can publish.
func (s *Server) Broker() *Broker { return s.broker }

// Router builds the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", s.handleHealth)
	r.Get("/events/stream", s.handleEventStream)
	r.Route("/api", func(r chi.Router) {
		r.Get("/metrics/emergence", s.handleEmergence)
		r.Get("/metrics/speculation", s.handleSpeculationMetrics)
		r.Get("/graph/snapshot", s.handleSnapshot)
		r.Post("/predict", s.handlePredict)
		r.Post("/score", s.handleScore)
		r.Post("/traces", s.handleTraces)
		r.Post("/speculate", s.handleSpeculate)
		r.Post("/speculate/consume", s.handleConsume)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := s.broker.Subscribe(r.Context())
	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev := <-events:
			payload, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// rangeDurations maps the supported query ranges.
var rangeDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

func (s *Server) handleEmergence(w http.ResponseWriter, r *http.Request) {
	rangeParam := r.URL.Query().Get("range")
	if rangeParam == "" {
		rangeParam = "24h"
	}
	if _, ok := rangeDurations[rangeParam]; !ok {
		http.Error(w, "range must be one of 1h, 24h, 7d, 30d", http.StatusBadRequest)
		return
	}
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = "user"
	}
	if scope != "user" && scope != "system" {
		http.Error(w, "scope must be user or system", http.StatusBadRequest)
		return
	}

	snap := s.graph.Snapshot()
	metrics := s.analyzer.Analyze(snap, nil)
	report := emergence.BuildReport(s.analyzer, metrics)
	writeJSON(w, http.StatusOK, map[string]any{
		"range":  rangeParam,
		"scope":  scope,
		"report": report,
	})
}

func (s *Server) handleSpeculationMetrics(w http.ResponseWriter, r *http.Request) {
	if s.speculation == nil {
		http.Error(w, "speculation disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.speculation.Metrics())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.graph.Snapshot())
}

type predictRequest struct {
	ContextTools   []string `json:"context_tools"`
	CompletedTasks []string `json:"completed_tasks"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		http.Error(w, "prediction disabled", http.StatusNotFound)
		return
	}
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	predictions := s.facade.PredictNextNodes(req.ContextTools, req.CompletedTasks)
	writeJSON(w, http.StatusOK, map[string]any{"predictions": predictions})
}

type scoreRequest struct {
	Query  string    `json:"query,omitempty"`
	Intent []float32 `json:"intent,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	if s.scoreCaps == nil {
		http.Error(w, "scoring disabled", http.StatusNotFound)
		return
	}
	var req scoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	intent := req.Intent
	if intent == nil {
		if s.embedder == nil || req.Query == "" {
			http.Error(w, "intent vector or query required", http.StatusBadRequest)
			return
		}
		vecs, err := s.embedder.Embed([]string{req.Query})
		if err != nil || len(vecs) == 0 {
			logger.Error("embed query", "error", err)
			http.Error(w, "embedding failed", http.StatusBadGateway)
			return
		}
		intent = vecs[0]
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": s.scoreCaps(intent)})
}

func (s *Server) handleTraces(w http.ResponseWriter, r *http.Request) {
	if s.learner == nil {
		http.Error(w, "trace learning disabled", http.StatusNotFound)
		return
	}
	var events []trace.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	stats, err := s.learner.Process(events)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if s.observer != nil {
		s.observer.ObserveBatch(events)
	}
	s.broker.Publish(Event{Type: "trace_batch", Data: stats})
	writeJSON(w, http.StatusOK, stats)
}

type speculateRequest struct {
	Predictions []speculation.Prediction `json:"predictions"`
	Context     map[string]any           `json:"context,omitempty"`
	FromToolID  string                   `json:"from_tool_id,omitempty"`
}

func (s *Server) handleSpeculate(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		http.Error(w, "speculation disabled", http.StatusNotFound)
		return
	}
	var req speculateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	s.executor.StartSpeculations(req.Predictions, req.Context, req.FromToolID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type consumeRequest struct {
	ToolID     string `json:"tool_id"`
	FromToolID string `json:"from_tool_id,omitempty"`
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	if s.executor == nil {
		http.Error(w, "speculation disabled", http.StatusNotFound)
		return
	}
	var req consumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ToolID == "" {
		http.Error(w, "tool_id required", http.StatusBadRequest)
		return
	}
	result := s.executor.ValidateAndConsume(req.ToolID, req.FromToolID)
	s.broker.Publish(Event{Type: "speculation_consume", Data: map[string]any{
		"tool_id": req.ToolID,
		"hit":     result != nil,
	}})
	writeJSON(w, http.StatusOK, map[string]any{"hit": result != nil, "result": result})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("write response", "error", err)
	}
}
