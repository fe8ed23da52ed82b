// Package speculation gates, runs, and accounts for speculative execution
// of predicted next tools: confidence thresholds, a dangerous-operation
// blacklist, hit/miss metrics, and pattern reinforcement into the graph.
package speculation

import (
	"strings"
	"sync"

	"github.com/casys-ai/toolmind/internal/logger"
)

// DangerousOperations is the build-time blacklist. A tool whose id contains
// any of these substrings (case-insensitive) is never speculated.
var DangerousOperations = []string{
	"delete", "remove", "deploy", "payment", "send_email",
	"execute_shell", "drop", "truncate", "transfer", "admin",
}

// IsDangerous reports whether a tool id matches the blacklist.
func IsDangerous(toolID string) bool {
	lower := strings.ToLower(toolID)
	for _, op := range DangerousOperations {
		if strings.Contains(lower, op) {
			return true
		}
	}
	return false
}

// Prediction is a candidate next call with the model's confidence.
type Prediction struct {
	ID         string  `json:"id"`
	ToolID     string  `json:"tool_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Outcome records what happened to one speculation once the main path
// decided.
type Outcome struct {
	PredictionID    string  `json:"prediction_id"`
	ToolID          string  `json:"tool_id"`
	WasCorrect      bool    `json:"was_correct"`
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	Confidence      float64 `json:"confidence"`
}

// Metrics is the manager's counter snapshot. Counters are strictly
// monotone.
type Metrics struct {
	TotalSpeculations int64   `json:"total_speculations"`
	TotalHits         int64   `json:"total_hits"`
	TotalMisses       int64   `json:"total_misses"`
	TotalSavedMs      int64   `json:"total_saved_ms"`
	TotalWastedMs     int64   `json:"total_wasted_ms"`
	NetBenefitMs      int64   `json:"net_benefit_ms"`
	HitRate           float64 `json:"hit_rate"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

// ManagerConfig is the static gating configuration.
type ManagerConfig struct {
	Enabled             bool
	ConfidenceThreshold float64
	MaxConcurrent       int
}

// Reinforcer is the graph-store hook invoked on a hit.
type Reinforcer interface {
	ReinforcePattern(from, to string) error
}

// Manager applies the gating rules and keeps the accounting. All increments
// are serialized.
type Manager struct {
	mu       sync.Mutex
	cfg      ManagerConfig
	adaptive *AdaptiveThreshold
	graph    Reinforcer

	totalSpeculations int64
	totalHits         int64
	totalMisses       int64
	totalSavedMs      int64
	totalWastedMs     int64
}

// NewManager builds a manager. adaptive and graph may be nil.
func NewManager(cfg ManagerConfig, adaptive *AdaptiveThreshold, graph Reinforcer) *Manager {
	return &Manager{cfg: cfg, adaptive: adaptive, graph: graph}
}

// CurrentThreshold is the adaptive suggestion when an adaptive manager is
// attached, else the static configured threshold.
func (m *Manager) CurrentThreshold() float64 {
	if m.adaptive != nil {
		return m.adaptive.Suggestion()
	}
	return m.cfg.ConfidenceThreshold
}

// ShouldSpeculate is true iff speculation is enabled, the prediction clears
// the current threshold, and the tool is not blacklisted.
func (m *Manager) ShouldSpeculate(p Prediction) bool {
	if !m.cfg.Enabled {
		return false
	}
	if p.Confidence < m.CurrentThreshold() {
		return false
	}
	return !IsDangerous(p.ToolID)
}

// FilterForSpeculation keeps prediction order, drops gated predictions, and
// caps the result at the concurrency limit.
func (m *Manager) FilterForSpeculation(predictions []Prediction) []Prediction {
	var out []Prediction
	for _, p := range predictions {
		if !m.ShouldSpeculate(p) {
			continue
		}
		out = append(out, p)
		if m.cfg.MaxConcurrent > 0 && len(out) >= m.cfg.MaxConcurrent {
			break
		}
	}
	return out
}

// RecordSpeculationStarted bumps the speculation counter.
func (m *Manager) RecordSpeculationStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalSpeculations++
}

// RecordOutcome folds one consume decision into the counters; a hit with a
// known predecessor also reinforces the from→to pattern in the graph.
func (m *Manager) RecordOutcome(o Outcome, fromToolID string) {
	m.mu.Lock()
	if o.WasCorrect {
		m.totalHits++
		m.totalSavedMs += o.ExecutionTimeMs
	} else {
		m.totalMisses++
		m.totalWastedMs += o.ExecutionTimeMs
	}
	m.mu.Unlock()

	if m.adaptive != nil {
		m.adaptive.Record(o.WasCorrect)
	}
	if o.WasCorrect && fromToolID != "" && m.graph != nil {
		if err := m.graph.ReinforcePattern(fromToolID, o.ToolID); err != nil {
			logger.Warn("reinforce pattern", "from", fromToolID, "to", o.ToolID, "error", err)
		}
	}
}

// Metrics returns the counter snapshot.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{
		TotalSpeculations: m.totalSpeculations,
		TotalHits:         m.totalHits,
		TotalMisses:       m.totalMisses,
		TotalSavedMs:      m.totalSavedMs,
		TotalWastedMs:     m.totalWastedMs,
		NetBenefitMs:      m.totalSavedMs - m.totalWastedMs,
	}
	if m.totalSpeculations > 0 {
		out.HitRate = float64(m.totalHits) / float64(m.totalSpeculations)
		out.FalsePositiveRate = float64(m.totalMisses) / float64(m.totalSpeculations)
	}
	return out
}
