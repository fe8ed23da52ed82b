// Package memory tracks per-node execution history: success rates, usage
// counts, and recency. The prediction facade reads it to boost proven
// nodes and exclude chronic failures.
package memory

import (
	"sync"
	"time"

	"github.com/casys-ai/toolmind/internal/predict"
	"github.com/casys-ai/toolmind/internal/trace"
)

type record struct {
	uses      int
	successes int
	lastUsed  time.Time
}

// Episodic is an in-memory history store fed by trace events.
type Episodic struct {
	mu      sync.RWMutex
	records map[string]*record

	now func() time.Time
}

// NewEpisodic returns an empty history.
func NewEpisodic() *Episodic {
	return &Episodic{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// Observe folds one end event into the history.
func (e *Episodic) Observe(ev trace.Event) {
	if !ev.IsEnd() || ev.NodeID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[ev.NodeID]
	if !ok {
		rec = &record{}
		e.records[ev.NodeID] = rec
	}
	rec.uses++
	if ev.Success {
		rec.successes++
	}
	rec.lastUsed = e.now()
}

// ObserveBatch folds a whole trace batch.
func (e *Episodic) ObserveBatch(events []trace.Event) {
	for _, ev := range events {
		e.Observe(ev)
	}
}

// Stats implements predict.EpisodicSource.
func (e *Episodic) Stats(nodeID string) (predict.EpisodicStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[nodeID]
	if !ok || rec.uses == 0 {
		return predict.EpisodicStats{}, false
	}
	return predict.EpisodicStats{
		SuccessRate: float64(rec.successes) / float64(rec.uses),
		Uses:        rec.uses,
	}, true
}

// Recency returns how recently a node ran, scaled to [0,1] over the given
// horizon (1 = just now, 0 = at or beyond the horizon, or never).
func (e *Episodic) Recency(nodeID string, horizon time.Duration) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[nodeID]
	if !ok || rec.lastUsed.IsZero() || horizon <= 0 {
		return 0
	}
	age := e.now().Sub(rec.lastUsed)
	if age >= horizon {
		return 0
	}
	return 1 - float64(age)/float64(horizon)
}
