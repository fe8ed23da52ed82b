package trace

import (
	"fmt"
	"hash/fnv"

	"github.com/casys-ai/toolmind/internal/embedding"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/logger"
)

// DependencyStore persists durable capability→capability dependency rows.
// The sqlite store implements it; tests use an in-memory fake.
type DependencyStore interface {
	SaveCapabilityDependency(parentID, childID string) error
}

// Stats reports what one batch changed.
type Stats struct {
	NodesCreated int `json:"nodes_created"`
	EdgesCreated int `json:"edges_created"`
	EdgesUpdated int `json:"edges_updated"`
}

// Learner folds trace batches into the graph: contains edges for
// parent/child spans, sequence edges for consecutive siblings. Replaying an
// already-processed batch is a no-op.
type Learner struct {
	store *graph.Store
	deps  DependencyStore
	dims  int

	processed map[uint64]struct{}
}

// NewLearner builds a learner over the graph store. deps may be nil when no
// durable dependency persistence is wired.
func NewLearner(store *graph.Store, deps DependencyStore, dims int) *Learner {
	if dims <= 0 {
		dims = embedding.DefaultDims
	}
	return &Learner{
		store:     store,
		deps:      deps,
		dims:      dims,
		processed: make(map[uint64]struct{}),
	}
}

// Process learns from one batch of events sharing a root trace. Events are
// handled strictly in the order received. Idempotent on replay: the batch
// fingerprint is remembered and a second pass changes nothing.
func (l *Learner) Process(events []Event) (Stats, error) {
	var stats Stats
	if len(events) == 0 {
		return stats, nil
	}
	fp := fingerprint(events)
	if _, done := l.processed[fp]; done {
		return stats, nil
	}

	// Span index: trace id → node, from every end event.
	type span struct {
		nodeID string
		isCap  bool
		parent string
	}
	spans := make(map[string]span)
	var order []string
	for _, ev := range events {
		if !ev.IsEnd() {
			continue
		}
		if _, dup := spans[ev.TraceID]; dup {
			continue
		}
		spans[ev.TraceID] = span{
			nodeID: ev.NodeID,
			isCap:  ev.Type == CapabilityEnd,
			parent: ev.ParentTraceID,
		}
		order = append(order, ev.TraceID)
	}

	ensure := func(nodeID string, isCap bool) error {
		if l.store.HasNode(nodeID) {
			return nil
		}
		stats.NodesCreated++
		if isCap {
			return l.store.RegisterCapability(nodeID, graph.CapabilityOptions{
				Embedding: embedding.DefaultVector(nodeID, l.dims),
				Source:    graph.CapLearned,
			})
		}
		return l.store.RegisterTool(nodeID, embedding.DefaultVector(nodeID, l.dims))
	}

	upsert := func(from, to string, typ graph.EdgeType) error {
		_, existed := l.store.GetEdgeData(from, to, typ)
		if err := l.store.AddEdge(from, to, graph.EdgeOptions{Type: typ, Source: graph.SourceObserved}); err != nil {
			return err
		}
		if existed {
			stats.EdgesUpdated++
		} else {
			stats.EdgesCreated++
		}
		return nil
	}

	// Parent→child containment.
	children := make(map[string][]string) // parent trace id → child trace ids, in order
	for _, tid := range order {
		sp := spans[tid]
		if err := ensure(sp.nodeID, sp.isCap); err != nil {
			return stats, fmt.Errorf("trace learner: %w", err)
		}
		if sp.parent == "" {
			continue
		}
		parent, ok := spans[sp.parent]
		if !ok {
			continue
		}
		children[sp.parent] = append(children[sp.parent], tid)
		if err := ensure(parent.nodeID, parent.isCap); err != nil {
			return stats, fmt.Errorf("trace learner: %w", err)
		}
		if parent.nodeID == sp.nodeID {
			continue
		}
		if err := upsert(parent.nodeID, sp.nodeID, graph.EdgeContains); err != nil {
			return stats, fmt.Errorf("trace learner: %w", err)
		}
		if parent.isCap && sp.isCap && l.deps != nil {
			if err := l.deps.SaveCapabilityDependency(parent.nodeID, sp.nodeID); err != nil {
				logger.Warn("persist capability dependency", "parent", parent.nodeID, "child", sp.nodeID, "error", err)
			}
		}
	}

	// Sibling ordering: consecutive children under the same parent.
	for _, tids := range children {
		for i := 1; i < len(tids); i++ {
			prev, cur := spans[tids[i-1]], spans[tids[i]]
			if prev.nodeID == cur.nodeID {
				continue
			}
			if err := upsert(prev.nodeID, cur.nodeID, graph.EdgeSequence); err != nil {
				return stats, fmt.Errorf("trace learner: %w", err)
			}
		}
	}

	l.processed[fp] = struct{}{}
	return stats, nil
}

func fingerprint(events []Event) uint64 {
	h := fnv.New64a()
	for _, ev := range events {
		h.Write([]byte(ev.TraceID))
		h.Write([]byte{0})
		h.Write([]byte(ev.Type))
		h.Write([]byte{0})
		h.Write([]byte(ev.NodeID))
		h.Write([]byte{0xff})
	}
	return h.Sum64()
}
