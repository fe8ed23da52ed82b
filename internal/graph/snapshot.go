package graph

import (
	"hash/fnv"
	"sort"
	"time"
)

// SnapshotNode is the export form of a node.
type SnapshotNode struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Server      string  `json:"server,omitempty"`
	Kind        string  `json:"kind"`
	PageRank    float64 `json:"pagerank"`
	Degree      int     `json:"degree"`
	CommunityID int     `json:"community_id"`
}

// SnapshotEdge is the export form of an edge.
type SnapshotEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Confidence float64 `json:"confidence"`
	Count      int     `json:"count"`
	EdgeType   string  `json:"edge_type"`
	EdgeSource string  `json:"edge_source"`
}

// Snapshot is a self-contained export of the graph for metrics and the UI.
type Snapshot struct {
	Nodes    []SnapshotNode    `json:"nodes"`
	Edges    []SnapshotEdge    `json:"edges"`
	Metadata SnapshotMetadata  `json:"metadata"`
}

// SnapshotMetadata summarizes the exported graph.
type SnapshotMetadata struct {
	ToolCount       int       `json:"tool_count"`
	CapabilityCount int       `json:"capability_count"`
	EdgeCount       int       `json:"edge_count"`
	Density         float64   `json:"density"`
	GeneratedAt     time.Time `json:"generated_at"`
}

const (
	pagerankDamping    = 0.85
	pagerankIterations = 20
	communityBuckets   = 8
)

// Snapshot exports the whole graph with per-node pagerank, degree, and a
// deterministic community assignment.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.tools)+len(s.caps))
	for id := range s.tools {
		ids = append(ids, id)
	}
	for id := range s.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}

	pr := s.pagerankLocked(ids, idx)

	snap := &Snapshot{}
	for i, id := range ids {
		node := SnapshotNode{
			ID:          id,
			Label:       id,
			PageRank:    pr[i],
			Degree:      len(s.out[id]) + len(s.in[id]),
			CommunityID: HashCommunity(id),
		}
		if t, ok := s.tools[id]; ok {
			node.Kind = KindTool.String()
			node.Server = t.Server
		} else {
			node.Kind = KindCapability.String()
			if name := s.caps[id].Name; name != "" {
				node.Label = name
			}
		}
		snap.Nodes = append(snap.Nodes, node)
	}

	for _, e := range s.sortedEdgesLocked() {
		snap.Edges = append(snap.Edges, SnapshotEdge{
			Source:     e.From,
			Target:     e.To,
			Confidence: e.Weight,
			Count:      e.Count,
			EdgeType:   e.Type.String(),
			EdgeSource: e.Source.String(),
		})
	}

	n := len(ids)
	var density float64
	if n >= 2 {
		var pairs int
		for _, set := range s.out {
			pairs += len(set)
		}
		density = float64(pairs) / float64(n*(n-1))
	}
	snap.Metadata = SnapshotMetadata{
		ToolCount:       len(s.tools),
		CapabilityCount: len(s.caps),
		EdgeCount:       len(s.edges),
		Density:         density,
		GeneratedAt:     s.now(),
	}
	return snap
}

// HashCommunity derives a stable community bucket for an id. It is the only
// community assignment the snapshot carries; no graph-based community
// detection runs.
func HashCommunity(id string) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % communityBuckets)
}

func (s *Store) pagerankLocked(ids []string, idx map[string]int) []float64 {
	n := len(ids)
	if n == 0 {
		return nil
	}
	rank := make([]float64, n)
	next := make([]float64, n)
	for i := range rank {
		rank[i] = 1 / float64(n)
	}
	for iter := 0; iter < pagerankIterations; iter++ {
		base := (1 - pagerankDamping) / float64(n)
		for i := range next {
			next[i] = base
		}
		var danglingMass float64
		for i, id := range ids {
			out := s.out[id]
			if len(out) == 0 {
				danglingMass += rank[i]
				continue
			}
			share := pagerankDamping * rank[i] / float64(len(out))
			for to := range out {
				next[idx[to]] += share
			}
		}
		if danglingMass > 0 {
			spread := pagerankDamping * danglingMass / float64(n)
			for i := range next {
				next[i] += spread
			}
		}
		rank, next = next, rank
	}
	return rank
}

func (s *Store) sortedEdgesLocked() []*Edge {
	out := make([]*Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Type < out[j].Type
	})
	return out
}
