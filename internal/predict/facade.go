// Package predict composes the graph signals into next-node predictions:
// capability context matches, learned sequence edges, community boosts, and
// episodic success adjustments, with confidence clamped to configuration.
package predict

import (
	"fmt"
	"sort"

	"github.com/casys-ai/toolmind/internal/graph"
)

// PredictedNode is one ranked prediction with its provenance.
type PredictedNode struct {
	ToolID     string  `json:"tool_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
	Source     string  `json:"source"` // co-occurrence, community, learned, hint, capability
}

// EpisodicStats summarizes a node's observed history.
type EpisodicStats struct {
	SuccessRate float64
	Uses        int
}

// EpisodicSource serves per-node history; a false second result means no
// history.
type EpisodicSource interface {
	Stats(nodeID string) (EpisodicStats, bool)
}

// Config clamps and weights the facade's output.
type Config struct {
	ConfidenceFloor float64
	MaxConfidence   float64
	// LocalAlpha is the trust-in-graph factor multiplying every
	// graph-derived confidence.
	LocalAlpha float64
}

func (c Config) withDefaults() Config {
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = 0.99
	}
	if c.ConfidenceFloor < 0 {
		c.ConfidenceFloor = 0
	}
	if c.LocalAlpha <= 0 {
		c.LocalAlpha = 1
	}
	return c
}

// Episodic gates: nodes failing this often are excluded, nodes succeeding
// get boosted.
const (
	episodicMinUses     = 3
	episodicExcludeRate = 0.2
	episodicBoostRate   = 0.8
	episodicBoost       = 0.1
	communityBoost      = 0.05
)

// Facade builds predictions over the shared graph store.
type Facade struct {
	graph    *graph.Store
	episodic EpisodicSource
	cfg      Config
}

// New builds a facade. episodic may be nil.
func New(g *graph.Store, episodic EpisodicSource, cfg Config) *Facade {
	return &Facade{graph: g, episodic: episodic, cfg: cfg.withDefaults()}
}

// PredictNextNodes ranks likely next tools/capabilities given the tools in
// context and the completed task ids, most recent last.
func (f *Facade) PredictNextNodes(contextTools, completedTasks []string) []PredictedNode {
	best := make(map[string]PredictedNode)
	consider := func(p PredictedNode) {
		if cur, ok := best[p.ToolID]; !ok || p.Confidence > cur.Confidence {
			best[p.ToolID] = p
		}
	}

	// Capability context matching: fuzzy member overlap.
	for _, match := range f.graph.SearchByContext(contextTools) {
		consider(PredictedNode{
			ToolID:     match.ID,
			Confidence: match.Overlap * f.cfg.LocalAlpha,
			Reasoning:  fmt.Sprintf("capability members overlap context (jaccard %.2f)", match.Overlap),
			Source:     "capability",
		})
	}

	// Sequence and co-occurrence edges out of the last completed task.
	var last string
	if len(completedTasks) > 0 {
		last = completedTasks[len(completedTasks)-1]
	}
	if last != "" {
		for _, next := range f.graph.Neighbors(last) {
			edge, ok := f.graph.AnyEdge(last, next)
			if !ok || edge.Type == graph.EdgeContains {
				continue
			}
			source := "co-occurrence"
			if edge.Source == graph.SourceLearned {
				source = "learned"
			}
			consider(PredictedNode{
				ToolID:     next,
				Confidence: edge.Weight * f.cfg.LocalAlpha,
				Reasoning:  fmt.Sprintf("%s edge from %s (weight %.2f, count %d)", edge.Type, last, edge.Weight, edge.Count),
				Source:     source,
			})
		}

		// Community boost: same-cluster nodes ride along.
		lastCommunity := graph.HashCommunity(last)
		for _, p := range best {
			if graph.HashCommunity(p.ToolID) == lastCommunity && p.ToolID != last {
				boosted := p
				boosted.Confidence += communityBoost
				boosted.Source = p.Source
				best[p.ToolID] = boosted
			}
		}
	}

	// Episodic adjustments: drop chronic failures, boost proven nodes.
	out := make([]PredictedNode, 0, len(best))
	for _, p := range best {
		if f.episodic != nil {
			if stats, ok := f.episodic.Stats(p.ToolID); ok && stats.Uses >= episodicMinUses {
				if stats.SuccessRate < episodicExcludeRate {
					continue
				}
				if stats.SuccessRate > episodicBoostRate {
					p.Confidence += episodicBoost
					p.Reasoning += "; boosted by success history"
				}
			}
		}
		p.Confidence = f.clamp(p.Confidence)
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ToolID < out[j].ToolID
	})
	return out
}

func (f *Facade) clamp(c float64) float64 {
	if c < f.cfg.ConfidenceFloor {
		return f.cfg.ConfidenceFloor
	}
	if c > f.cfg.MaxConfidence {
		return f.cfg.MaxConfidence
	}
	return c
}
