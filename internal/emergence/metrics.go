// Package emergence computes the graph-level signals that track whether the
// capability ecosystem is growing structure or noise: tensor entropy,
// cluster stability, diversity, and phase-transition detection.
package emergence

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/casys-ai/toolmind/internal/graph"
)

// Hyperedge is the set-valued edge form supplied alongside a snapshot.
type Hyperedge struct {
	ID      string   `json:"id"`
	Members []string `json:"members"`
	Weight  float64  `json:"weight"`
}

// Metrics is the deterministic, side-effect-free measurement of one
// snapshot.
type Metrics struct {
	VonNeumannEntropy   float64 `json:"von_neumann_entropy"`
	StructuralEntropy   float64 `json:"structural_entropy"`
	ClusterStability    float64 `json:"cluster_stability"`
	CapabilityDiversity float64 `json:"capability_diversity"`
	NodeCount           int     `json:"node_count"`
	EdgeCount           int     `json:"edge_count"`
	OperatorTrace       float64 `json:"operator_trace"`
}

// Phase classifies the entropy trend.
type Phase string

const (
	PhaseStable        Phase = "stable"
	PhaseExpansion     Phase = "expansion"
	PhaseConsolidation Phase = "consolidation"
)

// Phase-transition detection window and gate.
const (
	movingAvgWindow      = 5
	phaseTransitionDelta = 0.2
)

// Analyzer carries the cross-snapshot state: previous community assignment
// for Jaccard stability and the entropy history for phase detection.
type Analyzer struct {
	prevCommunities map[string]int
	history         []float64
}

// NewAnalyzer returns an analyzer with no history.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// Analyze measures one snapshot and folds it into the history. Entropy and
// diversity run in O(|V|+|E|) plus the eigendecomposition; the Jaccard pass
// is O(|V|²) over node pairs.
func (a *Analyzer) Analyze(snap *graph.Snapshot, hyperedges []Hyperedge) Metrics {
	m := Metrics{
		NodeCount: len(snap.Nodes),
		EdgeCount: len(snap.Edges),
	}
	m.VonNeumannEntropy, m.OperatorTrace = vonNeumannEntropy(snap, hyperedges)
	m.StructuralEntropy = structuralEntropy(snap)

	current := communities(snap)
	m.ClusterStability = jaccardStability(a.prevCommunities, current)
	a.prevCommunities = current

	m.CapabilityDiversity = diversity(current)

	a.history = append(a.history, m.VonNeumannEntropy)
	return m
}

// History returns the recorded entropy series.
func (a *Analyzer) History() []float64 {
	out := make([]float64, len(a.history))
	copy(out, a.history)
	return out
}

// PhaseTransition compares the 5-point moving averages of the two most
// recent windows: a positive jump beyond the gate is expansion, a negative
// one consolidation.
func (a *Analyzer) PhaseTransition() (Phase, float64) {
	return DetectPhase(a.history)
}

// DetectPhase is the pure form of PhaseTransition over any entropy series.
func DetectPhase(history []float64) (Phase, float64) {
	if len(history) < 2*movingAvgWindow {
		return PhaseStable, 0
	}
	n := len(history)
	recent := meanOf(history[n-movingAvgWindow:])
	previous := meanOf(history[n-2*movingAvgWindow : n-movingAvgWindow])
	delta := recent - previous
	switch {
	case delta > phaseTransitionDelta:
		return PhaseExpansion, delta
	case delta < -phaseTransitionDelta:
		return PhaseConsolidation, delta
	default:
		return PhaseStable, delta
	}
}

// vonNeumannEntropy builds the combinatorial Laplacian of the symmetrized
// weighted adjacency, adds the hyperedge incidence Laplacian B·W·Bᵀ, and
// takes the Shannon entropy of the normalized non-negative eigen-spectrum.
// The operator trace grows with every hyperedge, keeping the contribution
// monotone in hyperedge count.
func vonNeumannEntropy(snap *graph.Snapshot, hyperedges []Hyperedge) (float64, float64) {
	n := len(snap.Nodes)
	if n == 0 {
		return 0, 0
	}
	idx := make(map[string]int, n)
	for i, node := range snap.Nodes {
		idx[node.ID] = i
	}

	adj := make([]float64, n*n)
	addSym := func(i, j int, w float64) {
		if i == j {
			return
		}
		adj[i*n+j] += w
		adj[j*n+i] += w
	}
	for _, e := range snap.Edges {
		si, ok1 := idx[e.Source]
		ti, ok2 := idx[e.Target]
		if !ok1 || !ok2 {
			continue
		}
		addSym(si, ti, e.Confidence/2)
	}
	// Hyperedge Laplacian: each hyperedge contributes w to every member
	// pair, which adds w·(k−1) to each member's diagonal mass.
	for _, he := range hyperedges {
		w := he.Weight
		if w <= 0 {
			w = 1
		}
		var members []int
		for _, m := range he.Members {
			if i, ok := idx[m]; ok {
				members = append(members, i)
			}
		}
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				addSym(members[i], members[j], w)
			}
		}
	}

	// L = D − A.
	lap := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		var deg float64
		for j := 0; j < n; j++ {
			deg += adj[i*n+j]
		}
		lap.SetSym(i, i, deg)
		for j := i + 1; j < n; j++ {
			lap.SetSym(i, j, -adj[i*n+j])
		}
	}

	var eig mat.EigenSym
	if !eig.Factorize(lap, false) {
		return 0, 0
	}
	values := eig.Values(nil)

	var total float64
	for _, v := range values {
		if v > 0 {
			total += v
		}
	}
	if total == 0 {
		return 0, 0
	}
	var entropy float64
	for _, v := range values {
		if v <= 0 {
			continue
		}
		p := v / total
		entropy -= p * math.Log2(p)
	}
	return entropy, total
}

// structuralEntropy is the Shannon entropy of the degree distribution,
// normalized by log(n).
func structuralEntropy(snap *graph.Snapshot) float64 {
	n := len(snap.Nodes)
	if n < 2 {
		return 0
	}
	var total float64
	degrees := make([]float64, n)
	for i, node := range snap.Nodes {
		degrees[i] = float64(node.Degree)
		total += degrees[i]
	}
	if total == 0 {
		return 0
	}
	var entropy float64
	for _, d := range degrees {
		if d == 0 {
			continue
		}
		p := d / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(n))
}

// communities reads the snapshot's community assignment, which the graph
// export always fills with hash-derived buckets.
func communities(snap *graph.Snapshot) map[string]int {
	out := make(map[string]int, len(snap.Nodes))
	for _, node := range snap.Nodes {
		out[node.ID] = node.CommunityID
	}
	return out
}

// jaccardStability counts node pairs co-clustered in both assignments vs in
// either. First call (no previous assignment) is defined as 1.0.
func jaccardStability(prev, cur map[string]int) float64 {
	if prev == nil {
		return 1.0
	}
	ids := make([]string, 0, len(cur))
	for id := range cur {
		if _, ok := prev[id]; ok {
			ids = append(ids, id)
		}
	}
	if len(ids) < 2 {
		return 1.0
	}
	var intersection, union int
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			sameBefore := prev[ids[i]] == prev[ids[j]]
			sameNow := cur[ids[i]] == cur[ids[j]]
			if sameBefore && sameNow {
				intersection++
			}
			if sameBefore || sameNow {
				union++
			}
		}
	}
	if union == 0 {
		return 1.0
	}
	return float64(intersection) / float64(union)
}

// diversity is the normalized Shannon entropy of the community-size
// distribution.
func diversity(assignment map[string]int) float64 {
	if len(assignment) == 0 {
		return 0
	}
	sizes := make(map[int]int)
	for _, c := range assignment {
		sizes[c]++
	}
	if len(sizes) < 2 {
		return 0
	}
	total := float64(len(assignment))
	var entropy float64
	for _, size := range sizes {
		p := float64(size) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(sizes)))
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
