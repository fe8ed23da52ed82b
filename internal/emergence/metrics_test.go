package emergence

import (
	"fmt"
	"math"
	"testing"

	"github.com/casys-ai/toolmind/internal/graph"
)

// completeSnapshot builds K_n with unit edge weights.
func completeSnapshot(n int) *graph.Snapshot {
	snap := &graph.Snapshot{}
	for i := 0; i < n; i++ {
		snap.Nodes = append(snap.Nodes, graph.SnapshotNode{
			ID:          fmt.Sprintf("n%d", i),
			Degree:      2 * (n - 1),
			CommunityID: i % 2,
		})
	}
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			snap.Edges = append(snap.Edges, graph.SnapshotEdge{
				Source:     fmt.Sprintf("n%d", i),
				Target:     fmt.Sprintf("n%d", j),
				Confidence: 1,
			})
		}
	}
	return snap
}

// K5 sanity: the degree distribution is uniform so structural entropy
// normalizes to exactly 1; the Laplacian spectrum of K_n is {0, n×(n−1)},
// so the Von-Neumann entropy is log2(n−1).
func TestCompleteGraphEntropy(t *testing.T) {
	snap := completeSnapshot(5)
	m := NewAnalyzer().Analyze(snap, nil)

	if math.Abs(m.StructuralEntropy-1.0) > 1e-9 {
		t.Fatalf("structural entropy of K5: want 1.0, got %f", m.StructuralEntropy)
	}
	want := math.Log2(4)
	if math.Abs(m.VonNeumannEntropy-want) > 1e-6 {
		t.Fatalf("von neumann entropy of K5: want %f, got %f", want, m.VonNeumannEntropy)
	}
}

func TestEntropyDeterministic(t *testing.T) {
	snap := completeSnapshot(6)
	a := NewAnalyzer().Analyze(snap, nil)
	b := NewAnalyzer().Analyze(snap, nil)
	if a.VonNeumannEntropy != b.VonNeumannEntropy || a.StructuralEntropy != b.StructuralEntropy {
		t.Fatalf("metrics not deterministic: %+v vs %+v", a, b)
	}
}

// The hyperedge contribution is monotone: each added hyperedge grows the
// operator trace.
func TestHyperedgeMonotoneTrace(t *testing.T) {
	snap := completeSnapshot(5)
	var prev float64
	var edges []Hyperedge
	for i := 0; i < 4; i++ {
		m := NewAnalyzer().Analyze(snap, edges)
		if i > 0 && m.OperatorTrace <= prev {
			t.Fatalf("operator trace must grow with hyperedge count: %f then %f", prev, m.OperatorTrace)
		}
		prev = m.OperatorTrace
		edges = append(edges, Hyperedge{
			ID:      fmt.Sprintf("he%d", i),
			Members: []string{"n0", "n1", "n2"},
			Weight:  1,
		})
	}
}

func TestEmptySnapshot(t *testing.T) {
	m := NewAnalyzer().Analyze(&graph.Snapshot{}, nil)
	if m.VonNeumannEntropy != 0 || m.StructuralEntropy != 0 {
		t.Fatalf("empty snapshot must measure zero: %+v", m)
	}
}

// First call defines stability as 1.0; an unchanged assignment stays 1.0,
// and scrambling communities drops it below.
func TestJaccardStability(t *testing.T) {
	a := NewAnalyzer()
	snap := completeSnapshot(6)

	first := a.Analyze(snap, nil)
	if first.ClusterStability != 1.0 {
		t.Fatalf("first call stability: want 1.0, got %f", first.ClusterStability)
	}
	second := a.Analyze(snap, nil)
	if second.ClusterStability != 1.0 {
		t.Fatalf("unchanged assignment stability: want 1.0, got %f", second.ClusterStability)
	}

	scrambled := completeSnapshot(6)
	for i := range scrambled.Nodes {
		scrambled.Nodes[i].CommunityID = i % 3
	}
	third := a.Analyze(scrambled, nil)
	if third.ClusterStability >= 1.0 {
		t.Fatalf("scrambled assignment must drop stability, got %f", third.ClusterStability)
	}
}

func TestDiversity(t *testing.T) {
	// Two equal communities: normalized entropy 1.
	if got := diversity(map[string]int{"a": 0, "b": 0, "c": 1, "d": 1}); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("balanced diversity: want 1.0, got %f", got)
	}
	// Single community: no diversity.
	if got := diversity(map[string]int{"a": 0, "b": 0}); got != 0 {
		t.Fatalf("single community diversity: want 0, got %f", got)
	}
}

func TestDetectPhase(t *testing.T) {
	flat := []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	if phase, _ := DetectPhase(flat); phase != PhaseStable {
		t.Fatalf("flat history: want stable, got %s", phase)
	}

	rising := []float64{1, 1, 1, 1, 1, 2, 2, 2, 2, 2}
	if phase, delta := DetectPhase(rising); phase != PhaseExpansion || delta <= phaseTransitionDelta {
		t.Fatalf("rising history: want expansion, got %s (%f)", phase, delta)
	}

	falling := []float64{2, 2, 2, 2, 2, 1, 1, 1, 1, 1}
	if phase, _ := DetectPhase(falling); phase != PhaseConsolidation {
		t.Fatalf("falling history: want consolidation, got %s", phase)
	}

	short := []float64{1, 2}
	if phase, _ := DetectPhase(short); phase != PhaseStable {
		t.Fatalf("short history: want stable, got %s", phase)
	}
}

func TestBuildReport(t *testing.T) {
	a := NewAnalyzer()
	snap := completeSnapshot(5)
	var m Metrics
	for i := 0; i < 10; i++ {
		m = a.Analyze(snap, nil)
	}
	report := BuildReport(a, m)
	if report.Phase != PhaseStable {
		t.Fatalf("constant snapshots: want stable phase, got %s", report.Phase)
	}
	if len(report.EntropyHistory) != 10 {
		t.Fatalf("history length: want 10, got %d", len(report.EntropyHistory))
	}
	if len(report.Recommendations) == 0 {
		t.Fatalf("report must carry recommendations")
	}
	if report.Thresholds.HighEntropy <= 0 {
		t.Fatalf("thresholds must be size-adjusted positive values")
	}
}
