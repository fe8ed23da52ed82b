package predict

import (
	"testing"

	"github.com/casys-ai/toolmind/internal/graph"
)

type memEpisodic map[string]EpisodicStats

func (m memEpisodic) Stats(id string) (EpisodicStats, bool) {
	s, ok := m[id]
	return s, ok
}

func facadeStore(t *testing.T) *graph.Store {
	t.Helper()
	g := graph.NewStore(graph.Limits{})
	for _, id := range []string{"read", "parse", "write", "upload"} {
		if err := g.RegisterTool(id, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.RegisterCapability("ingest", graph.CapabilityOptions{Members: []string{"read", "parse"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.AddEdge("read", "parse", graph.EdgeOptions{Type: graph.EdgeSequence, Source: graph.SourceObserved}); err != nil {
		t.Fatal(err)
	}
	if err := g.ReinforcePattern("parse", "write"); err != nil {
		t.Fatal(err)
	}
	return g
}

func TestPredictFromSequenceEdges(t *testing.T) {
	g := facadeStore(t)
	f := New(g, nil, Config{})

	got := f.PredictNextNodes(nil, []string{"read"})
	var found bool
	for _, p := range got {
		if p.ToolID == "parse" {
			found = true
			if p.Source != "co-occurrence" && p.Source != "community" {
				t.Fatalf("parse source: got %s", p.Source)
			}
		}
	}
	if !found {
		t.Fatalf("sequence edge must predict parse, got %v", got)
	}
}

func TestPredictLearnedSource(t *testing.T) {
	g := facadeStore(t)
	f := New(g, nil, Config{})
	got := f.PredictNextNodes(nil, []string{"parse"})
	for _, p := range got {
		if p.ToolID == "write" {
			if p.Source != "learned" {
				t.Fatalf("reinforced edge source: want learned, got %s", p.Source)
			}
			return
		}
	}
	t.Fatalf("learned edge must predict write, got %v", got)
}

func TestPredictCapabilityContextMatch(t *testing.T) {
	g := facadeStore(t)
	f := New(g, nil, Config{})
	got := f.PredictNextNodes([]string{"read", "parse"}, nil)
	if len(got) == 0 || got[0].ToolID != "ingest" || got[0].Source != "capability" {
		t.Fatalf("context match must rank ingest first, got %v", got)
	}
}

func TestPredictEpisodicExclusion(t *testing.T) {
	g := facadeStore(t)
	episodic := memEpisodic{
		"parse": {SuccessRate: 0.1, Uses: 10}, // chronic failure
	}
	f := New(g, episodic, Config{})
	for _, p := range f.PredictNextNodes(nil, []string{"read"}) {
		if p.ToolID == "parse" {
			t.Fatalf("failure-heavy node must be excluded, got %v", p)
		}
	}
}

func TestPredictEpisodicBoost(t *testing.T) {
	g := facadeStore(t)
	boosted := New(g, memEpisodic{"parse": {SuccessRate: 0.95, Uses: 10}}, Config{})
	plain := New(g, nil, Config{})

	confOf := func(ps []PredictedNode, id string) float64 {
		for _, p := range ps {
			if p.ToolID == id {
				return p.Confidence
			}
		}
		return 0
	}
	a := confOf(boosted.PredictNextNodes(nil, []string{"read"}), "parse")
	b := confOf(plain.PredictNextNodes(nil, []string{"read"}), "parse")
	if a <= b {
		t.Fatalf("success history must boost confidence: %f vs %f", a, b)
	}
}

func TestPredictConfidenceClamped(t *testing.T) {
	g := facadeStore(t)
	f := New(g, memEpisodic{"parse": {SuccessRate: 1, Uses: 10}}, Config{ConfidenceFloor: 0.1, MaxConfidence: 0.6})
	for _, p := range f.PredictNextNodes([]string{"read", "parse"}, []string{"read"}) {
		if p.Confidence < 0.1 || p.Confidence > 0.6 {
			t.Fatalf("confidence out of clamp: %v", p)
		}
	}
}

func TestPredictLocalAlphaScales(t *testing.T) {
	g := facadeStore(t)
	full := New(g, nil, Config{LocalAlpha: 1})
	half := New(g, nil, Config{LocalAlpha: 0.5})

	a := full.PredictNextNodes(nil, []string{"read"})
	b := half.PredictNextNodes(nil, []string{"read"})
	if len(a) == 0 || len(b) == 0 {
		t.Fatalf("predictions missing")
	}
	if b[0].Confidence >= a[0].Confidence {
		t.Fatalf("lower alpha must lower confidence: %f vs %f", b[0].Confidence, a[0].Confidence)
	}
}

func TestPredictEmptyInputs(t *testing.T) {
	g := facadeStore(t)
	f := New(g, nil, Config{})
	if got := f.PredictNextNodes(nil, nil); len(got) != 0 {
		t.Fatalf("no context must predict nothing, got %v", got)
	}
}
