package memory

import (
	"testing"
	"time"

	"github.com/casys-ai/toolmind/internal/trace"
)

func TestObserveAccumulates(t *testing.T) {
	e := NewEpisodic()
	e.Observe(trace.Event{Type: trace.ToolEnd, NodeID: "read", Success: true})
	e.Observe(trace.Event{Type: trace.ToolEnd, NodeID: "read", Success: false})
	e.Observe(trace.Event{Type: trace.ToolEnd, NodeID: "read", Success: true})

	stats, ok := e.Stats("read")
	if !ok {
		t.Fatalf("stats missing")
	}
	if stats.Uses != 3 {
		t.Fatalf("uses: want 3, got %d", stats.Uses)
	}
	if stats.SuccessRate < 0.66 || stats.SuccessRate > 0.67 {
		t.Fatalf("success rate: want 2/3, got %f", stats.SuccessRate)
	}
}

func TestObserveIgnoresStartEvents(t *testing.T) {
	e := NewEpisodic()
	e.Observe(trace.Event{Type: trace.ToolStart, NodeID: "read"})
	if _, ok := e.Stats("read"); ok {
		t.Fatalf("start events must not count")
	}
}

func TestStatsUnknownNode(t *testing.T) {
	e := NewEpisodic()
	if _, ok := e.Stats("ghost"); ok {
		t.Fatalf("unknown node must report no stats")
	}
}

func TestRecency(t *testing.T) {
	e := NewEpisodic()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return base }
	e.Observe(trace.Event{Type: trace.ToolEnd, NodeID: "read", Success: true})

	e.now = func() time.Time { return base.Add(30 * time.Minute) }
	got := e.Recency("read", time.Hour)
	if got < 0.49 || got > 0.51 {
		t.Fatalf("recency at half horizon: want ~0.5, got %f", got)
	}

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	if got := e.Recency("read", time.Hour); got != 0 {
		t.Fatalf("recency beyond horizon: want 0, got %f", got)
	}
	if got := e.Recency("ghost", time.Hour); got != 0 {
		t.Fatalf("recency of unknown node: want 0, got %f", got)
	}
}

func TestObserveBatch(t *testing.T) {
	e := NewEpisodic()
	e.ObserveBatch([]trace.Event{
		{Type: trace.ToolEnd, NodeID: "a", Success: true},
		{Type: trace.CapabilityEnd, NodeID: "b", Success: true},
		{Type: trace.ErrorEvent, NodeID: "c"},
	})
	if _, ok := e.Stats("a"); !ok {
		t.Fatalf("a must have stats")
	}
	if _, ok := e.Stats("b"); !ok {
		t.Fatalf("b must have stats")
	}
	if _, ok := e.Stats("c"); ok {
		t.Fatalf("error events must not count")
	}
}
