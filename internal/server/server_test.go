package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/casys-ai/toolmind/internal/emergence"
	"github.com/casys-ai/toolmind/internal/graph"
	"github.com/casys-ai/toolmind/internal/predict"
	"github.com/casys-ai/toolmind/internal/speculation"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	g := graph.NewStore(graph.Limits{})
	for _, id := range []string{"read", "parse"} {
		if err := g.RegisterTool(id, nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := g.AddEdge("read", "parse", graph.EdgeOptions{Type: graph.EdgeSequence}); err != nil {
		t.Fatal(err)
	}
	manager := speculation.NewManager(speculation.ManagerConfig{Enabled: true, ConfidenceThreshold: 0.7, MaxConcurrent: 3}, nil, g)
	return New(Options{
		Graph:       g,
		Analyzer:    emergence.NewAnalyzer(),
		Facade:      predict.New(g, nil, predict.Config{}),
		Speculation: manager,
	})
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status: %d", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body: %v", body)
	}
}

func TestEmergenceEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics/emergence?range=1h&scope=system")
	if err != nil {
		t.Fatalf("get emergence: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("emergence status: %d", resp.StatusCode)
	}
	var body struct {
		Range  string            `json:"range"`
		Scope  string            `json:"scope"`
		Report *emergence.Report `json:"report"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Range != "1h" || body.Scope != "system" || body.Report == nil {
		t.Fatalf("emergence body: %+v", body)
	}
}

func TestEmergenceRejectsBadRange(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics/emergence?range=2w")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad range status: %d", resp.StatusCode)
	}
}

func TestPredictEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/predict", "application/json",
		strings.NewReader(`{"completed_tasks": ["read"]}`))
	if err != nil {
		t.Fatalf("post predict: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Predictions []predict.PredictedNode `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Predictions) == 0 || body.Predictions[0].ToolID != "parse" {
		t.Fatalf("predictions: %+v", body.Predictions)
	}
}

func TestSpeculationMetricsEndpoint(t *testing.T) {
	srv := httptest.NewServer(testServer(t).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/metrics/speculation")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body speculation.Metrics
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.TotalSpeculations != 0 {
		t.Fatalf("fresh metrics: %+v", body)
	}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := b.Subscribe(ctx)
	b.Publish(Event{Type: "edge_added", Data: map[string]string{"from": "a", "to": "b"}})
	select {
	case ev := <-ch:
		if ev.Type != "edge_added" {
			t.Fatalf("event type: %s", ev.Type)
		}
	default:
		t.Fatalf("subscriber must receive the event")
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.Subscribe(ctx)
	// No reader: publishing must not block.
	for i := 0; i < 100; i++ {
		b.Publish(Event{Type: "tick"})
	}
}
