package speculation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/casys-ai/toolmind/internal/graph"
)

type fakeRunner struct {
	mu      sync.Mutex
	delay   time.Duration
	err     error
	results map[string]any
	calls   []string
}

func (f *fakeRunner) Run(ctx context.Context, toolID string, contextData map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, toolID)
	delay, err := f.delay, f.err
	result := f.results[toolID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = "result:" + toolID
	}
	return result, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never satisfied")
}

func newTestManager(threshold float64, maxConcurrent int) *Manager {
	return NewManager(ManagerConfig{
		Enabled:             true,
		ConfidenceThreshold: threshold,
		MaxConcurrent:       maxConcurrent,
	}, nil, nil)
}

// Every blacklisted operation is refused even at full confidence.
func TestShouldSpeculateBlocksDangerousOps(t *testing.T) {
	m := newTestManager(0.5, 3)
	for _, op := range DangerousOperations {
		if m.ShouldSpeculate(Prediction{ToolID: op, Confidence: 1.0}) {
			t.Fatalf("dangerous op %q must not speculate", op)
		}
	}
	// Substring and case-insensitive matching.
	if m.ShouldSpeculate(Prediction{ToolID: "Delete_User", Confidence: 1.0}) {
		t.Fatalf("substring match must block Delete_User")
	}
	if !m.ShouldSpeculate(Prediction{ToolID: "read_file", Confidence: 1.0}) {
		t.Fatalf("safe op must speculate")
	}
}

// A dangerous prediction filters to an empty set.
func TestFilterBlocksDangerousPrediction(t *testing.T) {
	m := newTestManager(0.70, 3)
	got := m.FilterForSpeculation([]Prediction{{ToolID: "delete_user", Confidence: 0.95}})
	if len(got) != 0 {
		t.Fatalf("filter must drop dangerous ops, got %v", got)
	}
}

// Threshold 0.70 with max 2: predictions a/b/c keep exactly a and c, in order.
func TestFilterThresholdAndCap(t *testing.T) {
	m := newTestManager(0.70, 2)
	got := m.FilterForSpeculation([]Prediction{
		{ToolID: "a", Confidence: 0.8},
		{ToolID: "b", Confidence: 0.6},
		{ToolID: "c", Confidence: 0.75},
	})
	if len(got) != 2 || got[0].ToolID != "a" || got[1].ToolID != "c" {
		t.Fatalf("filter: want [a c], got %v", got)
	}
}

func TestFilterDisabled(t *testing.T) {
	m := NewManager(ManagerConfig{Enabled: false, ConfidenceThreshold: 0.5, MaxConcurrent: 3}, nil, nil)
	if got := m.FilterForSpeculation([]Prediction{{ToolID: "a", Confidence: 0.9}}); len(got) != 0 {
		t.Fatalf("disabled manager must filter everything, got %v", got)
	}
}

// Hit rate and net benefit follow the counters, which never decrease.
func TestMetricsAccounting(t *testing.T) {
	m := newTestManager(0.5, 3)
	m.RecordSpeculationStarted()
	m.RecordSpeculationStarted()
	m.RecordOutcome(Outcome{ToolID: "a", WasCorrect: true, ExecutionTimeMs: 120}, "")
	m.RecordOutcome(Outcome{ToolID: "b", WasCorrect: false, ExecutionTimeMs: 40}, "")

	got := m.Metrics()
	if got.TotalSpeculations != 2 || got.TotalHits != 1 || got.TotalMisses != 1 {
		t.Fatalf("counters: %+v", got)
	}
	if got.HitRate != 0.5 {
		t.Fatalf("hit rate: want 0.5, got %f", got.HitRate)
	}
	if got.NetBenefitMs != 80 {
		t.Fatalf("net benefit: want 80, got %d", got.NetBenefitMs)
	}
}

// A hit with a known predecessor reinforces the pattern per the edge rules.
func TestHitReinforcesPattern(t *testing.T) {
	g := graph.NewStore(graph.Limits{})
	if err := g.RegisterTool("a", nil); err != nil {
		t.Fatal(err)
	}
	if err := g.RegisterTool("b", nil); err != nil {
		t.Fatal(err)
	}
	m := NewManager(ManagerConfig{Enabled: true, ConfidenceThreshold: 0.5, MaxConcurrent: 3}, nil, g)
	m.RecordOutcome(Outcome{ToolID: "b", WasCorrect: true, ExecutionTimeMs: 10}, "a")

	e, ok := g.GetEdgeData("a", "b", graph.EdgeSequence)
	if !ok {
		t.Fatalf("hit must create the learned edge")
	}
	if e.Source != graph.SourceLearned || e.Weight != graph.LearnedEdgeInitial {
		t.Fatalf("fresh learned edge: got source=%s weight=%f", e.Source, e.Weight)
	}
}

func TestAdaptiveThresholdClamped(t *testing.T) {
	a := NewAdaptiveThreshold(0.5, 0.8)
	for i := 0; i < 100; i++ {
		a.Record(false)
	}
	if got := a.Suggestion(); got != 0.8 {
		t.Fatalf("misses must clamp at max: got %f", got)
	}
	for i := 0; i < 100; i++ {
		a.Record(true)
	}
	if got := a.Suggestion(); got != 0.5 {
		t.Fatalf("hits must clamp at min: got %f", got)
	}
}

func TestAdaptiveBoundsClampedToGlobalRange(t *testing.T) {
	a := NewAdaptiveThreshold(0.1, 0.99)
	for i := 0; i < 200; i++ {
		a.Record(false)
	}
	if got := a.Suggestion(); got > 0.90 {
		t.Fatalf("suggestion above global max: %f", got)
	}
	for i := 0; i < 200; i++ {
		a.Record(true)
	}
	if got := a.Suggestion(); got < 0.40 {
		t.Fatalf("suggestion below global min: %f", got)
	}
}

func TestManagerUsesAdaptiveSuggestion(t *testing.T) {
	a := NewAdaptiveThreshold(0.5, 0.7)
	m := NewManager(ManagerConfig{Enabled: true, ConfidenceThreshold: 0.45, MaxConcurrent: 3}, a, nil)
	if m.CurrentThreshold() != a.Suggestion() {
		t.Fatalf("manager must read the adaptive suggestion")
	}
}

// End to end: both filtered speculations complete, a is consumed
// as a hit, a second consume of a misses, and c simply expires.
func TestSpeculationHitScenario(t *testing.T) {
	runner := &fakeRunner{}
	manager := newTestManager(0.70, 2)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 2000, MaxConcurrent: 2, CacheTTLMs: 60000}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{
		{ToolID: "a", Confidence: 0.8},
		{ToolID: "b", Confidence: 0.6},
		{ToolID: "c", Confidence: 0.75},
	}, map[string]any{"step": 1}, "prev")

	waitFor(t, func() bool { return ex.CheckCache("a") != nil && ex.CheckCache("c") != nil })
	if ex.CheckCache("b") != nil {
		t.Fatalf("b was below threshold and must not run")
	}

	// Consume is exactly-once.
	if got := ex.ValidateAndConsume("a", "prev"); got != "result:a" {
		t.Fatalf("consume a: want result:a, got %v", got)
	}
	if got := ex.CheckCache("a"); got != nil {
		t.Fatalf("post-consume check must be nil, got %v", got)
	}
	if got := ex.ValidateAndConsume("a", "prev"); got != nil {
		t.Fatalf("second consume must be nil, got %v", got)
	}

	m := manager.Metrics()
	if m.TotalHits != 1 {
		t.Fatalf("hits: want 1, got %d", m.TotalHits)
	}
	// c was never consumed: not a miss (only the failed re-consume of a is).
	if m.TotalMisses != 1 {
		t.Fatalf("misses: want 1 (failed re-consume), got %d", m.TotalMisses)
	}
}

func TestDuplicateInFlightDropped(t *testing.T) {
	runner := &fakeRunner{delay: 100 * time.Millisecond}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 5000, MaxConcurrent: 3}, manager, runner)
	defer ex.Close()

	p := []Prediction{{ToolID: "a", Confidence: 0.9}}
	ex.StartSpeculations(p, nil, "")
	ex.StartSpeculations(p, nil, "")

	waitFor(t, func() bool { return ex.CheckCache("a") != nil })
	runner.mu.Lock()
	calls := len(runner.calls)
	runner.mu.Unlock()
	if calls != 1 {
		t.Fatalf("duplicate speculation must be dropped: %d calls", calls)
	}
}

// A timed-out speculation leaves no cache entry and counts no miss.
func TestTimeoutLeavesNoCacheEntry(t *testing.T) {
	runner := &fakeRunner{delay: 500 * time.Millisecond}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 30, MaxConcurrent: 3}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{{ToolID: "slow", Confidence: 0.9}}, nil, "")
	waitFor(t, func() bool { return ex.ActiveCount() == 0 })

	if got := ex.CheckCache("slow"); got != nil {
		t.Fatalf("timeout must not populate the cache, got %v", got)
	}
	if m := manager.Metrics(); m.TotalMisses != 0 {
		t.Fatalf("timeout alone must not count as a miss, got %d", m.TotalMisses)
	}
}

// Sandbox errors are swallowed: no cache entry, no propagation.
func TestSandboxErrorSwallowed(t *testing.T) {
	runner := &fakeRunner{err: errors.New("sandbox blew up")}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 1000, MaxConcurrent: 3}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{{ToolID: "boom", Confidence: 0.9}}, nil, "")
	waitFor(t, func() bool { return ex.ActiveCount() == 0 })
	if got := ex.CheckCache("boom"); got != nil {
		t.Fatalf("failed speculation must not cache, got %v", got)
	}
}

func TestAbortSpeculation(t *testing.T) {
	runner := &fakeRunner{delay: 2 * time.Second}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 10000, MaxConcurrent: 3}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{{ToolID: "a", Confidence: 0.9}}, nil, "")
	waitFor(t, func() bool { return ex.ActiveCount() == 1 })
	ex.AbortSpeculation("a")
	waitFor(t, func() bool { return ex.ActiveCount() == 0 })
	if got := ex.CheckCache("a"); got != nil {
		t.Fatalf("aborted speculation must not cache, got %v", got)
	}
}

func TestDiscardCache(t *testing.T) {
	runner := &fakeRunner{}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 1000, MaxConcurrent: 3}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{{ToolID: "a", Confidence: 0.9}}, nil, "")
	waitFor(t, func() bool { return ex.CheckCache("a") != nil })
	ex.DiscardCache()
	if got := ex.CheckCache("a"); got != nil {
		t.Fatalf("discard must drop all entries, got %v", got)
	}
}

func TestCacheExpiry(t *testing.T) {
	runner := &fakeRunner{}
	manager := newTestManager(0.5, 3)
	ex := NewExecutor(ExecutorConfig{TimeoutMs: 1000, MaxConcurrent: 3, CacheTTLMs: 20}, manager, runner)
	defer ex.Close()

	ex.StartSpeculations([]Prediction{{ToolID: "a", Confidence: 0.9}}, nil, "")
	waitFor(t, func() bool { return ex.CheckCache("a") != nil })
	time.Sleep(40 * time.Millisecond)
	if got := ex.CheckCache("a"); got != nil {
		t.Fatalf("expired entry must read as nil, got %v", got)
	}
}
