package speculation

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/casys-ai/toolmind/internal/logger"
)

// Runner executes one predicted call inside an isolated sandbox. Errors
// never reach the main path; the executor swallows and logs them.
type Runner interface {
	Run(ctx context.Context, toolID string, contextData map[string]any) (any, error)
}

// ExecutorConfig sizes the speculative executor.
type ExecutorConfig struct {
	TimeoutMs     int
	MaxConcurrent int
	MemoryLimitMB int
	CacheTTLMs    int
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 10000
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 3
	}
	if c.CacheTTLMs <= 0 {
		c.CacheTTLMs = 30000
	}
	return c
}

// CacheEntry is one completed speculation waiting to be consumed.
type CacheEntry struct {
	FromToolID string
	ToolID     string
	Result     any
	Confidence float64
	CreatedAt  time.Time
	TTL        time.Duration
	DurationMs int64
}

func (e *CacheEntry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// Executor runs gated speculations in cancellable sandbox tasks: at most
// one in flight per tool id, all children of the executor's scope, torn
// down deterministically on timeout, abort, or Close.
type Executor struct {
	cfg     ExecutorConfig
	manager *Manager
	runner  Runner

	mu     sync.Mutex
	active map[string]context.CancelFunc
	cache  map[string]*CacheEntry

	rootCtx context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group

	now func() time.Time
}

// NewExecutor builds an executor bound to a manager and a sandbox runner.
func NewExecutor(cfg ExecutorConfig, manager *Manager, runner Runner) *Executor {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(cfg.MaxConcurrent)
	return &Executor{
		cfg:     cfg,
		manager: manager,
		runner:  runner,
		active:  make(map[string]context.CancelFunc),
		cache:   make(map[string]*CacheEntry),
		rootCtx: ctx,
		cancel:  cancel,
		group:   group,
		now:     time.Now,
	}
}

// StartSpeculations filters the predictions through the manager and starts
// each survivor non-blocking. Duplicates of an in-flight tool id are
// silently dropped; excess work beyond the concurrency limit is skipped.
func (e *Executor) StartSpeculations(predictions []Prediction, contextData map[string]any, fromToolID string) {
	for _, p := range e.manager.FilterForSpeculation(predictions) {
		e.startOne(p, contextData, fromToolID)
	}
}

func (e *Executor) startOne(p Prediction, contextData map[string]any, fromToolID string) {
	e.mu.Lock()
	if _, running := e.active[p.ToolID]; running {
		e.mu.Unlock()
		return
	}
	taskCtx, taskCancel := context.WithTimeout(e.rootCtx, time.Duration(e.cfg.TimeoutMs)*time.Millisecond)
	e.active[p.ToolID] = taskCancel
	e.mu.Unlock()

	started := e.group.TryGo(func() error {
		defer taskCancel()
		defer func() {
			e.mu.Lock()
			delete(e.active, p.ToolID)
			e.mu.Unlock()
		}()

		begin := e.now()
		result, err := e.runner.Run(taskCtx, p.ToolID, contextData)
		elapsed := e.now().Sub(begin)

		if err != nil || taskCtx.Err() != nil {
			// Sandbox failures and timeouts are observability events only;
			// the cache stays clean and no miss is recorded here.
			logger.Debug("speculation did not complete", "tool", p.ToolID, "error", err, "ctx", taskCtx.Err())
			return nil
		}

		e.mu.Lock()
		e.cache[p.ToolID] = &CacheEntry{
			FromToolID: fromToolID,
			ToolID:     p.ToolID,
			Result:     result,
			Confidence: p.Confidence,
			CreatedAt:  e.now(),
			TTL:        time.Duration(e.cfg.CacheTTLMs) * time.Millisecond,
			DurationMs: elapsed.Milliseconds(),
		}
		e.mu.Unlock()
		return nil
	})
	if !started {
		e.mu.Lock()
		delete(e.active, p.ToolID)
		e.mu.Unlock()
		taskCancel()
		return
	}
	e.manager.RecordSpeculationStarted()
}

// CheckCache returns the cached result without consuming it, or nil when
// missing or expired.
func (e *Executor) CheckCache(toolID string) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.cache[toolID]
	if !ok {
		return nil
	}
	if entry.expired(e.now()) {
		delete(e.cache, toolID)
		return nil
	}
	return entry.Result
}

// ValidateAndConsume atomically removes a fresh cache entry and reports a
// hit; a missing or expired entry reports a miss. Consume is exactly-once:
// a second call for the same tool id returns nil.
func (e *Executor) ValidateAndConsume(toolID, fromToolID string) any {
	e.mu.Lock()
	entry, ok := e.cache[toolID]
	if ok {
		delete(e.cache, toolID)
	}
	e.mu.Unlock()

	if ok && !entry.expired(e.now()) {
		if fromToolID == "" {
			fromToolID = entry.FromToolID
		}
		e.manager.RecordOutcome(Outcome{
			ToolID:          toolID,
			WasCorrect:      true,
			ExecutionTimeMs: entry.DurationMs,
			Confidence:      entry.Confidence,
		}, fromToolID)
		return entry.Result
	}

	e.manager.RecordOutcome(Outcome{ToolID: toolID, WasCorrect: false}, "")
	return nil
}

// AbortSpeculation cancels the in-flight task for a tool id, releasing its
// sandbox without poisoning the cache.
func (e *Executor) AbortSpeculation(toolID string) {
	e.mu.Lock()
	cancel, ok := e.active[toolID]
	if ok {
		delete(e.active, toolID)
	}
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// AbortAll cancels every in-flight speculation.
func (e *Executor) AbortAll() {
	e.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(e.active))
	for id, cancel := range e.active {
		cancels = append(cancels, cancel)
		delete(e.active, id)
	}
	e.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// DiscardCache drops every cached result, e.g. on workflow failure.
func (e *Executor) DiscardCache() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache = make(map[string]*CacheEntry)
}

// ActiveCount returns the number of in-flight speculations.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Close tears down the executor scope: every child task is cancelled and
// awaited. Idempotent.
func (e *Executor) Close() {
	e.cancel()
	e.group.Wait() //nolint:errcheck // tasks never return errors
}
