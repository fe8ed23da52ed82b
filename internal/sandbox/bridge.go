package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/casys-ai/toolmind/internal/logger"
	"github.com/casys-ai/toolmind/internal/trace"
)

// rpcRequest crosses the worker→host message channel; the reply channel
// carries the response back.
type rpcRequest struct {
	server string
	name   string
	args   map[string]any
	reply  chan rpcResponse
}

type rpcResponse struct {
	result any
	err    error
}

// Bridge hosts sandboxed executions: it owns the MCP client registry, the
// RPC pump, and timeout enforcement. Timeout is authoritative at the host;
// an expired worker is abandoned and its channel torn down.
type Bridge struct {
	registry ClientRegistry
	limiter  *rate.Limiter
}

// NewBridge builds a bridge over a client registry. The limiter bounds RPC
// dispatch so a runaway snippet cannot flood the tool servers.
func NewBridge(registry ClientRegistry) *Bridge {
	return &Bridge{
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(200), 50),
	}
}

// session is the per-Execute state: the message channel, the trace buffer,
// and the idempotent cleanup.
type session struct {
	bridge   *Bridge
	ctx      context.Context
	traceID  string
	requests chan rpcRequest
	done     chan struct{}

	mu     sync.Mutex
	traces []trace.Event

	cleanupOnce sync.Once
}

// Execute runs code in the isolate with the given tools, read-only context
// data, and pre-bound capability snippets. Bare expressions evaluate to
// their value directly, so "1 + 1" yields 2. At timeout the host stops
// waiting and reports TimeoutError; the evaluating goroutine is abandoned,
// not stopped, and only its pending tool calls are cancelled. The message
// channel is always cleaned up.
func (b *Bridge) Execute(ctx context.Context, code string, tools []ToolDef, contextData map[string]any, capabilities []CapabilitySnippet, timeout time.Duration) *Result {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := &session{
		bridge:   b,
		ctx:      runCtx,
		traceID:  uuid.NewString(),
		requests: make(chan rpcRequest),
		done:     make(chan struct{}),
	}
	defer s.cleanup()

	go s.pump()

	begin := time.Now()
	type evalOut struct {
		value any
		err   error
	}
	done := make(chan evalOut, 1)
	go func() {
		value, err := s.eval(code, tools, contextData, capabilities, 0)
		done <- evalOut{value: value, err: err}
	}()

	res := &Result{}
	select {
	case out := <-done:
		res.ExecutionTimeMs = time.Since(begin).Milliseconds()
		if out.err != nil {
			res.Error = out.err.Error()
			res.ErrorKind = classify(out.err)
		} else {
			res.Success = true
			res.Result = out.value
		}
	case <-runCtx.Done():
		res.ExecutionTimeMs = time.Since(begin).Milliseconds()
		res.Error = "execution timed out"
		res.ErrorKind = KindTimeout
	}
	res.Traces = s.drainTraces()
	return res
}

// eval compiles and runs one snippet at the given capability depth. The
// environment exposes only the context data, the tool-call RPC, and the
// capabilities object; there is no other authority to reach.
func (s *session) eval(code string, tools []ToolDef, contextData map[string]any, capabilities []CapabilitySnippet, depth int) (any, error) {
	if depth > MaxCapabilityDepth {
		return nil, ErrCapabilityDepthExceeded
	}

	env := map[string]any{
		"context":      cloneMap(contextData),
		"capabilities": s.capabilityObject(tools, contextData, capabilities, depth),
	}
	for _, tool := range tools {
		env[tool.Name] = func(args map[string]any) (any, error) {
			return s.callTool(tool.Server, tool.Name, args)
		}
	}
	env["callTool"] = func(server, name string, args map[string]any) (any, error) {
		return s.callTool(server, name, args)
	}

	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}
	return expr.Run(program, env)
}

// capabilityObject pre-binds every registered snippet as a callable; each
// call deepens the depth counter toward the hard limit.
func (s *session) capabilityObject(tools []ToolDef, contextData map[string]any, capabilities []CapabilitySnippet, depth int) map[string]any {
	obj := make(map[string]any, len(capabilities))
	for _, c := range capabilities {
		obj[c.ID] = func() (any, error) {
			return s.eval(c.Code, tools, contextData, capabilities, depth+1)
		}
	}
	return obj
}

// callTool issues one RPC over the message channel and blocks for the
// reply.
func (s *session) callTool(server, name string, args map[string]any) (any, error) {
	req := rpcRequest{server: server, name: name, args: args, reply: make(chan rpcResponse, 1)}
	select {
	case s.requests <- req:
	case <-s.done:
		return nil, context.Canceled
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-s.done:
		return nil, context.Canceled
	case <-s.ctx.Done():
		return nil, s.ctx.Err()
	}
}

// pump is the host side of the message channel: resolve the client, emit
// the tool_start/tool_end pair, forward the call.
func (s *session) pump() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case req := <-s.requests:
			s.serve(req)
		}
	}
}

func (s *session) serve(req rpcRequest) {
	if err := s.bridge.limiter.Wait(s.ctx); err != nil {
		req.reply <- rpcResponse{err: err}
		return
	}
	client, ok := s.bridge.registry.Client(req.server)
	if !ok {
		req.reply <- rpcResponse{err: fmt.Errorf("%w: %q", ErrNoClient, req.server)}
		return
	}

	callTraceID := uuid.NewString()
	start := time.Now()
	s.emit(trace.Event{
		Type:          trace.ToolStart,
		TraceID:       callTraceID,
		ParentTraceID: s.traceID,
		NodeID:        req.name,
		Timestamp:     start,
	})

	result, err := client.CallTool(s.ctx, req.name, req.args)

	end := time.Now()
	s.emit(trace.Event{
		Type:          trace.ToolEnd,
		TraceID:       callTraceID,
		ParentTraceID: s.traceID,
		NodeID:        req.name,
		Timestamp:     end,
		DurationMs:    end.Sub(start).Milliseconds(),
		Success:       err == nil,
	})
	if err != nil {
		logger.Debug("sandbox tool call failed", "server", req.server, "tool", req.name, "error", err)
	}
	req.reply <- rpcResponse{result: result, err: err}
}

func (s *session) emit(ev trace.Event) {
	s.mu.Lock()
	s.traces = append(s.traces, ev)
	s.mu.Unlock()
}

func (s *session) drainTraces() []trace.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.traces
	s.traces = nil
	return out
}

// cleanup tears down the message channel. Idempotent; an abandoned worker
// goroutine sees done closed and unblocks without touching the channel.
func (s *session) cleanup() {
	s.cleanupOnce.Do(func() {
		close(s.done)
	})
}

func classify(err error) string {
	switch {
	case errors.Is(err, ErrCapabilityDepthExceeded):
		return KindCapabilityDepth
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrNoClient):
		return KindPermission
	default:
		return KindEval
	}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
