package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/casys-ai/toolmind/internal/sandbox"
)

// SpeculativeRunner adapts a sandbox bridge plus the registry into the
// speculation executor's Runner: each predicted tool runs as a one-call
// snippet inside the isolate, never against the live invocation graph.
type SpeculativeRunner struct {
	bridge   *sandbox.Bridge
	registry *Registry
	timeout  time.Duration
}

// NewSpeculativeRunner builds the adapter.
func NewSpeculativeRunner(bridge *sandbox.Bridge, registry *Registry, timeout time.Duration) *SpeculativeRunner {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SpeculativeRunner{bridge: bridge, registry: registry, timeout: timeout}
}

// Run executes the predicted tool in a sandbox with the workflow context as
// read-only input.
func (r *SpeculativeRunner) Run(ctx context.Context, toolID string, contextData map[string]any) (any, error) {
	server, ok := r.registry.ServerFor(toolID)
	if !ok {
		return nil, sandbox.ErrNoClient
	}
	res := r.bridge.Execute(ctx,
		fmt.Sprintf("callTool(%q, %q, context)", server, toolID),
		[]sandbox.ToolDef{{Server: server, Name: toolID}},
		contextData, nil, r.timeout)
	if !res.Success {
		return nil, &RunError{Kind: res.ErrorKind, Message: res.Error}
	}
	return res.Result, nil
}

// RunError carries the sandbox error kind to the executor's logs.
type RunError struct {
	Kind    string
	Message string
}

func (e *RunError) Error() string {
	return e.Kind + ": " + e.Message
}
