package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/casys-ai/toolmind/internal/trace"
)

type fakeClient struct {
	delay   time.Duration
	err     error
	results map[string]any
}

func (f *fakeClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return "ok:" + name, nil
}

type fakeRegistry map[string]MCPClient

func (f fakeRegistry) Client(server string) (MCPClient, bool) {
	c, ok := f[server]
	return c, ok
}

func newTestBridge(clients fakeRegistry) *Bridge {
	if clients == nil {
		clients = fakeRegistry{}
	}
	return NewBridge(clients)
}

// Bare expressions evaluate directly: "1 + 1" yields 2.
func TestExecuteBareExpression(t *testing.T) {
	b := newTestBridge(nil)
	res := b.Execute(context.Background(), "1 + 1", nil, nil, nil, time.Second)
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.Result != 2 {
		t.Fatalf("1 + 1: want 2, got %v (%T)", res.Result, res.Result)
	}
}

func TestExecuteReadsContext(t *testing.T) {
	b := newTestBridge(nil)
	res := b.Execute(context.Background(), `context.user`, nil, map[string]any{"user": "ada"}, nil, time.Second)
	if !res.Success || res.Result != "ada" {
		t.Fatalf("context read: got %v (err %s)", res.Result, res.Error)
	}
}

func TestExecuteToolCallEmitsTracePair(t *testing.T) {
	b := newTestBridge(fakeRegistry{"files": &fakeClient{results: map[string]any{"read_file": "content"}}})
	res := b.Execute(context.Background(),
		`callTool("files", "read_file", {"path": "x"})`,
		[]ToolDef{{Server: "files", Name: "read_file"}}, nil, nil, time.Second)
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.Result != "content" {
		t.Fatalf("tool result: want content, got %v", res.Result)
	}
	if len(res.Traces) != 2 {
		t.Fatalf("want tool_start/tool_end pair, got %d events", len(res.Traces))
	}
	if res.Traces[0].Type != trace.ToolStart || res.Traces[1].Type != trace.ToolEnd {
		t.Fatalf("trace pair types: %s, %s", res.Traces[0].Type, res.Traces[1].Type)
	}
	if !res.Traces[1].Success {
		t.Fatalf("tool_end must record success")
	}
}

func TestExecuteNamedToolBinding(t *testing.T) {
	b := newTestBridge(fakeRegistry{"files": &fakeClient{}})
	res := b.Execute(context.Background(),
		`read_file({"path": "x"})`,
		[]ToolDef{{Server: "files", Name: "read_file"}}, nil, nil, time.Second)
	if !res.Success || res.Result != "ok:read_file" {
		t.Fatalf("named binding: got %v (err %s)", res.Result, res.Error)
	}
}

func TestExecuteUnknownServerIsPermissionError(t *testing.T) {
	b := newTestBridge(nil)
	res := b.Execute(context.Background(),
		`callTool("ghost", "x", {})`, nil, nil, nil, time.Second)
	if res.Success {
		t.Fatalf("unknown server must fail")
	}
	if res.ErrorKind != KindPermission {
		t.Fatalf("error kind: want %s, got %s", KindPermission, res.ErrorKind)
	}
}

func TestExecuteTimeout(t *testing.T) {
	b := newTestBridge(fakeRegistry{"slow": &fakeClient{delay: 2 * time.Second}})
	res := b.Execute(context.Background(),
		`callTool("slow", "x", {})`, nil, nil, nil, 30*time.Millisecond)
	if res.Success {
		t.Fatalf("timeout must fail the run")
	}
	if res.ErrorKind != KindTimeout {
		t.Fatalf("error kind: want %s, got %s", KindTimeout, res.ErrorKind)
	}
}

func TestCapabilityCall(t *testing.T) {
	b := newTestBridge(nil)
	caps := []CapabilitySnippet{{ID: "double", Code: "2 * 21"}}
	res := b.Execute(context.Background(), `capabilities.double()`, nil, nil, caps, time.Second)
	if !res.Success || res.Result != 42 {
		t.Fatalf("capability call: got %v (err %s)", res.Result, res.Error)
	}
}

// Mutually recursive capabilities hit the depth limit instead of hanging.
func TestCapabilityDepthExceeded(t *testing.T) {
	b := newTestBridge(nil)
	caps := []CapabilitySnippet{
		{ID: "ping", Code: "capabilities.pong()"},
		{ID: "pong", Code: "capabilities.ping()"},
	}
	res := b.Execute(context.Background(), `capabilities.ping()`, nil, nil, caps, time.Second)
	if res.Success {
		t.Fatalf("recursion must fail")
	}
	if res.ErrorKind != KindCapabilityDepth {
		t.Fatalf("error kind: want %s, got %s", KindCapabilityDepth, res.ErrorKind)
	}
	if !errors.Is(ErrCapabilityDepthExceeded, ErrCapabilityDepthExceeded) {
		t.Fatalf("sentinel must match itself")
	}
}

func TestExecuteCompileError(t *testing.T) {
	b := newTestBridge(nil)
	res := b.Execute(context.Background(), `1 +`, nil, nil, nil, time.Second)
	if res.Success {
		t.Fatalf("syntax error must fail")
	}
	if res.ErrorKind != KindEval {
		t.Fatalf("error kind: want %s, got %s", KindEval, res.ErrorKind)
	}
}

// RPC overhead stays well under the budget for a fast client.
func TestRPCOverheadBounded(t *testing.T) {
	b := newTestBridge(fakeRegistry{"files": &fakeClient{}})
	res := b.Execute(context.Background(),
		`callTool("files", "read_file", {})`,
		nil, nil, nil, time.Second)
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if res.ExecutionTimeMs > RPCOverheadBudget.Milliseconds() {
		t.Fatalf("rpc overhead %dms exceeds budget %v", res.ExecutionTimeMs, RPCOverheadBudget)
	}
}
