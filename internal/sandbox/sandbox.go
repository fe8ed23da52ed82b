// Package sandbox executes capability code in an isolate with no ambient
// authority: no filesystem, network, env, or subprocess access. Snippets
// are expressions compiled by expr-lang; the only I/O is a message channel
// back to the host, which routes tool calls to MCP clients and emits trace
// events for every RPC.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/casys-ai/toolmind/internal/trace"
)

// MaxCapabilityDepth bounds nested capability calls to stop mutual
// recursion.
const MaxCapabilityDepth = 3

// RPCOverheadBudget is the target host-side overhead per tool call,
// excluding the tool's own execution.
const RPCOverheadBudget = 100 * time.Millisecond

// Error kinds surfaced in Result.ErrorKind.
const (
	KindTimeout         = "TimeoutError"
	KindMemory          = "MemoryError"
	KindPermission      = "PermissionError"
	KindCapabilityDepth = "CapabilityDepthExceeded"
	KindEval            = "EvalError"
)

// ErrCapabilityDepthExceeded is returned when nested capability calls pass
// MaxCapabilityDepth.
var ErrCapabilityDepthExceeded = errors.New("capability depth exceeded")

// ErrNoClient is returned when a tool call names a server with no
// registered client.
var ErrNoClient = errors.New("no mcp client for server")

// MCPClient forwards one tool call to its server.
type MCPClient interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// ClientRegistry resolves a server id to its client.
type ClientRegistry interface {
	Client(server string) (MCPClient, bool)
}

// ToolDef names a callable tool and the server that owns it.
type ToolDef struct {
	Server string `json:"server"`
	Name   string `json:"name"`
}

// CapabilitySnippet is a registered capability's code, pre-bound into the
// sandbox's capabilities object.
type CapabilitySnippet struct {
	ID   string
	Code string
}

// Result is the outcome of one Execute.
type Result struct {
	Success         bool          `json:"success"`
	Result          any           `json:"result,omitempty"`
	Error           string        `json:"error,omitempty"`
	ErrorKind       string        `json:"error_kind,omitempty"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
	Traces          []trace.Event `json:"traces"`
}
