// Package tools routes tool calls to their MCP clients. The registry backs
// both the sandbox bridge (RPC lookup by server id) and the speculative
// executor (running a predicted tool ahead of the workflow).
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/casys-ai/toolmind/internal/sandbox"
)

// Registry maps server ids to MCP clients and tool ids to their servers.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]sandbox.MCPClient
	servers map[string]string // tool id -> server id
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]sandbox.MCPClient),
		servers: make(map[string]string),
	}
}

// RegisterClient attaches a client for a server id.
func (r *Registry) RegisterClient(server string, client sandbox.MCPClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[server] = client
}

// RegisterTool records which server owns a tool.
func (r *Registry) RegisterTool(toolID, server string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[toolID] = server
}

// Client resolves a server id. Implements sandbox.ClientRegistry.
func (r *Registry) Client(server string) (sandbox.MCPClient, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[server]
	return c, ok
}

// ServerFor resolves the server owning a tool.
func (r *Registry) ServerFor(toolID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[toolID]
	return s, ok
}

// SupportedTools lists every registered tool id, sorted.
func (r *Registry) SupportedTools() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.servers))
	for id := range r.servers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Call routes one tool call to its owning server's client.
func (r *Registry) Call(ctx context.Context, toolID string, args map[string]any) (any, error) {
	server, ok := r.ServerFor(toolID)
	if !ok {
		return nil, fmt.Errorf("unsupported tool: %s", toolID)
	}
	client, ok := r.Client(server)
	if !ok {
		return nil, fmt.Errorf("%w: %q", sandbox.ErrNoClient, server)
	}
	return client.CallTool(ctx, toolID, args)
}
