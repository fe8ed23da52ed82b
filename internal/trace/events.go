// Package trace defines the execution-trace event stream and the learner
// that rewrites graph edges from observed parent/child/sibling structure.
package trace

import "time"

// EventType discriminates trace events.
type EventType string

const (
	ToolStart       EventType = "tool_start"
	ToolEnd         EventType = "tool_end"
	CapabilityStart EventType = "capability_start"
	CapabilityEnd   EventType = "capability_end"
	ErrorEvent      EventType = "error"
)

// Event is one record in a workflow's trace. End events carry the duration
// and outcome; error events carry the message.
type Event struct {
	Type          EventType `json:"type"`
	TraceID       string    `json:"trace_id"`
	ParentTraceID string    `json:"parent_trace_id,omitempty"`
	NodeID        string    `json:"node_id"`
	Timestamp     time.Time `json:"timestamp"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Success       bool      `json:"success,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// IsEnd reports whether the event closes a span.
func (e Event) IsEnd() bool {
	return e.Type == ToolEnd || e.Type == CapabilityEnd
}
