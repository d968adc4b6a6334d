// Package stream implements the Event Converter (spec §4.6, component C7) and
// the Stream Session Wrapper (spec §4.8, component C9). The converter turns
// opaque runtime events into the typed contracts.StreamChunk taxonomy with a
// strictly monotonic per-task sequence_id; the wrapper exposes the
// client-facing handle around the resulting chunk iterator and the HITL
// communicator.
//
// Grounded on runtime/agent/stream/stream.go's Event/Base/Sink pattern: a
// small set of concrete event kinds, each carrying just the fields it needs,
// dispatched through accessor methods rather than type switches on private
// state.
package stream

import "goa.design/agentcore/contracts"

// RuntimeEventKind discriminates the runtime events the Event Converter
// understands (spec §4.6 "Input: runtime event (partial text, reasoning
// token, tool-call request, tool-call completion, usage metadata,
// interruption, completion)").
type RuntimeEventKind string

const (
	EventReasoningToken   RuntimeEventKind = "reasoning_token"
	EventAssistantText    RuntimeEventKind = "assistant_text"
	EventToolCallRequest  RuntimeEventKind = "tool_call_request"
	EventToolCallComplete RuntimeEventKind = "tool_call_complete"
	EventUsage            RuntimeEventKind = "usage"
	EventInterruption     RuntimeEventKind = "interruption"
	EventCompletion       RuntimeEventKind = "completion"
)

// RuntimeEvent is one event emitted by a Runner while executing a live task.
// It is intentionally a flat struct rather than an interface hierarchy: the
// Event Converter is stateless per-chunk (spec §4.6) and only needs to read
// fields, never dispatch behavior.
type RuntimeEvent struct {
	Kind RuntimeEventKind

	// Text carries partial assistant text or a reasoning token, depending on Kind.
	Text string

	// Partial is true while more deltas of the same logical burst are expected.
	Partial bool

	// ToolCall is populated for EventToolCallRequest/EventToolCallComplete.
	ToolCall *ToolCallEvent

	// Usage is populated for EventUsage.
	Usage *UsageEvent

	// InterruptReason is populated for EventInterruption.
	InterruptReason string
}

// ToolCallEvent describes a tool call request or its completion.
type ToolCallEvent struct {
	InteractionID       string
	ToolCallID          string
	ToolFullName        string
	ToolShortName       string
	ToolNamespace       string
	Arguments           map[string]any
	ArgumentPreview     string
	RequiresConfirmation bool

	// Completion-only fields.
	Completed  bool
	DurationMs int64
	Result     map[string]any
	Err        *contracts.ErrorPayload
}

// UsageEvent carries token usage metadata.
type UsageEvent struct {
	TokenCount int
}
