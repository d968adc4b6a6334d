// Package contracts defines the wire-level request/response/chunk/error shapes
// shared across every layer of the Agent Execution Core (spec §6, component
// C12). Its only dependency inside the module is coreerrors (for error codes),
// so it can be imported by adapters, transports, and tests without pulling in
// manager implementations.
package contracts

import (
	"time"

	"goa.design/agentcore/coreerrors"
)

// Role is the sender of a UniversalMessage.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// ContentPartKind discriminates UniversalMessage content parts.
type ContentPartKind string

const (
	ContentText     ContentPartKind = "text"
	ContentImage    ContentPartKind = "image"
	ContentFile     ContentPartKind = "file"
	ContentToolCall ContentPartKind = "tool_call"
)

// ContentPart is one piece of a possibly-multi-part UniversalMessage.
type ContentPart struct {
	Kind ContentPartKind `json:"kind"`

	// Text holds the text for Kind==ContentText.
	Text string `json:"text,omitempty"`

	// Image holds an inline image for Kind==ContentImage: either a base64
	// data URL (DataURL) or raw Bytes with MIME set.
	DataURL string `json:"data_url,omitempty"`
	Bytes   []byte `json:"bytes,omitempty"`
	MIME    string `json:"mime,omitempty"`

	// FileRef holds an opaque file reference for Kind==ContentFile.
	FileRef string `json:"file_ref,omitempty"`

	// ToolCall holds a tool-call struct for Kind==ContentToolCall.
	ToolCall *ToolCallContent `json:"tool_call,omitempty"`
}

// ToolCallContent is the tool-call shape embedded in a ContentPart.
type ToolCallContent struct {
	ToolCallID string         `json:"tool_call_id"`
	ToolName   string         `json:"tool_name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
}

// UniversalMessage is the framework-agnostic chat message shape threaded
// through requests, results, transcripts, and recovery records.
type UniversalMessage struct {
	Role    Role          `json:"role"`
	Content []ContentPart `json:"content,omitempty"`

	// Text is a convenience accessor populated when Content is a single
	// ContentText part; SetText keeps it in sync with Content, and direct
	// writes to Content leave it unchanged.
	Text string `json:"-"`
}

// SetText replaces the message content with a single text part.
func (m *UniversalMessage) SetText(text string) {
	m.Text = text
	m.Content = []ContentPart{{Kind: ContentText, Text: text}}
}

// PlainText returns the concatenation of every text content part, ignoring
// non-text parts. Useful for transcript injection fallback (spec §4.3
// "transcript injection precedence").
func (m UniversalMessage) PlainText() string {
	if len(m.Content) == 0 {
		return m.Text
	}
	out := ""
	for _, p := range m.Content {
		if p.Kind == ContentText {
			out += p.Text
		}
	}
	return out
}

// UserContext carries the caller identity and preferences for a task.
type UserContext struct {
	UserID        string         `json:"user_id,omitempty"`
	UserName      string         `json:"user_name,omitempty"`
	SessionToken  string         `json:"session_token,omitempty"`
	Permissions   map[string]any `json:"permissions,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
}

// SessionContext lets a caller pass an explicit chat/framework session pair
// plus a conversation history hint.
type SessionContext struct {
	ChatSessionID      string              `json:"chat_session_id,omitempty"`
	FrameworkSessionID string              `json:"framework_session_id,omitempty"`
	ConversationHistory []UniversalMessage `json:"conversation_history,omitempty"`
}

// ExecutionMode selects sync vs. live execution.
type ExecutionMode string

const (
	ExecutionModeSync ExecutionMode = "sync"
	ExecutionModeLive ExecutionMode = "live"
)

// ExecutionContext carries the execution mode and any backend-specific
// execution knobs.
type ExecutionContext struct {
	ExecutionMode ExecutionMode  `json:"execution_mode,omitempty"`
	TimeoutMs     int64          `json:"timeout_ms,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// AgentConfig is the frozen configuration an Agent is created from (spec §3
// "Agent"): agent type, system prompt, model descriptor, declared tool names,
// and framework-specific settings.
type AgentConfig struct {
	AgentType      string         `json:"agent_type"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	Model          string         `json:"model"`
	DeclaredTools  []string       `json:"declared_tools,omitempty"`
	FrameworkExtra map[string]any `json:"framework_extra,omitempty"`
}

// UniversalTool is either a fully-described tool or a bare string name; the
// Resolver accepts both (spec §6 "available_tools?: [UniversalTool | string]").
type UniversalTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Metadata is the free-form per-task metadata bag, including the
// stream_mode/tool_headers fields called out in spec §6.
type Metadata map[string]any

// StreamMode reports whether metadata requests a live stream.
func (m Metadata) StreamMode() bool {
	v, ok := m["stream_mode"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// ToolHeaders returns the per-call header override map, if any (spec §4.9
// header precedence, highest-priority source).
func (m Metadata) ToolHeaders() map[string]string {
	v, ok := m["tool_headers"]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		if typed, ok := v.(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, vv := range raw {
		if s, ok := vv.(string); ok {
			out[k] = s
		}
	}
	return out
}

// TaskRequest is the input to Engine.ExecuteTask / ExecuteTaskLive (spec §6).
type TaskRequest struct {
	TaskID          string          `json:"task_id"`
	TaskType        string          `json:"task_type"`
	Description     string          `json:"description,omitempty"`
	UserContext     UserContext     `json:"user_context"`
	SessionContext  *SessionContext `json:"session_context,omitempty"`
	Messages        []UniversalMessage `json:"messages"`
	AgentID         string          `json:"agent_id,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	AgentConfig     *AgentConfig    `json:"agent_config,omitempty"`
	AvailableTools  []UniversalTool `json:"available_tools,omitempty"`
	ExecutionContext ExecutionContext `json:"execution_context,omitempty"`
	Metadata        Metadata        `json:"metadata,omitempty"`
}

// TaskStatus is the terminal status of a TaskResult.
type TaskStatus string

const (
	StatusSuccess   TaskStatus = "success"
	StatusError     TaskStatus = "error"
	StatusPartial   TaskStatus = "partial"
	StatusTimeout   TaskStatus = "timeout"
	StatusCancelled TaskStatus = "cancelled"
)

// ExecutionMetadata reports timing/usage/backend info alongside a TaskResult.
type ExecutionMetadata struct {
	DurationMs int64          `json:"duration_ms"`
	TokenUsage map[string]int `json:"token_usage,omitempty"`
	Framework  string         `json:"framework,omitempty"`
}

// TaskResult is the output of Engine.ExecuteTask (spec §6).
type TaskResult struct {
	TaskID           string              `json:"task_id"`
	Status           TaskStatus          `json:"status"`
	Messages         []UniversalMessage  `json:"messages"`
	AgentID          string              `json:"agent_id,omitempty"`
	SessionID        string              `json:"session_id,omitempty"`
	SwitchOccurred   bool                `json:"switch_occurred,omitempty"`
	PreviousAgentID  string              `json:"previous_agent_id,omitempty"`
	ToolResults      []ToolResult        `json:"tool_results,omitempty"`
	Error            *ErrorPayload       `json:"error,omitempty"`
	ExecutionMetadata ExecutionMetadata  `json:"execution_metadata"`
}

// ErrorPayload is the canonical error shape returned to callers (spec §6/§7).
type ErrorPayload struct {
	Code      coreerrors.Code `json:"code"`
	Message   string          `json:"message"`
	Details   map[string]any  `json:"details,omitempty"`
	Source    string          `json:"source,omitempty"`
	Retriable bool            `json:"retriable,omitempty"`
}

// FromCoreError builds an ErrorPayload from a CoreError, preserving code,
// details, source, and the default retriable classification.
func FromCoreError(err *coreerrors.CoreError) *ErrorPayload {
	if err == nil {
		return nil
	}
	return &ErrorPayload{
		Code:      err.Code,
		Message:   err.Message,
		Details:   err.Details,
		Source:    err.Source,
		Retriable: err.Retriable(),
	}
}

// ChunkType is the top-level discriminator for a StreamChunk (spec §3).
type ChunkType string

const (
	ChunkPlanDelta     ChunkType = "PLAN_DELTA"
	ChunkPlanSummary   ChunkType = "PLAN_SUMMARY"
	ChunkToolProposal  ChunkType = "TOOL_PROPOSAL"
	ChunkToolResult    ChunkType = "TOOL_RESULT"
	ChunkAssistantText ChunkType = "ASSISTANT_TEXT"
	ChunkProgress      ChunkType = "PROGRESS"
	ChunkHITLPrompt    ChunkType = "HITL_PROMPT"
	ChunkComplete      ChunkType = "COMPLETE"
	ChunkCancelled     ChunkType = "CANCELLED"
	ChunkError         ChunkType = "ERROR"
)

// Stage classifies which pipeline stage emitted a chunk (spec §3 metadata.stage).
type Stage string

const (
	StagePlan      Stage = "plan"
	StageAssistant Stage = "assistant"
	StageTool      Stage = "tool"
	StageControl   Stage = "control"
	StageError     Stage = "error"
)

// ChunkMetadata is the StreamChunk.metadata bag from spec §3.
type ChunkMetadata struct {
	Stage           Stage          `json:"stage"`
	InteractionID   string         `json:"interaction_id,omitempty"`
	ToolFullName    string         `json:"tool_full_name,omitempty"`
	ToolShortName   string         `json:"tool_short_name,omitempty"`
	ToolNamespace   string         `json:"tool_namespace,omitempty"`
	DurationMs      int64          `json:"duration_ms,omitempty"`
	TokenCount      int            `json:"token_count,omitempty"`
	IsFinal         bool           `json:"is_final,omitempty"`
	AutoTimeout     bool           `json:"auto_timeout,omitempty"`
	RequiresConfirm bool           `json:"requires_confirmation,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// StreamChunk is one unit of a live task's event stream (spec §3/§4.6).
type StreamChunk struct {
	TaskID     string        `json:"task_id"`
	ChunkType  ChunkType     `json:"chunk_type"`
	ChunkKind  string        `json:"chunk_kind,omitempty"`
	SequenceID uint64        `json:"sequence_id"`
	Content    string        `json:"content,omitempty"`
	Metadata   ChunkMetadata `json:"metadata"`
	EmittedAt  time.Time     `json:"emitted_at"`
}

// IsTerminal reports whether this chunk type ends a stream (spec §5 ordering
// guarantees: exactly one of COMPLETE/CANCELLED/ERROR, and it is last).
func (c ChunkType) IsTerminal() bool {
	switch c {
	case ChunkComplete, ChunkCancelled, ChunkError:
		return true
	default:
		return false
	}
}

// ToolRequest is the input to the Tool Invocation Service (spec §4.9).
type ToolRequest struct {
	TaskID       string            `json:"task_id"`
	SessionID    string            `json:"session_id"`
	ToolFullName string            `json:"tool_full_name"`
	Arguments    map[string]any    `json:"arguments"`
	Headers      map[string]string `json:"headers,omitempty"`
	InteractionID string           `json:"interaction_id,omitempty"`
}

// ToolResult is the output of a (possibly buffered) tool execution.
type ToolResult struct {
	ToolCallID   string         `json:"tool_call_id"`
	ToolFullName string         `json:"tool_full_name"`
	Result       map[string]any `json:"result,omitempty"`
	Error        *ErrorPayload  `json:"error,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
}

// ToolChunk is one progressive chunk of a streamed tool execution (spec §4.9
// execute_tool_stream).
type ToolChunk struct {
	ToolCallID string `json:"tool_call_id"`
	Delta      string `json:"delta"`
	Final      bool   `json:"final"`
	Result     *ToolResult `json:"result,omitempty"`
}
