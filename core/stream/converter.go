package stream

import (
	"sync/atomic"
	"time"

	"goa.design/agentcore/contracts"
)

// Converter turns RuntimeEvents for a single task into contracts.StreamChunks
// with a strictly monotonic sequence_id (spec §5 ordering guarantees,
// §8 property 5). One Converter is scoped to exactly one task; it is not
// safe to share across tasks since the sequence counter and
// reasoning-burst tracking are per-task state.
type Converter struct {
	taskID string
	seq    atomic.Uint64

	// sawAssistantText records whether an ASSISTANT_TEXT chunk has been
	// emitted for this task. Nothing reads it; no reasoning burst is ever
	// relabelled PLAN_SUMMARY.
	sawAssistantText bool
}

// NewConverter constructs a Converter scoped to taskID.
func NewConverter(taskID string) *Converter {
	return &Converter{taskID: taskID}
}

func (c *Converter) next() uint64 {
	return c.seq.Add(1)
}

func (c *Converter) base(chunkType contracts.ChunkType, stage contracts.Stage) contracts.StreamChunk {
	return contracts.StreamChunk{
		TaskID:     c.taskID,
		ChunkType:  chunkType,
		SequenceID: c.next(),
		Metadata:   contracts.ChunkMetadata{Stage: stage},
		EmittedAt:  time.Now(),
	}
}

// Convert maps one RuntimeEvent to zero or more StreamChunks, per the rules
// in spec §4.6.
func (c *Converter) Convert(ev RuntimeEvent) []contracts.StreamChunk {
	switch ev.Kind {
	case EventReasoningToken:
		return []contracts.StreamChunk{c.reasoningChunk(ev)}
	case EventAssistantText:
		c.sawAssistantText = true
		chunk := c.base(contracts.ChunkAssistantText, contracts.StageAssistant)
		chunk.Content = ev.Text
		chunk.Metadata.IsFinal = !ev.Partial
		return []contracts.StreamChunk{chunk}
	case EventToolCallRequest:
		return []contracts.StreamChunk{c.toolProposalChunk(ev)}
	case EventToolCallComplete:
		return []contracts.StreamChunk{c.toolResultChunk(ev)}
	case EventUsage:
		chunk := c.base(contracts.ChunkProgress, contracts.StageControl)
		if ev.Usage != nil {
			chunk.Metadata.TokenCount = ev.Usage.TokenCount
		}
		return []contracts.StreamChunk{chunk}
	case EventInterruption:
		chunk := c.base(contracts.ChunkCancelled, contracts.StageControl)
		chunk.Content = ev.InterruptReason
		chunk.Metadata.IsFinal = true
		return []contracts.StreamChunk{chunk}
	case EventCompletion:
		chunk := c.base(contracts.ChunkComplete, contracts.StageControl)
		chunk.Metadata.IsFinal = true
		return []contracts.StreamChunk{chunk}
	default:
		return nil
	}
}

// reasoningChunk emits PLAN_DELTA for every reasoning token and tags a
// non-partial token with chunk_kind "plan.burst_end". Neither the converter
// nor the Framework Adapter emits PLAN_SUMMARY: the last burst before the
// first assistant message reaches the client as PLAN_DELTA chunks.
func (c *Converter) reasoningChunk(ev RuntimeEvent) contracts.StreamChunk {
	chunk := c.base(contracts.ChunkPlanDelta, contracts.StagePlan)
	chunk.Content = ev.Text
	if !ev.Partial {
		chunk.ChunkKind = "plan.burst_end"
	}
	return chunk
}

func (c *Converter) toolProposalChunk(ev RuntimeEvent) contracts.StreamChunk {
	chunk := c.base(contracts.ChunkToolProposal, contracts.StageTool)
	if ev.ToolCall == nil {
		return chunk
	}
	chunk.Content = ev.ToolCall.ArgumentPreview
	chunk.Metadata.InteractionID = ev.ToolCall.InteractionID
	chunk.Metadata.ToolFullName = ev.ToolCall.ToolFullName
	chunk.Metadata.ToolShortName = ev.ToolCall.ToolShortName
	chunk.Metadata.ToolNamespace = ev.ToolCall.ToolNamespace
	chunk.Metadata.RequiresConfirm = ev.ToolCall.RequiresConfirmation
	return chunk
}

func (c *Converter) toolResultChunk(ev RuntimeEvent) contracts.StreamChunk {
	if ev.ToolCall != nil && ev.ToolCall.Err != nil {
		chunk := c.base(contracts.ChunkError, contracts.StageError)
		chunk.ChunkKind = "tool.error"
		chunk.Content = ev.ToolCall.Err.Message
		chunk.Metadata.InteractionID = ev.ToolCall.InteractionID
		chunk.Metadata.ToolFullName = ev.ToolCall.ToolFullName
		chunk.Metadata.DurationMs = ev.ToolCall.DurationMs
		return chunk
	}
	chunk := c.base(contracts.ChunkToolResult, contracts.StageTool)
	if ev.ToolCall != nil {
		chunk.Metadata.InteractionID = ev.ToolCall.InteractionID
		chunk.Metadata.ToolFullName = ev.ToolCall.ToolFullName
		chunk.Metadata.DurationMs = ev.ToolCall.DurationMs
	}
	return chunk
}

// TimeoutChunk builds the synthetic terminal chunk emitted by the Approval
// Broker when an Interaction's deadline elapses (spec §4.7 step 3, §8
// property 7). asError controls whether the policy produced a rejection
// (ERROR/tool.error) or a synthetic TOOL_RESULT.
func (c *Converter) TimeoutChunk(interactionID, toolFullName string, asError bool) contracts.StreamChunk {
	var chunk contracts.StreamChunk
	if asError {
		chunk = c.base(contracts.ChunkError, contracts.StageError)
		chunk.ChunkKind = "tool.error"
	} else {
		chunk = c.base(contracts.ChunkToolResult, contracts.StageTool)
	}
	chunk.Metadata.InteractionID = interactionID
	chunk.Metadata.ToolFullName = toolFullName
	chunk.Metadata.AutoTimeout = true
	return chunk
}

// CancelChunk builds the terminal CANCELLED chunk for StreamSession.Cancel
// and for shutdown (spec §5 "Cancellation", §5 "Resource shutdown").
func (c *Converter) CancelChunk(reason string) contracts.StreamChunk {
	chunk := c.base(contracts.ChunkCancelled, contracts.StageControl)
	chunk.Content = reason
	chunk.Metadata.IsFinal = true
	return chunk
}

// ErrorChunk builds a terminal ERROR chunk from an ErrorPayload.
func (c *Converter) ErrorChunk(payload contracts.ErrorPayload) contracts.StreamChunk {
	chunk := c.base(contracts.ChunkError, contracts.StageError)
	chunk.Content = payload.Message
	chunk.Metadata.IsFinal = true
	chunk.Metadata.Extra = map[string]any{"code": payload.Code}
	return chunk
}
