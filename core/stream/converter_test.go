package stream

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/contracts"
)

func TestConvert_SequenceIDsAreStrictlyMonotonicAcrossEventKinds(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	var chunks []contracts.StreamChunk
	chunks = append(chunks, c.Convert(RuntimeEvent{Kind: EventReasoningToken, Text: "thinking", Partial: true})...)
	chunks = append(chunks, c.Convert(RuntimeEvent{Kind: EventAssistantText, Text: "hi", Partial: false})...)
	chunks = append(chunks, c.Convert(RuntimeEvent{Kind: EventToolCallRequest, ToolCall: &ToolCallEvent{ToolFullName: "search.lookup"}})...)
	chunks = append(chunks, c.Convert(RuntimeEvent{Kind: EventCompletion})...)

	require.Len(t, chunks, 4)
	for i := 1; i < len(chunks); i++ {
		require.Greater(t, chunks[i].SequenceID, chunks[i-1].SequenceID)
	}
}

func TestConvert_AssistantTextSetsIsFinalFromPartial(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	partial := c.Convert(RuntimeEvent{Kind: EventAssistantText, Text: "hel", Partial: true})
	final := c.Convert(RuntimeEvent{Kind: EventAssistantText, Text: "hello", Partial: false})

	require.False(t, partial[0].Metadata.IsFinal)
	require.True(t, final[0].Metadata.IsFinal)
	require.Equal(t, contracts.ChunkAssistantText, partial[0].ChunkType)
}

func TestConvert_ToolCallCompleteWithErrProducesAnErrorChunk(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	chunks := c.Convert(RuntimeEvent{
		Kind: EventToolCallComplete,
		ToolCall: &ToolCallEvent{
			ToolFullName: "search.lookup",
			InteractionID: "int-1",
			Err:          &contracts.ErrorPayload{Code: "tool.execution", Message: "boom"},
		},
	})

	require.Len(t, chunks, 1)
	require.Equal(t, contracts.ChunkError, chunks[0].ChunkType)
	require.Equal(t, "tool.error", chunks[0].ChunkKind)
	require.Equal(t, "boom", chunks[0].Content)
	require.Equal(t, "int-1", chunks[0].Metadata.InteractionID)
}

func TestConvert_ToolCallCompleteWithoutErrProducesAToolResultChunk(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	chunks := c.Convert(RuntimeEvent{
		Kind:     EventToolCallComplete,
		ToolCall: &ToolCallEvent{ToolFullName: "search.lookup", DurationMs: 42},
	})

	require.Len(t, chunks, 1)
	require.Equal(t, contracts.ChunkToolResult, chunks[0].ChunkType)
	require.Equal(t, int64(42), chunks[0].Metadata.DurationMs)
}

func TestConvert_CompletionAndInterruptionProduceTerminalChunks(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	completion := c.Convert(RuntimeEvent{Kind: EventCompletion})
	require.True(t, completion[0].ChunkType.IsTerminal())

	c2 := NewConverter("task-2")
	interruption := c2.Convert(RuntimeEvent{Kind: EventInterruption, InterruptReason: "client disconnected"})
	require.True(t, interruption[0].ChunkType.IsTerminal())
	require.Equal(t, "client disconnected", interruption[0].Content)
}

func TestConvert_UnknownEventKindProducesNoChunks(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	chunks := c.Convert(RuntimeEvent{Kind: RuntimeEventKind("bogus")})
	require.Empty(t, chunks)
}

func TestTimeoutChunk_AsErrorSelectsTheErrorChunkType(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	errChunk := c.TimeoutChunk("int-1", "search.lookup", true)
	require.Equal(t, contracts.ChunkError, errChunk.ChunkType)
	require.True(t, errChunk.Metadata.AutoTimeout)

	resultChunk := c.TimeoutChunk("int-2", "search.lookup", false)
	require.Equal(t, contracts.ChunkToolResult, resultChunk.ChunkType)
	require.True(t, resultChunk.Metadata.AutoTimeout)
}

func TestCancelChunkAndErrorChunk_AreTerminal(t *testing.T) {
	t.Parallel()

	c := NewConverter("task-1")
	cancel := c.CancelChunk("user requested")
	require.True(t, cancel.ChunkType.IsTerminal())
	require.Equal(t, "user requested", cancel.Content)

	errChunk := c.ErrorChunk(contracts.ErrorPayload{Code: "framework.execution", Message: "boom"})
	require.True(t, errChunk.ChunkType.IsTerminal())
	require.Equal(t, "boom", errChunk.Content)
}
