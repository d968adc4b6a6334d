package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

func echoDescriptor() *Descriptor {
	return &Descriptor{
		Namespace: "test",
		ShortName: "echo",
		Schema: map[string]any{
			"type":                 "object",
			"required":             []any{"q"},
			"additionalProperties": false,
			"properties": map[string]any{
				"q": map[string]any{"type": "string"},
			},
		},
		Handler: func(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error) {
			return contracts.ToolResult{ToolCallID: req.InteractionID, ToolFullName: req.ToolFullName, Result: req.Arguments}, nil
		},
	}
}

func TestMergeHeaders_PrecedenceOrderIsPerCallThenPerToolThenPerTaskThenContextThenStatic(t *testing.T) {
	t.Parallel()

	out := MergeHeaders(HeaderLayers{
		StaticServerTool:  map[string]string{"x-key": "static", "x-static-only": "s"},
		ContextDerived:    map[string]string{"x-key": "context", "x-context-only": "c"},
		PerTask:           map[string]string{"x-key": "task"},
		PerToolDescriptor: map[string]string{"x-key": "tool"},
		PerCall:           map[string]string{"x-key": "call"},
	})

	require.Equal(t, "call", out["x-key"])
	require.Equal(t, "s", out["x-static-only"])
	require.Equal(t, "c", out["x-context-only"])
}

func TestMergeHeaders_MissingHigherLayerLetsLowerLayerShowThrough(t *testing.T) {
	t.Parallel()

	out := MergeHeaders(HeaderLayers{
		StaticServerTool: map[string]string{"x-key": "static"},
		PerTask:          map[string]string{"x-key": "task"},
	})

	require.Equal(t, "task", out["x-key"], "a present per-task header must win over the static layer even though per-call/per-tool are absent")
}

func TestExecuteTool_UnknownToolReturnsNotFound(t *testing.T) {
	t.Parallel()

	svc := NewService(NewRegistry(), telemetry.Noop(), time.Second)
	_, err := svc.ExecuteTool(context.Background(), contracts.ToolRequest{ToolFullName: "nope.nope"})

	require.Error(t, err)
	ce := coreerrors.FromError(err)
	require.Equal(t, coreerrors.CodeToolNotFound, ce.Code)
}

func TestExecuteTool_InvalidArgumentsFailSchemaValidation(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoDescriptor()))
	svc := NewService(reg, telemetry.Noop(), time.Second)

	_, err := svc.ExecuteTool(context.Background(), contracts.ToolRequest{ToolFullName: "test.echo", Arguments: map[string]any{}})

	require.Error(t, err)
	ce := coreerrors.FromError(err)
	require.Equal(t, coreerrors.CodeToolInvalidParameters, ce.Code)

	issues, ok := ce.Details["field_issues"].([]map[string]any)
	require.True(t, ok, "missing required field must populate field-level issue details")
	require.NotEmpty(t, issues)
	require.Contains(t, issues[0], "field")
	require.Contains(t, issues[0], "message")
}

func TestExecuteTool_ValidArgumentsReturnTheHandlerResult(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoDescriptor()))
	svc := NewService(reg, telemetry.Noop(), time.Second)

	res, err := svc.ExecuteTool(context.Background(), contracts.ToolRequest{ToolFullName: "test.echo", Arguments: map[string]any{"q": "hi"}})
	require.NoError(t, err)
	require.Equal(t, "hi", res.Result["q"])
	require.GreaterOrEqual(t, res.DurationMs, int64(0))
}

func TestExecuteTool_HandlerTimeoutReturnsToolTimeout(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{
		Namespace: "test",
		ShortName: "slow",
		Handler: func(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error) {
			<-ctx.Done()
			return contracts.ToolResult{}, ctx.Err()
		},
	}))
	svc := NewService(reg, telemetry.Noop(), 20*time.Millisecond)

	_, err := svc.ExecuteTool(context.Background(), contracts.ToolRequest{ToolFullName: "test.slow"})
	require.Error(t, err)
	ce := coreerrors.FromError(err)
	require.Equal(t, coreerrors.CodeToolTimeout, ce.Code)
}

func TestExecuteTool_HandlerErrorIsWrappedAsToolExecution(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{
		Namespace: "test",
		ShortName: "boom",
		Handler: func(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error) {
			return contracts.ToolResult{}, require.AnError
		},
	}))
	svc := NewService(reg, telemetry.Noop(), time.Second)

	_, err := svc.ExecuteTool(context.Background(), contracts.ToolRequest{ToolFullName: "test.boom"})
	require.Error(t, err)
	ce := coreerrors.FromError(err)
	require.Equal(t, coreerrors.CodeToolExecution, ce.Code)
}

func TestExecuteToolStream_FallsBackToABufferedSingleFinalChunkWithoutAStreamHandler(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(echoDescriptor()))
	svc := NewService(reg, telemetry.Noop(), time.Second)

	ch, err := svc.ExecuteToolStream(context.Background(), contracts.ToolRequest{ToolFullName: "test.echo", Arguments: map[string]any{"q": "hi"}})
	require.NoError(t, err)

	var chunks []contracts.ToolChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 1)
	require.True(t, chunks[0].Final)
	require.Equal(t, "hi", chunks[0].Result.Result["q"])
}

func TestExecuteToolStream_UsesTheStreamHandlerWhenPresent(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(&Descriptor{
		Namespace: "test",
		ShortName: "progress",
		Stream: func(ctx context.Context, req contracts.ToolRequest, out chan<- contracts.ToolChunk) error {
			out <- contracts.ToolChunk{Delta: "step 1"}
			out <- contracts.ToolChunk{Delta: "step 2", Final: true, Result: &contracts.ToolResult{ToolFullName: req.ToolFullName}}
			return nil
		},
	}))
	svc := NewService(reg, telemetry.Noop(), time.Second)

	ch, err := svc.ExecuteToolStream(context.Background(), contracts.ToolRequest{ToolFullName: "test.progress"})
	require.NoError(t, err)

	var chunks []contracts.ToolChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	require.True(t, chunks[1].Final)
}
