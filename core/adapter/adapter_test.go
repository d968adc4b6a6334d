package adapter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/agent"
	"goa.design/agentcore/core/runner"
	"goa.design/agentcore/core/session"
	"goa.design/agentcore/core/stream"
	"goa.design/agentcore/core/tools"
	"goa.design/agentcore/telemetry"
)

// fakeHandle is the opaque handle fakeBackend hands out to every layer.
type fakeHandle struct {
	mu       sync.Mutex
	messages []contracts.UniversalMessage
}

// fakeBackend implements runtimebackend.Backend (and, structurally,
// session.FrameworkRuntime) without touching any real model provider.
type fakeBackend struct {
	mu         sync.Mutex
	seq        int
	execErr    error
	liveEvents []stream.RuntimeEvent

	// liveChan, when set, is returned directly from ExecuteLive instead of a
	// channel built from liveEvents. Tests use this to keep a live session
	// open (never sends a terminal event, never closes) so it is still
	// present in Adapter.live by the time Shutdown runs.
	liveChan <-chan stream.RuntimeEvent
}

func (b *fakeBackend) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	b.mu.Lock()
	b.seq++
	id := fmt.Sprintf("fw-%d", b.seq)
	b.mu.Unlock()
	return id, &fakeHandle{}, nil
}

func (b *fakeBackend) DestroySession(ctx context.Context, handle any) error { return nil }

func (b *fakeBackend) ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error) {
	h := handle.(*fakeHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]contracts.UniversalMessage(nil), h.messages...), nil
}

func (b *fakeBackend) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	h := handle.(*fakeHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
	return nil
}

func (b *fakeBackend) Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error) {
	if b.execErr != nil {
		return contracts.TaskResult{}, b.execErr
	}
	reply := contracts.UniversalMessage{Role: contracts.RoleAssistant}
	reply.SetText("hello from backend")
	return contracts.TaskResult{TaskID: req.TaskID, Status: contracts.StatusSuccess, Messages: []contracts.UniversalMessage{reply}}, nil
}

func (b *fakeBackend) ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error) {
	if b.liveChan != nil {
		return b.liveChan, nil
	}
	out := make(chan stream.RuntimeEvent, len(b.liveEvents)+1)
	for _, ev := range b.liveEvents {
		out <- ev
	}
	close(out)
	return out, nil
}

type testDeps struct {
	adapter *Adapter
	agents  *agent.Manager
	backend *fakeBackend
}

func newTestAdapter(backend *fakeBackend) *testDeps {
	agentIDs := 0
	agents := agent.NewManager(agent.WithIDGenerator(func() string {
		agentIDs++
		return fmt.Sprintf("agent-%d", agentIDs)
	}))
	runners := runner.NewManager()
	sessions := session.NewManager(session.Options{
		Runtime: backend,
		Agents:  agents,
		Runners: runners,
	})
	toolsvc := tools.NewService(tools.NewRegistry(), telemetry.Noop(), time.Second)

	a := New(Options{
		Sessions: sessions,
		Agents:   agents,
		Runners:  runners,
		Tools:    toolsvc,
		Backend:  backend,
	})
	return &testDeps{adapter: a, agents: agents, backend: backend}
}

func TestExecuteTask_CreateAgentAndSessionRouteRunsTheBackendAndStampsIdentifiers(t *testing.T) {
	t.Parallel()

	deps := newTestAdapter(&fakeBackend{})
	req := contracts.TaskRequest{
		TaskID:      "task-1",
		UserContext: contracts.UserContext{UserID: "user-1"},
	}
	route := ResolvedRoute{ChatSessionID: "chat-1", AgentConfig: contracts.AgentConfig{AgentType: "support"}, ReuseSafeAgent: true}

	result, err := deps.adapter.ExecuteTask(context.Background(), req, route)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusSuccess, result.Status)
	require.NotEmpty(t, result.AgentID)
	require.NotEmpty(t, result.SessionID)
	require.False(t, result.SwitchOccurred)
}

func TestExecuteTask_ContinueSessionReusesTheSameFrameworkSession(t *testing.T) {
	t.Parallel()

	deps := newTestAdapter(&fakeBackend{})
	createReq := contracts.TaskRequest{TaskID: "task-1", UserContext: contracts.UserContext{UserID: "user-1"}}
	createRoute := ResolvedRoute{ChatSessionID: "chat-1", AgentConfig: contracts.AgentConfig{AgentType: "support"}, ReuseSafeAgent: true}
	first, err := deps.adapter.ExecuteTask(context.Background(), createReq, createRoute)
	require.NoError(t, err)

	continueReq := contracts.TaskRequest{TaskID: "task-2", UserContext: contracts.UserContext{UserID: "user-1"}}
	continueRoute := ResolvedRoute{ChatSessionID: "chat-1", TargetAgentID: first.AgentID}
	second, err := deps.adapter.ExecuteTask(context.Background(), continueReq, continueRoute)
	require.NoError(t, err)

	require.Equal(t, first.SessionID, second.SessionID)

	deps.backend.mu.Lock()
	created := deps.backend.seq
	deps.backend.mu.Unlock()
	require.Equal(t, 1, created, "continuing the chat session must not create a second framework session")
}

func TestExecuteTask_BackendErrorProducesAnErrorStatusResultNotAGoError(t *testing.T) {
	t.Parallel()

	deps := newTestAdapter(&fakeBackend{execErr: require.AnError})
	req := contracts.TaskRequest{TaskID: "task-1", UserContext: contracts.UserContext{UserID: "user-1"}}
	route := ResolvedRoute{ChatSessionID: "chat-1", AgentConfig: contracts.AgentConfig{AgentType: "support"}, ReuseSafeAgent: true}

	result, err := deps.adapter.ExecuteTask(context.Background(), req, route)
	require.NoError(t, err)
	require.Equal(t, contracts.StatusError, result.Status)
	require.NotNil(t, result.Error)
}

func TestExecuteTaskLive_DrainsConvertedEventsAndPublishesATerminalChunk(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{liveEvents: []stream.RuntimeEvent{
		{Kind: stream.EventAssistantText, Text: "hi", Partial: false},
		{Kind: stream.EventCompletion},
	}}
	deps := newTestAdapter(backend)
	req := contracts.TaskRequest{TaskID: "task-1", UserContext: contracts.UserContext{UserID: "user-1"}}
	route := ResolvedRoute{ChatSessionID: "chat-1", AgentConfig: contracts.AgentConfig{AgentType: "support"}, ReuseSafeAgent: true}

	sess, err := deps.adapter.ExecuteTaskLive(context.Background(), req, route)
	require.NoError(t, err)

	var sawTerminal bool
	for chunk := range sess.Events() {
		if chunk.ChunkType.IsTerminal() {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal, "the pump goroutine must always publish exactly one terminal chunk before closing the sink")
}

func TestShutdown_CancelsEveryLiveSessionWithSystemShutdownAndSweepsIdleManagers(t *testing.T) {
	t.Parallel()

	liveChan := make(chan stream.RuntimeEvent)
	t.Cleanup(func() { close(liveChan) })
	backend := &fakeBackend{liveChan: liveChan}
	deps := newTestAdapter(backend)
	req := contracts.TaskRequest{TaskID: "task-1", UserContext: contracts.UserContext{UserID: "user-1"}}
	route := ResolvedRoute{ChatSessionID: "chat-1", AgentConfig: contracts.AgentConfig{AgentType: "support"}, ReuseSafeAgent: true}

	sess, err := deps.adapter.ExecuteTaskLive(context.Background(), req, route)
	require.NoError(t, err)

	drained := make(chan contracts.StreamChunk, 8)
	go func() {
		for chunk := range sess.Events() {
			drained <- chunk
		}
		close(drained)
	}()

	require.NoError(t, deps.adapter.Shutdown(context.Background()))

	var sawCancelled bool
	for chunk := range drained {
		if chunk.ChunkType == contracts.ChunkCancelled {
			require.Equal(t, "system_shutdown", chunk.Content)
			require.True(t, chunk.ChunkType.IsTerminal())
			sawCancelled = true
		}
	}
	require.True(t, sawCancelled, "Shutdown must publish a terminal CANCELLED chunk with reason system_shutdown for every still-live session, per spec resource shutdown")
}
