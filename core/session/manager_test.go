package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/agent"
	"goa.design/agentcore/core/recovery"
	"goa.design/agentcore/core/recovery/inmem"
	"goa.design/agentcore/core/runner"
)

// fakeHandle is the opaque framework-session handle fakeRuntime hands out:
// an in-memory transcript, nothing more.
type fakeHandle struct {
	mu        sync.Mutex
	id        string
	destroyed bool
	messages  []contracts.UniversalMessage
}

// fakeRuntime is a minimal FrameworkRuntime for exercising the Session
// Manager's switch/recovery sequencing without a real LLM backend.
type fakeRuntime struct {
	mu  sync.Mutex
	seq int
}

func newFakeRuntime() *fakeRuntime { return &fakeRuntime{} }

func (r *fakeRuntime) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	r.mu.Lock()
	r.seq++
	id := fmt.Sprintf("fw-sess-%d", r.seq)
	r.mu.Unlock()
	return id, &fakeHandle{id: id}, nil
}

func (r *fakeRuntime) DestroySession(ctx context.Context, handle any) error {
	h := handle.(*fakeHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed = true
	return nil
}

func (r *fakeRuntime) ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error) {
	h := handle.(*fakeHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]contracts.UniversalMessage(nil), h.messages...), nil
}

func (r *fakeRuntime) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	h := handle.(*fakeHandle)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, messages...)
	return nil
}

// testHarness wires a Session Manager against the real Agent and Runner
// managers (they're cheap, in-process, and exercising the real ownership
// seams is more useful than hand-rolled fakes for them) plus a fakeRuntime
// and an in-memory Recovery Store.
type testHarness struct {
	sessions *Manager
	agents   *agent.Manager
	runners  *runner.Manager
	runtime  *fakeRuntime
	store    recovery.Store
}

func newHarness() *testHarness {
	agentIDs, runnerIDs := 0, 0
	agents := agent.NewManager(agent.WithIDGenerator(func() string {
		agentIDs++
		return fmt.Sprintf("agent-%d", agentIDs)
	}))
	runners := runner.NewManager(runner.WithIDGenerator(func() string {
		runnerIDs++
		return fmt.Sprintf("runner-%d", runnerIDs)
	}))
	rt := newFakeRuntime()
	store := inmem.New()
	sessions := NewManager(Options{
		Runtime:       rt,
		Agents:        agents,
		Runners:       runners,
		RecoveryStore: store,
	})
	return &testHarness{sessions: sessions, agents: agents, runners: runners, runtime: rt, store: store}
}

func TestCoordinate_FirstCallCreatesAFreshFrameworkSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	result, err := h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	require.NotEmpty(t, result.FrameworkSessionID)
	require.False(t, result.SwitchOccurred)

	cs, ok := h.sessions.Get("chat-1")
	require.True(t, ok)
	require.Equal(t, StateActive, cs.State)
	require.Equal(t, ag.ID, cs.ActiveAgentID)
}

func TestCoordinate_SameAgentReusesTheCachedFrameworkSession(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	first, err := h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	second, err := h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)

	require.Equal(t, first.FrameworkSessionID, second.FrameworkSessionID)
}

func TestCoordinate_SwitchingAgentsMigratesTranscriptAndSetsSwitchOccurred(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	agentA, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "a"}, false)
	require.NoError(t, err)
	agentB, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "b"}, false)
	require.NoError(t, err)

	firstResult, err := h.sessions.Coordinate(ctx, "chat-1", agentA.ID, "user-1", agentA.Config)
	require.NoError(t, err)

	_, firstHandle, ok := h.runners.GetSession(firstResult.FrameworkSessionID)
	require.True(t, ok)
	seed := contracts.UniversalMessage{Role: contracts.RoleUser}
	seed.SetText("hello")
	require.NoError(t, h.runtime.InjectTranscript(ctx, firstHandle.Handle, []contracts.UniversalMessage{seed}))

	secondResult, err := h.sessions.Coordinate(ctx, "chat-1", agentB.ID, "user-1", agentB.Config)
	require.NoError(t, err)

	require.True(t, secondResult.SwitchOccurred)
	require.Equal(t, agentA.ID, secondResult.PreviousAgentID)
	require.NotEqual(t, firstResult.FrameworkSessionID, secondResult.FrameworkSessionID)

	_, secondHandle, ok := h.runners.GetSession(secondResult.FrameworkSessionID)
	require.True(t, ok)
	transcript, err := h.runtime.ExtractTranscript(ctx, secondHandle.Handle)
	require.NoError(t, err)
	require.Len(t, transcript, 1)
	require.Equal(t, "hello", transcript[0].PlainText())

	// The old framework session must have been torn down.
	oldHandle := firstHandle.Handle.(*fakeHandle)
	require.True(t, oldHandle.destroyed)
	_, _, ok = h.runners.GetSession(firstResult.FrameworkSessionID)
	require.False(t, ok)
}

func TestCoordinate_ClearedSessionIsRejectedUntilRecovered(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	_, err = h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	require.NoError(t, h.sessions.Cleanup(ctx, "chat-1", "end_chat"))

	_, err = h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.Error(t, err)

	_, err = h.sessions.Recover(ctx, "chat-1")
	require.NoError(t, err)

	result, err := h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	require.NotEmpty(t, result.FrameworkSessionID)
}

func TestCleanup_SnapshotsTranscriptToTheRecoveryStore(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	result, err := h.sessions.Coordinate(ctx, "chat-1", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	_, handle, ok := h.runners.GetSession(result.FrameworkSessionID)
	require.True(t, ok)
	msg := contracts.UniversalMessage{Role: contracts.RoleAssistant}
	msg.SetText("summary")
	require.NoError(t, h.runtime.InjectTranscript(ctx, handle.Handle, []contracts.UniversalMessage{msg}))

	require.NoError(t, h.sessions.Cleanup(ctx, "chat-1", "idle"))

	record, err := h.store.Load(ctx, "chat-1")
	require.NoError(t, err)
	require.Equal(t, ag.ID, record.AgentID)
	require.Len(t, record.ChatHistory, 1)
	require.Equal(t, "summary", record.ChatHistory[0].PlainText())

	cs, ok := h.sessions.Get("chat-1")
	require.True(t, ok)
	require.Equal(t, StateCleared, cs.State)
}

func TestIdleScan_CleansUpOnlyChatSessionsPastTheThreshold(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	_, err = h.sessions.Coordinate(ctx, "chat-idle", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)
	_, err = h.sessions.Coordinate(ctx, "chat-fresh", ag.ID, "user-1", ag.Config)
	require.NoError(t, err)

	cs, _ := h.sessions.Get("chat-idle")
	h.sessions.mu.Lock()
	h.sessions.chatSessions["chat-idle"].LastActivity = time.Now().Add(-time.Hour)
	h.sessions.mu.Unlock()
	_ = cs

	evicted := h.sessions.IdleScan(ctx, 10*time.Minute)
	require.Equal(t, []string{"chat-idle"}, evicted)

	fresh, ok := h.sessions.Get("chat-fresh")
	require.True(t, ok)
	require.Equal(t, StateActive, fresh.State)
}

func TestCoordinate_ConcurrentCallsOnTheSameChatSessionAreSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness()
	ctx := context.Background()
	ag, err := h.agents.CreateAgent(ctx, "user-1", contracts.AgentConfig{AgentType: "support"}, false)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.sessions.Coordinate(ctx, "chat-shared", ag.ID, "user-1", ag.Config)
			results[i] = r.FrameworkSessionID
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "call %d", i)
	}
	for i := 1; i < n; i++ {
		require.Equal(t, results[0], results[i], "every concurrent coordinate on one chat session must observe the same winning framework session")
	}
}
