package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sequentialIDs(prefix string) func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestGetOrCreateRunner_DedupesByFingerprintAcrossAgents(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn1, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)
	rn2, err := m.GetOrCreateRunner(context.Background(), "agent-2", "fp-a")
	require.NoError(t, err)

	require.Equal(t, rn1.ID, rn2.ID)

	got, ok := m.GetRunnerForAgent("agent-2")
	require.True(t, ok)
	require.Equal(t, rn1.ID, got.ID)
}

func TestGetOrCreateRunner_DifferentFingerprintsGetDifferentRunners(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn1, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)
	rn2, err := m.GetOrCreateRunner(context.Background(), "agent-2", "fp-b")
	require.NoError(t, err)

	require.NotEqual(t, rn1.ID, rn2.ID)
}

func TestCreateSessionAndGetSession_StoresUserIDPerSessionNotPerRunner(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)

	require.NoError(t, m.CreateSession(context.Background(), rn.ID, "sess-1", "user-a", "handle-1"))
	require.NoError(t, m.CreateSession(context.Background(), rn.ID, "sess-2", "user-b", "handle-2"))

	_, h1, ok := m.GetSession("sess-1")
	require.True(t, ok)
	require.Equal(t, "user-a", h1.UserID)

	_, h2, ok := m.GetSession("sess-2")
	require.True(t, ok)
	require.Equal(t, "user-b", h2.UserID)
}

func TestRemoveSession_DoesNotEvictTheRunner(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)
	require.NoError(t, m.CreateSession(context.Background(), rn.ID, "sess-1", "user-a", "handle"))

	m.RemoveSession("sess-1")

	require.Equal(t, 0, m.SessionCount(rn.ID))
	_, ok := m.GetRunnerForAgent("agent-1")
	require.True(t, ok, "runner should survive its last session being removed")
}

func TestGetRunnerForAgent_StalePointerAfterCleanupResolvesToFalse(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)
	require.NoError(t, m.CleanupRunner(context.Background(), rn.ID))

	_, ok := m.GetRunnerForAgent("agent-1")
	require.False(t, ok)
}

func TestIdleScan_OnlyEvictsEmptyRunnersPastTheThreshold(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	now := time.Now()

	idle, err := m.GetOrCreateRunner(context.Background(), "agent-idle", "fp-idle")
	require.NoError(t, err)
	busy, err := m.GetOrCreateRunner(context.Background(), "agent-busy", "fp-busy")
	require.NoError(t, err)
	require.NoError(t, m.CreateSession(context.Background(), busy.ID, "sess-1", "user-a", "handle"))

	m.mu.Lock()
	m.records[idle.ID].runner.LastActivity = now.Add(-time.Hour)
	m.records[busy.ID].runner.LastActivity = now.Add(-time.Hour)
	m.mu.Unlock()

	evicted := m.IdleScan(context.Background(), 10*time.Minute, now)
	require.Equal(t, []string{idle.ID}, evicted)

	_, ok := m.GetRunnerForAgent("agent-busy")
	require.True(t, ok, "a runner with live sessions must never be evicted regardless of its own idle time")
}

func TestOnAgentCleanup_CleansUpRunnerOnlyWhenItsLastAgentAndSessionAreGone(t *testing.T) {
	t.Parallel()

	m := NewManager(WithIDGenerator(sequentialIDs("runner")))
	rn, err := m.GetOrCreateRunner(context.Background(), "agent-1", "fp-a")
	require.NoError(t, err)
	_, err = m.GetOrCreateRunner(context.Background(), "agent-2", "fp-a")
	require.NoError(t, err)

	require.NoError(t, m.OnAgentCleanup(context.Background(), "agent-1"))
	// agent-2 still references the runner, so it must still be resolvable.
	got, ok := m.GetRunnerForAgent("agent-2")
	require.True(t, ok)
	require.Equal(t, rn.ID, got.ID)

	require.NoError(t, m.OnAgentCleanup(context.Background(), "agent-2"))
	_, ok = m.GetRunnerForAgent("agent-2")
	require.False(t, ok)
}
