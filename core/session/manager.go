package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/agent"
	"goa.design/agentcore/core/recovery"
	"goa.design/agentcore/core/runner"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// AgentResolver is the subset of *agent.Manager the Session Manager needs.
type AgentResolver interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	CreateAgent(ctx context.Context, userID string, cfg contracts.AgentConfig, reuseSafe bool) (*agent.Agent, error)
}

// RunnerPool is the subset of *runner.Manager the Session Manager needs.
type RunnerPool interface {
	GetOrCreateRunner(ctx context.Context, agentID, fingerprint string) (*runner.Runner, error)
	GetRunnerForAgent(agentID string) (*runner.Runner, bool)
	CreateSession(ctx context.Context, runnerID, sessionID, userID string, handle any) error
	GetSession(sessionID string) (runnerID string, handle *runner.SessionHandle, ok bool)
	RemoveSession(sessionID string)
	SessionCount(runnerID string) int
}

// Options configures a Manager.
type Options struct {
	Runtime       FrameworkRuntime
	Agents        AgentResolver
	Runners       RunnerPool
	RecoveryStore recovery.Store
	Telemetry     telemetry.Set
	// Now overrides the clock, mainly for deterministic tests.
	Now func() time.Time
}

// Manager is the Session Manager (spec §4.3, component C5). It exclusively
// owns ChatSession and the Recovery Store handle (spec §3 "Ownership").
type Manager struct {
	mu                sync.Mutex
	chatSessions      map[string]*ChatSession
	pendingRecoveries map[string]*recovery.Record
	chatLocks         map[string]*sync.Mutex

	runtime FrameworkRuntime
	agents  AgentResolver
	runners RunnerPool
	store   recovery.Store
	tel     telemetry.Set
	now     func() time.Time
}

// lockChat serializes Coordinate/Cleanup/Recover calls per chat_session_id
// (spec §5 "Concurrent tasks on one chat session: disallowed ... serializes
// coordination per chat_session_id") without blocking unrelated chat
// sessions (spec §5 "Concurrent tasks across chat sessions: fully
// parallel").
func (m *Manager) lockChat(chatSessionID string) func() {
	m.mu.Lock()
	lock, ok := m.chatLocks[chatSessionID]
	if !ok {
		lock = &sync.Mutex{}
		m.chatLocks[chatSessionID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// NewManager constructs a Session Manager.
func NewManager(opts Options) *Manager {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		chatSessions:      make(map[string]*ChatSession),
		pendingRecoveries: make(map[string]*recovery.Record),
		chatLocks:         make(map[string]*sync.Mutex),
		runtime:           opts.Runtime,
		agents:            opts.Agents,
		runners:           opts.Runners,
		store:             opts.RecoveryStore,
		tel:               tel,
		now:               now,
	}
}

func (m *Manager) getOrCreateLocked(chatSessionID, userID string) *ChatSession {
	cs, ok := m.chatSessions[chatSessionID]
	if !ok {
		cs = &ChatSession{
			ChatSessionID: chatSessionID,
			UserID:        userID,
			CreatedAt:     m.now(),
			LastActivity:  m.now(),
			State:         StateActive,
		}
		m.chatSessions[chatSessionID] = cs
	}
	return cs
}

// Coordinate implements coordinate_chat_session (spec §4.3). It creates the
// ChatSession on first use, reuses the cached framework session on same-agent
// continuation, and otherwise performs the atomic agent-switch sequence from
// spec §4.2.
func (m *Manager) Coordinate(ctx context.Context, chatSessionID, targetAgentID, userID string, cfg contracts.AgentConfig) (CoordinateResult, error) {
	defer m.lockChat(chatSessionID)()

	m.mu.Lock()
	cs := m.getOrCreateLocked(chatSessionID, userID)

	if cs.State == StateCleared {
		m.mu.Unlock()
		return CoordinateResult{}, coreerrors.New(coreerrors.CodeSessionCleared, "chat session "+chatSessionID+" is cleared")
	}

	// Same-agent reuse: the cached framework session must still be alive in
	// the Runner Manager, not merely recorded on the ChatSession.
	if cs.State == StateActive && cs.ActiveAgentID == targetAgentID && cs.ActiveFrameworkSessionID != "" {
		if runnerID, _, ok := m.runners.GetSession(cs.ActiveFrameworkSessionID); ok && runnerID == cs.ActiveRunnerID {
			cs.LastActivity = m.now()
			result := CoordinateResult{FrameworkSessionID: cs.ActiveFrameworkSessionID, RunnerID: cs.ActiveRunnerID}
			m.mu.Unlock()
			return result, nil
		}
	}

	previousAgentID := cs.ActiveAgentID
	previousFrameworkSessionID := cs.ActiveFrameworkSessionID
	previousRunnerID := cs.ActiveRunnerID
	pendingRecord := m.pendingRecoveries[chatSessionID]
	m.mu.Unlock()

	if m.runtime == nil {
		return CoordinateResult{}, coreerrors.New(coreerrors.CodeFrameworkUnavailable, "no framework runtime configured")
	}

	// Ensure the target agent exists before tearing anything down, so a
	// missing/unresolvable agent never strands the chat session mid-switch.
	if _, err := m.agents.GetAgent(ctx, targetAgentID); err != nil {
		return CoordinateResult{}, err
	}

	var transcript []contracts.UniversalMessage
	if previousFrameworkSessionID != "" {
		if _, handle, ok := m.runners.GetSession(previousFrameworkSessionID); ok {
			extracted, err := m.runtime.ExtractTranscript(ctx, handle.Handle)
			if err != nil {
				return CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "extract transcript for switch", err)
			}
			transcript = extracted
			if err := m.runtime.DestroySession(ctx, handle.Handle); err != nil {
				m.tel.Logger.Warn(ctx, "destroy old framework session failed", "chat_session_id", chatSessionID, "error", err.Error())
			}
			m.runners.RemoveSession(previousFrameworkSessionID)
			// Eviction of a now-empty runner is left to idle_scan's grace
			// window (spec §4.2 "schedule it for eviction (respecting grace
			// window)"), not performed synchronously here.
		}
	}
	if pendingRecord != nil {
		transcript = pendingRecord.ChatHistory
	}

	agentFingerprint := agent.Fingerprint(cfg)
	rn, err := m.runners.GetOrCreateRunner(ctx, targetAgentID, agentFingerprint)
	if err != nil {
		return CoordinateResult{}, err
	}
	newSessionID, handle, err := m.runtime.CreateFrameworkSession(ctx, cfg, userID)
	if err != nil {
		return CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "create framework session", err)
	}
	if err := m.runners.CreateSession(ctx, rn.ID, newSessionID, userID, handle); err != nil {
		return CoordinateResult{}, err
	}

	if len(transcript) > 0 {
		if err := m.runtime.InjectTranscript(ctx, handle, transcript); err != nil {
			if pendingRecord != nil {
				// Keep the record queued; a later coordinate attempt retries
				// injection (spec §4.3 "an injection failure re-queues the
				// record and emits session.recovery_retry").
				m.tel.Logger.Warn(ctx, "session.recovery_retry", "chat_session_id", chatSessionID, "error", err.Error())
				return CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeSessionRecoveryFailed, "recovery payload injection failed, retry queued", err)
			}
			return CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "inject transcript after switch", err)
		}
	}

	m.mu.Lock()
	cs = m.getOrCreateLocked(chatSessionID, userID)
	switchOccurred := previousAgentID != "" && previousAgentID != targetAgentID
	cs.ActiveAgentID = targetAgentID
	cs.ActiveFrameworkSessionID = newSessionID
	cs.ActiveRunnerID = rn.ID
	cs.LastActivity = m.now()
	cs.State = StateActive
	if switchOccurred || pendingRecord != nil {
		t := m.now()
		cs.LastSwitchAt = &t
	}
	if pendingRecord != nil {
		delete(m.pendingRecoveries, chatSessionID)
	}
	m.mu.Unlock()

	if pendingRecord != nil {
		if err := m.store.Purge(ctx, chatSessionID); err != nil {
			m.tel.Logger.Warn(ctx, "purge recovery record failed", "chat_session_id", chatSessionID, "error", err.Error())
		}
	}

	m.tel.Metrics.IncCounter("agentcore.session.coordinated", 1, "switch", fmt.Sprintf("%v", switchOccurred))
	_ = previousRunnerID
	return CoordinateResult{
		FrameworkSessionID: newSessionID,
		RunnerID:           rn.ID,
		SwitchOccurred:     switchOccurred,
		PreviousAgentID:    previousAgentID,
	}, nil
}

// Cleanup implements cleanup_chat_session (spec §4.3): extract transcript,
// snapshot to the Recovery Store, destroy the framework session, mark
// CLEARED, and emit an audit log.
func (m *Manager) Cleanup(ctx context.Context, chatSessionID, reason string) error {
	defer m.lockChat(chatSessionID)()

	m.mu.Lock()
	cs, ok := m.chatSessions[chatSessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	frameworkSessionID := cs.ActiveFrameworkSessionID
	agentID := cs.ActiveAgentID
	userID := cs.UserID
	m.mu.Unlock()

	var transcript []contracts.UniversalMessage
	if frameworkSessionID != "" {
		if _, handle, ok := m.runners.GetSession(frameworkSessionID); ok {
			if m.runtime != nil {
				extracted, err := m.runtime.ExtractTranscript(ctx, handle.Handle)
				if err != nil {
					m.tel.Logger.Warn(ctx, "extract transcript for cleanup failed", "chat_session_id", chatSessionID, "error", err.Error())
				} else {
					transcript = extracted
				}
				if err := m.runtime.DestroySession(ctx, handle.Handle); err != nil {
					m.tel.Logger.Warn(ctx, "destroy framework session for cleanup failed", "chat_session_id", chatSessionID, "error", err.Error())
				}
			}
			m.runners.RemoveSession(frameworkSessionID)
		}
	}

	record := &recovery.Record{
		ChatSessionID: chatSessionID,
		UserID:        userID,
		AgentID:       agentID,
		ChatHistory:   transcript,
		ArchivedAt:    m.now(),
		Reason:        reason,
	}
	if agentID != "" {
		if a, err := m.agents.GetAgent(ctx, agentID); err == nil {
			record.AgentConfig = a.Config
		}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, record); err != nil {
			m.tel.Logger.Warn(ctx, "snapshot recovery record failed", "chat_session_id", chatSessionID, "error", err.Error())
		}
	}

	m.mu.Lock()
	cs.State = StateCleared
	cs.ActiveFrameworkSessionID = ""
	cs.ActiveRunnerID = ""
	m.mu.Unlock()

	m.tel.Logger.Info(ctx, "chat session cleaned up", "chat_session_id", chatSessionID, "reason", reason)
	m.tel.Metrics.IncCounter("agentcore.session.cleaned_up", 1, "reason", reason)
	return nil
}

// Recover implements recover_chat_session (spec §4.3): load the recovery
// record, recreate the Agent if needed, and enqueue the record as pending.
// Rehydration itself happens inside the next successful Coordinate call.
func (m *Manager) Recover(ctx context.Context, chatSessionID string) (*recovery.Record, error) {
	defer m.lockChat(chatSessionID)()

	if m.store == nil {
		return nil, coreerrors.New(coreerrors.CodeSessionRecoveryMissing, "no recovery store configured")
	}
	record, err := m.store.Load(ctx, chatSessionID)
	if err != nil {
		if err == recovery.ErrNotFound {
			return nil, coreerrors.New(coreerrors.CodeSessionRecoveryMissing, "no recovery record for "+chatSessionID)
		}
		return nil, err
	}

	if record.AgentID != "" {
		if _, err := m.agents.GetAgent(ctx, record.AgentID); err != nil {
			recreated, err := m.agents.CreateAgent(ctx, record.UserID, record.AgentConfig, true)
			if err != nil {
				return nil, coreerrors.Wrap(coreerrors.CodeSessionRecoveryFailed, "recreate agent from recovery record", err)
			}
			record.AgentID = recreated.ID
		}
	}

	m.mu.Lock()
	cs := m.getOrCreateLocked(chatSessionID, record.UserID)
	cs.State = StatePendingRecovery
	cs.ActiveFrameworkSessionID = ""
	cs.ActiveRunnerID = ""
	m.pendingRecoveries[chatSessionID] = record
	m.mu.Unlock()

	m.tel.Logger.Info(ctx, "chat session marked pending recovery", "chat_session_id", chatSessionID)
	return record, nil
}

// IdleScan implements idle_scan (spec §4.3): cleans up every ACTIVE
// ChatSession whose last_activity exceeds idleThreshold.
func (m *Manager) IdleScan(ctx context.Context, idleThreshold time.Duration) []string {
	now := m.now()
	m.mu.Lock()
	var idle []string
	for id, cs := range m.chatSessions {
		if cs.State == StateActive && now.Sub(cs.LastActivity) > idleThreshold {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		if err := m.Cleanup(ctx, id, "idle"); err != nil {
			m.tel.Logger.Warn(ctx, "idle cleanup failed", "chat_session_id", id, "error", err.Error())
		}
	}
	return idle
}

// Get returns a snapshot of chatSessionID's current state, if known.
func (m *Manager) Get(chatSessionID string) (*ChatSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.chatSessions[chatSessionID]
	if !ok {
		return nil, false
	}
	return cloneChatSession(cs), true
}
