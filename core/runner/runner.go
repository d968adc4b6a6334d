// Package runner implements the Runner Manager (spec §4.4, component C4):
// the runner pool keyed by runner_id, with bidirectional agent_id<->runner_id
// and session_id<->runner_id maps, lazy runner creation, and idle eviction.
//
// Grounded on runtime/agent/session/inmem/store.go's guarded-map-plus-clone
// pattern, generalized to the richer Runner/session-handle shape spec §4.4
// describes (a runner can back more than one agent binding once reused by
// fingerprint, and a session handle carries a per-session user_id rather
// than a runner-level one, per spec §9's corrected open question).
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// ErrNotFound is returned when a runner_id or session_id is unknown.
var ErrNotFound = errors.New("runner: not found")

// SessionHandle is an opaque framework session handle plus the per-session
// user_id. Storing user_id here (not on the Runner) is required by spec §9's
// open question: "Implementations MUST store user_id per framework session,
// not per runner, to prevent history extraction with the wrong user
// identity."
type SessionHandle struct {
	SessionID    string
	Handle       any
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Runner is an instantiated model-runtime bound to one agent configuration
// fingerprint and its resolved tool set (spec §3 "Runner").
type Runner struct {
	ID           string
	Fingerprint  string
	CreatedAt    time.Time
	LastActivity time.Time
}

type runnerRecord struct {
	runner   Runner
	sessions map[string]*SessionHandle
	agents   map[string]struct{}
}

// AgentNotifier lets the Runner Manager cascade an emptied runner back to
// whatever keeps agent_id<->runner_id back-references outside this package
// (spec §4.4 cleanup_runner "emits a cleanup notification so the Adapter can
// clear agent_id↔runner_id back-references").
type AgentNotifier interface {
	OnRunnerCleanup(ctx context.Context, runnerID string, agentIDs []string) error
}

// Manager is the Runner Manager. All maps are guarded by a single mutex per
// spec §5 "Locking discipline: one manager = one logical lock".
type Manager struct {
	mu sync.Mutex

	byFingerprint map[string]string // fingerprint -> runner_id
	records       map[string]*runnerRecord
	agentToRunner map[string]string // agent_id -> runner_id
	sessionToRunner map[string]string // session_id -> runner_id

	idSeq    uint64
	newID    func() string
	notifier AgentNotifier
	tel      telemetry.Set
}

// Option configures a Manager.
type Option func(*Manager)

// WithAgentNotifier wires the agent-cleanup cascade callback.
func WithAgentNotifier(n AgentNotifier) Option { return func(m *Manager) { m.notifier = n } }

// WithTelemetry wires logging/metrics/tracing.
func WithTelemetry(t telemetry.Set) Option { return func(m *Manager) { m.tel = t } }

// WithIDGenerator overrides runner_id generation for deterministic tests.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// NewManager constructs a Runner Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byFingerprint:   make(map[string]string),
		records:         make(map[string]*runnerRecord),
		agentToRunner:   make(map[string]string),
		sessionToRunner: make(map[string]string),
		tel:             telemetry.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.newID == nil {
		m.newID = m.sequentialID
	}
	return m
}

func (m *Manager) sequentialID() string {
	m.idSeq++
	return fmt.Sprintf("runner-%d", m.idSeq)
}

// GetOrCreateRunner returns the runner for fingerprint, creating one if
// none exists, and binds it to agentID (spec §4.4 get_or_create_runner).
func (m *Manager) GetOrCreateRunner(ctx context.Context, agentID, fingerprint string) (*Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byFingerprint[fingerprint]; ok {
		rec := m.records[id]
		rec.agents[agentID] = struct{}{}
		m.agentToRunner[agentID] = id
		rec.runner.LastActivity = time.Now()
		cp := rec.runner
		return &cp, nil
	}

	id := m.newID()
	now := time.Now()
	rec := &runnerRecord{
		runner:   Runner{ID: id, Fingerprint: fingerprint, CreatedAt: now, LastActivity: now},
		sessions: make(map[string]*SessionHandle),
		agents:   map[string]struct{}{agentID: {}},
	}
	m.records[id] = rec
	m.byFingerprint[fingerprint] = id
	m.agentToRunner[agentID] = id

	m.tel.Logger.Info(ctx, "runner created", "runner_id", id, "agent_id", agentID)
	m.tel.Metrics.IncCounter("agentcore.runner.created", 1)
	cp := rec.runner
	return &cp, nil
}

// GetRunnerForAgent resolves the runner currently bound to agentID, if any.
func (m *Manager) GetRunnerForAgent(agentID string) (*Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.agentToRunner[agentID]
	if !ok {
		return nil, false
	}
	rec, ok := m.records[id]
	if !ok {
		// Invariant from spec §4.4: after cleanup_runner, a stale
		// agent->runner pointer must not resolve to a live runner.
		delete(m.agentToRunner, agentID)
		return nil, false
	}
	cp := rec.runner
	return &cp, true
}

// CreateSession provisions a fresh framework session on runnerID (spec §4.4
// create_session). userID is stored per-session, never on the runner.
func (m *Manager) CreateSession(ctx context.Context, runnerID, sessionID, userID string, handle any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[runnerID]
	if !ok {
		return coreerrors.New(coreerrors.CodeFrameworkRunnerMissing, "runner not found: "+runnerID)
	}
	now := time.Now()
	rec.sessions[sessionID] = &SessionHandle{
		SessionID: sessionID, Handle: handle, UserID: userID, CreatedAt: now, LastActivity: now,
	}
	rec.runner.LastActivity = now
	m.sessionToRunner[sessionID] = runnerID
	return nil
}

// GetSession resolves sessionID to its owning runner_id and handle (spec
// §4.4 get_session).
func (m *Manager) GetSession(sessionID string) (runnerID string, handle *SessionHandle, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid, ok := m.sessionToRunner[sessionID]
	if !ok {
		return "", nil, false
	}
	rec, ok := m.records[rid]
	if !ok {
		delete(m.sessionToRunner, sessionID)
		return "", nil, false
	}
	h, ok := rec.sessions[sessionID]
	if !ok {
		return "", nil, false
	}
	cp := *h
	return rid, &cp, true
}

// RemoveSession tears down sessionID's handle (spec §4.4 remove_session). It
// does not evict the runner even if it becomes empty; idle_scan or an
// explicit cleanup_runner does that, matching the grace-window semantics in
// spec §4.2 "schedule it for eviction (respecting grace window)".
func (m *Manager) RemoveSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rid, ok := m.sessionToRunner[sessionID]
	if !ok {
		return
	}
	delete(m.sessionToRunner, sessionID)
	if rec, ok := m.records[rid]; ok {
		delete(rec.sessions, sessionID)
	}
}

// SessionCount reports how many sessions runnerID currently hosts.
func (m *Manager) SessionCount(runnerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[runnerID]
	if !ok {
		return 0
	}
	return len(rec.sessions)
}

// CleanupRunner releases runnerID and notifies the cascade (spec §4.4
// cleanup_runner).
func (m *Manager) CleanupRunner(ctx context.Context, runnerID string) error {
	m.mu.Lock()
	rec, ok := m.records[runnerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.records, runnerID)
	delete(m.byFingerprint, rec.runner.Fingerprint)
	agentIDs := make([]string, 0, len(rec.agents))
	for agentID := range rec.agents {
		agentIDs = append(agentIDs, agentID)
		if m.agentToRunner[agentID] == runnerID {
			delete(m.agentToRunner, agentID)
		}
	}
	for sessionID := range rec.sessions {
		delete(m.sessionToRunner, sessionID)
	}
	m.mu.Unlock()

	m.tel.Logger.Info(ctx, "runner cleaned up", "runner_id", runnerID)
	if m.notifier != nil {
		return m.notifier.OnRunnerCleanup(ctx, runnerID, agentIDs)
	}
	return nil
}

// IdleScan destroys runners with zero sessions whose last_activity exceeds
// idleThreshold (spec §4.4 idle_scan).
func (m *Manager) IdleScan(ctx context.Context, idleThreshold time.Duration, now time.Time) []string {
	m.mu.Lock()
	var candidates []string
	for id, rec := range m.records {
		if len(rec.sessions) == 0 && now.Sub(rec.runner.LastActivity) > idleThreshold {
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, id := range candidates {
		_ = m.CleanupRunner(ctx, id)
	}
	return candidates
}

// OnAgentCleanup implements agent.RunnerNotifier: it drops agentID's
// binding and, if the owning runner now has no other agents and no
// sessions, cleans it up immediately (spec §4.5 "cleanup_agent ... notifies
// the Runner Manager to drop the corresponding mappings").
func (m *Manager) OnAgentCleanup(ctx context.Context, agentID string) error {
	m.mu.Lock()
	runnerID, ok := m.agentToRunner[agentID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.agentToRunner, agentID)
	rec, ok := m.records[runnerID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(rec.agents, agentID)
	shouldCleanup := len(rec.agents) == 0 && len(rec.sessions) == 0
	m.mu.Unlock()

	if shouldCleanup {
		return m.CleanupRunner(ctx, runnerID)
	}
	return nil
}
