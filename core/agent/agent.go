// Package agent implements the Agent Manager (spec §4.5, component C3): it
// owns Agent objects keyed by agent_id, persists their configuration,
// enforces idempotent creation, and drives destruction cascades.
//
// Grounded on runtime/agent/session/session.go's Store-interface-plus-inmem
// pattern, generalized from sessions to agents and from a durable-only store
// to an in-memory one (the Agent Manager's own store is process-local per
// spec §9 "global mutable state ... encapsulated in managers instantiated at
// bootstrap").
package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// ErrNotFound is not returned by Manager's methods: GetAgent and CleanupAgent
// report an unknown agent_id as a CoreError with coreerrors.CodeAgentNotFound.
var ErrNotFound = errors.New("agent: not found")

// Agent is the persistent descriptor an agent_id resolves to (spec §3).
type Agent struct {
	ID           string
	Config       contracts.AgentConfig
	Fingerprint  string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Fingerprint deterministically hashes an AgentConfig so equivalent
// configurations dedupe under idempotent creation (spec §4.5 "idempotent by
// (agent_type, user_id, fingerprint)") and so the Runner Manager can dedupe
// runners by "config_fingerprint(agent_config)" (spec §4.4).
func Fingerprint(cfg contracts.AgentConfig) string {
	// json.Marshal on a value with deterministic field order (Go struct
	// fields marshal in declaration order) gives a stable fingerprint
	// without needing a canonicalizing encoder.
	b, _ := json.Marshal(cfg)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// RunnerNotifier lets the Agent Manager cascade destruction into the Runner
// Manager without reaching across ownership boundaries (spec §3 "Ownership":
// "No component reaches across these boundaries mutably; all cross-component
// operations are message-style calls").
type RunnerNotifier interface {
	OnAgentCleanup(ctx context.Context, agentID string) error
}

// Manager is the Agent Manager.
type Manager struct {
	mu      sync.Mutex
	byID    map[string]*Agent
	byKey   map[string]string // (agentType, userID, fingerprint) -> agent_id
	idSeq   uint64
	runners RunnerNotifier
	tel     telemetry.Set
	newID   func() string
}

// Option configures a Manager.
type Option func(*Manager)

// WithRunnerNotifier wires the Runner Manager cascade.
func WithRunnerNotifier(n RunnerNotifier) Option { return func(m *Manager) { m.runners = n } }

// WithTelemetry wires logging/metrics/tracing.
func WithTelemetry(t telemetry.Set) Option { return func(m *Manager) { m.tel = t } }

// WithIDGenerator overrides agent_id generation, mainly for deterministic tests.
func WithIDGenerator(f func() string) Option { return func(m *Manager) { m.newID = f } }

// NewManager constructs an Agent Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		byID:  make(map[string]*Agent),
		byKey: make(map[string]string),
		tel:   telemetry.Noop(),
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
	return fmt.Sprintf("agent-%d", m.idSeq)
}

func idempotencyKey(agentType, userID, fingerprint string) string {
	return agentType + "\x00" + userID + "\x00" + fingerprint
}

// CreateAgent creates (or, when reuseSafe is set, reuses) an Agent for cfg
// (spec §4.5 "create_agent(config) → agent_id idempotent by
// (agent_type, user_id, fingerprint) when the caller signals reuse-safe
// creation").
func (m *Manager) CreateAgent(ctx context.Context, userID string, cfg contracts.AgentConfig, reuseSafe bool) (*Agent, error) {
	fp := Fingerprint(cfg)
	key := idempotencyKey(cfg.AgentType, userID, fp)

	m.mu.Lock()
	defer m.mu.Unlock()

	if reuseSafe {
		if id, ok := m.byKey[key]; ok {
			if existing, ok := m.byID[id]; ok {
				existing.LastActivity = time.Now()
				return cloneAgent(existing), nil
			}
		}
	}

	id := m.newID()
	now := time.Now()
	a := &Agent{ID: id, Config: cfg, Fingerprint: fp, CreatedAt: now, LastActivity: now}
	m.byID[id] = a
	if reuseSafe {
		m.byKey[key] = id
	}
	m.tel.Logger.Info(ctx, "agent created", "agent_id", id, "agent_type", cfg.AgentType)
	m.tel.Metrics.IncCounter("agentcore.agent.created", 1)
	return cloneAgent(a), nil
}

// GetAgent returns the Agent for id, touching its last_activity.
func (m *Manager) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeAgentNotFound, "agent not found: "+id)
	}
	a.LastActivity = time.Now()
	return cloneAgent(a), nil
}

// Touch updates last_activity for id without returning the full record.
func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.byID[id]; ok {
		a.LastActivity = time.Now()
	}
}

// CleanupAgent destroys the Agent and notifies the Runner Manager to drop
// corresponding mappings (spec §4.5 cleanup_agent).
func (m *Manager) CleanupAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	a, ok := m.byID[id]
	if !ok {
		m.mu.Unlock()
		return coreerrors.New(coreerrors.CodeAgentNotFound, "agent not found: "+id)
	}
	delete(m.byID, id)
	for k, v := range m.byKey {
		if v == id {
			delete(m.byKey, k)
		}
	}
	m.mu.Unlock()

	m.tel.Logger.Info(ctx, "agent cleaned up", "agent_id", id)
	_ = a
	if m.runners != nil {
		return m.runners.OnAgentCleanup(ctx, id)
	}
	return nil
}

// CleanupExpired sweeps agents whose last_activity exceeds idleThreshold
// (spec §4.5 cleanup_expired_agents).
func (m *Manager) CleanupExpired(ctx context.Context, idleThreshold time.Duration, now time.Time) []string {
	m.mu.Lock()
	var expired []string
	for id, a := range m.byID {
		if now.Sub(a.LastActivity) > idleThreshold {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		_ = m.CleanupAgent(ctx, id)
	}
	return expired
}

func cloneAgent(a *Agent) *Agent {
	cp := *a
	cp.Config.DeclaredTools = append([]string(nil), a.Config.DeclaredTools...)
	return &cp
}
