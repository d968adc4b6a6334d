// Package session implements the Session Manager (component C5): it owns
// ChatSession lifecycle, agent-switch-with-history-migration, idle eviction,
// and recovery rehydration, coordinating the Agent Manager, Runner Manager,
// and Recovery Store without ever reaching across their ownership boundaries.
//
// Grounded on runtime/agent/session/session.go's explicit lifecycle-state
// shape (Session/Status/Store with idempotent Create/End) and
// inmem/store.go's mutex-protected map with clone-on-read/write, scaled up
// from a flat session store to the richer ChatSession state machine this
// core requires.
package session

import (
	"context"
	"time"

	"goa.design/agentcore/contracts"
)

// State is the lifecycle state of a ChatSession.
type State string

const (
	StateActive          State = "ACTIVE"
	StateCleared         State = "CLEARED"
	StatePendingRecovery State = "PENDING_RECOVERY"
)

// ChatSession is the business-level conversational container (spec §3
// "ChatSession"). At most one framework session is active for it at any
// observation point.
type ChatSession struct {
	ChatSessionID            string
	UserID                   string
	ActiveAgentID            string
	ActiveFrameworkSessionID string
	ActiveRunnerID           string
	CreatedAt                time.Time
	LastActivity             time.Time
	LastSwitchAt             *time.Time
	State                    State
}

func cloneChatSession(c *ChatSession) *ChatSession {
	if c == nil {
		return nil
	}
	cp := *c
	if c.LastSwitchAt != nil {
		t := *c.LastSwitchAt
		cp.LastSwitchAt = &t
	}
	return &cp
}

// CoordinateResult is returned by Manager.Coordinate (spec §4.3
// coordinate_chat_session).
type CoordinateResult struct {
	FrameworkSessionID string
	RunnerID           string
	SwitchOccurred     bool
	PreviousAgentID    string
}

// FrameworkRuntime is the minimal surface the Session Manager needs from the
// pluggable LLM/tool framework (spec §2: "only a Runner abstraction is
// assumed"). Handle is opaque to this package, matching FrameworkSession's
// "event history (opaque to core)".
type FrameworkRuntime interface {
	// CreateFrameworkSession provisions a new framework session for cfg under
	// userID and returns its id and opaque handle.
	CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (sessionID string, handle any, err error)
	// DestroySession tears down a framework session.
	DestroySession(ctx context.Context, handle any) error
	// ExtractTranscript reads the conversation history off a live framework
	// session, used both for agent-switch migration and recovery snapshots.
	ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error)
	// InjectTranscript appends messages to the framework session's history
	// through the runtime itself. Neither this package nor the Framework
	// Adapter falls back to prepending the transcript as messages on a later
	// task when injection fails.
	InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error
}
