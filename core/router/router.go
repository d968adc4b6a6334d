// Package router implements the Execution Engine & Router (spec §4.1,
// component C11): the single entry point that classifies an incoming
// TaskRequest into one of the routing scenarios, resolves sync vs. live
// dispatch, and hands the result to the Framework Adapter. Grounded on the
// teacher's top-level Engine/Service split (runtime/agent/engine), collapsed
// here into one classify-then-dispatch type since this core assumes a single
// framework adapter rather than a pluggable strategy registry.
package router

import (
	"context"

	"github.com/google/uuid"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/adapter"
	"goa.design/agentcore/core/recovery"
	"goa.design/agentcore/core/session"
	"goa.design/agentcore/core/stream"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// SessionLookup is the subset of *session.Manager the Router needs to detect
// scenario 4 (chat_session_id references a previously cleared session).
type SessionLookup interface {
	Get(chatSessionID string) (*session.ChatSession, bool)
	Recover(ctx context.Context, chatSessionID string) (*recovery.Record, error)
}

// Options configures an Engine.
type Options struct {
	Adapter     *adapter.Adapter
	Sessions    SessionLookup
	Telemetry   telemetry.Set
	IDGenerator func() string
}

// Engine is the Execution Engine & Router (C11).
type Engine struct {
	adapter  *adapter.Adapter
	sessions SessionLookup
	tel      telemetry.Set
	newID    func() string
}

// NewEngine constructs an Engine.
func NewEngine(opts Options) *Engine {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}
	newID := opts.IDGenerator
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{adapter: opts.Adapter, sessions: opts.Sessions, tel: tel, newID: newID}
}

// classify implements the spec §4.1 routing priority order, producing the
// ResolvedRoute the Framework Adapter needs.
func (e *Engine) classify(ctx context.Context, req contracts.TaskRequest) (adapter.ResolvedRoute, error) {
	chatSessionID := ""
	if req.SessionContext != nil {
		chatSessionID = req.SessionContext.ChatSessionID
	}

	switch {
	case req.AgentID != "" && req.SessionID != "":
		// ContinueSession.
		if chatSessionID == "" {
			chatSessionID = req.SessionID
		}
		return adapter.ResolvedRoute{ChatSessionID: chatSessionID, TargetAgentID: req.AgentID}, nil

	case req.AgentID != "":
		// NewSessionOnExistingAgent.
		if chatSessionID == "" {
			chatSessionID = e.newID()
		}
		return adapter.ResolvedRoute{ChatSessionID: chatSessionID, TargetAgentID: req.AgentID}, nil

	case req.AgentConfig != nil:
		// CreateAgentAndSession.
		if chatSessionID == "" {
			chatSessionID = e.newID()
		}
		return adapter.ResolvedRoute{ChatSessionID: chatSessionID, AgentConfig: *req.AgentConfig, ReuseSafeAgent: true}, nil
	}

	if chatSessionID != "" && e.sessions != nil {
		if cs, ok := e.sessions.Get(chatSessionID); ok && cs.State == session.StateCleared {
			// Recover, then proceed as ContinueSession.
			record, err := e.sessions.Recover(ctx, chatSessionID)
			if err != nil {
				return adapter.ResolvedRoute{}, err
			}
			return adapter.ResolvedRoute{
				ChatSessionID:  chatSessionID,
				TargetAgentID:  record.AgentID,
				AgentConfig:    record.AgentConfig,
				ReuseSafeAgent: true,
			}, nil
		}
	}

	return adapter.ResolvedRoute{}, coreerrors.New(coreerrors.CodeRequestValidation,
		"request does not resolve to agent_id, agent_config, or a recoverable chat_session_id")
}

func isLive(req contracts.TaskRequest) bool {
	return req.ExecutionContext.ExecutionMode == contracts.ExecutionModeLive || req.Metadata.StreamMode()
}

// ExecuteTask implements the Router's sync entry point (spec §4.1
// execute_task).
func (e *Engine) ExecuteTask(ctx context.Context, req contracts.TaskRequest) (contracts.TaskResult, error) {
	if isLive(req) {
		return contracts.TaskResult{}, coreerrors.New(coreerrors.CodeRequestValidation, "live request submitted to execute_task; use execute_task_live")
	}
	if e.adapter == nil {
		return contracts.TaskResult{}, coreerrors.New(coreerrors.CodeFrameworkUnavailable, "no framework adapter configured")
	}
	route, err := e.classify(ctx, req)
	if err != nil {
		return contracts.TaskResult{}, err
	}
	return e.adapter.ExecuteTask(ctx, req, route)
}

// ExecuteTaskLive implements the Router's live entry point (spec §4.1
// execute_task_live).
func (e *Engine) ExecuteTaskLive(ctx context.Context, req contracts.TaskRequest) (*stream.Session, error) {
	if e.adapter == nil {
		return nil, coreerrors.New(coreerrors.CodeFrameworkUnavailable, "no framework adapter configured")
	}
	route, err := e.classify(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.adapter.ExecuteTaskLive(ctx, req, route)
}

// StartLiveSession is a convenience alias that forces live mode regardless of
// req's execution_mode/metadata (spec §4.1 start_live_session).
func (e *Engine) StartLiveSession(ctx context.Context, req contracts.TaskRequest) (*stream.Session, error) {
	return e.ExecuteTaskLive(ctx, req)
}

// Execute is the single entry point (spec §4.1/C11 "Single-entry point"):
// it dispatches to ExecuteTask or ExecuteTaskLive based on req's
// execution_mode/metadata, returning whichever result is populated.
func (e *Engine) Execute(ctx context.Context, req contracts.TaskRequest) (contracts.TaskResult, *stream.Session, error) {
	if isLive(req) {
		sess, err := e.ExecuteTaskLive(ctx, req)
		return contracts.TaskResult{}, sess, err
	}
	result, err := e.ExecuteTask(ctx, req)
	return result, nil, err
}
