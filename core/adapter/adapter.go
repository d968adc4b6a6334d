// Package adapter implements the Framework Adapter (spec §4.2, component
// C10): the single seam between the Router and a concrete runner.Backend.
// Grounded on runtime/agent/runtime's per-request orchestration (coordinate
// session, build execution context, dispatch, tear down), reworked from
// Temporal workflow/activity plumbing into direct method calls against
// core/session.Manager, core/agent.Manager, core/runner.Manager, and a
// runner.Backend.
package adapter

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/agent"
	"goa.design/agentcore/core/approval"
	corerunner "goa.design/agentcore/core/runner"
	"goa.design/agentcore/core/session"
	"goa.design/agentcore/core/stream"
	"goa.design/agentcore/core/tools"
	"goa.design/agentcore/coreconfig"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
	runtimebackend "goa.design/agentcore/runner"
)

// ResolvedRoute is what the Router (C11) hands the Adapter after classifying
// a TaskRequest (spec §4.1 routing priority): which chat session to
// coordinate and which agent to target. TargetAgentID is empty for the
// CreateAgentAndSession scenario, in which case AgentConfig is used to mint a
// fresh Agent before coordination.
type ResolvedRoute struct {
	ChatSessionID  string
	TargetAgentID  string
	AgentConfig    contracts.AgentConfig
	ReuseSafeAgent bool
}

// RuntimeContext groups per-task execution state (spec §4.2 step 3): session
// identity, the optional Approval Broker for a live task, and the Tool
// Invocation Service. Nothing in this package constructs a RuntimeContext,
// and neither Backend.Execute nor Backend.ExecuteLive takes one; the
// reference runner.Backend implementations run a single buffered or streamed
// model round-trip with no in-loop tool calling.
type RuntimeContext struct {
	FrameworkSessionID string
	RunnerID           string
	UserID             string
	AgentID            string
	ApprovalBroker     *approval.Broker
	Tools              *tools.Service
}

// Options configures an Adapter.
type Options struct {
	Sessions        *session.Manager
	Agents          *agent.Manager
	Runners         *corerunner.Manager
	Tools           *tools.Service
	Backend         runtimebackend.Backend
	ApprovalPolicy  coreconfig.ApprovalPolicy
	ApprovalTimeout time.Duration
	Telemetry       telemetry.Set
}

// Adapter is the Framework Adapter (C10).
type Adapter struct {
	sessions *session.Manager
	agents   *agent.Manager
	runners  *corerunner.Manager
	toolsvc  *tools.Service
	backend  runtimebackend.Backend

	policy          coreconfig.ApprovalPolicy
	approvalTimeout time.Duration
	tel             telemetry.Set

	mu   sync.Mutex
	live map[string]*stream.Session
}

// New constructs an Adapter.
func New(opts Options) *Adapter {
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}
	policy := opts.ApprovalPolicy
	if policy == "" {
		policy = coreconfig.PolicyAutoCancel
	}
	timeout := opts.ApprovalTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Adapter{
		sessions:        opts.Sessions,
		agents:          opts.Agents,
		runners:         opts.Runners,
		toolsvc:         opts.Tools,
		backend:         opts.Backend,
		policy:          policy,
		approvalTimeout: timeout,
		tel:             tel,
		live:            make(map[string]*stream.Session),
	}
}

// resolveAgent ensures route's target agent exists, minting one from
// route.AgentConfig for the CreateAgentAndSession scenario.
func (a *Adapter) resolveAgent(ctx context.Context, userID string, route ResolvedRoute) (*agent.Agent, error) {
	if route.TargetAgentID != "" {
		return a.agents.GetAgent(ctx, route.TargetAgentID)
	}
	return a.agents.CreateAgent(ctx, userID, route.AgentConfig, route.ReuseSafeAgent)
}

// coordinateWithRecovery implements spec §4.2 steps 1-2: coordinate, and on
// SessionClearedError recover once then retry, surfacing
// session.recovery_failed if that retry also fails.
func (a *Adapter) coordinateWithRecovery(ctx context.Context, chatSessionID, agentID, userID string, cfg contracts.AgentConfig) (session.CoordinateResult, error) {
	coord, err := a.sessions.Coordinate(ctx, chatSessionID, agentID, userID, cfg)
	if err == nil {
		return coord, nil
	}
	ce := coreerrors.FromError(err)
	if ce == nil || ce.Code != coreerrors.CodeSessionCleared {
		return session.CoordinateResult{}, err
	}

	if _, rErr := a.sessions.Recover(ctx, chatSessionID); rErr != nil {
		return session.CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeSessionRecoveryFailed, "session.recovery_failed", rErr)
	}
	coord, err = a.sessions.Coordinate(ctx, chatSessionID, agentID, userID, cfg)
	if err != nil {
		return session.CoordinateResult{}, coreerrors.Wrap(coreerrors.CodeSessionRecoveryFailed, "session.recovery_failed", err)
	}
	return coord, nil
}

// ExecuteTask implements the Framework Adapter's sync path (spec §4.2 step 4).
func (a *Adapter) ExecuteTask(ctx context.Context, req contracts.TaskRequest, route ResolvedRoute) (contracts.TaskResult, error) {
	userID := req.UserContext.UserID
	ag, err := a.resolveAgent(ctx, userID, route)
	if err != nil {
		return contracts.TaskResult{}, err
	}
	coord, err := a.coordinateWithRecovery(ctx, route.ChatSessionID, ag.ID, userID, ag.Config)
	if err != nil {
		return contracts.TaskResult{}, err
	}
	a.agents.Touch(ag.ID)

	_, handle, ok := a.runners.GetSession(coord.FrameworkSessionID)
	if !ok {
		return contracts.TaskResult{}, coreerrors.New(coreerrors.CodeFrameworkRunnerMissing, "framework session vanished after coordinate")
	}

	start := time.Now()
	result, err := a.backend.Execute(ctx, handle.Handle, req)
	if err != nil {
		ce := coreerrors.FromError(err)
		return contracts.TaskResult{
			TaskID:            req.TaskID,
			Status:            contracts.StatusError,
			AgentID:           ag.ID,
			SessionID:         route.ChatSessionID,
			Error:             contracts.FromCoreError(ce),
			ExecutionMetadata: contracts.ExecutionMetadata{DurationMs: time.Since(start).Milliseconds()},
		}, nil
	}

	result.AgentID = ag.ID
	result.SessionID = route.ChatSessionID
	result.SwitchOccurred = coord.SwitchOccurred
	result.PreviousAgentID = coord.PreviousAgentID
	result.ExecutionMetadata.DurationMs = time.Since(start).Milliseconds()
	a.tel.Metrics.IncCounter("agentcore.adapter.task_executed", 1, "status", string(result.Status))
	return result, nil
}

// runtimeCommunicator relays cancellation/approval control signals between a
// live Session and the Backend's context-scoped execution. The reference
// backends don't expose a mid-stream control channel, so SendUserMessage logs
// a warning and returns a framework.unavailable error, and RelayDecision only
// logs the decision; CancelRuntime is fully wired via context cancellation,
// which all three backends honor in their SDK calls.
type runtimeCommunicator struct {
	cancel context.CancelFunc
	tel    telemetry.Set
}

func (c *runtimeCommunicator) SendUserMessage(ctx context.Context, text string) error {
	c.tel.Logger.Warn(ctx, "send_user_message unsupported by configured backend", "text_length", len(text))
	return coreerrors.New(coreerrors.CodeFrameworkUnavailable, "backend does not support mid-stream user messages")
}

func (c *runtimeCommunicator) CancelRuntime(ctx context.Context, reason string) error {
	if c.cancel != nil {
		c.cancel()
	}
	c.tel.Logger.Info(ctx, "live task cancelled", "reason", reason)
	return nil
}

func (c *runtimeCommunicator) RelayDecision(ctx context.Context, decision approval.Decision) error {
	c.tel.Logger.Debug(ctx, "relay approval decision", "interaction_id", decision.InteractionID, "approved", decision.Approved)
	return nil
}

// ExecuteTaskLive implements the Framework Adapter's live path (spec §4.2
// step 5): a task-scoped Approval Broker, a Backend event stream wrapped
// through the Event Converter, and a guarantee that broker.Finalize()+
// Close() run even if the client abandons the event iterator mid-stream
// (scenario S6).
func (a *Adapter) ExecuteTaskLive(ctx context.Context, req contracts.TaskRequest, route ResolvedRoute) (*stream.Session, error) {
	userID := req.UserContext.UserID
	ag, err := a.resolveAgent(ctx, userID, route)
	if err != nil {
		return nil, err
	}
	coord, err := a.coordinateWithRecovery(ctx, route.ChatSessionID, ag.ID, userID, ag.Config)
	if err != nil {
		return nil, err
	}
	a.agents.Touch(ag.ID)

	_, handle, ok := a.runners.GetSession(coord.FrameworkSessionID)
	if !ok {
		return nil, coreerrors.New(coreerrors.CodeFrameworkRunnerMissing, "framework session vanished after coordinate")
	}

	runCtx, cancel := context.WithCancel(ctx)
	comm := &runtimeCommunicator{cancel: cancel, tel: a.tel}

	var sess *stream.Session
	broker := approval.NewBroker(approval.Options{
		Policy:         a.policy,
		DefaultTimeout: a.approvalTimeout,
		Communicator:   comm,
		Telemetry:      a.tel,
		OnTimeout: func(interaction *approval.Interaction, asError bool) {
			if sess == nil {
				return
			}
			_ = sess.Publish(sess.Converter().TimeoutChunk(interaction.ID, interaction.ToolFullName, asError))
		},
	})

	raw, err := a.backend.ExecuteLive(runCtx, handle.Handle, req)
	if err != nil {
		cancel()
		broker.Close()
		return nil, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "start live execution", err)
	}

	sess = stream.NewSession(req.TaskID, broker, comm, 64)

	a.mu.Lock()
	a.live[req.TaskID] = sess
	a.mu.Unlock()

	go func() {
		defer func() {
			a.mu.Lock()
			delete(a.live, req.TaskID)
			a.mu.Unlock()
		}()
		defer cancel()
		defer sess.Close()

		for ev := range raw {
			chunks := sess.Converter().Convert(ev)
			terminal := false
			for _, chunk := range chunks {
				if pubErr := sess.Publish(chunk); pubErr != nil {
					return
				}
				if chunk.ChunkType.IsTerminal() {
					terminal = true
				}
			}
			if terminal {
				return
			}
		}
	}()

	a.tel.Metrics.IncCounter("agentcore.adapter.live_task_started", 1, "agent_id", ag.ID)
	return sess, nil
}

// Shutdown cancels every live Session with reason "system_shutdown",
// publishing the terminal CANCELLED chunk each still-draining client is
// owed (spec §5 "Resource shutdown"), then cascades teardown to the
// Session, Runner, and Agent managers (spec §4.2 "shutdown()").
func (a *Adapter) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	sessions := make([]*stream.Session, 0, len(a.live))
	for _, s := range a.live {
		sessions = append(sessions, s)
	}
	a.live = make(map[string]*stream.Session)
	a.mu.Unlock()

	for _, s := range sessions {
		_ = s.Cancel(ctx, "system_shutdown")
	}

	a.sessions.IdleScan(ctx, 0)
	a.runners.IdleScan(ctx, 0, time.Now())
	a.agents.CleanupExpired(ctx, 0, time.Now())

	a.tel.Logger.Info(ctx, "framework adapter shutdown complete")
	return nil
}
