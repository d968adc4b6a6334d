// Package approval implements the Approval Broker (spec §4.7, component C8):
// it owns the table of pending HITL Interactions for a single live task,
// accepts approve/reject/edit decisions from the client, and applies a
// timeout-bounded fallback policy when a deadline elapses without a
// response.
//
// Grounded on runtime/agent/interrupt/controller.go (pause/resume/
// clarification signal shapes) and runtime/agent/runtime/confirmation.go
// (prompt/denied-result split for tool confirmation), reworked from
// Temporal-signal plumbing into a plain in-process table guarded by a single
// mutex, per spec §5 "Locking discipline: one manager = one logical lock".
package approval

import (
	"context"
	"sync"
	"time"

	"goa.design/agentcore/coreconfig"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

// State is the lifecycle state of an Interaction (spec §3).
type State string

const (
	StatePending   State = "PENDING"
	StateApproved  State = "APPROVED"
	StateRejected  State = "REJECTED"
	StateEdited    State = "EDITED"
	StateTimedOut  State = "TIMED_OUT"
	StateCancelled State = "CANCELLED"
)

func (s State) terminal() bool {
	switch s {
	case StateApproved, StateRejected, StateEdited, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// Resolution carries the client-supplied (or policy-synthesized) outcome of
// an Interaction.
type Resolution struct {
	UserMessage       string
	ModifiedArguments map[string]any
	ResponseData      map[string]any
	AutoTimeout       bool
}

// Interaction is one pending human-in-the-loop gate (spec §3).
type Interaction struct {
	ID                   string
	ChatSessionID        string
	ToolFullName         string
	Arguments            map[string]any
	RequiresConfirmation bool
	CreatedAt            time.Time
	Deadline             time.Time
	State                State
	Resolution           *Resolution
}

// snapshot returns a shallow copy safe to hand to callers outside the lock.
func (i *Interaction) snapshot() *Interaction {
	cp := *i
	return &cp
}

// Decision is what the Broker relays to the runtime communicator once an
// Interaction resolves, whether by client response or by fallback policy.
type Decision struct {
	InteractionID     string
	Approved          bool
	UserMessage       string
	ModifiedArguments map[string]any
	ResponseData      map[string]any
	AutoTimeout       bool
}

// Communicator relays an approval decision to the runtime executing the
// task, e.g. a live Runner's control channel.
type Communicator interface {
	RelayDecision(ctx context.Context, decision Decision) error
}

// TimeoutHandler is invoked when an Interaction's deadline elapses, so the
// caller (typically the Framework Adapter) can emit the synthetic terminal
// chunk described in spec §4.7 step 3 using stream.Converter.
type TimeoutHandler func(interaction *Interaction, asError bool)

// Broker owns the table {interaction_id -> Interaction} for a single live
// task (spec §4.7).
type Broker struct {
	mu      sync.Mutex
	table   map[string]*Interaction
	timers  map[string]*time.Timer
	closed  bool

	policy         coreconfig.ApprovalPolicy
	defaultTimeout time.Duration
	comm           Communicator
	onTimeout      TimeoutHandler
	tel            telemetry.Set
	now            func() time.Time
}

// Options configures a Broker.
type Options struct {
	Policy         coreconfig.ApprovalPolicy
	DefaultTimeout time.Duration
	Communicator   Communicator
	OnTimeout      TimeoutHandler
	Telemetry      telemetry.Set

	// Now overrides the clock; tests use this to make timeout behavior
	// deterministic without sleeping.
	Now func() time.Time
}

// NewBroker constructs a Broker scoped to one live task.
func NewBroker(opts Options) *Broker {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 90 * time.Second
	}
	if opts.Policy == "" {
		opts.Policy = coreconfig.PolicyAutoCancel
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Telemetry.Logger == nil {
		opts.Telemetry = telemetry.Noop()
	}
	return &Broker{
		table:          make(map[string]*Interaction),
		timers:         make(map[string]*time.Timer),
		policy:         opts.Policy,
		defaultTimeout: opts.DefaultTimeout,
		comm:           opts.Communicator,
		onTimeout:      opts.OnTimeout,
		tel:            opts.Telemetry,
		now:            opts.Now,
	}
}

// Propose inserts a new pending Interaction and arms its deadline timer
// (spec §4.7 step 1). timeout, if zero, uses the broker's default.
func (b *Broker) Propose(id, chatSessionID, toolFullName string, args map[string]any, requiresConfirmation bool, timeout time.Duration) *Interaction {
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	now := b.now()
	interaction := &Interaction{
		ID:                   id,
		ChatSessionID:        chatSessionID,
		ToolFullName:         toolFullName,
		Arguments:            args,
		RequiresConfirmation: requiresConfirmation,
		CreatedAt:            now,
		Deadline:             now.Add(timeout),
		State:                StatePending,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return interaction.snapshot()
	}
	b.table[id] = interaction
	b.timers[id] = time.AfterFunc(timeout, func() { b.handleTimeout(id) })
	b.mu.Unlock()

	b.tel.Logger.Debug(context.Background(), "interaction proposed",
		"interaction_id", id, "chat_session_id", chatSessionID, "tool", toolFullName)
	return interaction.snapshot()
}

// Resolve applies a client decision (spec §4.7 step 2). Duplicate
// resolutions of an already-terminal Interaction return
// coreerrors.CodeInteractionAlreadyResolved (spec §8 property 6).
func (b *Broker) Resolve(ctx context.Context, id string, approved bool, userMessage string, responseData, modifiedArguments map[string]any) error {
	b.mu.Lock()
	interaction, ok := b.table[id]
	if !ok {
		b.mu.Unlock()
		return coreerrors.New(coreerrors.CodeInteractionAlreadyResolved, "unknown interaction: "+id)
	}
	if interaction.State.terminal() {
		b.mu.Unlock()
		return coreerrors.New(coreerrors.CodeInteractionAlreadyResolved, "interaction already resolved: "+id)
	}
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
	switch {
	case !approved:
		interaction.State = StateRejected
	case len(modifiedArguments) > 0:
		interaction.State = StateEdited
	default:
		interaction.State = StateApproved
	}
	interaction.Resolution = &Resolution{
		UserMessage:       userMessage,
		ModifiedArguments: modifiedArguments,
		ResponseData:      responseData,
	}
	comm := b.comm
	decision := Decision{
		InteractionID:     id,
		Approved:          approved,
		UserMessage:       userMessage,
		ModifiedArguments: modifiedArguments,
		ResponseData:      responseData,
	}
	b.mu.Unlock()

	if comm != nil {
		return comm.RelayDecision(ctx, decision)
	}
	return nil
}

// handleTimeout applies the configured fallback policy (spec §4.7 step 3).
func (b *Broker) handleTimeout(id string) {
	b.mu.Lock()
	interaction, ok := b.table[id]
	if !ok || interaction.State.terminal() {
		b.mu.Unlock()
		return
	}
	delete(b.timers, id)
	asError := b.applyPolicyLocked(interaction)
	snapshot := interaction.snapshot()
	comm := b.comm
	onTimeout := b.onTimeout
	b.mu.Unlock()

	b.tel.Logger.Warn(context.Background(), "interaction timed out",
		"interaction_id", id, "policy", string(b.policy))

	if comm != nil {
		_ = comm.RelayDecision(context.Background(), Decision{
			InteractionID: id,
			Approved:      b.policy == coreconfig.PolicyAutoApprove,
			AutoTimeout:   true,
		})
	}
	if onTimeout != nil {
		onTimeout(snapshot, asError)
	}
}

// applyPolicyLocked transitions interaction to its terminal state per the
// broker's configured ApprovalPolicy and reports whether the terminal chunk
// should be an ERROR (true) or a synthetic TOOL_RESULT (false).
func (b *Broker) applyPolicyLocked(interaction *Interaction) bool {
	switch b.policy {
	case coreconfig.PolicyAutoApprove:
		interaction.State = StateApproved
		interaction.Resolution = &Resolution{AutoTimeout: true}
		return false
	case coreconfig.PolicySafeDefault:
		interaction.State = StateRejected
		interaction.Resolution = &Resolution{AutoTimeout: true, ResponseData: map[string]any{"safe_default": true}}
		return false
	case coreconfig.PolicyAutoCancel:
		fallthrough
	default:
		interaction.State = StateTimedOut
		interaction.Resolution = &Resolution{AutoTimeout: true}
		return true
	}
}

// ListPending returns a snapshot of every Interaction still PENDING.
func (b *Broker) ListPending() []*Interaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Interaction, 0, len(b.table))
	for _, interaction := range b.table {
		if interaction.State == StatePending {
			out = append(out, interaction.snapshot())
		}
	}
	return out
}

// Get returns a snapshot of the named Interaction, if present.
func (b *Broker) Get(id string) (*Interaction, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	interaction, ok := b.table[id]
	if !ok {
		return nil, false
	}
	return interaction.snapshot(), true
}

// Finalize resolves any outstanding pending interactions using the
// configured fallback policy (spec §4.7 step 5), invoking onTimeout for
// each so the caller can emit terminal chunks. Call before Close.
func (b *Broker) Finalize() {
	b.mu.Lock()
	pending := make([]string, 0, len(b.table))
	for id, interaction := range b.table {
		if !interaction.State.terminal() {
			pending = append(pending, id)
		}
	}
	b.mu.Unlock()

	for _, id := range pending {
		if timer, ok := func() (*time.Timer, bool) {
			b.mu.Lock()
			defer b.mu.Unlock()
			t, ok := b.timers[id]
			if ok {
				delete(b.timers, id)
			}
			return t, ok
		}(); ok {
			timer.Stop()
		}
		b.handleTimeout(id)
	}
}

// Close releases runtime handles and clears the table (spec §4.7 step 6).
// Idempotent.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[string]*time.Timer)
	b.table = make(map[string]*Interaction)
	b.closed = true
}
