package stream

import (
	"context"
	"sync"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/approval"
)

// Communicator lets a Session relay client-issued control operations
// (cancel, user message) into whatever is driving the live task. The
// Framework Adapter supplies the concrete implementation, typically wrapping
// a Runner's live control channel.
type Communicator interface {
	SendUserMessage(ctx context.Context, text string) error
	CancelRuntime(ctx context.Context, reason string) error
}

// Session is the client-facing Stream Session Wrapper (spec §4.8,
// component C9): an async iterator of StreamChunks plus the HITL
// communicator operations. Grounded on the teacher's Sink/Event split in
// runtime/agent/stream/stream.go, adapted so the client handle owns the
// Approval Broker lifecycle rather than a Temporal workflow.
type Session struct {
	taskID    string
	sink      *ChanSink
	broker    *approval.Broker
	comm      Communicator
	converter *Converter

	mu     sync.Mutex
	closed bool
}

// NewSession constructs a Session for one live task. buffer sizes the
// channel handed to the consumer as an event iterator.
func NewSession(taskID string, broker *approval.Broker, comm Communicator, buffer int) *Session {
	return &Session{
		taskID:    taskID,
		sink:      NewChanSink(buffer),
		broker:    broker,
		comm:      comm,
		converter: NewConverter(taskID),
	}
}

// Sink returns the underlying Sink so the Framework Adapter can publish
// converted chunks as the runtime produces events.
func (s *Session) Sink() Sink { return s.sink }

// Converter exposes the per-task Converter so the Framework Adapter can build
// synthetic chunks (Approval Broker timeout fallback, terminal errors) with
// correctly sequenced sequence_ids instead of rolling its own counter.
func (s *Session) Converter() *Converter { return s.converter }

// Publish forwards chunk to the event iterator. Used by the Framework Adapter
// to inject chunks that don't originate from a RuntimeEvent, e.g. the
// Approval Broker's timeout fallback (spec §4.7 step 3).
func (s *Session) Publish(chunk contracts.StreamChunk) error {
	return s.sink.Send(chunk)
}

// Events returns the receive-only channel of StreamChunks (spec §4.8
// events()).
func (s *Session) Events() <-chan contracts.StreamChunk {
	return s.sink.C()
}

// ApproveTool relays an approve/reject/edit decision for interactionID
// (spec §4.8 approve_tool, §4.7 step 2).
func (s *Session) ApproveTool(ctx context.Context, interactionID string, approved bool, userMessage string, responseData, modifiedArguments map[string]any) error {
	return s.broker.Resolve(ctx, interactionID, approved, userMessage, responseData, modifiedArguments)
}

// SendUserMessage forwards free-form user input to the runtime mid-stream
// (spec §4.8 send_user_message).
func (s *Session) SendUserMessage(ctx context.Context, text string) error {
	if s.comm == nil {
		return nil
	}
	return s.comm.SendUserMessage(ctx, text)
}

// ListPendingInteractions returns every Interaction still awaiting a
// decision (spec §4.8 list_pending_interactions).
func (s *Session) ListPendingInteractions() []*approval.Interaction {
	return s.broker.ListPending()
}

// Cancel triggers communicator-level interruption, publishes the terminal
// CANCELLED chunk, and finalizes+closes the Approval Broker (spec §5
// "Cancellation").
func (s *Session) Cancel(ctx context.Context, reason string) error {
	var commErr error
	if s.comm != nil {
		commErr = s.comm.CancelRuntime(ctx, reason)
	}
	_ = s.sink.Send(s.converter.CancelChunk(reason))
	s.Close()
	return commErr
}

// Close is idempotent and always runs broker Finalize()+Close(), even when
// the event iterator was abandoned mid-stream without the consumer ever
// calling Close() itself (spec §4.8, scenario S6). The Framework Adapter is
// responsible for calling Close in a deferred block around the live
// execution goroutine so this guarantee holds regardless of consumer
// behavior.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.broker.Finalize()
	s.broker.Close()
	_ = s.sink.Close()
}
