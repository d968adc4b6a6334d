package stream

import (
	"sync"

	"goa.design/agentcore/contracts"
)

// Sink receives StreamChunks as they are produced. Send must be safe for
// concurrent use; Close must be idempotent. Grounded on
// runtime/agent/stream/stream.go's Sink interface.
type Sink interface {
	Send(chunk contracts.StreamChunk) error
	Close() error
}

// ChanSink is a Sink backed by a buffered channel, the transport a
// StreamSession hands to its consumer as an event iterator.
type ChanSink struct {
	ch        chan contracts.StreamChunk
	closeOnce sync.Once
}

// NewChanSink constructs a ChanSink with the given buffer size.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{ch: make(chan contracts.StreamChunk, buffer)}
}

// Send enqueues chunk. It blocks while the channel's buffer is full and never
// drops a chunk; callers choose a buffer sized to the task.
func (s *ChanSink) Send(chunk contracts.StreamChunk) error {
	s.ch <- chunk
	return nil
}

// Close is idempotent; closing twice is a no-op.
func (s *ChanSink) Close() error {
	s.closeOnce.Do(func() { close(s.ch) })
	return nil
}

// C returns the receive-only channel consumers range over.
func (s *ChanSink) C() <-chan contracts.StreamChunk {
	return s.ch
}
