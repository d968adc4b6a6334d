// Package gateway provides an optional Pulse-backed transport so the Tool
// Invocation Service (spec §4.9, component C2) can dispatch buffered
// execute_tool calls to tool providers running out-of-process, instead of
// calling a Descriptor.Handler in the same binary. Streamed
// (execute_tool_stream) calls are not carried over this transport.
//
// Grounded on features/stream/pulse/clients/pulse/client.go for the thin
// Client/Stream/Sink wrapper shape, and on runtime/toolregistry/provider's
// worker-pool/ack/health-ping Serve loop, both trimmed to the single
// call/result exchange this core needs (no output-delta streaming, no
// generated codecs: payloads are plain JSON against contracts.ToolRequest).
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/coreerrors"
	"goa.design/agentcore/telemetry"
)

type (
	// Client exposes the subset of Pulse APIs the gateway needs.
	Client interface {
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		Close(ctx context.Context) error
	}

	// Stream exposes publish and subscribe operations on a named Pulse stream.
	Stream interface {
		Add(ctx context.Context, event string, payload []byte) (string, error)
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading from a Pulse stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}
)

// NewRedisClient wraps a Redis connection as a gateway Client, the default
// transport (spec §2 domain stack names redis/go-redis/v9 as the backing
// store for both recovery and, here, the tool gateway's Pulse streams).
func NewRedisClient(rdb *redis.Client) Client { return &redisClient{redis: rdb} }

type redisClient struct{ redis *redis.Client }

func (c *redisClient) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	s, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse stream %q: %w", name, err)
	}
	return &redisStream{stream: s}, nil
}

func (c *redisClient) Close(ctx context.Context) error { return nil }

type redisStream struct{ stream *streaming.Stream }

func (s *redisStream) Add(ctx context.Context, event string, payload []byte) (string, error) {
	return s.stream.Add(ctx, event, payload)
}

func (s *redisStream) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := s.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return redisSink{sink}, nil
}

func (s *redisStream) Destroy(ctx context.Context) error { return s.stream.Destroy(ctx) }

type redisSink struct{ *streaming.Sink }

func (s redisSink) Close(ctx context.Context) { s.Sink.Close(ctx) }

// toolsetStreamID derives the Pulse stream name for a toolset's call channel.
func toolsetStreamID(toolset string) string { return "toolset/" + toolset }

// resultStreamID derives the per-call result stream name.
func resultStreamID(toolset, toolCallID string) string { return "toolset/" + toolset + "/result/" + toolCallID }

type (
	// messageType discriminates CallMessage payloads.
	messageType string

	// CallMessage is published to a toolset's request stream for one tool
	// invocation or health ping.
	CallMessage struct {
		Type         messageType            `json:"type"`
		PingID       string                 `json:"ping_id,omitempty"`
		ToolFullName string                 `json:"tool_full_name,omitempty"`
		Request      *contracts.ToolRequest `json:"request,omitempty"`
	}

	// ResultMessage is published to a per-call result stream.
	ResultMessage struct {
		ToolCallID string                  `json:"tool_call_id"`
		Result     *contracts.ToolResult   `json:"result,omitempty"`
		Error      *contracts.ErrorPayload `json:"error,omitempty"`
	}
)

const (
	messageTypeCall messageType = "call"
	messageTypePing messageType = "ping"
)

// Handler executes a tool call locally on the provider side. *tools.Service
// satisfies this via its ExecuteTool method.
type Handler interface {
	ExecuteTool(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error)
}

// ProviderOptions configures Serve.
type ProviderOptions struct {
	// SinkName identifies the Pulse consumer group. Defaults to "provider".
	SinkName string
	// MaxConcurrentToolCalls bounds the provider worker pool. Defaults to 4.
	MaxConcurrentToolCalls int
	// MaxQueuedToolCalls bounds how many calls may be buffered ahead of the
	// worker pool. Defaults to 64x the worker count.
	MaxQueuedToolCalls int
	// Pong acknowledges health pings. Required.
	Pong func(ctx context.Context, pingID string) error

	Telemetry telemetry.Set
}

// Serve subscribes to toolset's request stream and dispatches calls to
// handler, publishing one ResultMessage per call to its per-call result
// stream. It never blocks the subscription loop on tool execution: calls are
// enqueued for a fixed worker pool so health pings keep flowing even while
// workers are busy, mirroring the teacher's provider loop.
func Serve(ctx context.Context, client Client, toolset string, handler Handler, opts ProviderOptions) error {
	if client == nil {
		return errors.New("gateway: pulse client is required")
	}
	if toolset == "" {
		return errors.New("gateway: toolset is required")
	}
	if handler == nil {
		return errors.New("gateway: handler is required")
	}
	if opts.Pong == nil {
		return errors.New("gateway: pong handler is required")
	}
	sinkName := opts.SinkName
	if sinkName == "" {
		sinkName = "provider"
	}
	maxConcurrent := opts.MaxConcurrentToolCalls
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	maxQueued := opts.MaxQueuedToolCalls
	if maxQueued <= 0 {
		maxQueued = maxConcurrent * 64
	}
	tel := opts.Telemetry
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}

	streamID := toolsetStreamID(toolset)
	stream, err := client.Stream(streamID)
	if err != nil {
		return fmt.Errorf("gateway: open toolset stream %q: %w", streamID, err)
	}
	sink, err := stream.NewSink(ctx, sinkName)
	if err != nil {
		return fmt.Errorf("gateway: create sink %q on %q: %w", sinkName, streamID, err)
	}
	defer sink.Close(ctx)

	tel.Logger.Debug(ctx, "tool gateway provider subscribed", "toolset", toolset, "stream_id", streamID, "sink", sinkName)

	cancelCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type workItem struct {
		ev  *streaming.Event
		msg CallMessage
	}
	work := make(chan workItem, maxQueued)
	acks := make(chan *streaming.Event, maxQueued+64)
	errc := make(chan error, 1)

	signalErr := func(err error) {
		select {
		case errc <- err:
			cancel()
		default:
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case ev := <-acks:
				if ev == nil {
					continue
				}
				if err := sink.Ack(cancelCtx, ev); err != nil {
					signalErr(fmt.Errorf("ack toolset event: %w", err))
					return
				}
			}
		}
	}()

	for i := 0; i < maxConcurrent; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-cancelCtx.Done():
					return
				case item := <-work:
					handleWorkItem(cancelCtx, client, toolset, handler, opts.Pong, tel, item.msg)
					select {
					case acks <- item.ev:
					case <-cancelCtx.Done():
						return
					}
				}
			}
		}()
	}

	events := sink.Subscribe()
	for {
		select {
		case <-cancelCtx.Done():
			wg.Wait()
			select {
			case err := <-errc:
				return err
			default:
				return ctx.Err()
			}
		case err := <-errc:
			cancel()
			wg.Wait()
			return err
		case ev, ok := <-events:
			if !ok {
				cancel()
				wg.Wait()
				return nil
			}
			var msg CallMessage
			if err := json.Unmarshal(ev.Payload, &msg); err != nil {
				tel.Logger.Warn(cancelCtx, "gateway: discarding malformed call message", "error", err.Error())
				if ackErr := sink.Ack(cancelCtx, ev); ackErr != nil {
					signalErr(fmt.Errorf("ack malformed event: %w", ackErr))
				}
				continue
			}
			select {
			case work <- workItem{ev: ev, msg: msg}:
			case <-cancelCtx.Done():
				wg.Wait()
				return ctx.Err()
			}
		}
	}
}

func handleWorkItem(ctx context.Context, client Client, toolset string, handler Handler, pong func(context.Context, string) error, tel telemetry.Set, msg CallMessage) {
	if msg.Type == messageTypePing {
		if err := pong(ctx, msg.PingID); err != nil {
			tel.Logger.Warn(ctx, "gateway: pong failed", "ping_id", msg.PingID, "error", err.Error())
		}
		return
	}
	if msg.Request == nil {
		return
	}

	result, err := handler.ExecuteTool(ctx, *msg.Request)
	out := ResultMessage{ToolCallID: msg.Request.InteractionID}
	if err != nil {
		ce := coreerrors.FromError(err)
		out.Error = contracts.FromCoreError(ce)
	} else {
		out.Result = &result
	}

	b, err := json.Marshal(out)
	if err != nil {
		tel.Logger.Warn(ctx, "gateway: marshal result failed", "error", err.Error())
		return
	}
	resStreamID := resultStreamID(toolset, msg.Request.InteractionID)
	resStream, err := client.Stream(resStreamID)
	if err != nil {
		tel.Logger.Warn(ctx, "gateway: open result stream failed", "error", err.Error())
		return
	}
	if _, err := resStream.Add(ctx, "result", b); err != nil {
		tel.Logger.Warn(ctx, "gateway: publish result failed", "error", err.Error())
	}
}

// Dispatcher is a client-side tools.Handler-compatible caller that routes
// execute_tool calls to a remote provider over a Pulse toolset stream instead
// of invoking a local Descriptor.Handler.
type Dispatcher struct {
	client  Client
	toolset string
	timeout time.Duration
	tel     telemetry.Set
}

// NewDispatcher constructs a Dispatcher targeting toolset's request stream.
func NewDispatcher(client Client, toolset string, timeout time.Duration, tel telemetry.Set) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if tel.Logger == nil {
		tel = telemetry.Noop()
	}
	return &Dispatcher{client: client, toolset: toolset, timeout: timeout, tel: tel}
}

// Dispatch publishes req to the toolset stream and blocks for the matching
// ResultMessage on the call's dedicated result stream, or until ctx/timeout
// expires.
func (d *Dispatcher) Dispatch(ctx context.Context, req contracts.ToolRequest) (contracts.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resStreamID := resultStreamID(d.toolset, req.InteractionID)
	resStream, err := d.client.Stream(resStreamID)
	if err != nil {
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkUnavailable, "open result stream", err)
	}
	sink, err := resStream.NewSink(ctx, "dispatcher-"+req.InteractionID)
	if err != nil {
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkUnavailable, "create result sink", err)
	}
	defer sink.Close(ctx)
	defer resStream.Destroy(context.WithoutCancel(ctx))

	callStream, err := d.client.Stream(toolsetStreamID(d.toolset))
	if err != nil {
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkUnavailable, "open toolset stream", err)
	}
	payload, err := json.Marshal(CallMessage{Type: messageTypeCall, ToolFullName: req.ToolFullName, Request: &req})
	if err != nil {
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeToolInvalidParameters, "marshal call message", err)
	}
	if _, err := callStream.Add(ctx, "call", payload); err != nil {
		return contracts.ToolResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkUnavailable, "publish call message", err)
	}

	events := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return contracts.ToolResult{}, coreerrors.Newf(coreerrors.CodeToolTimeout, "tool %s timed out waiting on gateway", req.ToolFullName)
		case ev := <-events:
			if ev == nil {
				continue
			}
			_ = sink.Ack(ctx, ev)
			var out ResultMessage
			if err := json.Unmarshal(ev.Payload, &out); err != nil {
				continue
			}
			if out.ToolCallID != req.InteractionID {
				continue
			}
			if out.Error != nil {
				return contracts.ToolResult{}, coreerrors.New(coreerrors.Code(out.Error.Code), out.Error.Message)
			}
			if out.Result != nil {
				return *out.Result, nil
			}
			return contracts.ToolResult{}, coreerrors.Newf(coreerrors.CodeToolExecution, "empty result for %s", req.ToolFullName)
		}
	}
}
