// Package openai is a runner.Backend wired to the Chat Completions API via
// openai-go, mirroring the anthropic backend's in-memory-transcript shape so
// the Session Manager's FrameworkRuntime seam stays provider-agnostic.
package openai

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/stream"
)

// Backend implements runner.Backend against OpenAI's Chat Completions API.
type Backend struct {
	client openai.Client
}

// New constructs a Backend. apiKey empty defers to OPENAI_API_KEY.
func New(apiKey string) *Backend {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Backend{client: openai.NewClient(opts...)}
}

type session struct {
	mu       sync.Mutex
	id       string
	model    shared.ChatModel
	system   string
	messages []openai.ChatCompletionMessageParamUnion
}

func toModel(name string) shared.ChatModel {
	if name == "" {
		return shared.ChatModelGPT4o
	}
	return shared.ChatModel(name)
}

// CreateFrameworkSession implements runner.Backend.
func (b *Backend) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	s := &session{id: uuid.NewString(), model: toModel(cfg.Model), system: cfg.SystemPrompt}
	if s.system != "" {
		s.messages = append(s.messages, openai.SystemMessage(s.system))
	}
	return s.id, s, nil
}

// DestroySession implements runner.Backend.
func (b *Backend) DestroySession(ctx context.Context, handle any) error {
	s, ok := handle.(*session)
	if !ok {
		return fmt.Errorf("openai: unexpected handle type %T", handle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

// ExtractTranscript implements runner.Backend.
func (b *Backend) ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error) {
	s, ok := handle.(*session)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected handle type %T", handle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.UniversalMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if m.OfSystem != nil {
			continue
		}
		out = append(out, fromMessageParam(m))
	}
	return out, nil
}

// InjectTranscript implements runner.Backend.
func (b *Backend) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	s, ok := handle.(*session)
	if !ok {
		return fmt.Errorf("openai: unexpected handle type %T", handle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.messages = append(s.messages, toMessageParam(m))
	}
	return nil
}

func toMessageParam(m contracts.UniversalMessage) openai.ChatCompletionMessageParamUnion {
	text := m.PlainText()
	if m.Role == contracts.RoleAssistant {
		return openai.AssistantMessage(text)
	}
	return openai.UserMessage(text)
}

func fromMessageParam(m openai.ChatCompletionMessageParamUnion) contracts.UniversalMessage {
	role := contracts.RoleUser
	text := ""
	switch {
	case m.OfAssistant != nil:
		role = contracts.RoleAssistant
		if m.OfAssistant.Content.OfString.Valid() {
			text = m.OfAssistant.Content.OfString.Value
		}
	case m.OfUser != nil:
		if m.OfUser.Content.OfString.Valid() {
			text = m.OfUser.Content.OfString.Value
		}
	}
	out := contracts.UniversalMessage{Role: role}
	out.SetText(text)
	return out
}

// Execute implements runner.Backend: a single buffered round-trip.
func (b *Backend) Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error) {
	s, ok := handle.(*session)
	if !ok {
		return contracts.TaskResult{}, fmt.Errorf("openai: unexpected handle type %T", handle)
	}

	s.mu.Lock()
	for _, m := range req.Messages {
		s.messages = append(s.messages, toMessageParam(m))
	}
	params := openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: append([]openai.ChatCompletionMessageParamUnion(nil), s.messages...),
	}
	s.mu.Unlock()

	resp, err := b.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return contracts.TaskResult{}, fmt.Errorf("openai: create completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return contracts.TaskResult{}, fmt.Errorf("openai: empty completion")
	}
	text := resp.Choices[0].Message.Content
	reply := contracts.UniversalMessage{Role: contracts.RoleAssistant}
	reply.SetText(text)

	s.mu.Lock()
	s.messages = append(s.messages, toMessageParam(reply))
	s.mu.Unlock()

	return contracts.TaskResult{
		TaskID:   req.TaskID,
		Status:   contracts.StatusSuccess,
		Messages: []contracts.UniversalMessage{reply},
		ExecutionMetadata: contracts.ExecutionMetadata{
			Framework:  "openai",
			TokenUsage: map[string]int{"prompt": int(resp.Usage.PromptTokens), "completion": int(resp.Usage.CompletionTokens)},
		},
	}, nil
}

// ExecuteLive implements runner.Backend, streaming chat completion deltas as
// RuntimeEvents.
func (b *Backend) ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error) {
	s, ok := handle.(*session)
	if !ok {
		return nil, fmt.Errorf("openai: unexpected handle type %T", handle)
	}

	s.mu.Lock()
	for _, m := range req.Messages {
		s.messages = append(s.messages, toMessageParam(m))
	}
	params := openai.ChatCompletionNewParams{
		Model:    s.model,
		Messages: append([]openai.ChatCompletionMessageParamUnion(nil), s.messages...),
	}
	s.mu.Unlock()

	out := make(chan stream.RuntimeEvent, 16)
	go func() {
		defer close(out)

		str := b.client.Chat.Completions.NewStreaming(ctx, params)
		var full string
		for str.Next() {
			chunk := str.Current()
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				full += choice.Delta.Content
				out <- stream.RuntimeEvent{Kind: stream.EventAssistantText, Text: choice.Delta.Content, Partial: true}
			}
		}
		if err := str.Err(); err != nil {
			out <- stream.RuntimeEvent{Kind: stream.EventInterruption, InterruptReason: err.Error()}
			return
		}

		reply := contracts.UniversalMessage{Role: contracts.RoleAssistant}
		reply.SetText(full)
		s.mu.Lock()
		s.messages = append(s.messages, toMessageParam(reply))
		s.mu.Unlock()
		out <- stream.RuntimeEvent{Kind: stream.EventCompletion}
	}()
	return out, nil
}
