// Package bedrock is a runner.Backend wired to Amazon Bedrock's
// InvokeModelWithResponseStream API via aws-sdk-go-v2, targeting
// Anthropic-on-Bedrock's message body shape (the SPEC_FULL.md domain-stack
// entry for a managed-cloud model Runner, distinct from talking to Anthropic
// directly).
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/uuid"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/stream"
)

// Backend implements runner.Backend against Bedrock's runtime API.
type Backend struct {
	client *bedrockruntime.Client
}

// New wraps an existing Bedrock runtime client. The caller owns AWS config
// and credential resolution.
func New(client *bedrockruntime.Client) *Backend { return &Backend{client: client} }

type session struct {
	mu       sync.Mutex
	id       string
	modelID  string
	system   string
	messages []bedrockMessage
}

type bedrockMessage struct {
	Role    string              `json:"role"`
	Content []bedrockContentPart `json:"content"`
}

type bedrockContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type invokeBody struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type streamDelta struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func defaultModelID(name string) string {
	if name == "" {
		return "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return name
}

// CreateFrameworkSession implements runner.Backend.
func (b *Backend) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	s := &session{id: uuid.NewString(), modelID: defaultModelID(cfg.Model), system: cfg.SystemPrompt}
	return s.id, s, nil
}

// DestroySession implements runner.Backend.
func (b *Backend) DestroySession(ctx context.Context, handle any) error {
	s, ok := handle.(*session)
	if !ok {
		return fmt.Errorf("bedrock: unexpected handle type %T", handle)
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
		return nil, fmt.Errorf("bedrock: unexpected handle type %T", handle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.UniversalMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, fromBedrockMessage(m))
	}
	return out, nil
}

// InjectTranscript implements runner.Backend.
func (b *Backend) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	s, ok := handle.(*session)
	if !ok {
		return fmt.Errorf("bedrock: unexpected handle type %T", handle)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.messages = append(s.messages, toBedrockMessage(m))
	}
	return nil
}

func toBedrockMessage(m contracts.UniversalMessage) bedrockMessage {
	role := "user"
	if m.Role == contracts.RoleAssistant {
		role = "assistant"
	}
	return bedrockMessage{Role: role, Content: []bedrockContentPart{{Type: "text", Text: m.PlainText()}}}
}

func fromBedrockMessage(m bedrockMessage) contracts.UniversalMessage {
	role := contracts.RoleUser
	if m.Role == "assistant" {
		role = contracts.RoleAssistant
	}
	var text string
	for _, p := range m.Content {
		if p.Type == "text" {
			text += p.Text
		}
	}
	out := contracts.UniversalMessage{Role: role}
	out.SetText(text)
	return out
}

// Execute implements runner.Backend via a single non-streamed InvokeModel call.
func (b *Backend) Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error) {
	s, ok := handle.(*session)
	if !ok {
		return contracts.TaskResult{}, fmt.Errorf("bedrock: unexpected handle type %T", handle)
	}

	s.mu.Lock()
	for _, m := range req.Messages {
		s.messages = append(s.messages, toBedrockMessage(m))
	}
	body := invokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           s.system,
		Messages:         append([]bedrockMessage(nil), s.messages...),
	}
	modelID := s.modelID
	s.mu.Unlock()

	payload, err := json.Marshal(body)
	if err != nil {
		return contracts.TaskResult{}, fmt.Errorf("bedrock: marshal body: %w", err)
	}

	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return contracts.TaskResult{}, fmt.Errorf("bedrock: invoke model: %w", err)
	}

	var resp struct {
		Content []bedrockContentPart `json:"content"`
		Usage   struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return contracts.TaskResult{}, fmt.Errorf("bedrock: decode response: %w", err)
	}
	var text string
	for _, c := range resp.Content {
		text += c.Text
	}
	reply := contracts.UniversalMessage{Role: contracts.RoleAssistant}
	reply.SetText(text)

	s.mu.Lock()
	s.messages = append(s.messages, toBedrockMessage(reply))
	s.mu.Unlock()

	return contracts.TaskResult{
		TaskID:   req.TaskID,
		Status:   contracts.StatusSuccess,
		Messages: []contracts.UniversalMessage{reply},
		ExecutionMetadata: contracts.ExecutionMetadata{
			Framework:  "bedrock",
			TokenUsage: map[string]int{"input": resp.Usage.InputTokens, "output": resp.Usage.OutputTokens},
		},
	}, nil
}

// ExecuteLive implements runner.Backend via InvokeModelWithResponseStream.
func (b *Backend) ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error) {
	s, ok := handle.(*session)
	if !ok {
		return nil, fmt.Errorf("bedrock: unexpected handle type %T", handle)
	}

	s.mu.Lock()
	for _, m := range req.Messages {
		s.messages = append(s.messages, toBedrockMessage(m))
	}
	body := invokeBody{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        4096,
		System:           s.system,
		Messages:         append([]bedrockMessage(nil), s.messages...),
	}
	modelID := s.modelID
	s.mu.Unlock()

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal body: %w", err)
	}

	resp, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock: invoke model with response stream: %w", err)
	}

	out := make(chan stream.RuntimeEvent, 16)
	go func() {
		defer close(out)

		var full bytes.Buffer
		eventStream := resp.GetStream()
		defer eventStream.Close()

		for event := range eventStream.Events() {
			chunk, ok := event.(*types.ResponseStreamMemberChunk)
			if !ok {
				continue
			}
			var delta streamDelta
			if err := json.Unmarshal(chunk.Value.Bytes, &delta); err != nil {
				continue
			}
			if delta.Type == "content_block_delta" && delta.Delta.Type == "text_delta" {
				full.WriteString(delta.Delta.Text)
				out <- stream.RuntimeEvent{Kind: stream.EventAssistantText, Text: delta.Delta.Text, Partial: true}
			}
		}
		if err := eventStream.Err(); err != nil && err != io.EOF {
			out <- stream.RuntimeEvent{Kind: stream.EventInterruption, InterruptReason: err.Error()}
			return
		}

		reply := contracts.UniversalMessage{Role: contracts.RoleAssistant}
		reply.SetText(full.String())
		s.mu.Lock()
		s.messages = append(s.messages, toBedrockMessage(reply))
		s.mu.Unlock()
		out <- stream.RuntimeEvent{Kind: stream.EventCompletion}
	}()
	return out, nil
}
