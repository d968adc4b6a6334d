package runner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/stream"
)

type fakeRateLimitedBackend struct {
	execErr      error
	executeCalls int
}

func (f *fakeRateLimitedBackend) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	return "fw-1", nil, nil
}

func (f *fakeRateLimitedBackend) DestroySession(ctx context.Context, handle any) error { return nil }

func (f *fakeRateLimitedBackend) ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error) {
	return nil, nil
}

func (f *fakeRateLimitedBackend) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	return nil
}

func (f *fakeRateLimitedBackend) Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error) {
	f.executeCalls++
	if f.execErr != nil {
		return contracts.TaskResult{}, f.execErr
	}
	return contracts.TaskResult{TaskID: req.TaskID, Status: contracts.StatusSuccess}, nil
}

func (f *fakeRateLimitedBackend) ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error) {
	out := make(chan stream.RuntimeEvent)
	close(out)
	return out, nil
}

func TestAdaptiveRateLimiter_BackoffOnUpstreamRateLimited(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60000, 60000)
	initialTPM := limiter.currentTPM

	backend := &fakeRateLimitedBackend{execErr: ErrRateLimited}
	wrapped := limiter.Wrap(backend)

	msg := contracts.UniversalMessage{Role: contracts.RoleUser}
	msg.SetText("hello")
	req := contracts.TaskRequest{TaskID: "t1", Messages: []contracts.UniversalMessage{msg}}

	_, err := wrapped.Execute(context.Background(), nil, req)
	require.True(t, errors.Is(err, ErrRateLimited))

	limiter.mu.Lock()
	after := limiter.currentTPM
	limiter.mu.Unlock()

	require.Less(t, after, initialTPM, "a rate-limited response must shrink the effective token budget")
}

func TestAdaptiveRateLimiter_ProbesUpwardOnSuccess(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(1000, 10000)
	limiter.mu.Lock()
	limiter.currentTPM = 2000
	limiter.mu.Unlock()

	wrapped := limiter.Wrap(&fakeRateLimitedBackend{})
	req := contracts.TaskRequest{TaskID: "t1"}

	_, err := wrapped.Execute(context.Background(), nil, req)
	require.NoError(t, err)

	limiter.mu.Lock()
	after := limiter.currentTPM
	limiter.mu.Unlock()

	require.Greater(t, after, 2000.0, "a successful call must grow the effective token budget toward maxTPM")
}

func TestAdaptiveRateLimiter_NilBackendWrapsToNil(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(1000, 1000)
	require.Nil(t, limiter.Wrap(nil))
}

func TestAdaptiveRateLimiter_DelegatesSessionLifecycleUnthrottled(t *testing.T) {
	t.Parallel()

	limiter := newAdaptiveRateLimiter(60000, 60000)
	backend := &fakeRateLimitedBackend{}
	wrapped := limiter.Wrap(backend)

	id, _, err := wrapped.CreateFrameworkSession(context.Background(), contracts.AgentConfig{}, "user-1")
	require.NoError(t, err)
	require.Equal(t, "fw-1", id)
}
