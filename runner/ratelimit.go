package runner

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/stream"
	"goa.design/agentcore/coreerrors"

	"goa.design/pulse/rmap"
)

// ErrRateLimited is returned by a Backend when the upstream provider itself
// signals a throttle (HTTP 429 or equivalent). AdaptiveRateLimiter backs off
// its local budget whenever a wrapped call fails with this error.
var ErrRateLimited = errors.New("runner: upstream rate limited the request")

// AdaptiveRateLimiter applies an AIMD-style adaptive token bucket in front of
// a Backend. It estimates the token cost of each TaskRequest, blocks callers
// until capacity is available, and narrows or widens its effective
// tokens-per-minute budget in response to ErrRateLimited from the wrapped
// Backend.
//
// A single limiter is meant to sit in front of one concrete provider backend
// (Anthropic, OpenAI, Bedrock); the core's runner.Manager pools sessions
// above it and never sees the limiter directly.
type AdaptiveRateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM float64
	minTPM     float64
	maxTPM     float64

	recoveryRate float64

	onBackoff func(newTPM float64)
	onProbe   func(newTPM float64)
}

type limitedBackend struct {
	next    Backend
	limiter *AdaptiveRateLimiter
}

// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
type clusterMap interface {
	Get(key string) (string, bool)
	SetIfNotExists(ctx context.Context, key, value string) (bool, error)
	TestAndSet(ctx context.Context, key, test, value string) (string, error)
	Subscribe() <-chan rmap.EventKind
}

type rmapClusterMap struct {
	m *rmap.Map
}

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter with a
// tokens-per-minute budget. When m and key are set, it coordinates capacity
// across every process sharing the Pulse replicated map identified by key;
// otherwise it operates as a process-local limiter.
func NewAdaptiveRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	var cm clusterMap
	if m != nil {
		cm = &rmapClusterMap{m: m}
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, key, initialTPM, maxTPM)
}

func newAdaptiveRateLimiter(initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	lim := rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM))

	return &AdaptiveRateLimiter{
		limiter:      lim,
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wrap returns a Backend that enforces the adaptive tokens-per-minute limit
// in front of next's Execute and ExecuteLive calls.
func (l *AdaptiveRateLimiter) Wrap(next Backend) Backend {
	if next == nil {
		return nil
	}
	return &limitedBackend{next: next, limiter: l}
}

func (b *limitedBackend) CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (string, any, error) {
	return b.next.CreateFrameworkSession(ctx, cfg, userID)
}

func (b *limitedBackend) DestroySession(ctx context.Context, handle any) error {
	return b.next.DestroySession(ctx, handle)
}

func (b *limitedBackend) ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error) {
	return b.next.ExtractTranscript(ctx, handle)
}

func (b *limitedBackend) InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error {
	return b.next.InjectTranscript(ctx, handle, messages)
}

// Execute enforces the limiter before delegating to the wrapped Backend.
func (b *limitedBackend) Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error) {
	if err := b.limiter.wait(ctx, req); err != nil {
		return contracts.TaskResult{}, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "rate limiter wait", err)
	}
	result, err := b.next.Execute(ctx, handle, req)
	b.limiter.observe(err)
	return result, err
}

// ExecuteLive enforces the limiter before delegating to the wrapped Backend.
func (b *limitedBackend) ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error) {
	if err := b.limiter.wait(ctx, req); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeFrameworkExecution, "rate limiter wait", err)
	}
	events, err := b.next.ExecuteLive(ctx, handle, req)
	b.limiter.observe(err)
	return events, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req contracts.TaskRequest) error {
	return l.limiter.WaitN(ctx, estimateTokens(req))
}

func (l *AdaptiveRateLimiter) observe(err error) {
	if err == nil {
		l.probe()
		return
	}
	if errors.Is(err, ErrRateLimited) {
		l.backoff()
	}
}

func (l *AdaptiveRateLimiter) backoff() {
	l.mu.Lock()

	newTPM := l.currentTPM * 0.5
	if newTPM < l.minTPM {
		newTPM = l.minTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) probe() {
	l.mu.Lock()

	newTPM := l.currentTPM + l.recoveryRate
	if newTPM > l.maxTPM {
		newTPM = l.maxTPM
	}
	if newTPM == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = newTPM
	l.limiter.SetLimit(rate.Limit(newTPM / 60.0))
	l.limiter.SetBurst(int(newTPM))

	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newTPM)
	}
}

// estimateTokens computes a cheap heuristic for the number of tokens in the
// request's transcript plus any inline messages, converting character counts
// to tokens using a fixed ratio and adding a buffer for provider framing.
func estimateTokens(req contracts.TaskRequest) int {
	charCount := 0
	for _, m := range req.Messages {
		charCount += len(m.PlainText())
	}
	if req.Description != "" {
		charCount += len(req.Description)
	}
	if charCount <= 0 {
		return 500
	}
	tokens := charCount / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	if tpm == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.mu.Unlock()
}

func (l *AdaptiveRateLimiter) setClusterCallbacks(onBackoff, onProbe func(newTPM float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, key string, initialTPM, maxTPM float64) *AdaptiveRateLimiter {
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(initialTPM, maxTPM)
	}

	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return newAdaptiveRateLimiter(initialTPM, maxTPM)
		}
	}

	sharedTPM := initialTPM
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			sharedTPM = v
		}
	}

	l := newAdaptiveRateLimiter(sharedTPM, maxTPM)

	min := l.minTPM
	max := l.maxTPM
	step := l.recoveryRate

	l.setClusterCallbacks(
		func(_ float64) {
			go globalBackoff(context.Background(), m, key, min)
		},
		func(_ float64) {
			go globalProbe(context.Background(), m, key, step, max)
		},
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			v, err := strconv.ParseFloat(cur, 64)
			if err != nil || v <= 0 {
				continue
			}
			l.replaceTPM(v)
		}
	}()

	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}

func globalProbe(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		if cur >= ceiling {
			return
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		nextStr := strconv.Itoa(int(next))
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil {
			return
		}
		if prev == curStr {
			return
		}
	}
}
