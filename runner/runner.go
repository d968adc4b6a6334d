// Package runner declares the Runner abstraction spec §2 says is "assumed":
// the seam between this core and whichever concrete LLM/tool framework
// backs a given deployment. Concrete backends live under runner/backend/*.
//
// This is deliberately a different type from core/runner.Manager (the Runner
// *pool*, component C4): that package owns runner_id lifecycle/eviction and
// never talks to a model provider; this package is the thing it pools.
package runner

import (
	"context"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/stream"
)

// Backend is the pluggable model-runtime Runner abstraction. Its first four
// methods satisfy core/session.FrameworkRuntime structurally, so a Backend
// can be handed directly to session.NewManager(session.Options{Runtime: b}).
type Backend interface {
	// CreateFrameworkSession provisions a new framework session for cfg and
	// returns its id plus an opaque handle this Backend alone interprets.
	CreateFrameworkSession(ctx context.Context, cfg contracts.AgentConfig, userID string) (sessionID string, handle any, err error)
	// DestroySession tears down a framework session.
	DestroySession(ctx context.Context, handle any) error
	// ExtractTranscript reads back the conversation history held by handle.
	ExtractTranscript(ctx context.Context, handle any) ([]contracts.UniversalMessage, error)
	// InjectTranscript appends messages to handle's history directly,
	// satisfying spec §4.3's preferred "event-append API" injection path.
	InjectTranscript(ctx context.Context, handle any, messages []contracts.UniversalMessage) error

	// Execute runs req to completion against handle and returns the final
	// TaskResult (spec §2 control flow "Runner.run_async").
	Execute(ctx context.Context, handle any, req contracts.TaskRequest) (contracts.TaskResult, error)
	// ExecuteLive runs req against handle, streaming RuntimeEvents as they
	// arrive (spec §2 control flow "Runner.run_live").
	ExecuteLive(ctx context.Context, handle any, req contracts.TaskRequest) (<-chan stream.RuntimeEvent, error)
}
