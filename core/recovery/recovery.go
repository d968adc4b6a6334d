// Package recovery defines the Recovery Store contract (spec §4.10/§6,
// component C6): a SessionRecoveryRecord keyed by chat_session_id, used to
// replay history on rehydration after a ChatSession is cleared.
//
// Concrete backends live in subpackages (inmem, redisstore, mongostore) so
// the Session Manager depends only on this interface, matching the
// teacher's features/session/mongo thin-adapter-over-interface pattern.
package recovery

import (
	"context"
	"errors"
	"time"

	"goa.design/agentcore/contracts"
)

// ErrNotFound is returned by Load when no record exists for the given
// chat_session_id (spec §4.3 recover_chat_session: "if missing →
// session.recovery_missing").
var ErrNotFound = errors.New("recovery: record not found")

// Record is the SessionRecoveryRecord from spec §3: a serialized transcript
// plus the agent/runner identifiers needed to rehydrate a ChatSession.
type Record struct {
	ChatSessionID string
	UserID        string
	AgentID       string
	AgentConfig   contracts.AgentConfig
	ChatHistory   []contracts.UniversalMessage
	ArchivedAt    time.Time
	Reason        string
}

// Store is the Recovery Store interface (spec §4.10). All operations are
// asynchronous (context-aware) and may fail with
// coreerrors.CodeRecoveryStoreUnavailable; the Session Manager must treat
// such failures as non-fatal and continue teardown, logging for retry.
type Store interface {
	Save(ctx context.Context, record *Record) error
	Load(ctx context.Context, chatSessionID string) (*Record, error)
	Purge(ctx context.Context, chatSessionID string) error
}

// Clone returns a deep copy of r so stores never hand out aliased slices.
func Clone(r *Record) *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ChatHistory = append([]contracts.UniversalMessage(nil), r.ChatHistory...)
	cp.AgentConfig.DeclaredTools = append([]string(nil), r.AgentConfig.DeclaredTools...)
	return &cp
}
