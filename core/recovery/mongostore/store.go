// Package mongostore provides a MongoDB-backed recovery.Store
// (recovery_store_kind=mongo), the second durable backend named by spec §6's
// open-ended "recovery_store_kind ∈ {memory, redis, ...}".
//
// Grounded on features/session/mongo/store.go: a thin Store that delegates
// every operation straight to the driver, with no business logic of its
// own — all recovery semantics (purge-after-injection, idle-triggered save)
// live in core/session, not here.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/agentcore/contracts"
	"goa.design/agentcore/core/recovery"
	"goa.design/agentcore/coreerrors"
)

// doc is the BSON document shape persisted for a recovery.Record.
type doc struct {
	ChatSessionID string                         `bson:"_id"`
	UserID        string                         `bson:"user_id"`
	AgentID       string                         `bson:"agent_id"`
	AgentType     string                         `bson:"agent_type"`
	SystemPrompt  string                         `bson:"system_prompt"`
	Model         string                         `bson:"model"`
	DeclaredTools []string                       `bson:"declared_tools"`
	ChatHistory   []contracts.UniversalMessage   `bson:"chat_history"`
	ArchivedAt    time.Time                      `bson:"archived_at"`
	Reason        string                         `bson:"reason"`
}

// Store is a recovery.Store backed by a MongoDB collection.
type Store struct {
	collection *mongo.Collection
}

// New wraps an existing *mongo.Collection. The caller owns connecting and
// index creation (a unique index on _id is implicit since _id is the
// chat_session_id).
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

func toDoc(r *recovery.Record) (doc, error) {
	return doc{
		ChatSessionID: r.ChatSessionID,
		UserID:        r.UserID,
		AgentID:       r.AgentID,
		AgentType:     r.AgentConfig.AgentType,
		SystemPrompt:  r.AgentConfig.SystemPrompt,
		Model:         r.AgentConfig.Model,
		DeclaredTools: r.AgentConfig.DeclaredTools,
		ChatHistory:   r.ChatHistory,
		ArchivedAt:    r.ArchivedAt,
		Reason:        r.Reason,
	}, nil
}

func fromDoc(d doc) (*recovery.Record, error) {
	r := &recovery.Record{
		ChatSessionID: d.ChatSessionID,
		UserID:        d.UserID,
		AgentID:       d.AgentID,
		ArchivedAt:    d.ArchivedAt,
		Reason:        d.Reason,
	}
	r.AgentConfig.AgentType = d.AgentType
	r.AgentConfig.SystemPrompt = d.SystemPrompt
	r.AgentConfig.Model = d.Model
	r.AgentConfig.DeclaredTools = d.DeclaredTools
	r.ChatHistory = d.ChatHistory
	return r, nil
}

// Save upserts record under _id=chat_session_id.
func (s *Store) Save(ctx context.Context, record *recovery.Record) error {
	d, err := toDoc(record)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "encode recovery record", err)
	}
	opts := mongo.NewReplaceOptions()
	opts.SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": record.ChatSessionID}, d, opts); err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "mongo replace", err)
	}
	return nil
}

// Load reads the record for chatSessionID.
func (s *Store) Load(ctx context.Context, chatSessionID string) (*recovery.Record, error) {
	var d doc
	err := s.collection.FindOne(ctx, bson.M{"_id": chatSessionID}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "mongo find", err)
	}
	return fromDoc(d)
}

// Purge deletes the record for chatSessionID.
func (s *Store) Purge(ctx context.Context, chatSessionID string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": chatSessionID}); err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "mongo delete", err)
	}
	return nil
}
