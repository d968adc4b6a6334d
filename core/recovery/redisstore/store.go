// Package redisstore provides a Redis-backed recovery.Store
// (recovery_store_kind=redis). Keys follow spec §6's persisted state layout:
// "key = recovery:{chat_session_id}; value = CBOR/JSON of
// SessionRecoveryRecord" — this backend uses JSON.
//
// Grounded on features/session/mongo/store.go's thin-adapter-over-client
// shape, swapped to github.com/redis/go-redis/v9 since the teacher already
// carries that dependency for its Pulse/session-cache wiring.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"goa.design/agentcore/core/recovery"
	"goa.design/agentcore/coreerrors"
)

const keyPrefix = "recovery:"

// Store is a recovery.Store backed by a Redis client.
type Store struct {
	client *redis.Client
}

// New wraps an existing *redis.Client. The caller owns the client's
// lifecycle (construction, auth, closing).
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(chatSessionID string) string { return keyPrefix + chatSessionID }

// Save marshals record as JSON and writes it under recovery:{chat_session_id}.
func (s *Store) Save(ctx context.Context, record *recovery.Record) error {
	b, err := json.Marshal(record)
	if err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "marshal recovery record", err)
	}
	if err := s.client.Set(ctx, key(record.ChatSessionID), b, 0).Err(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "redis set", err)
	}
	return nil
}

// Load reads and unmarshals the record for chatSessionID.
func (s *Store) Load(ctx context.Context, chatSessionID string) (*recovery.Record, error) {
	b, err := s.client.Get(ctx, key(chatSessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "redis get", err)
	}
	var r recovery.Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "unmarshal recovery record", err)
	}
	return &r, nil
}

// Purge deletes the record for chatSessionID. Deleting a missing key is not
// an error.
func (s *Store) Purge(ctx context.Context, chatSessionID string) error {
	if err := s.client.Del(ctx, key(chatSessionID)).Err(); err != nil {
		return coreerrors.Wrap(coreerrors.CodeRecoveryStoreUnavailable, "redis del", err)
	}
	return nil
}
