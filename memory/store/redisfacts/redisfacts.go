// Package redisfacts implements memory.FactStore on Redis. Each entity's
// facts live in one hash keyed by fact identity, which makes the upsert a
// field write and keeps per-entity reads a single round trip.
package redisfacts

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/laffeybot/laffey/memory"
)

const (
	keyPrefix   = "facts:"
	entityIndex = "facts:index"

	// lockShards bounds the per-(entity, fact) serialization table.
	lockShards = 64
)

// Store implements memory.FactStore.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	locks  [lockShards]sync.Mutex
}

// New wraps an existing Redis client. The caller owns client configuration
// (address, credentials, pooling); a nil client is a configuration error.
func New(client *redis.Client, logger *zap.Logger) (*Store, error) {
	if client == nil {
		return nil, &memory.ConfigurationError{Field: "redis", Reason: "client is required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		client: client,
		logger: logger.With(zap.String("component", "fact_store")),
	}, nil
}

func entityKey(entityID string) string { return keyPrefix + entityID }

func (s *Store) lockFor(entityID, factKey string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	h.Write([]byte{0})
	h.Write([]byte(factKey))
	return &s.locks[h.Sum32()%lockShards]
}

// Upsert inserts the fact or refreshes an existing one with the same
// identity key. Concurrent upserts of the same (entity, key) pair are
// serialized so a re-derivation never races itself into a duplicate.
func (s *Store) Upsert(ctx context.Context, fact memory.SemanticFact) (memory.SemanticFact, error) {
	if fact.EntityID == "" {
		return memory.SemanticFact{}, fmt.Errorf("upsert fact: entity id is required")
	}
	if fact.Text == "" {
		return memory.SemanticFact{}, fmt.Errorf("upsert fact: text is required")
	}

	key := fact.Key()
	mu := s.lockFor(fact.EntityID, key)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.client.HGet(ctx, entityKey(fact.EntityID), key).Result()
	switch {
	case err == redis.Nil:
		// New fact; keep the caller-assigned id and timestamps.
	case err != nil:
		return memory.SemanticFact{}, memory.Transient(fmt.Errorf("read existing fact: %w", err))
	default:
		var prev memory.SemanticFact
		if jsonErr := json.Unmarshal([]byte(existing), &prev); jsonErr == nil {
			// Refresh, don't duplicate: identity and creation time are
			// the stored row's, recency and provenance are the new
			// derivation's.
			fact.ID = prev.ID
			fact.CreatedAt = prev.CreatedAt
			if fact.Confidence < prev.Confidence {
				fact.Confidence = prev.Confidence
			}
			if len(fact.Embedding) == 0 {
				fact.Embedding = prev.Embedding
			}
		}
	}
	fact.UpdatedAt = time.Now().UTC()

	payload, err := json.Marshal(fact)
	if err != nil {
		return memory.SemanticFact{}, fmt.Errorf("marshal fact: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entityKey(fact.EntityID), key, payload)
	pipe.SAdd(ctx, entityIndex, fact.EntityID)
	if _, err := pipe.Exec(ctx); err != nil {
		return memory.SemanticFact{}, memory.Transient(fmt.Errorf("write fact: %w", err))
	}

	s.logger.Debug("fact upserted",
		zap.String("entity_id", fact.EntityID),
		zap.String("key", key))
	return fact, nil
}

// Query returns the entity's facts ordered by confidence, then recency.
// Unknown entities yield an empty slice: absence of facts is normal.
func (s *Store) Query(ctx context.Context, entityID string, limit int) ([]memory.SemanticFact, error) {
	if entityID == "" {
		return nil, nil
	}

	rows, err := s.client.HGetAll(ctx, entityKey(entityID)).Result()
	if err != nil {
		return nil, memory.Transient(fmt.Errorf("read facts: %w", err))
	}
	if len(rows) == 0 {
		return nil, nil
	}

	facts := make([]memory.SemanticFact, 0, len(rows))
	for field, raw := range rows {
		var f memory.SemanticFact
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			s.logger.Warn("skipping undecodable fact",
				zap.String("entity_id", entityID),
				zap.String("field", field),
				zap.Error(err))
			continue
		}
		facts = append(facts, f)
	}

	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Confidence != facts[j].Confidence {
			return facts[i].Confidence > facts[j].Confidence
		}
		return facts[i].UpdatedAt.After(facts[j].UpdatedAt)
	})

	if limit > 0 && len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// Count returns the total number of stored facts across entities.
func (s *Store) Count(ctx context.Context) (int, error) {
	entities, err := s.client.SMembers(ctx, entityIndex).Result()
	if err != nil {
		return 0, memory.Transient(fmt.Errorf("read entity index: %w", err))
	}
	total := 0
	for _, e := range entities {
		n, err := s.client.HLen(ctx, entityKey(e)).Result()
		if err != nil {
			return 0, memory.Transient(fmt.Errorf("count facts for %s: %w", e, err))
		}
		total += int(n)
	}
	return total, nil
}

// Clear deletes every fact and the entity index, reporting how many facts
// were removed. Destructive; used by the administrative full wipe only.
func (s *Store) Clear(ctx context.Context) (int, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return 0, err
	}
	entities, err := s.client.SMembers(ctx, entityIndex).Result()
	if err != nil {
		return 0, memory.Transient(fmt.Errorf("read entity index: %w", err))
	}

	keys := make([]string, 0, len(entities)+1)
	for _, e := range entities {
		keys = append(keys, entityKey(e))
	}
	keys = append(keys, entityIndex)
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, memory.Transient(fmt.Errorf("delete facts: %w", err))
	}

	s.logger.Info("fact store cleared", zap.Int("facts", total))
	return total, nil
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
