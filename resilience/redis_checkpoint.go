package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/careflowhq/careflow/types"
)

// Encryptor is an optional payload cipher applied to serialized
// checkpoints before they leave the process.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// RedisCheckpointStore persists checkpoints in redis: a JSON payload
// per checkpoint, a per-run sequence guard and a sorted index scored by
// sequence.
type RedisCheckpointStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	cipher Encryptor
}

// NewRedisCheckpointStore wraps a redis client. TTL bounds how long a
// finished run's checkpoints linger; 0 keeps them forever.
func NewRedisCheckpointStore(client *redis.Client, prefix string, ttl time.Duration) *RedisCheckpointStore {
	if prefix == "" {
		prefix = "careflow"
	}
	return &RedisCheckpointStore{client: client, prefix: prefix, ttl: ttl}
}

// WithEncryptor sets the payload cipher.
func (s *RedisCheckpointStore) WithEncryptor(cipher Encryptor) *RedisCheckpointStore {
	s.cipher = cipher
	return s
}

func (s *RedisCheckpointStore) seqKey(runID string) string {
	return fmt.Sprintf("%s:cp:%s:seq", s.prefix, runID)
}

func (s *RedisCheckpointStore) indexKey(runID string) string {
	return fmt.Sprintf("%s:cp:%s:index", s.prefix, runID)
}

func (s *RedisCheckpointStore) payloadKey(runID string, seq uint64) string {
	return fmt.Sprintf("%s:cp:%s:%d", s.prefix, runID, seq)
}

// Save stores the checkpoint after the per-run sequence guard admits it.
func (s *RedisCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	prev, err := s.client.Get(ctx, s.seqKey(cp.RunID)).Result()
	if err != nil && err != redis.Nil {
		return storeErr("read checkpoint sequence", err)
	}
	if err == nil {
		last, parseErr := strconv.ParseUint(prev, 10, 64)
		if parseErr == nil && cp.Sequence <= last {
			return types.NewError(types.ErrCheckpointStale,
				fmt.Sprintf("checkpoint sequence %d not after %d for run %s",
					cp.Sequence, last, cp.RunID)).
				WithCategory(types.CategoryStorage)
		}
	}

	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if s.cipher != nil {
		payload, err = s.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt checkpoint: %w", err)
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.payloadKey(cp.RunID, cp.Sequence), payload, s.ttl)
	pipe.Set(ctx, s.seqKey(cp.RunID), strconv.FormatUint(cp.Sequence, 10), s.ttl)
	pipe.ZAdd(ctx, s.indexKey(cp.RunID), redis.Z{
		Score:  float64(cp.Sequence),
		Member: strconv.FormatUint(cp.Sequence, 10),
	})
	if s.ttl > 0 {
		pipe.Expire(ctx, s.indexKey(cp.RunID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return storeErr("write checkpoint", err)
	}
	return nil
}

// Latest loads the highest-sequence checkpoint of a run.
func (s *RedisCheckpointStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	members, err := s.client.ZRevRange(ctx, s.indexKey(runID), 0, 0).Result()
	if err != nil {
		return nil, storeErr("read checkpoint index", err)
	}
	if len(members) == 0 {
		return nil, types.NewError(types.ErrCheckpointMissing, "no checkpoints for run "+runID).
			WithCategory(types.CategoryStorage)
	}
	seq, err := strconv.ParseUint(members[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt checkpoint index for run %s: %w", runID, err)
	}
	return s.load(ctx, runID, seq)
}

// List loads all checkpoints of a run in sequence order.
func (s *RedisCheckpointStore) List(ctx context.Context, runID string) ([]*Checkpoint, error) {
	members, err := s.client.ZRange(ctx, s.indexKey(runID), 0, -1).Result()
	if err != nil {
		return nil, storeErr("read checkpoint index", err)
	}
	out := make([]*Checkpoint, 0, len(members))
	for _, m := range members {
		seq, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		cp, err := s.load(ctx, runID, seq)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Purge drops all checkpoint keys of a run.
func (s *RedisCheckpointStore) Purge(ctx context.Context, runID string) error {
	members, err := s.client.ZRange(ctx, s.indexKey(runID), 0, -1).Result()
	if err != nil {
		return storeErr("read checkpoint index", err)
	}
	keys := []string{s.seqKey(runID), s.indexKey(runID)}
	for _, m := range members {
		if seq, err := strconv.ParseUint(m, 10, 64); err == nil {
			keys = append(keys, s.payloadKey(runID, seq))
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return storeErr("purge checkpoints", err)
	}
	return nil
}

func (s *RedisCheckpointStore) load(ctx context.Context, runID string, seq uint64) (*Checkpoint, error) {
	payload, err := s.client.Get(ctx, s.payloadKey(runID, seq)).Bytes()
	if err == redis.Nil {
		return nil, types.NewError(types.ErrCheckpointMissing,
			fmt.Sprintf("checkpoint %d missing for run %s", seq, runID)).
			WithCategory(types.CategoryStorage)
	}
	if err != nil {
		return nil, storeErr("read checkpoint payload", err)
	}
	if s.cipher != nil {
		payload, err = s.cipher.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("decrypt checkpoint: %w", err)
		}
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func storeErr(op string, err error) error {
	return types.NewError(types.ErrStoreUnavailable, op).
		WithCause(err).
		WithCategory(types.CategoryStorage).
		WithSeverity(types.SeverityPersistent).
		WithRetryable(true)
}
