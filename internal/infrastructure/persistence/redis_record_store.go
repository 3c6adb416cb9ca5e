package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/solarcrm/backend/internal/domain/record"
	"github.com/solarcrm/backend/internal/domain/shared"
	"github.com/solarcrm/backend/internal/infrastructure/config"
)

const (
	defaultRedisKeyPrefix = "solar:customer:"
	redisWatchAttempts    = 3
)

// RedisRecordStore keeps one hash per record, with each field value stored as
// JSON so numbers and nulls survive the round trip. A set indexes every id.
type RedisRecordStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisRecordStore connects to Redis and verifies the connection
func NewRedisRecordStore(cfg config.RedisConfig) (*RedisRecordStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisRecordStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisRecordStoreWithClient creates a store with an existing Redis client
func NewRedisRecordStoreWithClient(client *redis.Client, keyPrefix string) *RedisRecordStore {
	if keyPrefix == "" {
		keyPrefix = defaultRedisKeyPrefix
	}
	return &RedisRecordStore{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (s *RedisRecordStore) recordKey(id string) string {
	return s.keyPrefix + "id:" + id
}

func (s *RedisRecordStore) indexKey() string {
	return s.keyPrefix + "index"
}

// LoadAll reads every indexed record ordered by id. Index entries whose hash
// has disappeared are skipped.
func (s *RedisRecordStore) LoadAll(ctx context.Context) ([]record.Record, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record index: %w", err)
	}
	sort.Strings(ids)

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recordKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	records := make([]record.Record, 0, len(ids))
	for i, id := range ids {
		hash := cmds[i].Val()
		if len(hash) == 0 {
			continue
		}
		fields, err := decodeHash(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %s: %w", id, err)
		}
		records = append(records, record.New(id, fields))
	}
	return records, nil
}

// Persist sets the changed fields and deletes the ones changed to null.
// The write is guarded by WATCH so a record deleted concurrently is never
// resurrected as a partial hash.
func (s *RedisRecordStore) Persist(ctx context.Context, id string, changes record.Fields) error {
	if len(changes) == 0 {
		return nil
	}
	if _, ok := changes[record.IDField]; ok {
		return record.Permanent(shared.ErrInvalidInput.WithMessage("id cannot be changed"))
	}
	set, del, err := encodeChanges(changes)
	if err != nil {
		return record.Permanent(err)
	}

	key := s.recordKey(id)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return record.Permanent(shared.ErrNotFound.WithMessage("record %s does not exist", id))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if len(set) > 0 {
				pipe.HSet(ctx, key, set...)
			}
			if len(del) > 0 {
				pipe.HDel(ctx, key, del...)
			}
			return nil
		})
		return err
	})
	if err != nil && !record.IsPermanent(err) {
		return fmt.Errorf("failed to persist record %s: %w", id, err)
	}
	return err
}

// Create writes a new hash and indexes it
func (s *RedisRecordStore) Create(ctx context.Context, rec record.Record) error {
	if rec.ID == "" {
		return shared.ErrInvalidInput.WithMessage("record id is required")
	}
	set, _, err := encodeChanges(rec.Fields)
	if err != nil {
		return err
	}
	idValue, _ := json.Marshal(rec.ID)
	set = append(set, record.IDField, string(idValue))

	key := s.recordKey(rec.ID)
	err = s.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return shared.ErrAlreadyExists.WithMessage("record %s already exists", rec.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, set...)
			pipe.SAdd(ctx, s.indexKey(), rec.ID)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, shared.ErrAlreadyExists) {
		return fmt.Errorf("failed to create record %s: %w", rec.ID, err)
	}
	return err
}

// Delete removes the hash and its index entry
func (s *RedisRecordStore) Delete(ctx context.Context, id string) error {
	var del *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, s.recordKey(id))
		pipe.SRem(ctx, s.indexKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if del.Val() == 0 {
		return shared.ErrNotFound.WithMessage("record %s not found", id)
	}
	return nil
}

// Ping checks the Redis connection
func (s *RedisRecordStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisRecordStore) Close() error {
	return s.client.Close()
}

// GetClient returns the underlying Redis client (for testing/monitoring)
func (s *RedisRecordStore) GetClient() *redis.Client {
	return s.client
}

// watch runs fn under WATCH key, retrying when another client touched the key
func (s *RedisRecordStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	var err error
	for range redisWatchAttempts {
		err = s.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func encodeChanges(fields record.Fields) (set []any, del []string, err error) {
	for _, name := range fields.Keys() {
		value := fields[name]
		if value == nil {
			del = append(del, name)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, nil, shared.ErrInvalidInput.WithMessage("field %s cannot be encoded: %v", name, err)
		}
		set = append(set, name, string(encoded))
	}
	return set, del, nil
}

func decodeHash(hash map[string]string) (record.Fields, error) {
	fields := make(record.Fields, len(hash))
	for name, raw := range hash {
		if name == record.IDField {
			continue
		}
		v, err := decodeValue(raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

// decodeValue restores a JSON field value. Integral numbers come back as int,
// everything else numeric as float64.
func decodeValue(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	num, ok := v.(json.Number)
	if !ok {
		return v, nil
	}
	if n, err := num.Int64(); err == nil {
		return int(n), nil
	}
	return num.Float64()
}

var (
	_ record.Store = (*RedisRecordStore)(nil)
	_ record.Store = (*GormRecordStore)(nil)
)
