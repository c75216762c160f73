package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/procflow/procflow/types"
)

const (
	definitionPrefix      = "wkf:definition:"
	instancePrefix        = "wkf:instance:"
	recordIndexPrefix     = "wkf:record:"
	definitionIndexPrefix = "wkf:definitions:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// saveJSON marshals a value and stores it under key.
func (s *RedisStorage) saveJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %v", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s in Redis: %v", key, err)
	}
	return nil
}

// getJSON retrieves and unmarshals a value stored under key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a definition and indexes it by record type.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return withContextError(ctx, func() error {
		if err := s.saveJSON(ctx, definitionKey(def.ID), def); err != nil {
			return err
		}
		if err := s.client.SAdd(ctx, definitionIndexPrefix+def.RecordType, def.ID).Err(); err != nil {
			return fmt.Errorf("failed to index definition %d: %v", def.ID, err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return getJSON[types.Definition](ctx, s.client, definitionKey(id), ErrDefinitionNotFound)
}

// DefinitionsByRecordType fetches the indexed definitions for a record
// type and orders them by Sequence.
func (s *RedisStorage) DefinitionsByRecordType(ctx context.Context, recordType string) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		ids, err := s.client.SMembers(ctx, definitionIndexPrefix+recordType).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read definition index for %s: %v", recordType, err)
		}

		var defs []types.Definition
		for _, raw := range ids {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("corrupt definition index entry %q: %v", raw, err)
			}
			def, err := s.GetDefinition(ctx, id)
			if errors.Is(err, ErrDefinitionNotFound) {
				continue
			} else if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}

		sortDefinitions(defs)
		return defs, nil
	})
}

// SaveInstance saves an instance and indexes it by record.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		if err := s.saveJSON(ctx, instanceKey(inst.ID), inst); err != nil {
			return err
		}
		key := recordKey(inst.RecordType, inst.RecordID)
		if err := s.client.Set(ctx, key, inst.ID, 0).Err(); err != nil {
			return fmt.Errorf("failed to index instance %d: %v", inst.ID, err)
		}
		return nil
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getJSON[types.Instance](ctx, s.client, instanceKey(id), ErrInstanceNotFound)
}

// FindInstanceByRecord resolves the record index, then the instance.
func (s *RedisStorage) FindInstanceByRecord(ctx context.Context, recordType string, recordID uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		raw, err := s.client.Get(ctx, recordKey(recordType, recordID)).Result()
		if errors.Is(err, redis.Nil) {
			return types.Instance{}, fmt.Errorf("%w: record=%s/%d", ErrInstanceNotFound, recordType, recordID)
		} else if err != nil {
			return types.Instance{}, fmt.Errorf("failed to read record index: %v", err)
		}

		id, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return types.Instance{}, fmt.Errorf("corrupt record index entry %q: %v", raw, err)
		}
		return s.GetInstance(ctx, id)
	})
}

// SaveDefinitions saves multiple definitions to Redis using pipelining.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, defs []types.Definition) error {
	return withContextError(ctx, func() error {
		pipe := s.client.Pipeline()
		for _, def := range defs {
			data, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %v", def.ID, err)
			}
			pipe.Set(ctx, definitionKey(def.ID), data, 0)
			pipe.SAdd(ctx, definitionIndexPrefix+def.RecordType, def.ID)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %v", err)
		}
		return nil
	})
}

// DeleteInstance removes an instance and its record index entry.
func (s *RedisStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		inst, err := s.GetInstance(ctx, id)
		if errors.Is(err, ErrInstanceNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		pipe := s.client.Pipeline()
		pipe.Del(ctx, instanceKey(id))
		pipe.Del(ctx, recordKey(inst.RecordType, inst.RecordID))
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to delete instance %d: %v", id, err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func definitionKey(id uint64) string {
	return fmt.Sprintf("%s%d", definitionPrefix, id)
}

func instanceKey(id uint64) string {
	return fmt.Sprintf("%s%d", instancePrefix, id)
}

func recordKey(recordType string, recordID uint64) string {
	return fmt.Sprintf("%s%s:%d", recordIndexPrefix, recordType, recordID)
}
