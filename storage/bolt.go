package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/procflow/procflow/types"
)

var (
	definitionBucket = []byte("definitions")
	instanceBucket   = []byte("instances")
)

// BoltStorage is a bbolt-backed implementation of the Storage interface
// for single-binary deployments that need durability without a server.
type BoltStorage struct {
	db *bolt.DB
}

// NewBoltStorage opens (or creates) the database file and ensures the
// buckets exist.
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(definitionBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(instanceBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %v", err)
	}

	return &BoltStorage{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func itob(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (s *BoltStorage) put(ctx context.Context, bucket []byte, id uint64, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%d: %v", bucket, id, err)
		}
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucket).Put(itob(id), data)
		})
	})
}

func get[T any](ctx context.Context, s *BoltStorage, bucket []byte, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var out T
		err := s.db.View(func(tx *bolt.Tx) error {
			data := tx.Bucket(bucket).Get(itob(id))
			if data == nil {
				return fmt.Errorf("%w: id=%d", errNotFound, id)
			}
			return json.Unmarshal(data, &out)
		})
		return out, err
	})
}

// SaveDefinition saves a definition.
func (s *BoltStorage) SaveDefinition(ctx context.Context, def types.Definition) error {
	return s.put(ctx, definitionBucket, def.ID, def)
}

// GetDefinition retrieves a definition by ID.
func (s *BoltStorage) GetDefinition(ctx context.Context, id uint64) (types.Definition, error) {
	return get[types.Definition](ctx, s, definitionBucket, id, ErrDefinitionNotFound)
}

// DefinitionsByRecordType scans the definition bucket. Definition sets
// are small; bbolt keeps the scan an in-process cursor walk.
func (s *BoltStorage) DefinitionsByRecordType(ctx context.Context, recordType string) ([]types.Definition, error) {
	return withContext(ctx, func() ([]types.Definition, error) {
		var defs []types.Definition
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(definitionBucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var def types.Definition
				if err := json.Unmarshal(v, &def); err != nil {
					return fmt.Errorf("corrupt definition record: %v", err)
				}
				if def.RecordType == recordType {
					defs = append(defs, def)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		sortDefinitions(defs)
		return defs, nil
	})
}

// SaveInstance saves an instance.
func (s *BoltStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return s.put(ctx, instanceBucket, inst.ID, inst)
}

// GetInstance retrieves an instance by ID.
func (s *BoltStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return get[types.Instance](ctx, s, instanceBucket, id, ErrInstanceNotFound)
}

// FindInstanceByRecord scans the instance bucket for the record binding.
func (s *BoltStorage) FindInstanceByRecord(ctx context.Context, recordType string, recordID uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		var found *types.Instance
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket(instanceBucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var inst types.Instance
				if err := json.Unmarshal(v, &inst); err != nil {
					return fmt.Errorf("corrupt instance record: %v", err)
				}
				if inst.RecordType == recordType && inst.RecordID == recordID {
					found = &inst
					return nil
				}
			}
			return nil
		})
		if err != nil {
			return types.Instance{}, err
		}
		if found == nil {
			return types.Instance{}, fmt.Errorf("%w: record=%s/%d", ErrInstanceNotFound, recordType, recordID)
		}
		return *found, nil
	})
}

// DeleteInstance removes an instance.
func (s *BoltStorage) DeleteInstance(ctx context.Context, id uint64) error {
	return withContextError(ctx, func() error {
		return s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(instanceBucket).Delete(itob(id))
		})
	})
}
