package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cuemby/flink-mesos/pkg/scheduler"
	bolt "go.etcd.io/bbolt"
)

// FileName is the database file created in the data directory
const FileName = "flink-mesos.db"

var (
	// Bucket names
	bucketFramework = []byte("framework")
	bucketTasks     = []byte("tasks")

	keyFrameworkID = []byte("framework_id")
	keyLastFailure = []byte("last_failure")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, FileName)

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketFramework, bucketTasks} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return json.Unmarshal(data, v)
	})
}

// SaveFrameworkID persists the ID assigned by the master on subscription
func (s *BoltStore) SaveFrameworkID(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFramework).Put(keyFrameworkID, []byte(id))
	})
}

// GetFrameworkID returns the stored framework ID, or "" when none was saved
func (s *BoltStore) GetFrameworkID() (string, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		id = string(tx.Bucket(bucketFramework).Get(keyFrameworkID))
		return nil
	})
	return id, err
}

// Task operations
func (s *BoltStore) SaveTask(task scheduler.Task) error {
	return s.put(bucketTasks, []byte(task.ID), task)
}

func (s *BoltStore) ListTasks() ([]scheduler.Task, error) {
	var tasks []scheduler.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task scheduler.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return fmt.Errorf("task %s: %w", k, err)
			}
			tasks = append(tasks, task)
			return nil
		})
	})
	return tasks, err
}

func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// SaveFailure replaces the recorded last failure
func (s *BoltStore) SaveFailure(f Failure) error {
	return s.put(bucketFramework, keyLastFailure, f)
}

// LastFailure returns the recorded failure, or nil when there is none
func (s *BoltStore) LastFailure() (*Failure, error) {
	var f Failure
	if err := s.get(bucketFramework, keyLastFailure, &f); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &f, nil
}
