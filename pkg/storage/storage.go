package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/foreman/pkg/types"
)

var (
	bucketTasks    = []byte("tasks")
	bucketResults  = []byte("results")
	bucketSessions = []byte("sessions")
)

// Store checkpoints driver state to a bbolt file so a restarted driver can
// reload terminal tasks, results, and sessions. Recording is at-least-once;
// callers must tolerate replays.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the checkpoint database under dataDir.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dataDir, "foreman.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTasks, bucketResults, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveTask writes one task record.
func (s *Store) SaveTask(task *types.Task) error {
	return s.put(bucketTasks, task.ID, task)
}

// LoadTasks returns every checkpointed task.
func (s *Store) LoadTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.scan(bucketTasks, func(data []byte) error {
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		tasks = append(tasks, &task)
		return nil
	})
	return tasks, err
}

// SaveResult writes one terminal result.
func (s *Store) SaveResult(result *types.TaskResult) error {
	return s.put(bucketResults, result.TaskID, result)
}

// LoadResults returns every checkpointed result.
func (s *Store) LoadResults() ([]*types.TaskResult, error) {
	var results []*types.TaskResult
	err := s.scan(bucketResults, func(data []byte) error {
		var result types.TaskResult
		if err := json.Unmarshal(data, &result); err != nil {
			return err
		}
		results = append(results, &result)
		return nil
	})
	return results, err
}

// SaveSession writes one session record.
func (s *Store) SaveSession(session *types.Session) error {
	return s.put(bucketSessions, session.ID, session)
}

// DeleteSession removes a session record.
func (s *Store) DeleteSession(sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(sessionID))
	})
}

// LoadSessions returns every checkpointed session.
func (s *Store) LoadSessions() ([]*types.Session, error) {
	var sessions []*types.Session
	err := s.scan(bucketSessions, func(data []byte) error {
		var session types.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return err
		}
		sessions = append(sessions, &session)
		return nil
	})
	return sessions, err
}

func (s *Store) put(bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) scan(bucket []byte, fn func([]byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			return fn(v)
		})
	})
}
