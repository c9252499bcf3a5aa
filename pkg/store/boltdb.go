package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/docflowhq/docflow/pkg/lifecycle"
	"github.com/docflowhq/docflow/pkg/types"
)

var (
	// Bucket names
	bucketTasks = []byte("tasks")
	bucketFiles = []byte("files")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "docflow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketTasks, bucketFiles}
		for _, bucket := range buckets {
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

// Task operations

func (s *BoltStore) CreateTask(task *types.Task) error {
	prepareTask(task)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putTask(tx, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasksByUser(userID string, filter TaskFilter, page, size int) ([]*types.Task, int, error) {
	var matched []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.UserID != userID {
				return nil
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			if filter.Type != "" && task.Type != filter.Type {
				return nil
			}
			matched = append(matched, &task)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	// Newest first
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if size <= 0 {
		return matched, total, nil
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (s *BoltStore) ListChildren(parentID string) ([]*types.Task, error) {
	var children []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.ParentID == parentID {
				children = append(children, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].CreatedAt.Before(children[j].CreatedAt)
	})
	return children, nil
}

// UpdateStatus performs the conditional status transition that provides
// per-task mutual exclusion: the write only happens when the stored status
// matches the caller's expectation and the transition is legal.
func (s *BoltStore) UpdateStatus(id string, status types.TaskStatus, update StatusUpdate) (*types.Task, error) {
	var task types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}

		if !s.matchesPredicate(&task, update) {
			return fmt.Errorf("task %s is %s: %w", id, task.Status, ErrPreconditionFailed)
		}

		// Same-status writes are idempotent no-ops under retries, except
		// that re-entering processing is a reclaim and must refresh the
		// lease, or every later claim would pass the stale predicate too.
		if task.Status == status {
			if status == types.TaskStatusProcessing {
				task.UpdatedAt = time.Now().UTC()
				return putTask(tx, &task)
			}
			return nil
		}
		if err := lifecycle.Validate(task.Status, status); err != nil {
			return err
		}

		now := time.Now().UTC()
		task.Status = status
		task.UpdatedAt = now
		if lifecycle.Terminal(status) {
			task.CompletedAt = &now
		}
		if update.ErrorMessage != "" {
			task.ErrorMessage = update.ErrorMessage
		}
		if update.Results != nil {
			task.Results = json.RawMessage(update.Results)
		}
		if update.ActualCostUSD != nil {
			task.ActualCostUSD = update.ActualCostUSD
		}
		if update.TokenUsage != nil {
			task.TokenUsage = update.TokenUsage
		}
		if update.IncrementRetry {
			task.RetryCount++
		}

		return putTask(tx, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) matchesPredicate(task *types.Task, update StatusUpdate) bool {
	if len(update.ExpectedFrom) == 0 {
		return true
	}
	for _, from := range update.ExpectedFrom {
		if task.Status == from {
			return true
		}
	}
	// Stale-lease reclaim: a processing task whose owner stopped updating
	// it may be claimed again.
	if update.ReclaimAfter > 0 && task.Status == types.TaskStatusProcessing {
		if time.Since(task.UpdatedAt) > update.ReclaimAfter {
			return true
		}
	}
	return false
}

// BulkCreate persists tasks and file rows in a single transaction so the
// archive fan-out is all-or-nothing.
func (s *BoltStore) BulkCreate(tasks []*types.Task, files []*types.FileMetadata) error {
	for _, task := range tasks {
		prepareTask(task)
	}
	for _, file := range files {
		prepareFile(file)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, task := range tasks {
			if err := putTask(tx, task); err != nil {
				return err
			}
		}
		fb := tx.Bucket(bucketFiles)
		for _, file := range files {
			data, err := json.Marshal(file)
			if err != nil {
				return err
			}
			if err := fb.Put([]byte(file.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) CountByStatus(filter TaskFilter) (map[types.TaskStatus]int, error) {
	counts := make(map[types.TaskStatus]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if filter.Type != "" && task.Type != filter.Type {
				return nil
			}
			if filter.Status != "" && task.Status != filter.Status {
				return nil
			}
			counts[task.Status]++
			return nil
		})
	})
	return counts, err
}

// File operations

func (s *BoltStore) CreateFile(file *types.FileMetadata) error {
	prepareFile(file)
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data, err := json.Marshal(file)
		if err != nil {
			return err
		}
		return b.Put([]byte(file.ID), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.FileMetadata, error) {
	var file types.FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("file %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &file)
	})
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *BoltStore) ListFilesByTask(taskID string) ([]*types.FileMetadata, error) {
	var files []*types.FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.ForEach(func(k, v []byte) error {
			var file types.FileMetadata
			if err := json.Unmarshal(v, &file); err != nil {
				return err
			}
			if file.TaskID == taskID {
				files = append(files, &file)
			}
			return nil
		})
	})
	return files, err
}

func (s *BoltStore) ListExpiredFiles(now time.Time, limit int) ([]*types.FileMetadata, error) {
	var expired []*types.FileMetadata
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(expired) >= limit {
				return nil
			}
			var file types.FileMetadata
			if err := json.Unmarshal(v, &file); err != nil {
				continue
			}
			if file.StoragePolicy != types.StoragePolicyTemporary || file.ExpiresAt == nil {
				continue
			}
			if file.ExpiresAt.Before(now) {
				expired = append(expired, &file)
			}
		}
		return nil
	})
	return expired, err
}

func (s *BoltStore) DeleteFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFiles)
		return b.Delete([]byte(id))
	})
}

// helpers

func prepareTask(task *types.Task) {
	now := time.Now().UTC()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
}

func prepareFile(file *types.FileMetadata) {
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = time.Now().UTC()
	}
}

func putTask(tx *bolt.Tx, task *types.Task) error {
	b := tx.Bucket(bucketTasks)
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return b.Put([]byte(task.ID), data)
}
