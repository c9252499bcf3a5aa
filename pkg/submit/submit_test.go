package submit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowhq/docflow/pkg/cost"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// memStore implements just enough of store.Store for submission tests.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*types.Task)}
}

func (m *memStore) CreateTask(task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	task.CreatedAt = time.Now()
	copied := *task
	m.tasks[task.ID] = &copied
	return nil
}

func (m *memStore) GetTask(id string) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *t
	return &copied, nil
}

func (m *memStore) ListTasksByUser(userID string, filter store.TaskFilter, page, size int) ([]*types.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, len(out), nil
}

func (m *memStore) ListChildren(parentID string) ([]*types.Task, error) { return nil, nil }

func (m *memStore) UpdateStatus(id string, status types.TaskStatus, update store.StatusUpdate) (*types.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if len(update.ExpectedFrom) > 0 {
		matched := false
		for _, from := range update.ExpectedFrom {
			if t.Status == from {
				matched = true
			}
		}
		if !matched {
			return nil, store.ErrPreconditionFailed
		}
	}
	t.Status = status
	copied := *t
	return &copied, nil
}

func (m *memStore) BulkCreate(tasks []*types.Task, files []*types.FileMetadata) error { return nil }
func (m *memStore) CountByStatus(filter store.TaskFilter) (map[types.TaskStatus]int, error) {
	return nil, nil
}
func (m *memStore) CreateFile(file *types.FileMetadata) error        { return nil }
func (m *memStore) GetFile(id string) (*types.FileMetadata, error)   { return nil, store.ErrNotFound }
func (m *memStore) ListFilesByTask(id string) ([]*types.FileMetadata, error) { return nil, nil }
func (m *memStore) ListExpiredFiles(now time.Time, limit int) ([]*types.FileMetadata, error) {
	return nil, nil
}
func (m *memStore) DeleteFile(id string) error { return nil }
func (m *memStore) Close() error               { return nil }

// memBroker records enqueues.
type memBroker struct {
	mu       sync.Mutex
	messages map[types.QueueName][]types.Message
	full     bool
}

func newMemBroker() *memBroker {
	return &memBroker{messages: make(map[types.QueueName][]types.Message)}
}

func (b *memBroker) Enqueue(q types.QueueName, msg types.Message) error {
	return b.EnqueueAfter(q, msg, 0)
}

func (b *memBroker) EnqueueAfter(q types.QueueName, msg types.Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		return queue.ErrSaturated
	}
	b.messages[q] = append(b.messages[q], msg)
	return nil
}

func (b *memBroker) Dequeue(ctx context.Context, q types.QueueName) (*queue.Delivery, error) {
	return nil, context.DeadlineExceeded
}
func (b *memBroker) Ack(string) error              { return nil }
func (b *memBroker) Nack(string) error             { return nil }
func (b *memBroker) MoveToDeadLetter(string) error { return nil }
func (b *memBroker) Depth(q types.QueueName) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[q])
}
func (b *memBroker) DeadLetters(types.QueueName) []types.Message { return nil }
func (b *memBroker) Saturated(types.QueueName) bool              { return false }
func (b *memBroker) Close() error                                { return nil }

func TestSubmitDispatch(t *testing.T) {
	tests := []struct {
		name      string
		urls      []string
		wantTasks int
		wantType  types.TaskType
		wantQueue types.QueueName
	}{
		{"pdf goes to parse", []string{"local:///uploads/report.pdf"}, 1, types.TaskTypeParse, types.QueueParse},
		{"image goes to parse", []string{"local:///uploads/scan.png"}, 1, types.TaskTypeParse, types.QueueParse},
		{"zip goes to archive", []string{"local:///uploads/bundle.zip"}, 1, types.TaskTypeArchive, types.QueueArchive},
		{"zip detection is case-insensitive", []string{"local:///uploads/BUNDLE.ZIP"}, 1, types.TaskTypeArchive, types.QueueArchive},
		{"multiple documents fan out", []string{"local:///a.pdf", "local:///b.pdf", "local:///c.png"}, 3, types.TaskTypeParse, types.QueueParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newMemStore()
			broker := newMemBroker()
			svc := NewService(st, broker, nil)

			tasks, err := svc.Submit(Request{UserID: "user-1", FileURLs: tt.urls})
			require.NoError(t, err)
			require.Len(t, tasks, tt.wantTasks)
			for _, task := range tasks {
				assert.Equal(t, tt.wantType, task.Type)
				assert.Equal(t, types.TaskStatusPending, task.Status)
			}

			msgs := broker.messages[tt.wantQueue]
			require.Len(t, msgs, tt.wantTasks)
			assert.Equal(t, tasks[0].ID, msgs[0].TaskID)
			assert.NotEmpty(t, msgs[0].CorrelationID)
		})
	}
}

func TestSubmitArchiveUsesZipURL(t *testing.T) {
	broker := newMemBroker()
	svc := NewService(newMemStore(), broker, nil)

	tasks, err := svc.Submit(Request{
		UserID:   "user-1",
		FileURLs: []string{"local:///bundle.zip"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "local:///bundle.zip", tasks[0].FileURL)
	assert.Equal(t, "bundle.zip", tasks[0].OriginalFilename)
}

func TestSubmitRejectsZipMixedWithOtherURLs(t *testing.T) {
	st := newMemStore()
	broker := newMemBroker()
	svc := NewService(st, broker, nil)

	_, err := svc.Submit(Request{
		UserID:   "user-1",
		FileURLs: []string{"local:///a.pdf", "local:///bundle.zip"},
	})
	require.Error(t, err)
	assert.Empty(t, st.tasks, "rejected submission must not persist tasks")
	assert.Empty(t, broker.messages, "rejected submission must not enqueue")
}

func TestSubmitPartialOptionsKeepDefaults(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, newMemBroker(), nil)

	tasks, err := svc.Submit(Request{
		UserID:   "user-1",
		FileURLs: []string{"local:///a.pdf"},
		Options:  &Options{ModelName: "gpt-4o"},
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.True(t, tasks[0].Options.EnableVectorization, "partial options must keep the vectorization default")
	assert.Equal(t, types.StoragePolicyTemporary, tasks[0].Options.StoragePolicy)
	assert.Equal(t, "gpt-4o", tasks[0].Options.ModelName)

	off := false
	tasks, err = svc.Submit(Request{
		UserID:   "user-1",
		FileURLs: []string{"local:///b.pdf"},
		Options:  &Options{EnableVectorization: &off},
	})
	require.NoError(t, err)
	assert.False(t, tasks[0].Options.EnableVectorization)
}

func TestSubmitDefaults(t *testing.T) {
	st := newMemStore()
	broker := newMemBroker()
	svc := NewService(st, broker, nil)

	tasks, err := svc.Submit(Request{UserID: "user-1", FileURLs: []string{"local:///uploads/a.pdf"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.True(t, task.Options.EnableVectorization)
	assert.Equal(t, types.StoragePolicyTemporary, task.Options.StoragePolicy)
	assert.Equal(t, "a.pdf", task.OriginalFilename)

	// The enqueued args carry the resolved options
	msgs := broker.messages[types.QueueParse]
	require.Len(t, msgs, 1)
	var args types.ParseArgs
	require.NoError(t, json.Unmarshal(msgs[0].Args, &args))
	assert.True(t, args.Options.EnableVectorization)
}

func TestSubmitValidation(t *testing.T) {
	limit := -1.0
	tests := []struct {
		name string
		req  Request
	}{
		{"missing user", Request{FileURLs: []string{"local:///a.pdf"}}},
		{"no file urls", Request{UserID: "u"}},
		{"empty file url", Request{UserID: "u", FileURLs: []string{"local:///a.pdf", "  "}}},
		{"bad storage policy", Request{UserID: "u", FileURLs: []string{"local:///a.pdf"},
			Options: &Options{StoragePolicy: "forever"}}},
		{"bad extraction mode", Request{UserID: "u", FileURLs: []string{"local:///a.pdf"},
			Options: &Options{StoragePolicy: types.StoragePolicyTemporary, ExtractionMode: "verbose"}}},
		{"custom mode without prompt", Request{UserID: "u", FileURLs: []string{"local:///a.pdf"},
			Options: &Options{StoragePolicy: types.StoragePolicyTemporary, ExtractionMode: types.ExtractionModeCustom}}},
		{"non-positive cost limit", Request{UserID: "u", FileURLs: []string{"local:///a.pdf"},
			Options: &Options{StoragePolicy: types.StoragePolicyTemporary, MaxCostLimitUSD: &limit}}},
		{"overlap not below chunk size", Request{UserID: "u", FileURLs: []string{"local:///a.pdf"},
			Options: &Options{StoragePolicy: types.StoragePolicyTemporary, ChunkSize: 100, ChunkOverlap: 100}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newMemStore(), newMemBroker(), nil)
			_, err := svc.Submit(tt.req)
			assert.Error(t, err)
		})
	}
}

func TestSubmitCostPreGate(t *testing.T) {
	limit := 0.0001
	st := newMemStore()
	broker := newMemBroker()
	svc := NewService(st, broker, nil)

	_, err := svc.Submit(Request{
		UserID:        "user-1",
		FileURLs:      []string{"local:///huge.pdf"},
		FileSizeBytes: 50 * 1024 * 1024,
		Options:       &Options{StoragePolicy: types.StoragePolicyTemporary, MaxCostLimitUSD: &limit},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, cost.ErrCostLimitExceeded)
	assert.Empty(t, broker.messages[types.QueueParse], "rejected submission must not enqueue")
	assert.Empty(t, st.tasks, "rejected submission must not persist a task")
}

func TestSubmitQueueSaturated(t *testing.T) {
	st := newMemStore()
	broker := newMemBroker()
	broker.full = true
	svc := NewService(st, broker, nil)

	_, err := svc.Submit(Request{UserID: "u", FileURLs: []string{"local:///a.pdf"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrSaturated)
}

func TestCancel(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, newMemBroker(), nil)

	tasks, err := svc.Submit(Request{UserID: "u", FileURLs: []string{"local:///a.pdf"}})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	cancelled, err := svc.Cancel(tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, cancelled.Status)

	// Terminal tasks cannot be cancelled again
	_, err = svc.Cancel(tasks[0].ID)
	assert.ErrorIs(t, err, store.ErrPreconditionFailed)
}

