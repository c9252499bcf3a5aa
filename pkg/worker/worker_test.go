package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/events"
	"github.com/docflowhq/docflow/pkg/lifecycle"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	m.Run()
}

// fakeStore is an in-memory Store for runtime tests.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[string]*types.Task
	files map[string]*types.FileMetadata
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[string]*types.Task),
		files: make(map[string]*types.FileMetadata),
	}
}

func (f *fakeStore) CreateTask(task *types.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = types.TaskStatusPending
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	copied := *task
	f.tasks[task.ID] = &copied
	return nil
}

func (f *fakeStore) GetTask(id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	copied := *task
	return &copied, nil
}

func (f *fakeStore) ListTasksByUser(userID string, filter store.TaskFilter, page, size int) ([]*types.Task, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Task
	for _, t := range f.tasks {
		if t.UserID == userID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, len(out), nil
}

func (f *fakeStore) ListChildren(parentID string) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Task
	for _, t := range f.tasks {
		if t.ParentID == parentID {
			copied := *t
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateStatus(id string, status types.TaskStatus, update store.StatusUpdate) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}

	if len(update.ExpectedFrom) > 0 {
		matched := false
		for _, from := range update.ExpectedFrom {
			if task.Status == from {
				matched = true
			}
		}
		if !matched && update.ReclaimAfter > 0 && task.Status == types.TaskStatusProcessing &&
			time.Since(task.UpdatedAt) > update.ReclaimAfter {
			matched = true
		}
		if !matched {
			return nil, fmt.Errorf("task %s is %s: %w", id, task.Status, store.ErrPreconditionFailed)
		}
	}
	if task.Status != status {
		if err := lifecycle.Validate(task.Status, status); err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		task.Status = status
		task.UpdatedAt = now
		if lifecycle.Terminal(status) {
			task.CompletedAt = &now
		}
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
	copied := *task
	return &copied, nil
}

func (f *fakeStore) BulkCreate(tasks []*types.Task, files []*types.FileMetadata) error {
	for _, t := range tasks {
		if err := f.CreateTask(t); err != nil {
			return err
		}
	}
	for _, file := range files {
		if err := f.CreateFile(file); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeStore) CountByStatus(filter store.TaskFilter) (map[types.TaskStatus]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[types.TaskStatus]int)
	for _, t := range f.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (f *fakeStore) CreateFile(file *types.FileMetadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	copied := *file
	f.files[file.ID] = &copied
	return nil
}

func (f *fakeStore) GetFile(id string) (*types.FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *file
	return &copied, nil
}

func (f *fakeStore) ListFilesByTask(taskID string) ([]*types.FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.FileMetadata
	for _, file := range f.files {
		if file.TaskID == taskID {
			copied := *file
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) ListExpiredFiles(now time.Time, limit int) ([]*types.FileMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.FileMetadata
	for _, file := range f.files {
		if limit > 0 && len(out) >= limit {
			break
		}
		if file.StoragePolicy == types.StoragePolicyTemporary && file.ExpiresAt != nil && file.ExpiresAt.Before(now) {
			copied := *file
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteFile(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.files, id)
	return nil
}

func (f *fakeStore) Close() error { return nil }

// fakeBroker is an in-memory Broker recording enqueue/ack activity.
type fakeBroker struct {
	mu       sync.Mutex
	enqueued map[types.QueueName][]types.Message
	delays   map[string]time.Duration
	acked    []string
	nacked   []string
	dead     []string
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		enqueued: make(map[types.QueueName][]types.Message),
		delays:   make(map[string]time.Duration),
	}
}

func (f *fakeBroker) Enqueue(q types.QueueName, msg types.Message) error {
	return f.EnqueueAfter(q, msg, 0)
}

func (f *fakeBroker) EnqueueAfter(q types.QueueName, msg types.Message, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.Queue = q
	f.enqueued[q] = append(f.enqueued[q], msg)
	f.delays[msg.ID] = delay
	return nil
}

func (f *fakeBroker) Dequeue(ctx context.Context, q types.QueueName) (*queue.Delivery, error) {
	return nil, context.DeadlineExceeded
}

func (f *fakeBroker) Ack(msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, msgID)
	return nil
}

func (f *fakeBroker) Nack(msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, msgID)
	return nil
}

func (f *fakeBroker) MoveToDeadLetter(msgID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = append(f.dead, msgID)
	return nil
}

func (f *fakeBroker) Depth(q types.QueueName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued[q])
}

func (f *fakeBroker) DeadLetters(q types.QueueName) []types.Message { return nil }
func (f *fakeBroker) Saturated(q types.QueueName) bool              { return false }
func (f *fakeBroker) Close() error                                  { return nil }

// handlerFunc adapts a func to Handler.
type handlerFunc func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error)

func (h handlerFunc) Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
	return h(ctx, task, msg)
}

func newTestWorker(st store.Store, broker queue.Broker) *Worker {
	return NewWorker(Config{
		Concurrency:     1,
		PerStageTimeout: time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      10 * time.Millisecond,
	}, st, broker, nil)
}

func pendingTask(t *testing.T, st store.Store, taskType types.TaskType) *types.Task {
	t.Helper()
	task := &types.Task{UserID: "user-1", Type: taskType}
	require.NoError(t, st.CreateTask(task))
	return task
}

func TestProcessSuccess(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		cost := 0.01
		return &Outcome{
			Results:       []byte(`{"summary":"ok"}`),
			ActualCostUSD: &cost,
		}, nil
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	msg := types.Message{ID: "m1", TaskID: task.ID}
	w.process(types.QueueParse, &queue.Delivery{Message: msg})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	assert.JSONEq(t, `{"summary":"ok"}`, string(got.Results))
	require.NotNil(t, got.ActualCostUSD)
	assert.Contains(t, broker.acked, "m1")
	assert.Empty(t, broker.dead)
}

func TestProcessFollowUpsAfterCompletion(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		child := &types.Task{UserID: task.UserID, ParentID: task.ID, Type: types.TaskTypeVectorize}
		return &Outcome{
			Results: []byte(`{"text":"content"}`),
			FollowUps: []FollowUp{{
				Task:  child,
				Queue: types.QueueVectorize,
				Args:  types.VectorizeArgs{UserID: task.UserID},
			}},
		}, nil
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	require.Len(t, broker.enqueued[types.QueueVectorize], 1)
	followUp := broker.enqueued[types.QueueVectorize][0]
	children, err := st.ListChildren(task.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, children[0].ID, followUp.TaskID)
	assert.Equal(t, types.TaskTypeVectorize, children[0].Type)
}

func TestProcessTerminalRedeliveryIsNoop(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	calls := 0
	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		calls++
		return &Outcome{Results: []byte(`{}`)}, nil
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	msg := types.Message{ID: "m1", TaskID: task.ID}
	w.process(types.QueueParse, &queue.Delivery{Message: msg})
	require.Equal(t, 1, calls)

	// Redelivery of the same message: claim fails, handler not run, ack only
	redelivered := types.Message{ID: "m2", TaskID: task.ID, Attempts: 2}
	w.process(types.QueueParse, &queue.Delivery{Message: redelivered})
	assert.Equal(t, 1, calls)
	assert.Contains(t, broker.acked, "m2")
	assert.Empty(t, broker.dead)

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCompleted, got.Status)
	// No duplicate follow-ups
	assert.Empty(t, broker.enqueued[types.QueueVectorize])
}

func TestProcessRetryableFailure(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		return nil, Retry(KindProvider, errors.New("rate limited"))
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "rate limited", got.ErrorMessage)

	// A retry message was enqueued with a delay and the original was acked
	require.Len(t, broker.enqueued[types.QueueParse], 1)
	retryMsg := broker.enqueued[types.QueueParse][0]
	assert.Equal(t, task.ID, retryMsg.TaskID)
	assert.Greater(t, broker.delays[retryMsg.ID], time.Duration(0))
	assert.Contains(t, broker.acked, "m1")
	assert.Empty(t, broker.dead)
}

func TestProcessRetryBudgetExhausted(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		return nil, Retry(KindProvider, errors.New("still failing"))
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	// Simulate prior retries at the budget
	for i := 0; i < 3; i++ {
		_, err := st.UpdateStatus(task.ID, types.TaskStatusProcessing, store.StatusUpdate{})
		require.NoError(t, err)
		_, err = st.UpdateStatus(task.ID, types.TaskStatusRetrying, store.StatusUpdate{IncrementRetry: true})
		require.NoError(t, err)
	}

	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m-last", TaskID: task.ID}})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, "still failing", got.ErrorMessage)
	assert.Contains(t, broker.dead, "m-last")
}

func TestProcessNonRetryableFailure(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		return nil, &HandlerError{
			Kind:    KindCostLimit,
			Err:     errors.New("cost limit exceeded"),
			Results: []byte(`{"error_code":"COST_LIMIT_EXCEEDED"}`),
		}
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.JSONEq(t, `{"error_code":"COST_LIMIT_EXCEEDED"}`, string(got.Results))
	assert.Contains(t, broker.dead, "m1")
	assert.Empty(t, broker.enqueued[types.QueueParse])
}

func TestProcessPublishesStageMilestones(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	eventBroker := events.NewBroker()
	eventBroker.Start()
	defer eventBroker.Stop()
	sub := eventBroker.Subscribe()
	defer eventBroker.Unsubscribe(sub)

	w := NewWorker(Config{
		Concurrency:     1,
		PerStageTimeout: time.Second,
		MaxRetries:      3,
		BackoffBase:     time.Millisecond,
		BackoffCap:      10 * time.Millisecond,
	}, st, broker, eventBroker)

	w.Register(types.QueueArchive, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		return &Outcome{Results: []byte(`{"total":1,"valid":1}`)}, nil
	}))

	task := pendingTask(t, st, types.TaskTypeArchive)
	w.process(types.QueueArchive, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	seen := map[events.EventType]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.EventArchiveExtracted] {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-deadline:
			t.Fatalf("timed out waiting for archive milestone, saw %v", seen)
		}
	}
	if !seen[events.EventTaskCompleted] {
		t.Errorf("completion event not published alongside the milestone")
	}
}

func TestProcessSecurityFailureRecordsErrorCode(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	// A rejected archive surfaces as a tagged failure with no payload;
	// the runtime must still write a user-visible error code.
	w.Register(types.QueueArchive, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		return nil, Fail(KindSecurity, fmt.Errorf("%w: declared total 2147483648 bytes exceeds limit", archive.ErrZipBomb))
	}))

	task := pendingTask(t, st, types.TaskTypeArchive)
	w.process(types.QueueArchive, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	require.NotEmpty(t, got.Results)

	var results map[string]string
	require.NoError(t, json.Unmarshal(got.Results, &results))
	assert.Equal(t, CodeSecurityViolation, results["error_code"])
	assert.Contains(t, results["error"], "zip bomb")
	assert.Contains(t, broker.dead, "m1")
}

func TestProcessCancelledBeforeHandler(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)

	calls := 0
	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		calls++
		return &Outcome{}, nil
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	_, err := st.UpdateStatus(task.ID, types.TaskStatusCancelled, store.StatusUpdate{})
	require.NoError(t, err)

	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})
	assert.Equal(t, 0, calls)
	assert.Contains(t, broker.acked, "m1")

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

func TestProcessMissingTask(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)
	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		t.Fatal("handler must not run for a missing task")
		return nil, nil
	}))

	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: "ghost"}})
	assert.Contains(t, broker.acked, "m1")
}

func TestProcessHandlerPanicFails(t *testing.T) {
	st := newFakeStore()
	broker := newFakeBroker()
	w := newTestWorker(st, broker)
	w.Register(types.QueueParse, handlerFunc(func(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
		panic("boom")
	}))

	task := pendingTask(t, st, types.TaskTypeParse)
	w.process(types.QueueParse, &queue.Delivery{Message: types.Message{ID: "m1", TaskID: task.ID}})

	got, err := st.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "panic")
}
