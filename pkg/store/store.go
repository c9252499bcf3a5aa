package store

import (
	"errors"
	"time"

	"github.com/docflowhq/docflow/pkg/types"
)

var (
	// ErrNotFound is returned when a task or file row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional status update
	// does not match the expected source status. Callers treat this as
	// "someone else owns the task" and skip.
	ErrPreconditionFailed = errors.New("status precondition failed")
)

// StatusUpdate carries the optional fields written alongside a status
// transition.
type StatusUpdate struct {
	// ExpectedFrom restricts the transition to tasks currently in one of
	// these statuses. Empty means any current status (the transition
	// table still applies).
	ExpectedFrom []types.TaskStatus

	// ReclaimAfter, when non-zero, additionally allows claiming a task
	// stuck in processing whose updated_at is older than this duration.
	// Used by workers recovering from a lost peer.
	ReclaimAfter time.Duration

	ErrorMessage   string
	Results        []byte
	ActualCostUSD  *float64
	TokenUsage     *types.TokenUsage
	IncrementRetry bool
}

// TaskFilter narrows ListByUser results.
type TaskFilter struct {
	Status types.TaskStatus
	Type   types.TaskType
}

// Store defines the interface for durable pipeline state.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasksByUser(userID string, filter TaskFilter, page, size int) ([]*types.Task, int, error)
	ListChildren(parentID string) ([]*types.Task, error)
	UpdateStatus(id string, status types.TaskStatus, update StatusUpdate) (*types.Task, error)
	BulkCreate(tasks []*types.Task, files []*types.FileMetadata) error
	CountByStatus(filter TaskFilter) (map[types.TaskStatus]int, error)

	// Files
	CreateFile(file *types.FileMetadata) error
	GetFile(id string) (*types.FileMetadata, error)
	ListFilesByTask(taskID string) ([]*types.FileMetadata, error)
	ListExpiredFiles(now time.Time, limit int) ([]*types.FileMetadata, error)
	DeleteFile(id string) error

	// Utility
	Close() error
}
