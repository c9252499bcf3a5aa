package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docflowhq/docflow/pkg/blob"
	"github.com/docflowhq/docflow/pkg/lifecycle"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// defaultCleanupBatch caps how many expired files one run processes.
const defaultCleanupBatch = 100

// cleanupRescheduleDelay is the wait before re-checking an extraction
// directory whose children are still running.
const cleanupRescheduleDelay = 5 * time.Minute

// CleanupConfig tunes the cleanup stage.
type CleanupConfig struct {
	DataDir string
}

// CleanupHandler removes expired files and spent extraction directories.
// Both modes are idempotent: deleting something already gone succeeds.
type CleanupHandler struct {
	store store.Store
	blob  blob.ObjectStore
	cfg   CleanupConfig
}

// NewCleanupHandler creates the cleanup stage handler.
func NewCleanupHandler(st store.Store, objects blob.ObjectStore, cfg CleanupConfig) *CleanupHandler {
	return &CleanupHandler{store: st, blob: objects, cfg: cfg}
}

// Handle implements Handler for the cleanup queue.
func (h *CleanupHandler) Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
	var args types.CleanupArgs
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, Fail(KindValidation, fmt.Errorf("failed to decode cleanup args: %w", err))
		}
	}

	switch args.Mode {
	case types.CleanupModeExpired, "":
		return h.handleExpired(task, args)
	case types.CleanupModeExtraction:
		return h.handleExtraction(task, args)
	default:
		return nil, Fail(KindValidation, fmt.Errorf("unknown cleanup mode: %s", args.Mode))
	}
}

// handleExpired removes files whose retention window has lapsed, one
// batch per run.
func (h *CleanupHandler) handleExpired(task *types.Task, args types.CleanupArgs) (*Outcome, error) {
	logger := log.WithComponent("cleanup").With().Str("task_id", task.ID).Logger()

	batch := args.BatchSize
	if batch <= 0 {
		batch = defaultCleanupBatch
	}

	files, err := h.store.ListExpiredFiles(time.Now(), batch)
	if err != nil {
		return nil, Retry(KindStorage, fmt.Errorf("failed to list expired files: %w", err))
	}

	results := types.CleanupResults{CleanupCompleted: true}
	for _, f := range files {
		results.Processed++
		if args.DryRun {
			continue
		}

		if err := h.blob.Delete(f.StoragePath); err != nil {
			results.Errors = append(results.Errors, fmt.Sprintf("%s: %v", f.StoragePath, err))
			continue
		}
		if err := h.store.DeleteFile(f.ID); err != nil {
			results.Errors = append(results.Errors, fmt.Sprintf("%s: %v", f.ID, err))
			continue
		}
		results.Deleted++
		results.BytesFreed += f.FileSizeBytes
	}

	if !args.DryRun {
		metrics.CleanupFilesDeleted.Add(float64(results.Deleted))
		metrics.CleanupBytesFreed.Add(float64(results.BytesFreed))
	}

	logger.Info().
		Int("processed", results.Processed).
		Int("deleted", results.Deleted).
		Int64("bytes_freed", results.BytesFreed).
		Bool("dry_run", args.DryRun).
		Msg("expired file sweep complete")

	out, err := json.Marshal(results)
	if err != nil {
		return nil, Fail(KindValidation, err)
	}
	return &Outcome{Results: out}, nil
}

// handleExtraction removes an archive's extraction directory once every
// child task is terminal. While children are still running it completes
// without deleting and schedules a fresh check.
func (h *CleanupHandler) handleExtraction(task *types.Task, args types.CleanupArgs) (*Outcome, error) {
	logger := log.WithComponent("cleanup").With().
		Str("task_id", task.ID).
		Str("parent_id", args.ParentID).
		Logger()

	if args.ExtractionDir == "" || args.ParentID == "" {
		return nil, Fail(KindValidation, fmt.Errorf("extraction cleanup requires extraction_dir and parent_id"))
	}

	children, err := h.store.ListChildren(args.ParentID)
	if err != nil {
		return nil, Retry(KindStorage, fmt.Errorf("failed to list children: %w", err))
	}

	active := 0
	for _, c := range children {
		if c.Type == types.TaskTypeParse && !lifecycle.Terminal(c.Status) {
			active++
		}
	}
	if active > 0 {
		logger.Info().Int("active_children", active).Msg("children still running, rescheduling")
		results, err := json.Marshal(types.CleanupResults{
			CleanupCompleted: false,
			Reason:           fmt.Sprintf("%d children still active", active),
		})
		if err != nil {
			return nil, Fail(KindValidation, err)
		}
		// A completed task cannot be re-claimed, so the recheck is a new
		// task with the same arguments.
		return &Outcome{
			Results: results,
			FollowUps: []FollowUp{{
				Task:  newCleanupTask(task.UserID, args.ParentID),
				Queue: types.QueueCleanup,
				Args:  args,
				Delay: cleanupRescheduleDelay,
			}},
		}, nil
	}

	if err := h.removeExtractionDir(args.ExtractionDir); err != nil {
		return nil, Fail(KindValidation, err)
	}

	logger.Info().Str("dir", args.ExtractionDir).Msg("extraction directory removed")
	results, err := json.Marshal(types.CleanupResults{CleanupCompleted: true})
	if err != nil {
		return nil, Fail(KindValidation, err)
	}
	return &Outcome{Results: results}, nil
}

// removeExtractionDir deletes a directory, refusing anything outside the
// extraction root.
func (h *CleanupHandler) removeExtractionDir(dir string) error {
	root := filepath.Join(h.cfg.DataDir, "extractions")
	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to remove directory outside extraction root: %s", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove extraction directory: %w", err)
	}
	return nil
}
