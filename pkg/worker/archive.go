package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docflowhq/docflow/pkg/archive"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// LocalScheme prefixes file URLs that point into the local object store
// or filesystem.
const LocalScheme = "local://"

// extractionCleanupDelay is how long after fan-out the extraction
// directory cleanup first runs.
const extractionCleanupDelay = 5 * time.Minute

// ArchiveConfig tunes the archive stage.
type ArchiveConfig struct {
	DataDir         string
	MaxArchiveBytes int64
	TempFileTTL     time.Duration
}

// ArchiveHandler validates an uploaded ZIP, extracts its valid entries,
// and fans out one parse task per entry. Children are durably created
// and their messages enqueued before the runtime completes the parent.
type ArchiveHandler struct {
	store     store.Store
	broker    queue.Broker
	extractor *archive.Extractor
	client    *http.Client
	cfg       ArchiveConfig
}

// NewArchiveHandler creates the archive stage handler.
func NewArchiveHandler(st store.Store, broker queue.Broker, extractor *archive.Extractor, cfg ArchiveConfig) *ArchiveHandler {
	if cfg.MaxArchiveBytes <= 0 {
		cfg.MaxArchiveBytes = 500 * 1024 * 1024
	}
	if cfg.TempFileTTL <= 0 {
		cfg.TempFileTTL = 24 * time.Hour
	}
	return &ArchiveHandler{
		store:     st,
		broker:    broker,
		extractor: extractor,
		client:    &http.Client{Timeout: 5 * time.Minute},
		cfg:       cfg,
	}
}

// Handle implements Handler for the archive queue.
func (h *ArchiveHandler) Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
	logger := log.WithComponent("archive").With().Str("task_id", task.ID).Logger()

	var args types.ArchiveArgs
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, Fail(KindValidation, fmt.Errorf("failed to decode archive args: %w", err))
		}
	}
	fileURL := args.FileURL
	if fileURL == "" {
		fileURL = task.FileURL
	}
	if fileURL == "" {
		return nil, Fail(KindValidation, fmt.Errorf("archive task has no file URL"))
	}

	// A redelivered message for a parent that already fanned out must not
	// create a second batch of children.
	existing, err := h.store.ListChildren(task.ID)
	if err != nil {
		return nil, Retry(KindStorage, fmt.Errorf("failed to list children: %w", err))
	}
	if len(existing) > 0 {
		logger.Info().Int("children", len(existing)).Msg("children already exist, skipping fan-out")
		return h.outcomeFromChildren(existing)
	}

	localPath, cleanupDownload, err := h.fetch(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	defer cleanupDownload()

	if err := os.MkdirAll(h.extractionRoot(), 0755); err != nil {
		return nil, Retry(KindStorage, fmt.Errorf("failed to create extraction root: %w", err))
	}
	result, err := h.extractor.Extract(localPath, h.extractionRoot())
	if err != nil {
		return nil, err
	}

	tasks, files, invalid := h.buildChildren(task, result)
	metrics.ArchiveFilesExtracted.Add(float64(len(tasks)))
	metrics.ArchiveFilesRejected.Add(float64(len(invalid)))

	if len(tasks) == 0 {
		os.RemoveAll(result.Dir)
		return nil, Fail(KindValidation, fmt.Errorf("%w", archive.ErrEmptyArchive))
	}

	if err := h.store.BulkCreate(tasks, files); err != nil {
		os.RemoveAll(result.Dir)
		return nil, Retry(KindStorage, fmt.Errorf("failed to create child tasks: %w", err))
	}
	for _, child := range tasks {
		metrics.TasksCreated.WithLabelValues(string(child.Type)).Inc()
	}

	// Children are enqueued before the parent is marked completed so a
	// completed parent always implies queued children.
	childIDs := make([]string, 0, len(tasks))
	for _, child := range tasks {
		childIDs = append(childIDs, child.ID)
		childArgs, _ := json.Marshal(types.ParseArgs{
			FileURL: child.FileURL,
			UserID:  child.UserID,
			Options: child.Options,
			Source:  types.SourceArchiveExtraction,
		})
		err := h.broker.Enqueue(types.QueueParse, types.Message{
			TaskID:        child.ID,
			CorrelationID: msg.CorrelationID,
			Args:          childArgs,
		})
		if err != nil {
			logger.Error().Err(err).Str("child_id", child.ID).Msg("failed to enqueue child")
			return nil, Retry(KindStorage, fmt.Errorf("failed to enqueue child %s: %w", child.ID, err))
		}
		metrics.MessagesEnqueued.WithLabelValues(string(types.QueueParse)).Inc()
	}

	summary := types.ArchiveResults{
		Total:        len(result.Entries),
		Valid:        len(tasks),
		Invalid:      len(invalid),
		ChildIDs:     childIDs,
		InvalidFiles: invalid,
	}
	resultsJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, Fail(KindValidation, fmt.Errorf("failed to encode archive results: %w", err))
	}

	logger.Info().
		Int("total", summary.Total).
		Int("valid", summary.Valid).
		Int("invalid", summary.Invalid).
		Msg("archive fan-out complete")

	cleanupArgs := types.CleanupArgs{
		Mode:          types.CleanupModeExtraction,
		ExtractionDir: result.Dir,
		ParentID:      task.ID,
	}
	return &Outcome{
		Results: resultsJSON,
		FollowUps: []FollowUp{{
			Task:  newCleanupTask(task.UserID, task.ID),
			Queue: types.QueueCleanup,
			Args:  cleanupArgs,
			Delay: extractionCleanupDelay,
		}},
	}, nil
}

// outcomeFromChildren reconstructs the fan-out summary from already
// created children on redelivery.
func (h *ArchiveHandler) outcomeFromChildren(children []*types.Task) (*Outcome, error) {
	ids := make([]string, 0, len(children))
	for _, c := range children {
		if c.Type == types.TaskTypeParse {
			ids = append(ids, c.ID)
		}
	}
	summary := types.ArchiveResults{
		Total:    len(ids),
		Valid:    len(ids),
		ChildIDs: ids,
	}
	resultsJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, Fail(KindValidation, err)
	}
	return &Outcome{Results: resultsJSON}, nil
}

// buildChildren converts extracted entries into parse tasks and file
// rows. Invalid entries become the invalid-file report.
func (h *ArchiveHandler) buildChildren(parent *types.Task, result *archive.Result) ([]*types.Task, []*types.FileMetadata, []types.InvalidFile) {
	var tasks []*types.Task
	var files []*types.FileMetadata
	var invalid []types.InvalidFile

	expiresAt := time.Now().Add(h.cfg.TempFileTTL)
	for _, entry := range result.Entries {
		if !entry.Valid {
			invalid = append(invalid, types.InvalidFile{Name: entry.OriginalPath, Error: entry.Error})
			continue
		}

		child := &types.Task{
			ID:               uuid.New().String(),
			UserID:           parent.UserID,
			ParentID:         parent.ID,
			Type:             types.TaskTypeParse,
			Status:           types.TaskStatusPending,
			FileURL:          LocalScheme + entry.SafePath,
			OriginalFilename: filepath.Base(entry.OriginalPath),
			Options:          parent.Options,
		}
		tasks = append(tasks, child)

		files = append(files, &types.FileMetadata{
			TaskID:           child.ID,
			OriginalFilename: child.OriginalFilename,
			FileType:         entry.Type,
			FileSizeBytes:    entry.Size,
			StoragePath:      entry.SafePath,
			StoragePolicy:    types.StoragePolicyTemporary,
			ExpiresAt:        &expiresAt,
		})
	}
	return tasks, files, invalid
}

// fetch resolves the archive to a local path, downloading when the URL
// is remote. The returned cleanup removes any temporary download.
func (h *ArchiveHandler) fetch(ctx context.Context, fileURL string) (string, func(), error) {
	noop := func() {}

	if strings.HasPrefix(fileURL, LocalScheme) {
		path := strings.TrimPrefix(fileURL, LocalScheme)
		if _, err := os.Stat(path); err != nil {
			return "", noop, Fail(KindNotFound, fmt.Errorf("archive file missing: %w", err))
		}
		return path, noop, nil
	}
	if !strings.HasPrefix(fileURL, "http://") && !strings.HasPrefix(fileURL, "https://") {
		if _, err := os.Stat(fileURL); err != nil {
			return "", noop, Fail(KindNotFound, fmt.Errorf("archive file missing: %w", err))
		}
		return fileURL, noop, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return "", noop, Fail(KindValidation, fmt.Errorf("invalid archive URL: %w", err))
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return "", noop, Retry(KindTransientIO, fmt.Errorf("failed to download archive: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return "", noop, Retry(KindTransientIO, fmt.Errorf("archive download returned %d", resp.StatusCode))
		}
		return "", noop, Fail(KindValidation, fmt.Errorf("archive download returned %d", resp.StatusCode))
	}
	if resp.ContentLength > h.cfg.MaxArchiveBytes {
		return "", noop, Fail(KindValidation,
			fmt.Errorf("archive size %d exceeds limit %d", resp.ContentLength, h.cfg.MaxArchiveBytes))
	}

	tmp, err := os.CreateTemp(h.cfg.DataDir, "archive-*.zip")
	if err != nil {
		return "", noop, Retry(KindStorage, fmt.Errorf("failed to create download file: %w", err))
	}
	cleanup := func() { os.Remove(tmp.Name()) }

	// Content-Length can lie; enforce the cap on actual bytes too.
	written, err := io.Copy(tmp, io.LimitReader(resp.Body, h.cfg.MaxArchiveBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		cleanup()
		return "", noop, Retry(KindTransientIO, fmt.Errorf("failed to download archive: %w", err))
	}
	if written > h.cfg.MaxArchiveBytes {
		cleanup()
		return "", noop, Fail(KindValidation,
			fmt.Errorf("archive stream exceeded limit %d bytes", h.cfg.MaxArchiveBytes))
	}
	return tmp.Name(), cleanup, nil
}

func (h *ArchiveHandler) extractionRoot() string {
	return filepath.Join(h.cfg.DataDir, "extractions")
}

// newCleanupTask creates a pending cleanup task owned by the same user.
func newCleanupTask(userID, parentID string) *types.Task {
	return &types.Task{
		ID:       uuid.New().String(),
		UserID:   userID,
		ParentID: parentID,
		Type:     types.TaskTypeCleanup,
		Status:   types.TaskStatusPending,
	}
}
