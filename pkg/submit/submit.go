package submit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/docflowhq/docflow/pkg/cost"
	"github.com/docflowhq/docflow/pkg/events"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/queue"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
)

// Request is one document submission. FileSizeBytes is optional and
// comes from the upload flow when known; zero means unknown and skips
// the submission-time cost gate.
type Request struct {
	UserID        string
	FileURLs      []string
	FileSizeBytes int64
	Options       *Options
}

// Options are the caller-supplied overrides. Nil and zero fields keep
// the documented defaults, so a caller setting only model_name still
// gets vectorization and temporary storage.
type Options struct {
	EnableVectorization *bool
	StoragePolicy       types.StoragePolicy
	MaxCostLimitUSD     *float64
	LLMProvider         string
	ModelName           string
	ExtractionMode      types.ExtractionMode
	CustomPrompt        string
	ChunkSize           int
	ChunkOverlap        int
	EmbeddingModel      string
}

// Service accepts submissions, dispatches them to the right stage
// queues, and answers status queries.
type Service struct {
	store     store.Store
	broker    queue.Broker
	estimator *cost.Estimator
	events    *events.Broker
}

// NewService creates the submission service.
func NewService(st store.Store, broker queue.Broker, eventBroker *events.Broker) *Service {
	return &Service{
		store:     st,
		broker:    broker,
		estimator: cost.NewEstimator(),
		events:    eventBroker,
	}
}

// Submit validates a request, persists the tasks, and enqueues them.
// A lone ZIP URL becomes the archive task; a ZIP mixed with other URLs
// is rejected; otherwise each URL becomes its own parse task. Tasks
// are durable before their messages are visible to workers.
func (s *Service) Submit(req Request) ([]*types.Task, error) {
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if len(req.FileURLs) == 0 {
		return nil, fmt.Errorf("at least one file_url is required")
	}
	for _, u := range req.FileURLs {
		if strings.TrimSpace(u) == "" {
			return nil, fmt.Errorf("file_url must not be empty")
		}
	}

	opts := defaultOptions()
	if req.Options != nil {
		opts = mergeOptions(opts, *req.Options)
	}
	if err := validateOptions(opts); err != nil {
		return nil, err
	}

	if zipURL := firstZip(req.FileURLs); zipURL != "" {
		// An archive already fans out into per-file tasks; accepting
		// extra URLs beside it would silently drop them.
		if len(req.FileURLs) > 1 {
			return nil, fmt.Errorf("a zip archive must be submitted on its own, got %d file urls", len(req.FileURLs))
		}
		task, err := s.submitOne(types.TaskTypeArchive, types.QueueArchive, zipURL, opts, req)
		if err != nil {
			return nil, err
		}
		return []*types.Task{task}, nil
	}

	tasks := make([]*types.Task, 0, len(req.FileURLs))
	for _, u := range req.FileURLs {
		task, err := s.submitOne(types.TaskTypeParse, types.QueueParse, u, opts, req)
		if err != nil {
			return tasks, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (s *Service) submitOne(taskType types.TaskType, queueName types.QueueName, fileURL string, opts types.Options, req Request) (*types.Task, error) {
	filename := filepath.Base(fileURL)

	// A size-based pre-gate catches obviously over-budget documents
	// before any task exists. Unknown sizes are gated at parse time.
	if taskType == types.TaskTypeParse && req.FileSizeBytes > 0 && opts.MaxCostLimitUSD != nil {
		est := s.estimator.Estimate(cost.Request{
			Filename:      filename,
			FileSizeBytes: req.FileSizeBytes,
			Model:         opts.ModelName,
			Provider:      opts.LLMProvider,
		})
		if err := s.estimator.Gate(est, opts.MaxCostLimitUSD); err != nil {
			metrics.CostGateRejections.Inc()
			return nil, fmt.Errorf("submission rejected: %w", err)
		}
	}

	if s.broker.Saturated(queueName) {
		logger := log.WithComponent("submit")
		logger.Warn().
			Str("queue", string(queueName)).
			Int("depth", s.broker.Depth(queueName)).
			Msg("queue above soft limit, accepting anyway")
	}

	task := &types.Task{
		UserID:           req.UserID,
		Type:             taskType,
		Status:           types.TaskStatusPending,
		FileURL:          fileURL,
		OriginalFilename: filename,
		Options:          opts,
	}
	if err := s.store.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to persist task: %w", err)
	}
	metrics.TasksCreated.WithLabelValues(string(taskType)).Inc()

	var args []byte
	var err error
	if taskType == types.TaskTypeArchive {
		args, err = json.Marshal(types.ArchiveArgs{FileURL: fileURL, UserID: req.UserID, Options: opts})
	} else {
		args, err = json.Marshal(types.ParseArgs{FileURL: fileURL, UserID: req.UserID, Options: opts})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode message args: %w", err)
	}

	msg := types.Message{
		TaskID:        task.ID,
		CorrelationID: uuid.New().String(),
		Args:          args,
	}
	if err := s.broker.Enqueue(queueName, msg); err != nil {
		// The task row stays pending; a later resubmission or operator
		// requeue picks it up.
		return nil, fmt.Errorf("failed to enqueue task %s: %w", task.ID, err)
	}
	metrics.MessagesEnqueued.WithLabelValues(string(queueName)).Inc()

	s.publish(events.EventTaskCreated, task)
	logger := log.WithComponent("submit")
	logger.Info().
		Str("task_id", task.ID).
		Str("type", string(taskType)).
		Str("filename", filename).
		Msg("task submitted")
	return task, nil
}

// Get returns one task by ID.
func (s *Service) Get(id string) (*types.Task, error) {
	return s.store.GetTask(id)
}

// List returns a page of a user's tasks, newest first.
func (s *Service) List(userID string, filter store.TaskFilter, page, size int) ([]*types.Task, int, error) {
	return s.store.ListTasksByUser(userID, filter, page, size)
}

// Cancel marks a non-terminal task cancelled. Running handlers observe
// the cancellation at their next checkpoint; terminal tasks are left
// untouched.
func (s *Service) Cancel(id string) (*types.Task, error) {
	task, err := s.store.UpdateStatus(id, types.TaskStatusCancelled, store.StatusUpdate{
		ExpectedFrom: []types.TaskStatus{
			types.TaskStatusPending,
			types.TaskStatusProcessing,
			types.TaskStatusRetrying,
		},
	})
	if err != nil {
		return nil, err
	}
	s.publish(events.EventTaskCancelled, task)
	return task, nil
}

func (s *Service) publish(eventType events.EventType, task *types.Task) {
	if s.events == nil {
		return
	}
	s.events.Publish(&events.Event{
		Type:   eventType,
		TaskID: task.ID,
		UserID: task.UserID,
	})
}

func firstZip(urls []string) string {
	for _, u := range urls {
		if strings.EqualFold(filepath.Ext(u), ".zip") {
			return u
		}
	}
	return ""
}

// defaultOptions returns the documented submission defaults.
func defaultOptions() types.Options {
	return types.Options{
		EnableVectorization: true,
		StoragePolicy:       types.StoragePolicyTemporary,
	}
}

// mergeOptions overlays caller-supplied options onto the defaults.
func mergeOptions(base types.Options, in Options) types.Options {
	out := base
	if in.EnableVectorization != nil {
		out.EnableVectorization = *in.EnableVectorization
	}
	if in.StoragePolicy != "" {
		out.StoragePolicy = in.StoragePolicy
	}
	out.MaxCostLimitUSD = in.MaxCostLimitUSD
	out.LLMProvider = in.LLMProvider
	out.ModelName = in.ModelName
	out.ExtractionMode = in.ExtractionMode
	out.CustomPrompt = in.CustomPrompt
	out.ChunkSize = in.ChunkSize
	out.ChunkOverlap = in.ChunkOverlap
	out.EmbeddingModel = in.EmbeddingModel
	return out
}

// validateOptions rejects unknown enum values and inconsistent settings.
func validateOptions(opts types.Options) error {
	switch opts.StoragePolicy {
	case types.StoragePolicyPermanent, types.StoragePolicyTemporary:
	default:
		return fmt.Errorf("unknown storage_policy: %s", opts.StoragePolicy)
	}

	switch opts.ExtractionMode {
	case "", types.ExtractionModeStructured, types.ExtractionModeSummary, types.ExtractionModeFullText:
	case types.ExtractionModeCustom:
		if strings.TrimSpace(opts.CustomPrompt) == "" {
			return fmt.Errorf("custom extraction mode requires custom_prompt")
		}
	default:
		return fmt.Errorf("unknown extraction_mode: %s", opts.ExtractionMode)
	}

	if opts.MaxCostLimitUSD != nil && *opts.MaxCostLimitUSD <= 0 {
		return fmt.Errorf("max_cost_limit must be positive")
	}
	if opts.ChunkSize < 0 || opts.ChunkOverlap < 0 {
		return fmt.Errorf("chunk_size and chunk_overlap must not be negative")
	}
	if opts.ChunkSize > 0 && opts.ChunkOverlap >= opts.ChunkSize {
		return fmt.Errorf("chunk_overlap must be smaller than chunk_size")
	}
	return nil
}
