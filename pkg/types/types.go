package types

import (
	"encoding/json"
	"time"
)

// Task is the central unit of work. Every submission, every extracted
// archive entry, and every scheduled cleanup is tracked as one Task.
type Task struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	ParentID         string          `json:"parent_id,omitempty"`
	Type             TaskType        `json:"type"`
	Status           TaskStatus      `json:"status"`
	FileURL          string          `json:"file_url,omitempty"`
	OriginalFilename string          `json:"original_filename,omitempty"`
	Options          Options         `json:"options"`
	EstimatedCostUSD *float64        `json:"estimated_cost_usd,omitempty"`
	ActualCostUSD    *float64        `json:"actual_cost_usd,omitempty"`
	Results          json.RawMessage `json:"results,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	TokenUsage       *TokenUsage     `json:"token_usage,omitempty"`
	RetryCount       int             `json:"retry_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// TaskType identifies the processing stage a task belongs to.
type TaskType string

const (
	TaskTypeArchive   TaskType = "archive"
	TaskTypeParse     TaskType = "parse"
	TaskTypeVectorize TaskType = "vectorize"
	TaskTypeCleanup   TaskType = "cleanup"
)

// TaskStatus represents the authoritative state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusRetrying   TaskStatus = "retrying"
)

// TokenUsage records LLM token consumption for a completed extraction.
type TokenUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Options is the enumerated per-task configuration. Unknown keys are
// rejected at submission; stage handlers derive their subsets from here.
type Options struct {
	EnableVectorization bool           `json:"enable_vectorization" yaml:"enable_vectorization"`
	StoragePolicy       StoragePolicy  `json:"storage_policy" yaml:"storage_policy"`
	MaxCostLimitUSD     *float64       `json:"max_cost_limit,omitempty" yaml:"max_cost_limit,omitempty"`
	LLMProvider         string         `json:"llm_provider,omitempty" yaml:"llm_provider,omitempty"`
	ModelName           string         `json:"model_name,omitempty" yaml:"model_name,omitempty"`
	ExtractionMode      ExtractionMode `json:"extraction_mode,omitempty" yaml:"extraction_mode,omitempty"`
	CustomPrompt        string         `json:"custom_prompt,omitempty" yaml:"custom_prompt,omitempty"`
	ChunkSize           int            `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	ChunkOverlap        int            `json:"chunk_overlap,omitempty" yaml:"chunk_overlap,omitempty"`
	EmbeddingModel      string         `json:"embedding_model,omitempty" yaml:"embedding_model,omitempty"`
}

// StoragePolicy controls the retention of files owned by a task.
type StoragePolicy string

const (
	StoragePolicyPermanent StoragePolicy = "permanent"
	StoragePolicyTemporary StoragePolicy = "temporary"
)

// ExtractionMode selects the system prompt used by the parsing stage.
type ExtractionMode string

const (
	ExtractionModeStructured ExtractionMode = "structured"
	ExtractionModeSummary    ExtractionMode = "summary"
	ExtractionModeFullText   ExtractionMode = "full_text"
	ExtractionModeCustom     ExtractionMode = "custom"
)

// FileMetadata describes one file known to the system, either uploaded
// directly or extracted from an archive.
type FileMetadata struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"task_id"`
	OriginalFilename string        `json:"original_filename"`
	FileType         string        `json:"file_type"`
	FileSizeBytes    int64         `json:"file_size_bytes"`
	StoragePath      string        `json:"storage_path"`
	StoragePolicy    StoragePolicy `json:"storage_policy"`
	ExpiresAt        *time.Time    `json:"expires_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// QueueName identifies one of the four stage queues.
type QueueName string

const (
	QueueArchive   QueueName = "archive"
	QueueParse     QueueName = "parse"
	QueueVectorize QueueName = "vectorize"
	QueueCleanup   QueueName = "cleanup"
)

// Message is the envelope carried on every queue. Args is stage-specific.
type Message struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	CorrelationID string          `json:"correlation_id"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	Queue         QueueName       `json:"queue"`
	Args          json.RawMessage `json:"args"`
	Attempts      int             `json:"attempts"`
}

// ArchiveArgs is the payload for archive-stage messages.
type ArchiveArgs struct {
	FileURL string  `json:"file_url"`
	UserID  string  `json:"user_id"`
	Options Options `json:"options"`
}

// ParseArgs is the payload for parse-stage messages. Source is set to
// "archive_extraction" for children created by the archive handler.
type ParseArgs struct {
	FileURL string  `json:"file_url"`
	UserID  string  `json:"user_id"`
	Options Options `json:"options"`
	Source  string  `json:"source,omitempty"`
}

// SourceArchiveExtraction marks parse tasks fanned out from an archive.
const SourceArchiveExtraction = "archive_extraction"

// VectorizeArgs is the payload for vectorize-stage messages.
type VectorizeArgs struct {
	Content  json.RawMessage   `json:"content"`
	UserID   string            `json:"user_id"`
	Options  Options           `json:"options"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CleanupMode selects between the two cleanup behaviors.
type CleanupMode string

const (
	CleanupModeExpired    CleanupMode = "expired"
	CleanupModeExtraction CleanupMode = "extraction"
)

// CleanupArgs is the payload for cleanup-stage messages.
type CleanupArgs struct {
	Mode          CleanupMode `json:"mode"`
	ExtractionDir string      `json:"extraction_dir,omitempty"`
	ParentID      string      `json:"parent_id,omitempty"`
	BatchSize     int         `json:"batch_size,omitempty"`
	DryRun        bool        `json:"dry_run,omitempty"`
}

// ArchiveResults is the summary written on a completed parent archive task.
type ArchiveResults struct {
	Total        int           `json:"total"`
	Valid        int           `json:"valid"`
	Invalid      int           `json:"invalid"`
	ChildIDs     []string      `json:"child_ids"`
	InvalidFiles []InvalidFile `json:"invalid_files,omitempty"`
}

// InvalidFile records one skipped archive entry and why it was skipped.
type InvalidFile struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// CleanupResults reports the outcome of one cleanup run.
type CleanupResults struct {
	Processed        int      `json:"processed"`
	Deleted          int      `json:"deleted"`
	BytesFreed       int64    `json:"bytes_freed"`
	Errors           []string `json:"errors,omitempty"`
	CleanupCompleted bool     `json:"cleanup_completed"`
	Reason           string   `json:"reason,omitempty"`
}
