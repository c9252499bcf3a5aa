package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/docflowhq/docflow/pkg/cost"
	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/metrics"
	"github.com/docflowhq/docflow/pkg/provider"
	"github.com/docflowhq/docflow/pkg/store"
	"github.com/docflowhq/docflow/pkg/types"
	"github.com/docflowhq/docflow/pkg/vector"
)

// lowConfidence is stamped on results the model returned as non-JSON.
const lowConfidence = 0.3

// defaultConfidence is stamped on results the model returned without a
// confidence of its own.
const defaultConfidence = 0.8

// ParseConfig tunes the parse stage.
type ParseConfig struct {
	DefaultProvider string
	DefaultModel    string
	DefaultCostUSD  float64
	MaxTokens       int
}

// ParseHandler runs LLM extraction for one document: cost gate,
// preprocessing, prompt assembly, extraction, result normalization.
type ParseHandler struct {
	store        store.Store
	estimator    *cost.Estimator
	preprocessor provider.Preprocessor
	extractor    provider.Extractor
	cfg          ParseConfig
}

// NewParseHandler creates the parse stage handler.
func NewParseHandler(st store.Store, estimator *cost.Estimator, pre provider.Preprocessor, ext provider.Extractor, cfg ParseConfig) *ParseHandler {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "openai"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &ParseHandler{
		store:        st,
		estimator:    estimator,
		preprocessor: pre,
		extractor:    ext,
		cfg:          cfg,
	}
}

// Handle implements Handler for the parse queue.
func (h *ParseHandler) Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
	logger := log.WithComponent("parse").With().Str("task_id", task.ID).Logger()

	var args types.ParseArgs
	if len(msg.Args) > 0 {
		if err := json.Unmarshal(msg.Args, &args); err != nil {
			return nil, Fail(KindValidation, fmt.Errorf("failed to decode parse args: %w", err))
		}
	}
	fileURL := args.FileURL
	if fileURL == "" {
		fileURL = task.FileURL
	}
	if fileURL == "" {
		return nil, Fail(KindValidation, fmt.Errorf("parse task has no file URL"))
	}

	model := task.Options.ModelName
	if model == "" {
		model = h.cfg.DefaultModel
	}
	providerName := task.Options.LLMProvider
	if providerName == "" {
		providerName = h.cfg.DefaultProvider
	}

	// Cost gate runs on the size-based estimate before any provider call.
	size := h.fileSize(fileURL)
	estimate := h.estimator.Estimate(cost.Request{
		Filename:      task.OriginalFilename,
		FileSizeBytes: size,
		Model:         model,
		Provider:      providerName,
	})
	metrics.EstimatedCostUSD.Add(estimate.EstimatedUSD)

	limit := task.Options.MaxCostLimitUSD
	if limit == nil && h.cfg.DefaultCostUSD > 0 {
		limit = &h.cfg.DefaultCostUSD
	}
	if err := h.estimator.Gate(estimate, limit); err != nil {
		metrics.CostGateRejections.Inc()
		return nil, h.costRejection(estimate, err)
	}

	doc, err := h.preprocessor.Preprocess(ctx, fileURL)
	if err != nil {
		return nil, Retry(KindProvider, fmt.Errorf("preprocessing failed: %w", err))
	}
	if doc.OriginalFilename == "" {
		doc.OriginalFilename = task.OriginalFilename
	}

	// Remote files stat as size 0 and slip past the first gate; re-gate
	// on the real size once preprocessing has seen the content.
	if size == 0 {
		contentSize := doc.FileSize
		if contentSize == 0 {
			contentSize = int64(len(doc.TextContent))
		}
		estimate = h.estimator.Estimate(cost.Request{
			Filename:      task.OriginalFilename,
			FileSizeBytes: contentSize,
			Model:         model,
			Provider:      providerName,
			ContentBased:  true,
		})
		if err := h.estimator.Gate(estimate, limit); err != nil {
			metrics.CostGateRejections.Inc()
			return nil, h.costRejection(estimate, err)
		}
	}

	systemPrompt, err := provider.BuildSystemPrompt(task.Options.ExtractionMode, task.Options.CustomPrompt)
	if err != nil {
		return nil, Fail(KindValidation, err)
	}
	userContent := provider.BuildUserContent(doc, cost.SupportsVision(model))

	// Cancellation checkpoint before the expensive call.
	if h.taskCancelled(task.ID) {
		return nil, Fail(KindCancelled, context.Canceled)
	}

	raw, usage, err := h.extractor.Extract(ctx, provider.ExtractRequest{
		SystemPrompt: systemPrompt,
		UserContent:  userContent,
		Model:        model,
		MaxTokens:    h.cfg.MaxTokens,
	})
	if err != nil {
		return nil, Retry(KindProvider, fmt.Errorf("extraction failed: %w", err))
	}

	results := normalizeResults(raw, doc, providerName, model)

	actualCost := cost.UsageCostUSD(model, usage.PromptTokens, usage.CompletionTokens)
	tokenUsage := &types.TokenUsage{
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		TotalTokens:      usage.TotalTokens,
		CostUSD:          actualCost,
	}

	outcome := &Outcome{
		Results:       results,
		ActualCostUSD: &actualCost,
		TokenUsage:    tokenUsage,
	}

	if task.Options.EnableVectorization {
		if fu, ok := h.vectorizeFollowUp(task, results); ok {
			outcome.FollowUps = append(outcome.FollowUps, fu)
		}
	}

	// Extraction children hold temp copies; remove the file now that the
	// content is captured in the results. The extraction directory itself
	// is swept by the scheduled cleanup task.
	if args.Source == types.SourceArchiveExtraction {
		if path := strings.TrimPrefix(fileURL, LocalScheme); path != fileURL {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				logger.Warn().Err(rmErr).Msg("failed to remove extracted file")
			}
		}
	}

	logger.Info().
		Str("model", model).
		Int("prompt_tokens", usage.PromptTokens).
		Int("completion_tokens", usage.CompletionTokens).
		Float64("cost_usd", actualCost).
		Msg("document parsed")
	return outcome, nil
}

// costRejection builds the non-retryable gate failure with the estimate
// attached as task results.
func (h *ParseHandler) costRejection(estimate cost.Estimate, err error) *HandlerError {
	payload, merr := json.Marshal(map[string]interface{}{
		"error_code":    CodeCostLimitExceeded,
		"cost_estimate": estimate,
	})
	if merr != nil {
		payload = nil
	}
	return &HandlerError{
		Kind:    KindCostLimit,
		Err:     err,
		Results: payload,
	}
}

// vectorizeFollowUp builds the deferred vectorization task when the
// results carry enough text to embed.
func (h *ParseHandler) vectorizeFollowUp(task *types.Task, results json.RawMessage) (FollowUp, bool) {
	if len(strings.TrimSpace(vector.Flatten(results))) == 0 {
		return FollowUp{}, false
	}

	// parent_id is reserved for archive fan-out children; the source
	// parse task travels in the metadata instead.
	child := &types.Task{
		ID:      uuid.New().String(),
		UserID:  task.UserID,
		Type:    types.TaskTypeVectorize,
		Status:  types.TaskStatusPending,
		Options: task.Options,
	}
	args := types.VectorizeArgs{
		Content: results,
		UserID:  task.UserID,
		Options: task.Options,
		Metadata: map[string]string{
			"source_task_id":    task.ID,
			"original_filename": task.OriginalFilename,
		},
	}
	return FollowUp{Task: child, Queue: types.QueueVectorize, Args: args}, true
}

// normalizeResults guarantees the stored results are a JSON object with
// the standard envelope fields. A non-JSON model response is preserved
// raw with a parse error and low confidence.
func normalizeResults(raw json.RawMessage, doc *provider.ProcessedDocument, providerName, model string) json.RawMessage {
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		m = map[string]interface{}{
			"raw_response": string(raw),
			"parse_error":  "model response was not valid JSON",
			"metadata":     map[string]interface{}{"confidence": lowConfidence},
		}
	}

	meta, _ := m["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if _, ok := meta["confidence"]; !ok {
		meta["confidence"] = defaultConfidence
	}
	meta["provider"] = providerName
	meta["model"] = model
	meta["document_format"] = doc.Format
	meta["original_filename"] = doc.OriginalFilename
	m["metadata"] = meta

	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}

// fileSize returns the document size for estimation; unknown sizes
// estimate from zero rather than failing the task.
func (h *ParseHandler) fileSize(fileURL string) int64 {
	path := strings.TrimPrefix(fileURL, LocalScheme)
	if info, err := os.Stat(path); err == nil {
		return info.Size()
	}
	return 0
}

func (h *ParseHandler) taskCancelled(taskID string) bool {
	t, err := h.store.GetTask(taskID)
	if err != nil {
		return false
	}
	return t.Status == types.TaskStatusCancelled
}
