package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docflowhq/docflow/pkg/log"
	"github.com/docflowhq/docflow/pkg/types"
	"github.com/docflowhq/docflow/pkg/vector"
)

// VectorizeConfig carries the process-level embedding defaults.
type VectorizeConfig struct {
	EmbeddingModel string
	VectorSize     int
}

// VectorizeHandler embeds extracted content into the vector store.
type VectorizeHandler struct {
	vectorizer *vector.Vectorizer
	cfg        VectorizeConfig
}

// NewVectorizeHandler creates the vectorize stage handler.
func NewVectorizeHandler(v *vector.Vectorizer, cfg VectorizeConfig) *VectorizeHandler {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 1536
	}
	return &VectorizeHandler{vectorizer: v, cfg: cfg}
}

// Handle implements Handler for the vectorize queue.
func (h *VectorizeHandler) Handle(ctx context.Context, task *types.Task, msg types.Message) (*Outcome, error) {
	logger := log.WithComponent("vectorize").With().Str("task_id", task.ID).Logger()

	var args types.VectorizeArgs
	if err := json.Unmarshal(msg.Args, &args); err != nil {
		return nil, Fail(KindValidation, fmt.Errorf("failed to decode vectorize args: %w", err))
	}

	if !args.Options.EnableVectorization {
		results, _ := json.Marshal(vector.Result{Skipped: true, Reason: "vectorization_disabled"})
		return &Outcome{Results: results}, nil
	}

	model := args.Options.EmbeddingModel
	if model == "" {
		model = h.cfg.EmbeddingModel
	}

	content := vector.Flatten(args.Content)
	result, err := h.vectorizer.Vectorize(ctx, task.ID, content, args.Metadata, vector.Config{
		ChunkSize:      args.Options.ChunkSize,
		ChunkOverlap:   args.Options.ChunkOverlap,
		EmbeddingModel: model,
		VectorSize:     h.cfg.VectorSize,
	})
	if err != nil {
		return nil, Retry(KindProvider, fmt.Errorf("vectorization failed: %w", err))
	}

	results, err := json.Marshal(result)
	if err != nil {
		return nil, Fail(KindValidation, fmt.Errorf("failed to encode vectorize results: %w", err))
	}

	logger.Info().
		Int("chunks", result.ChunkCount).
		Bool("skipped", result.Skipped).
		Msg("vectorization complete")
	return &Outcome{Results: results}, nil
}
