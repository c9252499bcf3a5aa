package vector

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docflowhq/docflow/pkg/provider"
)

// minContentLength below which vectorization is a silent no-op.
const minContentLength = 10

// Config tunes one vectorization run.
type Config struct {
	ChunkSize      int
	ChunkOverlap   int
	EmbeddingModel string
	VectorSize     int
}

// Result reports what a vectorization run stored.
type Result struct {
	StoredIDs  []string `json:"stored_ids,omitempty"`
	ChunkCount int      `json:"chunk_count"`
	Skipped    bool     `json:"skipped"`
	Reason     string   `json:"reason,omitempty"`
}

// Vectorizer chunks extracted content, embeds it, and writes the chunks
// to the vector store.
type Vectorizer struct {
	embedder provider.Embedder
	store    provider.VectorStore
}

// NewVectorizer creates a vectorizer over the given providers.
func NewVectorizer(embedder provider.Embedder, store provider.VectorStore) *Vectorizer {
	return &Vectorizer{embedder: embedder, store: store}
}

// Vectorize processes one piece of flattened content for a task. Content
// shorter than ten characters is skipped without error.
func (v *Vectorizer) Vectorize(ctx context.Context, taskID, content string, metadata map[string]string, cfg Config) (*Result, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1000
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 100
	}
	if cfg.VectorSize <= 0 {
		cfg.VectorSize = 1536
	}

	if len(content) < minContentLength {
		return &Result{Skipped: true, Reason: "content_too_short"}, nil
	}

	chunks := Chunk(content, cfg.ChunkSize, cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return &Result{Skipped: true, Reason: "content_too_short"}, nil
	}

	embeddings, err := v.embedder.Embed(ctx, cfg.EmbeddingModel, chunks)
	if err != nil {
		return nil, fmt.Errorf("failed to embed %d chunks: %w", len(chunks), err)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(embeddings), len(chunks))
	}
	for i, emb := range embeddings {
		if len(emb) != cfg.VectorSize {
			return nil, fmt.Errorf("chunk %d: embedding dimension %d does not match configured %d", i, len(emb), cfg.VectorSize)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	docs := make([]provider.Document, len(chunks))
	for i, chunk := range chunks {
		meta := make(map[string]string, len(metadata)+4)
		for k, val := range metadata {
			meta[k] = val
		}
		meta["task_id"] = taskID
		meta["chunk_index"] = strconv.Itoa(i)
		meta["chunk_count"] = strconv.Itoa(len(chunks))
		meta["created_at"] = now

		docs[i] = provider.Document{
			ID:        fmt.Sprintf("%s_%d", taskID, i),
			Content:   chunk,
			Metadata:  meta,
			Embedding: embeddings[i],
		}
	}

	ids, err := v.store.StoreDocuments(ctx, docs)
	if err != nil {
		return nil, fmt.Errorf("failed to store %d documents: %w", len(docs), err)
	}

	return &Result{StoredIDs: ids, ChunkCount: len(chunks)}, nil
}
