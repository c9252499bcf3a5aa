package provider

import (
	"context"
	"encoding/json"
)

// ProcessedDocument is the output of format-specific preprocessing.
type ProcessedDocument struct {
	Format           string            `json:"format"`
	TextContent      string            `json:"text_content"`
	ImagePaths       []string          `json:"image_paths,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	OriginalFilename string            `json:"original_filename"`
	FileSize         int64             `json:"file_size"`
}

// Preprocessor turns a file URL into extractable text and images. The
// per-format implementations (PDF, OCR, DOCX) live outside this module.
type Preprocessor interface {
	Preprocess(ctx context.Context, fileURL string) (*ProcessedDocument, error)
}

// ContentBlock is one element of the user message sent to the LLM.
type ContentBlock struct {
	Type     string `json:"type"` // "text" or "image"
	Text     string `json:"text,omitempty"`
	ImageB64 string `json:"image_b64,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Usage reports token consumption for one LLM call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ExtractRequest is one extraction call.
type ExtractRequest struct {
	SystemPrompt string
	UserContent  []ContentBlock
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Extractor is the single LLM contract the pipeline consumes. Concrete
// provider clients (openai, openrouter, litelm) implement it elsewhere.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (json.RawMessage, Usage, error)
}

// Embedder turns text chunks into vectors.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Document is one chunk ready for the vector store.
type Document struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding"`
}

// VectorStore persists embedded chunks for later retrieval.
type VectorStore interface {
	StoreDocuments(ctx context.Context, docs []Document) ([]string, error)
}
