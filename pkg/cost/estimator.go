package cost

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrCostLimitExceeded marks a gate rejection. Non-retryable.
var ErrCostLimitExceeded = errors.New("cost limit exceeded")

// ErrInvalidLimit marks a non-positive cost limit.
var ErrInvalidLimit = errors.New("invalid cost limit")

// DocumentType classifies input documents for token estimation.
type DocumentType string

const (
	DocTypePDF     DocumentType = "pdf"
	DocTypeImage   DocumentType = "image"
	DocTypeText    DocumentType = "text"
	DocTypeWord    DocumentType = "word"
	DocTypeUnknown DocumentType = "unknown"
)

const (
	baseSystemTokens      = 500
	outputTokensEstimate  = 1000
	safetyFactorSizeBased = 2.0
	safetyFactorContent   = 1.5
)

// tokenRatio maps document types to bytes-to-tokens ratios for text-like
// documents.
var tokenRatio = map[DocumentType]float64{
	DocTypeText:    0.25,
	DocTypePDF:     0.3,
	DocTypeWord:    0.3,
	DocTypeUnknown: 0.35,
}

// Request carries everything needed for one estimate.
type Request struct {
	Filename      string
	FileSizeBytes int64
	Model         string
	Provider      string
	ContentType   string

	// ContentBased marks estimates made from already-extracted text,
	// which are tighter than size-based guesses.
	ContentBased bool
}

// Estimate is the prediction for one document.
type Estimate struct {
	DocumentType   DocumentType `json:"document_type"`
	Model          string       `json:"model"`
	Provider       string       `json:"provider,omitempty"`
	InputTokens    int          `json:"estimated_input_tokens"`
	OutputTokens   int          `json:"estimated_output_tokens"`
	EstimatedUSD   float64      `json:"estimated_cost_usd"`
	MaxPossibleUSD float64      `json:"max_possible_cost_usd"`
	SafetyFactor   float64      `json:"safety_factor"`
	Confidence     float64      `json:"confidence"`
}

// Estimator predicts token usage and cost for a document before any
// provider call is made. Estimation is deterministic for identical inputs.
type Estimator struct{}

// NewEstimator creates a new estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Estimate predicts tokens and cost for the given request.
func (e *Estimator) Estimate(req Request) Estimate {
	docType := DetectDocumentType(req.ContentType, req.Filename)

	var inputTokens float64
	if docType == DocTypeImage {
		mb := float64(req.FileSizeBytes) / (1024 * 1024)
		if mb > 10 {
			mb = 10
		}
		inputTokens = 1000 + mb*200
	} else {
		inputTokens = float64(req.FileSizeBytes)*tokenRatio[docType] + baseSystemTokens
	}

	pricing := Pricing(req.Model)
	estimated := inputTokens/1000*pricing.InputPer1KUSD +
		float64(outputTokensEstimate)/1000*pricing.OutputPer1KUSD

	safety := safetyFactorSizeBased
	confidence := 0.75
	if req.ContentBased {
		safety = safetyFactorContent
		confidence = 0.9
	}

	return Estimate{
		DocumentType:   docType,
		Model:          req.Model,
		Provider:       req.Provider,
		InputTokens:    int(inputTokens),
		OutputTokens:   outputTokensEstimate,
		EstimatedUSD:   estimated,
		MaxPossibleUSD: estimated * safety,
		SafetyFactor:   safety,
		Confidence:     confidence,
	}
}

// Gate applies the cost policy: a nil limit accepts, a non-positive limit
// is invalid, and a predicted maximum above the limit rejects. The gate is
// predictive only; actual cost may exceed the estimate.
func (e *Estimator) Gate(est Estimate, maxCostLimitUSD *float64) error {
	if maxCostLimitUSD == nil {
		return nil
	}
	limit := *maxCostLimitUSD
	if limit <= 0 {
		return fmt.Errorf("%w: %.4f", ErrInvalidLimit, limit)
	}
	if est.MaxPossibleUSD > limit {
		return fmt.Errorf("%w: model %s predicted %d input tokens, max possible cost $%.4f exceeds limit $%.4f",
			ErrCostLimitExceeded, est.Model, est.InputTokens, est.MaxPossibleUSD, limit)
	}
	return nil
}

// DetectDocumentType classifies a document from its content type first
// and filename extension second.
func DetectDocumentType(contentType, filename string) DocumentType {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "pdf"):
		return DocTypePDF
	case strings.HasPrefix(ct, "image/"):
		return DocTypeImage
	case strings.HasPrefix(ct, "text/"), strings.Contains(ct, "json"), strings.Contains(ct, "csv"):
		return DocTypeText
	case strings.Contains(ct, "word"), strings.Contains(ct, "officedocument"):
		return DocTypeWord
	}

	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), ".")) {
	case "pdf":
		return DocTypePDF
	case "jpg", "jpeg", "png", "gif", "webp":
		return DocTypeImage
	case "txt", "md", "csv", "json":
		return DocTypeText
	case "doc", "docx":
		return DocTypeWord
	}
	return DocTypeUnknown
}
