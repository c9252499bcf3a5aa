package provider

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docflowhq/docflow/pkg/types"
)

// maxInlineImages caps how many document images ride along with the text.
const maxInlineImages = 3

const structuredPrompt = `You are a document analysis assistant. Extract structured information from the provided document.
Return a single JSON object with these fields:
  "document_type": the kind of document (invoice, contract, report, letter, form, other)
  "title": the document title if present
  "summary": a concise summary of the document
  "key_fields": an object of the important fields and values found in the document
  "entities": an array of people, organizations, dates, and amounts mentioned
  "metadata": {"confidence": a number between 0 and 1}
Respond with JSON only, no prose.`

const summaryPrompt = `You are a document analysis assistant. Summarize the provided document.
Return a single JSON object: {"document_type": string, "summary": string, "key_points": [string], "metadata": {"confidence": number}}.
Respond with JSON only, no prose.`

const fullTextPrompt = `You are a document transcription assistant. Reproduce the full text content of the provided document as faithfully as possible.
Return a single JSON object: {"document_type": string, "full_text": string, "metadata": {"confidence": number}}.
Respond with JSON only, no prose.`

// BuildSystemPrompt returns the system prompt for an extraction mode. The
// custom mode uses the caller-supplied prompt verbatim.
func BuildSystemPrompt(mode types.ExtractionMode, customPrompt string) (string, error) {
	switch mode {
	case types.ExtractionModeStructured, "":
		return structuredPrompt, nil
	case types.ExtractionModeSummary:
		return summaryPrompt, nil
	case types.ExtractionModeFullText:
		return fullTextPrompt, nil
	case types.ExtractionModeCustom:
		if strings.TrimSpace(customPrompt) == "" {
			return "", fmt.Errorf("custom extraction mode requires a custom prompt")
		}
		return customPrompt, nil
	default:
		return "", fmt.Errorf("unknown extraction mode: %s", mode)
	}
}

// BuildUserContent assembles the user message: one text block with the
// extracted text and metadata, plus up to three inline images when the
// model supports vision.
func BuildUserContent(doc *ProcessedDocument, includeImages bool) []ContentBlock {
	var b strings.Builder
	b.WriteString("Document: ")
	b.WriteString(doc.OriginalFilename)
	b.WriteString("\nFormat: ")
	b.WriteString(doc.Format)
	b.WriteString("\n")

	if len(doc.Metadata) > 0 {
		keys := make([]string, 0, len(doc.Metadata))
		for k := range doc.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("Metadata:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, doc.Metadata[k])
		}
	}

	if doc.TextContent != "" {
		b.WriteString("\nContent:\n")
		b.WriteString(doc.TextContent)
	}

	blocks := []ContentBlock{{Type: "text", Text: b.String()}}

	if includeImages {
		for i, path := range doc.ImagePaths {
			if i >= maxInlineImages {
				break
			}
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			blocks = append(blocks, ContentBlock{
				Type:     "image",
				ImageB64: base64.StdEncoding.EncodeToString(data),
				MimeType: imageMimeType(path),
			})
		}
	}

	return blocks
}

func imageMimeType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
