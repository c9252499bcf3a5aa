package vector

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestChunkShortText(t *testing.T) {
	chunks := Chunk("hello world", 1000, 100)
	if len(chunks) != 1 {
		t.Fatalf("Chunk() = %d chunks, want 1", len(chunks))
	}
	if chunks[0] != "hello world" {
		t.Errorf("chunk = %q, want full text", chunks[0])
	}
}

func TestChunkEmptyText(t *testing.T) {
	if chunks := Chunk("", 1000, 100); chunks != nil {
		t.Errorf("Chunk(empty) = %v, want nil", chunks)
	}
	if chunks := Chunk("   ", 1000, 100); len(chunks) != 0 {
		t.Errorf("Chunk(whitespace) = %v, want none", chunks)
	}
}

func TestChunkWordBoundaries(t *testing.T) {
	text := strings.Repeat("alpha beta gamma delta ", 100)
	chunks := Chunk(text, 100, 20)

	if len(chunks) < 2 {
		t.Fatalf("Chunk() = %d chunks, want several", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d length %d exceeds size 100", i, len(c))
		}
		// Chunks should not split words
		for _, word := range strings.Fields(c) {
			switch word {
			case "alpha", "beta", "gamma", "delta":
			default:
				t.Errorf("chunk %d contains split word %q", i, word)
			}
		}
	}
}

func TestChunkOverlapCoversText(t *testing.T) {
	text := strings.Repeat("x", 50) + " " + strings.Repeat("y", 50) + " " + strings.Repeat("z", 50)
	chunks := Chunk(text, 60, 10)

	joined := strings.Join(chunks, "")
	for _, r := range "xyz" {
		if !strings.ContainsRune(joined, r) {
			t.Errorf("chunks lost %q from the input", r)
		}
	}
}

func TestChunkInvalidParams(t *testing.T) {
	text := strings.Repeat("word ", 500)

	// Non-positive size falls back to the default
	if chunks := Chunk(text, 0, 0); len(chunks) == 0 {
		t.Error("Chunk(size=0) produced no chunks")
	}
	// Overlap >= size is ignored rather than looping forever
	if chunks := Chunk(text, 50, 50); len(chunks) == 0 {
		t.Error("Chunk(overlap==size) produced no chunks")
	}
}

func TestFlattenString(t *testing.T) {
	got := Flatten(json.RawMessage(`"plain extracted text"`))
	if got != "plain extracted text" {
		t.Errorf("Flatten(string) = %q", got)
	}
}

func TestFlattenObject(t *testing.T) {
	raw := json.RawMessage(`{
		"summary": "a summary",
		"text": "body text",
		"extracted_content": {"total": "42", "vendor": "acme"},
		"confidence": 0.9
	}`)
	got := Flatten(raw)

	if !strings.Contains(got, "body text") {
		t.Errorf("Flatten() missing text field: %q", got)
	}
	if !strings.Contains(got, "a summary") {
		t.Errorf("Flatten() missing summary field: %q", got)
	}
	if !strings.Contains(got, "total: 42") || !strings.Contains(got, "vendor: acme") {
		t.Errorf("Flatten() missing extracted_content entries: %q", got)
	}
	// text comes before the extracted_content lines
	if strings.Index(got, "body text") > strings.Index(got, "total: 42") {
		t.Errorf("Flatten() field ordering wrong: %q", got)
	}
}

func TestFlattenNonObject(t *testing.T) {
	if got := Flatten(json.RawMessage(`[1,2,3]`)); got != "[1,2,3]" {
		t.Errorf("Flatten(array) = %q", got)
	}
}
