package vector

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

// Chunk splits text into overlapping windows, breaking each window at the
// last whitespace so chunks end on word boundaries. Empty chunks are
// discarded.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = 1000
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for start := 0; start < len(text); {
		end := start + size
		if end >= len(text) {
			end = len(text)
		} else {
			// Break at the last whitespace inside the window so words
			// stay whole.
			if idx := lastWhitespace(text[start:end]); idx > 0 {
				end = start + idx
			}
		}

		chunk := strings.TrimSpace(text[start:end])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		if end >= len(text) {
			break
		}
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		// Snap the restart to the next word start so overlapping chunks
		// do not begin mid-word.
		for next < end && !unicode.IsSpace(rune(text[next-1])) {
			next++
		}
		start = next
	}
	return chunks
}

func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if unicode.IsSpace(rune(s[i])) {
			return i
		}
	}
	return -1
}

// textLikeFields are map keys whose values are concatenated during
// flattening, in this order.
var textLikeFields = []string{"text", "content", "summary"}

// Flatten turns extraction results into a single string for chunking. A
// JSON string is used directly; a JSON object contributes its text-like
// fields plus every nested extracted_content entry as "key: value" lines.
func Flatten(content json.RawMessage) string {
	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s
	}

	var m map[string]interface{}
	if err := json.Unmarshal(content, &m); err != nil {
		return strings.TrimSpace(string(content))
	}

	var parts []string
	for _, field := range textLikeFields {
		if v, ok := m[field].(string); ok && v != "" {
			parts = append(parts, v)
		}
	}

	if nested, ok := m["extracted_content"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(nested))
		for k := range nested {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %v", k, nested[k]))
		}
	}

	return strings.TrimSpace(strings.Join(parts, "\n"))
}
