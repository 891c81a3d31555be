package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/veritas-os/veritas/internal/model"
)

// extractJSON finds the first balanced JSON object in text and decodes it.
// Nesting beyond maxDepth aborts the scan; LLM output is untrusted and a
// pathological reply must not exhaust the stack.
func extractJSON(text string, maxDepth int) (map[string]any, error) {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		if start >= 0 && inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '{':
			if start < 0 {
				start = i
			}
			depth++
			if depth > maxDepth {
				return nil, model.E(model.KindInvalidInput,
					fmt.Sprintf("json nesting exceeds depth %d", maxDepth), nil)
			}
		case '}':
			if start < 0 {
				continue
			}
			depth--
			if depth == 0 {
				var out map[string]any
				if err := json.Unmarshal([]byte(text[start:i+1]), &out); err != nil {
					// Not valid JSON after all; keep scanning from here.
					start = -1
					continue
				}
				return out, nil
			}
		case '"':
			if start >= 0 {
				inString = true
			}
		}
	}
	return nil, model.E(model.KindInvalidInput, "no JSON object found in text", nil)
}
