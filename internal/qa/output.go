// Package qa implements the three-tier validation pipeline: structural
// (local schema checks), content quality (language defects), and domain
// expert (accuracy with a confidence score). Failed tiers route through a
// tier-scoped corrective agent up to a bounded number of attempts.
package qa

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lensworks/visionflow/internal/domain"
)

// ExtractJSON pulls the first top-level JSON object out of raw model text.
// Vision models wrap output in prose or code fences often enough that a
// strict unmarshal of the whole response is useless.
func ExtractJSON(text string) ([]byte, error) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, fmt.Errorf("op=qa.extract_json: no object found: %w", domain.ErrSchemaInvalid)
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				if !json.Valid([]byte(candidate)) {
					return nil, fmt.Errorf("op=qa.extract_json: malformed object: %w", domain.ErrSchemaInvalid)
				}
				return []byte(candidate), nil
			}
		}
	}
	return nil, fmt.Errorf("op=qa.extract_json: unterminated object: %w", domain.ErrSchemaInvalid)
}

// ParseObject decodes an output document into a generic map.
func ParseObject(data []byte) (map[string]any, error) {
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("op=qa.parse_object: %w: %w", domain.ErrSchemaInvalid, err)
	}
	return m, nil
}
