package qa

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/lensworks/visionflow/internal/profile"
)

// Failure categories shared across tiers.
const (
	CatParseError       = "parse_error"
	CatMissingField     = "missing_field"
	CatUnexpectedType   = "unexpected_type"
	CatEnumViolation    = "enum_violation"
	CatPatternMismatch  = "pattern_mismatch"
	CatLengthViolation  = "length_violation"
	CatItemsViolation   = "items_violation"
	CatProhibitedPhrase = "prohibited_phrase"
	CatMetaDescriptive  = "meta_descriptive"
	CatToneViolation    = "tone_violation"
	CatLowConfidence    = "low_confidence"
)

// Verdict is the outcome of one tier check.
type Verdict struct {
	Passed     bool
	Categories []string
	Confidence float64
}

// CheckStructural runs tier T1: parse the raw output and validate it against
// the profile's declared schema. Entirely local, no model call.
func CheckStructural(raw []byte, schema profile.OutputSchema) Verdict {
	obj, err := ParseObject(raw)
	if err != nil {
		return Verdict{Categories: []string{CatParseError}}
	}
	var cats []string
	for _, f := range schema.Fields {
		val, present := obj[f.Name]
		if !present || val == nil {
			if f.Required {
				cats = append(cats, fmt.Sprintf("%s:%s", CatMissingField, f.Name))
			}
			continue
		}
		cats = append(cats, checkField(f, val)...)
	}
	return Verdict{Passed: len(cats) == 0, Categories: cats}
}

func checkField(f profile.FieldSpec, val any) []string {
	var cats []string
	switch f.Type {
	case "string":
		s, ok := val.(string)
		if !ok {
			return []string{fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name)}
		}
		if f.MinLength > 0 && len(s) < f.MinLength {
			cats = append(cats, fmt.Sprintf("%s:%s", CatLengthViolation, f.Name))
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			cats = append(cats, fmt.Sprintf("%s:%s", CatLengthViolation, f.Name))
		}
		if len(f.Enum) > 0 && !inEnum(f.Enum, s) {
			cats = append(cats, fmt.Sprintf("%s:%s", CatEnumViolation, f.Name))
		}
		if f.Pattern != "" {
			if re, err := regexp.Compile(f.Pattern); err == nil && !re.MatchString(s) {
				cats = append(cats, fmt.Sprintf("%s:%s", CatPatternMismatch, f.Name))
			}
		}
	case "number":
		if _, ok := val.(json.Number); !ok {
			cats = append(cats, fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name))
		}
	case "integer":
		n, ok := val.(json.Number)
		if !ok {
			return []string{fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name)}
		}
		if _, err := n.Int64(); err != nil {
			cats = append(cats, fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name))
		}
	case "boolean":
		if _, ok := val.(bool); !ok {
			cats = append(cats, fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name))
		}
	case "array":
		items, ok := val.([]any)
		if !ok {
			return []string{fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name)}
		}
		if f.MinItems > 0 && len(items) < f.MinItems {
			cats = append(cats, fmt.Sprintf("%s:%s", CatItemsViolation, f.Name))
		}
		if f.MaxItems > 0 && len(items) > f.MaxItems {
			cats = append(cats, fmt.Sprintf("%s:%s", CatItemsViolation, f.Name))
		}
		if f.ItemType != "" {
			for _, it := range items {
				if !itemTypeOK(f.ItemType, it) {
					cats = append(cats, fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name))
					break
				}
			}
		}
		if len(f.Enum) > 0 {
			for _, it := range items {
				s, ok := it.(string)
				if !ok || !inEnum(f.Enum, s) {
					cats = append(cats, fmt.Sprintf("%s:%s", CatEnumViolation, f.Name))
					break
				}
			}
		}
	case "object":
		if _, ok := val.(map[string]any); !ok {
			cats = append(cats, fmt.Sprintf("%s:%s", CatUnexpectedType, f.Name))
		}
	}
	return cats
}

func itemTypeOK(itemType string, val any) bool {
	switch itemType {
	case "string":
		_, ok := val.(string)
		return ok
	case "number", "integer":
		_, ok := val.(json.Number)
		return ok
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]any)
		return ok
	default:
		return true
	}
}

func inEnum(enum []string, s string) bool {
	for _, e := range enum {
		if e == s {
			return true
		}
	}
	return false
}
