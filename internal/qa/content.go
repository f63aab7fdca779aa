package qa

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/lensworks/visionflow/internal/domain"
)

// Meta-descriptive patterns: first-person and image-referential phrasing an
// analysis output must never contain. The output describes the subject, not
// the act of looking at a picture.
var metaDescriptiveRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bthis (image|photo|picture)\b`),
	regexp.MustCompile(`(?i)\bthe (image|photo|picture) (shows|depicts|contains|features)\b`),
	regexp.MustCompile(`(?i)\bin (this|the) (image|photo|picture)\b`),
	regexp.MustCompile(`(?i)\bI (can see|see|notice|observe)\b`),
	regexp.MustCompile(`(?i)\bas an AI\b`),
	regexp.MustCompile(`(?i)\bappears to (be|show)\b`),
}

// scanContent runs the local part of T2: prohibited phrases from the profile
// and the built-in meta-descriptive patterns. Deterministic defects never
// need a model round trip.
func scanContent(raw []byte, prohibited []string) []string {
	text := strings.ToLower(string(raw))
	var cats []string
	for _, phrase := range prohibited {
		if phrase != "" && strings.Contains(text, strings.ToLower(phrase)) {
			cats = append(cats, CatProhibitedPhrase)
			break
		}
	}
	for _, re := range metaDescriptiveRes {
		if re.Match(raw) {
			cats = append(cats, CatMetaDescriptive)
			break
		}
	}
	return cats
}

const contentSystemPrompt = `You are a strict content-quality reviewer for structured image-analysis output.
Reject output that uses meta-descriptive or first-person language, hedging, or an unprofessional tone.
Respond with a single JSON object: {"pass": <bool>, "categories": [<string>...]}.
Allowed categories: "meta_descriptive", "tone_violation", "prohibited_phrase".`

func contentUserPrompt(raw []byte) string {
	return fmt.Sprintf("Review the following analysis output and respond with the verdict object only.\n\n%s", raw)
}

type agentVerdict struct {
	Pass       bool     `json:"pass"`
	Categories []string `json:"categories"`
	Confidence float64  `json:"confidence"`
}

func parseAgentVerdict(text string) (agentVerdict, error) {
	obj, err := ExtractJSON(text)
	if err != nil {
		return agentVerdict{}, err
	}
	var v agentVerdict
	if err := json.Unmarshal(obj, &v); err != nil {
		return agentVerdict{}, fmt.Errorf("op=qa.parse_verdict: %w: %w", domain.ErrSchemaInvalid, err)
	}
	return v, nil
}
