package qa

import (
	"fmt"
	"strings"

	"github.com/lensworks/visionflow/internal/domain"
	"github.com/lensworks/visionflow/internal/profile"
)

const domainExpertSystemPrompt = `You are a senior domain expert reviewing %s analysis of an image.
Judge whether the output is accurate, complete, and plausible for the image provided.
Respond with a single JSON object: {"pass": <bool>, "confidence": <number 0..1>, "categories": [<string>...]}.
Confidence reflects how certain you are that the analysis is correct.`

func domainExpertUserPrompt(t domain.AnalysisType, schema profile.OutputSchema, raw []byte) string {
	var fields []string
	for _, f := range schema.Fields {
		fields = append(fields, f.Name)
	}
	return fmt.Sprintf(
		"Analysis type: %s\nExpected fields: %s\n\nOutput under review:\n%s\n\nRespond with the verdict object only.",
		t, strings.Join(fields, ", "), raw)
}
