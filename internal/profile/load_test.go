package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lensworks/visionflow/internal/domain"
)

func analysisYAML(t domain.AnalysisType) string {
	return fmt.Sprintf(`analysis_type: %s
version: "1.0.0"
model:
  name: qwen2.5vl:32b
  temperature: 0.1
  context_size: 8192
  max_output_tokens: 512
prompts:
  placeholders: [IMAGE]
  system: Identify findings and answer with one JSON object.
  user: "Analyze this photograph. {{IMAGE}}"
output_schema:
  fields:
    - name: findings
      type: array
      required: true
      item_type: string
      min_items: 1
prohibited_phrases:
  - "as an AI"
`, t)
}

func correctiveYAML(t domain.AnalysisType, tier domain.Tier) string {
	return fmt.Sprintf(`analysis_type: %s
tier: %s
version: "1.0.0"
prompt_id: corr-%s-%s-v1
model:
  name: qwen2.5vl:32b
  temperature: 0.05
  context_size: 8192
  max_output_tokens: 512
template: "Fix your answer. {{IMAGE}} {{PRIOR_OUTPUT}}"
`, t, tier, t, tier)
}

// writeTree lays out a complete, minimal profile tree for every analysis
// type.
func writeTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "analysis"), 0o755))
	for _, at := range domain.AllAnalysisTypes() {
		path := filepath.Join(dir, "analysis", string(at)+".yaml")
		require.NoError(t, os.WriteFile(path, []byte(analysisYAML(at)), 0o644))
		cdir := filepath.Join(dir, "corrective", string(at))
		require.NoError(t, os.MkdirAll(cdir, 0o755))
		for _, tier := range domain.TierOrder() {
			path := filepath.Join(cdir, string(tier)+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(correctiveYAML(at, tier)), 0o644))
		}
	}
	return dir
}

func TestLoadCompleteTree(t *testing.T) {
	t.Parallel()
	set, err := Load(writeTree(t))
	require.NoError(t, err)

	assert.Len(t, set.Analysis, 21)
	assert.Len(t, set.Corrective, 21)
	assert.NotEmpty(t, set.Checksum)

	prof, err := set.AnalysisProfile(domain.TypeColors)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", prof.Version)
	assert.Equal(t, 3, prof.QA.MaxAttempts, "defaulted")
	assert.InDelta(t, 0.8, prof.QA.DomainConfidenceThreshold, 1e-9, "defaulted")

	stage, err := set.CorrectiveStage(domain.TypeWeather, domain.TierDomainExpert)
	require.NoError(t, err)
	assert.Equal(t, "corr-weather-domain_expert-v1", stage.PromptID)
	assert.Equal(t, []string{PlaceholderImage, PlaceholderPriorOutput}, stage.Placeholders)
}

func TestLoadRejectsMissingCorrectiveStage(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "corrective", "colors", "structural.yaml")))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrective")
	assert.Contains(t, err.Error(), "colors")
}

func TestLoadRejectsMissingAnalysisProfile(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	require.NoError(t, os.Remove(filepath.Join(dir, "analysis", "weather.yaml")))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis/weather")
}

func TestLoadRejectsUndeclaredPlaceholder(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	doc := `analysis_type: colors
version: "1.0.0"
model:
  name: qwen2.5vl:32b
  context_size: 8192
  max_output_tokens: 512
prompts:
  placeholders: [IMAGE]
  system: sys
  user: "Analyze. {{IMAGE}} {{MYSTERY}}"
output_schema:
  fields:
    - name: findings
      type: array
      required: true
      item_type: string
prohibited_phrases: []
`
	path := filepath.Join(dir, "analysis", "colors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MYSTERY")
}

func TestLoadRejectsCorrectiveWithoutPriorOutput(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	bad := `analysis_type: colors
tier: structural
version: "1.0.0"
prompt_id: corr-colors-structural-v1
model:
  name: qwen2.5vl:32b
  context_size: 8192
  max_output_tokens: 512
template: "Fix your answer. {{IMAGE}}"
`
	path := filepath.Join(dir, "corrective", "colors", "structural.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRIOR_OUTPUT")
}

func TestLoadRejectsUnknownField(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	doc := analysisYAML(domain.TypeColors) + "surprise_field: true\n"
	path := filepath.Join(dir, "analysis", "colors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsInvalidPattern(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	doc := `analysis_type: colors
version: "1.0.0"
model:
  name: qwen2.5vl:32b
  context_size: 8192
  max_output_tokens: 512
prompts:
  placeholders: [IMAGE]
  system: sys
  user: "u {{IMAGE}}"
output_schema:
  fields:
    - name: code
      type: string
      required: true
      pattern: "([unclosed"
prohibited_phrases: []
`
	path := filepath.Join(dir, "analysis", "colors.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pattern")
}
