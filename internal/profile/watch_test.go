package profile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lensworks/visionflow/internal/domain"
)

func TestWatchAppliesFileChange(t *testing.T) {
	t.Parallel()
	dir := writeTree(t)
	reg, err := NewRegistry(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = reg.Watch(ctx, 50*time.Millisecond) }()
	time.Sleep(100 * time.Millisecond) // let the watcher register

	doc := `analysis_type: colors
version: "3.0.0"
model:
  name: qwen2.5vl:32b
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
prohibited_phrases: []
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "analysis", "colors.yaml"), []byte(doc), 0o644))

	require.Eventually(t, func() bool {
		prof, err := reg.AnalysisProfile(domain.TypeColors)
		return err == nil && prof.Version == "3.0.0"
	}, 5*time.Second, 50*time.Millisecond)
}
