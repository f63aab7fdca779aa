// Package artifact persists raw model outputs on the local filesystem so
// every QA verdict can be audited and replayed against the exact bytes the
// model produced.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/lensworks/visionflow/internal/domain"
)

// Store implements domain.ArtifactStore. Layout: <root>/<task_id>/attempt-<n>.json.
// Writes go through a temp file and rename so readers never see a torn
// artifact.
type Store struct {
	root string
}

// New creates the root directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("op=artifact.new: %w", err)
	}
	return &Store{root: root}, nil
}

// Save writes one attempt's raw output and returns its path relative to the
// store root.
func (s *Store) Save(_ domain.Context, taskID string, attempt int, data []byte) (string, error) {
	if taskID == "" || strings.ContainsAny(taskID, "/\\") {
		return "", fmt.Errorf("op=artifact.save: bad task id %q: %w", taskID, domain.ErrInvalidArgument)
	}
	dir := filepath.Join(s.root, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("op=artifact.save: %w", err)
	}
	rel := filepath.Join(taskID, fmt.Sprintf("attempt-%d.json", attempt))
	final := filepath.Join(s.root, rel)
	tmp, err := os.CreateTemp(dir, ".attempt-*")
	if err != nil {
		return "", fmt.Errorf("op=artifact.save: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=artifact.save: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=artifact.save: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=artifact.save: %w", err)
	}
	return rel, nil
}

// Load reads an artifact by the path Save returned.
func (s *Store) Load(_ domain.Context, path string) ([]byte, error) {
	full := filepath.Join(s.root, filepath.Clean("/"+path))
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("op=artifact.load: %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=artifact.load: %w", err)
	}
	return data, nil
}
