// Package profile loads, validates, and serves the analysis and corrective
// configuration profiles. The active set is an immutable snapshot swapped
// atomically on reload; readers pin a snapshot per task.
package profile

import (
	"time"

	"github.com/lensworks/visionflow/internal/domain"
)

// ModelSettings are the model parameters a profile pins for its calls.
type ModelSettings struct {
	Name            string  `yaml:"name" validate:"required"`
	Temperature     float64 `yaml:"temperature" validate:"gte=0,lte=2"`
	TopP            float64 `yaml:"top_p" validate:"gte=0,lte=1"`
	TopK            int     `yaml:"top_k" validate:"gte=0"`
	ContextSize     int     `yaml:"context_size" validate:"gte=1024,lte=131072"`
	MaxOutputTokens int     `yaml:"max_output_tokens" validate:"required,gt=0"`
}

// Params converts the settings to per-call model parameters.
func (m ModelSettings) Params() domain.ModelParams {
	return domain.ModelParams{
		Temperature: m.Temperature,
		TopP:        m.TopP,
		TopK:        m.TopK,
		NumCtx:      m.ContextSize,
		MaxTokens:   m.MaxOutputTokens,
	}
}

// FieldSpec declares one field of a profile's output schema. Structural QA
// checks presence, type, enum membership, bounds, and regex shape.
type FieldSpec struct {
	Name      string   `yaml:"name" validate:"required"`
	Type      string   `yaml:"type" validate:"required,oneof=string number integer boolean array object"`
	Required  bool     `yaml:"required"`
	Enum      []string `yaml:"enum"`
	Pattern   string   `yaml:"pattern"`
	MinLength int      `yaml:"min_length" validate:"gte=0"`
	MaxLength int      `yaml:"max_length" validate:"gte=0"`
	ItemType  string   `yaml:"item_type"`
	MinItems  int      `yaml:"min_items" validate:"gte=0"`
	MaxItems  int      `yaml:"max_items" validate:"gte=0"`
}

// OutputSchema is the declared shape of a model response.
type OutputSchema struct {
	Fields []FieldSpec `yaml:"fields" validate:"required,min=1,dive"`
}

// Prompts carries the system and user templates and their declared
// placeholders. Undeclared placeholders are rejected at load time.
type Prompts struct {
	System       Template `yaml:"system" validate:"required"`
	User         Template `yaml:"user" validate:"required"`
	Placeholders []string `yaml:"placeholders"`
}

// VisionSettings are preprocessing hints passed to the image provider.
type VisionSettings struct {
	MaxEdgePixels       int  `yaml:"max_edge_pixels" validate:"omitempty,gte=64,lte=4096"`
	PreserveAspectRatio bool `yaml:"preserve_aspect_ratio"`
}

// QASettings bound the corrective loop for this profile.
type QASettings struct {
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=5"`
	// DomainConfidenceThreshold fails T3 results scoring below it. Per
	// profile, defaulting to 0.8.
	DomainConfidenceThreshold float64 `yaml:"domain_confidence_threshold" validate:"gte=0,lte=1"`
}

// AnalysisProfile is the immutable, versioned bundle of model parameters,
// prompts, and validation rules for one analysis type.
type AnalysisProfile struct {
	Type              domain.AnalysisType `yaml:"analysis_type" validate:"required"`
	Version           string              `yaml:"version" validate:"required"`
	Model             ModelSettings       `yaml:"model" validate:"required"`
	Prompts           Prompts             `yaml:"prompts" validate:"required"`
	Schema            OutputSchema        `yaml:"output_schema" validate:"required"`
	ProhibitedPhrases *[]string           `yaml:"prohibited_phrases" validate:"required"`
	Vision            VisionSettings      `yaml:"vision"`
	QA                QASettings          `yaml:"qa"`
}

// Prohibited returns the prohibited-phrase list; an empty list accepts
// anything T2 does not otherwise reject.
func (p *AnalysisProfile) Prohibited() []string {
	if p.ProhibitedPhrases == nil {
		return nil
	}
	return *p.ProhibitedPhrases
}

// CorrectiveStage is the corrective configuration for one (type, tier) pair.
type CorrectiveStage struct {
	Type     domain.AnalysisType `yaml:"analysis_type" validate:"required"`
	Tier     domain.Tier         `yaml:"tier" validate:"required"`
	Version  string              `yaml:"version" validate:"required"`
	PromptID string              `yaml:"prompt_id" validate:"required"`
	Model    ModelSettings       `yaml:"model" validate:"required"`
	Template Template            `yaml:"template" validate:"required"`
	// Placeholders the template consumes; {{IMAGE}} and {{PRIOR_OUTPUT}}
	// are mandatory for corrective templates.
	Placeholders []string `yaml:"placeholders"`
}

// Set is one immutable, validated profile set. Replaced wholesale on reload.
type Set struct {
	Analysis   map[domain.AnalysisType]*AnalysisProfile
	Corrective map[domain.AnalysisType]map[domain.Tier]*CorrectiveStage
	LoadedAt   time.Time
	Checksum   string
}

// AnalysisProfile returns the profile for t.
func (s *Set) AnalysisProfile(t domain.AnalysisType) (*AnalysisProfile, error) {
	p, ok := s.Analysis[t]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return p, nil
}

// CorrectiveStage returns the corrective stage for (t, tier).
func (s *Set) CorrectiveStage(t domain.AnalysisType, tier domain.Tier) (*CorrectiveStage, error) {
	byTier, ok := s.Corrective[t]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c, ok := byTier[tier]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return c, nil
}
