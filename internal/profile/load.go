package profile

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lensworks/visionflow/internal/domain"
)

// Directory layout under the config root:
//
//	analysis/<type>.yaml              one analysis profile per type
//	corrective/<type>/<tier>.yaml     one corrective stage per (type, tier)
const (
	analysisSubdir   = "analysis"
	correctiveSubdir = "corrective"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads and validates the full profile tree. Any invalid document fails
// the whole load; callers decide whether that is fatal (startup) or keeps a
// prior set (reload).
func Load(dir string) (*Set, error) {
	set := &Set{
		Analysis:   make(map[domain.AnalysisType]*AnalysisProfile, 21),
		Corrective: make(map[domain.AnalysisType]map[domain.Tier]*CorrectiveStage, 21),
		LoadedAt:   time.Now().UTC(),
	}
	sum := sha256.New()

	analysisDir := filepath.Join(dir, analysisSubdir)
	entries, err := os.ReadDir(analysisDir)
	if err != nil {
		return nil, fmt.Errorf("op=profile.load: read %s: %w", analysisDir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(analysisDir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("op=profile.load: %w", err)
		}
		p, err := parseAnalysisProfile(raw)
		if err != nil {
			return nil, fmt.Errorf("op=profile.load: %s: %w", e.Name(), err)
		}
		if _, dup := set.Analysis[p.Type]; dup {
			return nil, fmt.Errorf("op=profile.load: duplicate analysis profile for %q in %s", p.Type, e.Name())
		}
		set.Analysis[p.Type] = p
		sum.Write(raw)
	}

	for _, t := range domain.AllAnalysisTypes() {
		byTier := make(map[domain.Tier]*CorrectiveStage, 3)
		for _, tier := range domain.TierOrder() {
			path := filepath.Join(dir, correctiveSubdir, string(t), string(tier)+".yaml")
			raw, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("op=profile.load: corrective stage %s/%s: %w", t, tier, err)
			}
			c, err := parseCorrectiveStage(raw)
			if err != nil {
				return nil, fmt.Errorf("op=profile.load: corrective %s/%s: %w", t, tier, err)
			}
			if c.Type != t || c.Tier != tier {
				return nil, fmt.Errorf("op=profile.load: corrective %s/%s declares (%s, %s)", t, tier, c.Type, c.Tier)
			}
			byTier[tier] = c
			sum.Write(raw)
		}
		set.Corrective[t] = byTier
	}

	if err := checkComplete(set); err != nil {
		return nil, err
	}
	set.Checksum = hex.EncodeToString(sum.Sum(nil))
	return set, nil
}

func parseAnalysisProfile(raw []byte) (*AnalysisProfile, error) {
	var p AnalysisProfile
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyAnalysisDefaults(&p)
	if !p.Type.Valid() {
		return nil, fmt.Errorf("unknown analysis type %q", p.Type)
	}
	if err := validate.Struct(&p); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	declared := p.Prompts.Placeholders
	if err := p.Prompts.System.CheckDeclared(declared); err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	}
	if err := p.Prompts.User.CheckDeclared(declared); err != nil {
		return nil, fmt.Errorf("user prompt: %w", err)
	}
	for _, f := range p.Schema.Fields {
		if f.Pattern != "" {
			if _, err := regexp.Compile(f.Pattern); err != nil {
				return nil, fmt.Errorf("field %q pattern: %w", f.Name, err)
			}
		}
		if f.MaxLength > 0 && f.MinLength > f.MaxLength {
			return nil, fmt.Errorf("field %q: min_length exceeds max_length", f.Name)
		}
		if f.MaxItems > 0 && f.MinItems > f.MaxItems {
			return nil, fmt.Errorf("field %q: min_items exceeds max_items", f.Name)
		}
	}
	return &p, nil
}

func parseCorrectiveStage(raw []byte) (*CorrectiveStage, error) {
	var c CorrectiveStage
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	applyCorrectiveDefaults(&c)
	if !c.Type.Valid() {
		return nil, fmt.Errorf("unknown analysis type %q", c.Type)
	}
	if !c.Tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", c.Tier)
	}
	if err := validate.Struct(&c); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	if err := c.Template.CheckDeclared(c.Placeholders); err != nil {
		return nil, err
	}
	for _, required := range []string{PlaceholderImage, PlaceholderPriorOutput} {
		if !c.Template.Contains(required) {
			return nil, fmt.Errorf("corrective template missing required placeholder {{%s}}", required)
		}
	}
	return &c, nil
}

func applyAnalysisDefaults(p *AnalysisProfile) {
	if p.QA.MaxAttempts == 0 {
		p.QA.MaxAttempts = domain.MaxTierAttempts
	}
	if p.QA.DomainConfidenceThreshold == 0 {
		p.QA.DomainConfidenceThreshold = 0.8
	}
}

func applyCorrectiveDefaults(c *CorrectiveStage) {
	if len(c.Placeholders) == 0 {
		c.Placeholders = []string{PlaceholderImage, PlaceholderPriorOutput}
	}
}

// checkComplete enforces the closed set: all 21 types with one analysis
// profile and three corrective stages each.
func checkComplete(set *Set) error {
	var missing []string
	for _, t := range domain.AllAnalysisTypes() {
		if _, ok := set.Analysis[t]; !ok {
			missing = append(missing, fmt.Sprintf("analysis/%s", t))
		}
		for _, tier := range domain.TierOrder() {
			if _, ok := set.Corrective[t][tier]; !ok {
				missing = append(missing, fmt.Sprintf("corrective/%s/%s", t, tier))
			}
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("op=profile.load: incomplete profile set, missing %v", missing)
	}
	return nil
}
