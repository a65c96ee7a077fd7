// Package policy loads the scoring policy that governs the gatekeeper.
// A Policy is immutable once loaded and is shared read-only by every
// scoring call in a run.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxScore is the upper bound of the technical quality score.
const MaxScore = 50

// Format identifies the on-disk encoding of a policy document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// TechnicalRequirements are the minimum image dimensions.
type TechnicalRequirements struct {
	MinWidth  int `json:"min_width" yaml:"min_width"`
	MinHeight int `json:"min_height" yaml:"min_height"`
}

// Scoring holds the passing score on the 0-50 scale.
type Scoring struct {
	Threshold int `json:"threshold" yaml:"threshold"`
}

type ImagePolicy struct {
	TechnicalRequirements TechnicalRequirements `json:"technical_requirements" yaml:"technical_requirements"`
	Scoring               Scoring               `json:"scoring" yaml:"scoring"`
}

type ValidationRules struct {
	MinProductConfidence float64 `json:"min_product_confidence" yaml:"min_product_confidence"`
}

type EcommercePolicy struct {
	ValidationRules ValidationRules `json:"validation_rules" yaml:"validation_rules"`
}

// Rule is an extra gatekeeper check expressed in CEL.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Reason     string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

type GatekeeperPolicy struct {
	Rules []Rule `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// Policy is the scoring policy document.
type Policy struct {
	ImagePolicy     ImagePolicy       `json:"image_policy" yaml:"image_policy"`
	EcommercePolicy EcommercePolicy   `json:"ecommerce_policy" yaml:"ecommerce_policy"`
	Gatekeeper      *GatekeeperPolicy `json:"gatekeeper,omitempty" yaml:"gatekeeper,omitempty"`

	rules []*CompiledRule
}

func (p *Policy) MinWidth() int  { return p.ImagePolicy.TechnicalRequirements.MinWidth }
func (p *Policy) MinHeight() int { return p.ImagePolicy.TechnicalRequirements.MinHeight }
func (p *Policy) Threshold() int { return p.ImagePolicy.Scoring.Threshold }

func (p *Policy) MinProductConfidence() float64 {
	return p.EcommercePolicy.ValidationRules.MinProductConfidence
}

// Rules returns the compiled extra checks in declaration order.
func (p *Policy) Rules() []*CompiledRule {
	return p.rules
}

// Default returns the built-in policy written by `product-gate init`.
func Default() *Policy {
	return &Policy{
		ImagePolicy: ImagePolicy{
			TechnicalRequirements: TechnicalRequirements{MinWidth: 800, MinHeight: 600},
			Scoring:               Scoring{Threshold: 45},
		},
		EcommercePolicy: EcommercePolicy{
			ValidationRules: ValidationRules{MinProductConfidence: 0.5},
		},
	}
}

// LoadError reports a policy file that is missing or malformed.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to load policy: %v", e.Err)
	}
	return fmt.Sprintf("failed to load policy %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// FormatFor picks the decoder from the file extension. Anything that is
// not .yaml or .yml is read as JSON.
func FormatFor(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and validates the policy at path.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	p, err := Parse(data, FormatFor(path))
	if err != nil {
		var le *LoadError
		if errors.As(err, &le) {
			le.Path = path
			return nil, le
		}
		return nil, &LoadError{Path: path, Err: err}
	}
	return p, nil
}

// Parse decodes a policy document. All errors are *LoadError.
func Parse(data []byte, format Format) (*Policy, error) {
	var raw rawPolicy
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &LoadError{Err: fmt.Errorf("invalid yaml: %w", err)}
		}
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &LoadError{Err: fmt.Errorf("invalid json: %w", err)}
		}
	}

	p, err := raw.build()
	if err != nil {
		return nil, &LoadError{Err: err}
	}

	if err := p.validate(); err != nil {
		return nil, &LoadError{Err: err}
	}

	if p.Gatekeeper != nil {
		for i, r := range p.Gatekeeper.Rules {
			compiled, err := CompileRule(r)
			if err != nil {
				return nil, &LoadError{Err: fmt.Errorf("gatekeeper.rules[%d]: %w", i, err)}
			}
			p.rules = append(p.rules, compiled)
		}
	}

	return p, nil
}

// Encode renders the policy as indented JSON.
func (p *Policy) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	return append(data, '\n'), nil
}

func (p *Policy) validate() error {
	if p.MinWidth() < 0 {
		return fmt.Errorf("image_policy.technical_requirements.min_width must be >= 0, got %d", p.MinWidth())
	}
	if p.MinHeight() < 0 {
		return fmt.Errorf("image_policy.technical_requirements.min_height must be >= 0, got %d", p.MinHeight())
	}
	if t := p.Threshold(); t < 0 || t > MaxScore {
		return fmt.Errorf("image_policy.scoring.threshold must be within [0, %d], got %d", MaxScore, t)
	}
	if c := p.MinProductConfidence(); c < 0 || c > 1 {
		return fmt.Errorf("ecommerce_policy.validation_rules.min_product_confidence must be within [0, 1], got %g", c)
	}

	if p.Gatekeeper != nil {
		seen := make(map[string]bool)
		for i, r := range p.Gatekeeper.Rules {
			if r.Name == "" {
				return fmt.Errorf("gatekeeper.rules[%d]: name is required", i)
			}
			if isBuiltinCheck(r.Name) || seen[r.Name] {
				return fmt.Errorf("gatekeeper.rules[%d]: duplicate check name %q", i, r.Name)
			}
			seen[r.Name] = true
		}
	}
	return nil
}

func isBuiltinCheck(name string) bool {
	switch name {
	case "policy_score_passed", "ecommerce_eligible", "min_confidence_met":
		return true
	}
	return false
}

// rawPolicy mirrors Policy with pointer leaves so absent keys can be told
// apart from zero values.
type rawPolicy struct {
	ImagePolicy *struct {
		TechnicalRequirements *struct {
			MinWidth  *int `json:"min_width" yaml:"min_width"`
			MinHeight *int `json:"min_height" yaml:"min_height"`
		} `json:"technical_requirements" yaml:"technical_requirements"`
		Scoring *struct {
			Threshold *int `json:"threshold" yaml:"threshold"`
		} `json:"scoring" yaml:"scoring"`
	} `json:"image_policy" yaml:"image_policy"`
	EcommercePolicy *struct {
		ValidationRules *struct {
			MinProductConfidence *float64 `json:"min_product_confidence" yaml:"min_product_confidence"`
		} `json:"validation_rules" yaml:"validation_rules"`
	} `json:"ecommerce_policy" yaml:"ecommerce_policy"`
	Gatekeeper *GatekeeperPolicy `json:"gatekeeper" yaml:"gatekeeper"`
}

func missingKey(key string) error {
	return fmt.Errorf("missing required key %s", key)
}

func (r *rawPolicy) build() (*Policy, error) {
	ip := r.ImagePolicy
	if ip == nil {
		return nil, missingKey("image_policy")
	}
	if ip.TechnicalRequirements == nil {
		return nil, missingKey("image_policy.technical_requirements")
	}
	if ip.TechnicalRequirements.MinWidth == nil {
		return nil, missingKey("image_policy.technical_requirements.min_width")
	}
	if ip.TechnicalRequirements.MinHeight == nil {
		return nil, missingKey("image_policy.technical_requirements.min_height")
	}
	if ip.Scoring == nil {
		return nil, missingKey("image_policy.scoring")
	}
	if ip.Scoring.Threshold == nil {
		return nil, missingKey("image_policy.scoring.threshold")
	}

	ep := r.EcommercePolicy
	if ep == nil {
		return nil, missingKey("ecommerce_policy")
	}
	if ep.ValidationRules == nil {
		return nil, missingKey("ecommerce_policy.validation_rules")
	}
	if ep.ValidationRules.MinProductConfidence == nil {
		return nil, missingKey("ecommerce_policy.validation_rules.min_product_confidence")
	}

	return &Policy{
		ImagePolicy: ImagePolicy{
			TechnicalRequirements: TechnicalRequirements{
				MinWidth:  *ip.TechnicalRequirements.MinWidth,
				MinHeight: *ip.TechnicalRequirements.MinHeight,
			},
			Scoring: Scoring{Threshold: *ip.Scoring.Threshold},
		},
		EcommercePolicy: EcommercePolicy{
			ValidationRules: ValidationRules{
				MinProductConfidence: *ep.ValidationRules.MinProductConfidence,
			},
		},
		Gatekeeper: r.Gatekeeper,
	}, nil
}
