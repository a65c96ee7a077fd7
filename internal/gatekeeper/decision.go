package gatekeeper

import (
	"fmt"
	"strings"

	"github.com/raine/product-gate/internal/policy"
	"github.com/raine/product-gate/internal/vision"
	"github.com/rs/zerolog/log"
)

// Built-in check names in priority order.
const (
	CheckPolicyScore   = "policy_score_passed"
	CheckEcommerce     = "ecommerce_eligible"
	CheckMinConfidence = "min_confidence_met"
)

// Check is one named gatekeeper check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// Result is the gatekeeper verdict for one image.
type Result struct {
	Score                 int                 `json:"score"`
	PolicyDetails         []string            `json:"policy_details"`
	EcommerceValidation   EcommerceValidation `json:"ecommerce_validation"`
	Checks                []Check             `json:"gatekeeper_checks"`
	Passed                bool                `json:"passed"`
	RejectionReason       *string             `json:"rejection_reason"`
	CanProceedToMarketing bool                `json:"can_proceed_to_marketing"`
	Error                 string              `json:"error,omitempty"`
}

// CheckMap returns the checks keyed by name.
func (r *Result) CheckMap() map[string]bool {
	m := make(map[string]bool, len(r.Checks))
	for _, c := range r.Checks {
		m[c.Name] = c.Passed
	}
	return m
}

// Reason returns the rejection reason or "" when the image passed.
func (r *Result) Reason() string {
	if r == nil || r.RejectionReason == nil {
		return ""
	}
	return *r.RejectionReason
}

// ScoringError is an unexpected failure inside evaluation.
type ScoringError struct {
	Err error
}

func (e *ScoringError) Error() string { return e.Err.Error() }

func (e *ScoringError) Unwrap() error { return e.Err }

// Engine combines the image score, the ecommerce validation and any policy
// rules into a single verdict.
type Engine struct {
	Policy *policy.Policy
}

// NewEngine returns an engine for p.
func NewEngine(p *policy.Policy) *Engine {
	return &Engine{Policy: p}
}

// Evaluate never fails: unexpected errors and panics become a rejected
// Result with a "Scoring error" reason.
func (e *Engine) Evaluate(data []byte, a *vision.AnnotationResult) Result {
	res, err := e.evaluate(data, a)
	if err != nil {
		log.Error().Err(err).Msg("gatekeeper evaluation failed")
		return scoringErrorResult(err)
	}

	log.Debug().
		Int("score", res.Score).
		Bool("passed", res.Passed).
		Str("reason", res.Reason()).
		Msg("gatekeeper evaluated")
	return res
}

func scoringErrorResult(err error) Result {
	reason := fmt.Sprintf("Scoring error: %s", err.Error())
	checks := []Check{
		{Name: CheckPolicyScore, Passed: false},
		{Name: CheckEcommerce, Passed: false},
		{Name: CheckMinConfidence, Passed: false},
	}
	return Result{
		Score:                 0,
		Checks:                checks,
		Passed:                false,
		RejectionReason:       &reason,
		CanProceedToMarketing: false,
		Error:                 err.Error(),
	}
}

func (e *Engine) evaluate(data []byte, a *vision.AnnotationResult) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ScoringError{Err: fmt.Errorf("%v", r)}
		}
	}()

	if e.Policy == nil {
		return Result{}, &ScoringError{Err: fmt.Errorf("no policy loaded")}
	}

	score, meta := scoreImage(data, e.Policy)
	ecom := ValidateEcommerce(a, e.Policy)

	minConf := ecom.Confidence >= e.Policy.MinProductConfidence()
	checks := []Check{
		{Name: CheckPolicyScore, Passed: score.Passed},
		{Name: CheckEcommerce, Passed: ecom.IsSellable},
		{Name: CheckMinConfidence, Passed: minConf},
	}

	var reason *string
	switch {
	case !score.Passed:
		reason = reasonf("Policy score too low: %d/%d", score.Score, score.Threshold)
	case !ecom.IsSellable:
		reason = reasonf("Not suitable for ecommerce: %s", ecom.Reason)
	case !minConf:
		reason = reasonf("Confidence too low: %.2f", ecom.Confidence)
	}

	if rules := e.Policy.Rules(); len(rules) > 0 {
		in := ruleInput(score, meta, ecom, a)
		for _, rule := range rules {
			ok, err := rule.Eval(in)
			if err != nil {
				return Result{}, &ScoringError{Err: err}
			}
			checks = append(checks, Check{Name: rule.Name, Passed: ok})
			if !ok && reason == nil {
				reason = reasonf("%s", rule.FailureReason())
			}
		}
	}

	passed := reason == nil
	return Result{
		Score:                 score.Score,
		PolicyDetails:         score.Details,
		EcommerceValidation:   ecom,
		Checks:                checks,
		Passed:                passed,
		RejectionReason:       reason,
		CanProceedToMarketing: passed,
		Error:                 score.Error,
	}, nil
}

func reasonf(format string, args ...any) *string {
	s := fmt.Sprintf(format, args...)
	return &s
}

func ruleInput(score PolicyScore, meta ImageMetadata, ecom EcommerceValidation, a *vision.AnnotationResult) policy.RuleInput {
	return policy.RuleInput{
		Score:          score.Score,
		Threshold:      score.Threshold,
		Width:          meta.Width,
		Height:         meta.Height,
		ColorMode:      meta.ColorMode,
		Confidence:     ecom.Confidence,
		IsSellable:     ecom.IsSellable,
		HasBrandLogos:  ecom.HasBrandLogos,
		HasProductText: ecom.HasProductText,
		Labels:         lower(a.LabelNames(0)),
		Logos:          lower(a.LogoNames()),
		Objects:        lower(a.ObjectNames()),
	}
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}
