// Package marketing generates ecommerce copy for images the gatekeeper approved.
package marketing

import (
	"context"
	"errors"
	"fmt"

	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/policy"
	"github.com/raine/product-gate/internal/vision"
	"github.com/rs/zerolog/log"
)

// ErrGatekeeperRejected is returned when marketing is requested for an
// image that did not pass the gatekeeper.
var ErrGatekeeperRejected = errors.New("marketing content generation blocked: image rejected by gatekeeper")

// ProviderError wraps a failure of the content provider. Only these errors
// trigger the template fallback.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Content is generated marketing copy.
type Content struct {
	Message            string  `json:"marketing_message"`
	Brand              string  `json:"brand"`
	ProductDescription string  `json:"product_description"`
	Category           string  `json:"category"`
	Confidence         float64 `json:"confidence"`
	GeneratedBy        string  `json:"generated_by"`
	Note               string  `json:"note,omitempty"`
}

// Generator produces marketing content for an approved image.
type Generator interface {
	Generate(ctx context.Context, result *gatekeeper.Result, ann *vision.AnnotationResult) (*Content, error)
}

// Outcome is the result of Produce. Exactly one of Content and Err is set.
type Outcome struct {
	Content  *Content `json:"content,omitempty"`
	Fallback bool     `json:"fallback"`
	Err      error    `json:"-"`
}

// Error returns the error text or "".
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// Produce runs primary and falls back to fallback only when primary fails
// with a *ProviderError. A gatekeeper rejection is never masked.
func Produce(ctx context.Context, primary, fallback Generator, result *gatekeeper.Result, ann *vision.AnnotationResult) Outcome {
	if err := checkApproved(result); err != nil {
		log.Warn().Str("reason", result.Reason()).Msg("marketing blocked by gatekeeper")
		return Outcome{Err: err}
	}

	content, err := primary.Generate(ctx, result, ann)
	if err == nil {
		return Outcome{Content: content}
	}

	var pe *ProviderError
	if !errors.As(err, &pe) || fallback == nil {
		return Outcome{Err: err}
	}

	log.Warn().Err(err).Msg("marketing provider failed, using template fallback")

	content, ferr := fallback.Generate(ctx, result, ann)
	if ferr != nil {
		return Outcome{Err: fmt.Errorf("failed to generate fallback content: %w", errors.Join(err, ferr))}
	}
	content.GeneratedBy += " (API Fallback)"
	content.Note = fmt.Sprintf("API Error: %v", pe.Err)
	return Outcome{Content: content, Fallback: true}
}

func checkApproved(result *gatekeeper.Result) error {
	if result == nil || !result.CanProceedToMarketing {
		reason := "Unknown"
		if r := result.Reason(); r != "" {
			reason = r
		}
		return fmt.Errorf("%w: %s", ErrGatekeeperRejected, reason)
	}
	return nil
}

func confidenceOf(result *gatekeeper.Result) float64 {
	return float64(result.Score) / float64(policy.MaxScore)
}
