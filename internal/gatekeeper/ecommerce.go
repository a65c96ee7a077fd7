package gatekeeper

import (
	"fmt"
	"strings"

	"github.com/raine/product-gate/internal/policy"
	"github.com/raine/product-gate/internal/vision"
)

// productKeywords are matched as case-insensitive substrings of label
// descriptions.
var productKeywords = []string{
	"product", "bottle", "can", "package", "box", "container", "food", "drink", "beverage",
}

const reasonNoProduct = "No product detected"

// EcommerceValidation reports whether the annotated image shows a sellable product.
type EcommerceValidation struct {
	IsSellable              bool    `json:"is_sellable"`
	Confidence              float64 `json:"confidence"`
	Reason                  string  `json:"reason"`
	HasBrandLogos           bool    `json:"has_brand_logos"`
	HasProductText          bool    `json:"has_product_text"`
	MeetsPolicyRequirements bool    `json:"meets_policy_requirements"`
}

// ValidateEcommerce checks labels in annotation order and stops at the
// first product-like one; later matches are not considered even if they
// score higher.
func ValidateEcommerce(a *vision.AnnotationResult, p *policy.Policy) EcommerceValidation {
	if a == nil {
		a = &vision.AnnotationResult{}
	}

	confidence := 0.0
	matched := false
	reason := reasonNoProduct

	for _, label := range a.Labels {
		if isProductLabel(label.Description) {
			confidence = max(confidence, label.Score)
			matched = true
			reason = fmt.Sprintf("Product detected: %s", label.Description)
			break
		}
	}

	meets := confidence >= p.MinProductConfidence()

	return EcommerceValidation{
		IsSellable:              matched && meets,
		Confidence:              confidence,
		Reason:                  reason,
		HasBrandLogos:           len(a.Logos) > 0,
		HasProductText:          a.DetectedText != "",
		MeetsPolicyRequirements: meets,
	}
}

func isProductLabel(description string) bool {
	d := strings.ToLower(description)
	for _, kw := range productKeywords {
		if strings.Contains(d, kw) {
			return true
		}
	}
	return false
}
