package marketing

import (
	"context"
	"fmt"
	"strings"

	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/vision"
)

const templateMessage = "%s %s delivers exceptional quality with carefully selected ingredients for superior taste and convenience. Perfect for discerning customers seeking reliable, premium products."

// TemplateGenerator builds copy from the annotation alone.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(ctx context.Context, result *gatekeeper.Result, ann *vision.AnnotationResult) (*Content, error) {
	if err := checkApproved(result); err != nil {
		return nil, err
	}

	brand := "Premium"
	if logos := ann.LogoNames(); len(logos) > 0 {
		brand = logos[0]
	} else if ann != nil {
		if words := strings.Fields(ann.DetectedText); len(words) > 0 {
			brand = words[0]
		}
	}

	product := "Product"
	if labels := ann.LabelNames(promptLabels); len(labels) > 0 {
		product = labels[0]
	}

	return &Content{
		Message:            fmt.Sprintf(templateMessage, brand, product),
		Brand:              brand,
		ProductDescription: brand + " " + product,
		Category:           product,
		Confidence:         confidenceOf(result),
		GeneratedBy:        "Template Marketing Agent",
	}, nil
}
