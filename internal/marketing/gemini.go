package marketing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lithammer/dedent"
	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/vision"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const (
	geminiModel = "gemini-2.5-flash"

	promptLabels  = 5
	promptTextMax = 800
)

var marketingPrompt = strings.TrimSpace(dedent.Dedent(`
	Analyze this product package and create an ecommerce marketing message:

	Detected Labels: %s
	Brand Logos: %s

	Package Text:
	%s

	Create a compelling 2-3 sentence marketing message that:
	1. Extracts the actual product name and key benefits from the package text
	2. Uses natural, conversational ecommerce language
	3. Highlights what customers care about (ingredients, quality, convenience, etc.)
	4. Stays under 800 characters
	5. Follows this example format: "[Brand] [Product] are made with [key ingredients from package] for [benefit]. [Additional selling point from package]. [Convenience factor]."

	Example: "Tyson Lightly Breaded Chicken Breast Strips are made with 100%% all-natural ingredients and real chicken breast with rib meat for a simple, flavorful meal. Enhanced with chicken broth for juiciness, offering convenient protein for families."
`))

var contentSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"marketing_message":   {Type: genai.TypeString},
		"brand":               {Type: genai.TypeString},
		"product_description": {Type: genai.TypeString},
		"category":            {Type: genai.TypeString},
	},
	Required:         []string{"marketing_message", "brand", "product_description", "category"},
	PropertyOrdering: []string{"marketing_message", "brand", "product_description", "category"},
}

// GeminiGenerator writes marketing copy with Gemini.
type GeminiGenerator struct {
	client *genai.Client
	model  string
}

// NewGeminiGenerator wraps an existing client.
func NewGeminiGenerator(client *genai.Client) *GeminiGenerator {
	return &GeminiGenerator{client: client, model: geminiModel}
}

// BuildPrompt renders the marketing prompt for an annotation.
func BuildPrompt(ann *vision.AnnotationResult) string {
	text := ""
	if ann != nil {
		text = ann.DetectedText
	}
	if r := []rune(text); len(r) > promptTextMax {
		text = string(r[:promptTextMax])
	}
	return fmt.Sprintf(marketingPrompt,
		strings.Join(ann.LabelNames(promptLabels), ", "),
		strings.Join(ann.LogoNames(), ", "),
		text,
	)
}

func (g *GeminiGenerator) Generate(ctx context.Context, result *gatekeeper.Result, ann *vision.AnnotationResult) (*Content, error) {
	if err := checkApproved(result); err != nil {
		return nil, err
	}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   contentSchema,
	}

	res, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{genai.NewPartFromText(BuildPrompt(ann))}, genai.RoleUser),
	}, config)
	if err != nil {
		return nil, g.providerError(fmt.Errorf("failed to generate content: %w", err))
	}

	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil || len(res.Candidates[0].Content.Parts) == 0 {
		return nil, g.providerError(fmt.Errorf("empty response from gemini"))
	}

	jsonStr, err := vision.ExtractJSONObject(res.Text())
	if err != nil {
		return nil, g.providerError(err)
	}

	var content Content
	if err := json.Unmarshal([]byte(jsonStr), &content); err != nil {
		return nil, g.providerError(fmt.Errorf("failed to parse marketing json: %w (response: %s)", err, jsonStr))
	}
	if strings.TrimSpace(content.Message) == "" {
		return nil, g.providerError(fmt.Errorf("gemini returned an empty marketing message"))
	}

	content.Confidence = confidenceOf(result)
	content.GeneratedBy = "Gemini AI Marketing Agent"
	content.Note = ""

	if res.UsageMetadata != nil {
		log.Info().
			Str("model", g.model).
			Int("inputTokens", int(res.UsageMetadata.PromptTokenCount)).
			Int("outputTokens", int(res.UsageMetadata.CandidatesTokenCount)).
			Str("brand", content.Brand).
			Msg("marketing llm call")
	}

	return &content, nil
}

func (g *GeminiGenerator) providerError(err error) error {
	return &ProviderError{Provider: "gemini", Err: err}
}
