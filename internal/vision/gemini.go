package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"google.golang.org/genai"
)

const geminiModel = "gemini-2.5-flash"

// Gemini pricing (per million tokens)
const (
	geminiInputPricePerMillion  = 0.30
	geminiOutputPricePerMillion = 2.50
)

const maxLabels = 10

const annotatePrompt = `Analyze this product photo the way an image-recognition service would.

Return:
- labels: up to 10 short descriptions of what the image shows (for example "Bottle", "Drink", "Sky"), most relevant first, each with a confidence score between 0 and 1
- logos: brand logos that are visible, each with a confidence score between 0 and 1
- objects: distinct physical objects, each with a confidence score between 0 and 1
- detected_text: all readable text in the image, verbatim, or an empty string

Respond ONLY with the JSON object.`

var annotationSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"labels":        scoredListSchema("description"),
		"logos":         scoredListSchema("description"),
		"objects":       scoredListSchema("name"),
		"detected_text": {Type: genai.TypeString},
	},
	Required:         []string{"labels", "logos", "objects", "detected_text"},
	PropertyOrdering: []string{"labels", "logos", "objects", "detected_text"},
}

func scoredListSchema(nameField string) *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeArray,
		Items: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				nameField: {Type: genai.TypeString},
				"score":   {Type: genai.TypeNumber},
			},
			Required: []string{nameField, "score"},
		},
	}
}

// GeminiAnnotator annotates product images with Gemini structured output.
type GeminiAnnotator struct {
	client  *genai.Client
	model   string
	backoff func() retry.Backoff
}

// GeminiOption configures a GeminiAnnotator.
type GeminiOption func(*GeminiAnnotator)

// WithModel overrides the Gemini model name. An empty name keeps the default.
func WithModel(model string) GeminiOption {
	return func(g *GeminiAnnotator) {
		if model != "" {
			g.model = model
		}
	}
}

// WithBaseURL points the client at a different API endpoint.
func WithBaseURL(url string) func(*genai.ClientConfig) {
	return func(c *genai.ClientConfig) { c.HTTPOptions.BaseURL = url }
}

// WithBackoff replaces the retry policy for transient API errors.
func WithBackoff(b func() retry.Backoff) GeminiOption {
	return func(g *GeminiAnnotator) { g.backoff = b }
}

// DefaultBackoff retries twice with Fibonacci delays starting at one second.
func DefaultBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewFibonacci(1*time.Second))
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, apiKey string, opts ...func(*genai.ClientConfig)) (*genai.Client, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, o := range opts {
		o(cfg)
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

// NewGeminiAnnotator wraps an existing client.
func NewGeminiAnnotator(client *genai.Client, opts ...GeminiOption) *GeminiAnnotator {
	g := &GeminiAnnotator{client: client, model: geminiModel, backoff: DefaultBackoff}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Annotate implements Annotator.
func (g *GeminiAnnotator) Annotate(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error) {
	if len(imageData) == 0 {
		return nil, fmt.Errorf("no image provided")
	}
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(annotatePrompt),
			{InlineData: &genai.Blob{Data: imageData, MIMEType: mimeType}},
		}, genai.RoleUser),
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   annotationSchema,
	}

	var result *genai.GenerateContentResponse
	err := retry.Do(ctx, g.backoff(), func(ctx context.Context) error {
		var err error
		result, err = g.client.Models.GenerateContent(ctx, g.model, contents, config)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn().Err(err).Str("model", g.model).Msg("annotation call failed, retrying")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate annotation: %w", err)
	}

	if len(result.Candidates) == 0 || result.Candidates[0].Content == nil || len(result.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from Gemini")
	}

	ann, err := parseAnnotation(result.Text())
	if err != nil {
		return nil, err
	}

	usage := usageOf(result)
	log.Info().
		Str("model", g.model).
		Int("labels", len(ann.Labels)).
		Int("logos", len(ann.Logos)).
		Int("objects", len(ann.Objects)).
		Int64("inputTokens", usage.InputTokens).
		Int64("outputTokens", usage.OutputTokens).
		Float64("costUSD", usage.CostUSD).
		Msg("vision llm call")

	return ann, nil
}

func usageOf(result *genai.GenerateContentResponse) Usage {
	usage := Usage{}
	if result.UsageMetadata != nil {
		usage.InputTokens = int64(result.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int64(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int64(result.UsageMetadata.TotalTokenCount)
		usage.CostUSD = CalculateCost(usage.InputTokens, usage.OutputTokens, geminiInputPricePerMillion, geminiOutputPricePerMillion)
	}
	return usage
}

// CalculateCost returns the USD cost of a call.
func CalculateCost(inputTokens, outputTokens int64, inputPrice, outputPrice float64) float64 {
	inputCost := float64(inputTokens) / 1_000_000 * inputPrice
	outputCost := float64(outputTokens) / 1_000_000 * outputPrice
	return inputCost + outputCost
}

// ExtractJSONObject extracts a JSON object from text that may contain
// markdown code fences or other formatting.
func ExtractJSONObject(text string) (string, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return "", fmt.Errorf("no JSON object found in response: %s", text)
	}
	return text[start : end+1], nil
}

func parseAnnotation(text string) (*AnnotationResult, error) {
	jsonStr, err := ExtractJSONObject(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse annotation JSON: %w", err)
	}

	var ann AnnotationResult
	if err := json.Unmarshal([]byte(jsonStr), &ann); err != nil {
		return nil, fmt.Errorf("failed to parse annotation JSON: %w (response: %s)", err, jsonStr)
	}

	if len(ann.Labels) > maxLabels {
		ann.Labels = ann.Labels[:maxLabels]
	}
	for i := range ann.Labels {
		ann.Labels[i].Score = clampScore(ann.Labels[i].Score)
	}
	for i := range ann.Logos {
		ann.Logos[i].Score = clampScore(ann.Logos[i].Score)
	}
	for i := range ann.Objects {
		ann.Objects[i].Score = clampScore(ann.Objects[i].Score)
	}
	ann.DetectedText = strings.TrimSpace(ann.DetectedText)

	return &ann, nil
}

func clampScore(s float64) float64 {
	return min(max(s, 0), 1)
}
