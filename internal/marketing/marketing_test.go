package marketing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/raine/product-gate/internal/gatekeeper"
	"github.com/raine/product-gate/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type generatorMock struct {
	mock.Mock
}

func (m *generatorMock) Generate(ctx context.Context, result *gatekeeper.Result, ann *vision.AnnotationResult) (*Content, error) {
	args := m.Called(ctx, result, ann)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Content), args.Error(1)
}

func approved(score int) *gatekeeper.Result {
	return &gatekeeper.Result{Score: score, Passed: true, CanProceedToMarketing: true}
}

func rejectedResult(reason string) *gatekeeper.Result {
	return &gatekeeper.Result{Score: 10, RejectionReason: &reason}
}

var juice = &vision.AnnotationResult{
	Labels:       []vision.Annotation{{Description: "Bottle", Score: 0.9}, {Description: "Drink", Score: 0.8}},
	DetectedText: "SUNNY Orange Juice 100% pressed",
	Logos:        []vision.Annotation{{Description: "Sunny Co", Score: 0.7}},
}

func TestTemplateGenerator(t *testing.T) {
	c, err := TemplateGenerator{}.Generate(context.Background(), approved(45), juice)
	require.NoError(t, err)

	assert.Equal(t, "Sunny Co", c.Brand)
	assert.Equal(t, "Bottle", c.Category)
	assert.Equal(t, "Sunny Co Bottle", c.ProductDescription)
	assert.Equal(t, "Sunny Co Bottle delivers exceptional quality with carefully selected ingredients for superior taste and convenience. Perfect for discerning customers seeking reliable, premium products.", c.Message)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)
}

func TestTemplateGenerator_BrandFallbacks(t *testing.T) {
	ctx := context.Background()

	c, err := TemplateGenerator{}.Generate(ctx, approved(50), &vision.AnnotationResult{DetectedText: "  ACME cola"})
	require.NoError(t, err)
	assert.Equal(t, "ACME", c.Brand)
	assert.Equal(t, "Product", c.Category)

	c, err = TemplateGenerator{}.Generate(ctx, approved(50), nil)
	require.NoError(t, err)
	assert.Equal(t, "Premium", c.Brand)
	assert.Equal(t, "Premium Product", c.ProductDescription)
	assert.Equal(t, 1.0, c.Confidence)
}

func TestTemplateGenerator_Rejected(t *testing.T) {
	_, err := TemplateGenerator{}.Generate(context.Background(), rejectedResult("Policy score too low: 10/45"), juice)
	assert.ErrorIs(t, err, ErrGatekeeperRejected)
	assert.ErrorContains(t, err, "Policy score too low: 10/45")
}

func TestProduce_Primary(t *testing.T) {
	ctx := context.Background()
	res := approved(50)
	want := &Content{Message: "Great juice", GeneratedBy: "primary"}

	primary := new(generatorMock)
	primary.On("Generate", ctx, res, juice).Return(want, nil)
	fallback := new(generatorMock)

	out := Produce(ctx, primary, fallback, res, juice)
	require.NoError(t, out.Err)
	assert.Same(t, want, out.Content)
	assert.False(t, out.Fallback)
	fallback.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProduce_FallbackOnProviderError(t *testing.T) {
	ctx := context.Background()
	res := approved(45)

	primary := new(generatorMock)
	primary.On("Generate", ctx, res, juice).Return(nil, &ProviderError{Provider: "gemini", Err: errors.New("429 quota")})

	out := Produce(ctx, primary, TemplateGenerator{}, res, juice)
	require.NoError(t, out.Err)
	assert.True(t, out.Fallback)
	assert.Equal(t, "Template Marketing Agent (API Fallback)", out.Content.GeneratedBy)
	assert.Equal(t, "API Error: 429 quota", out.Content.Note)
}

func TestProduce_OtherErrorsAreNotMasked(t *testing.T) {
	ctx := context.Background()
	res := approved(45)

	primary := new(generatorMock)
	primary.On("Generate", ctx, res, juice).Return(nil, context.Canceled)
	fallback := new(generatorMock)

	out := Produce(ctx, primary, fallback, res, juice)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Nil(t, out.Content)
	fallback.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
}

func TestProduce_Rejected(t *testing.T) {
	primary := new(generatorMock)
	fallback := new(generatorMock)

	out := Produce(context.Background(), primary, fallback, rejectedResult("Not suitable for ecommerce: No product detected"), juice)
	assert.ErrorIs(t, out.Err, ErrGatekeeperRejected)
	assert.Nil(t, out.Content)
	assert.False(t, out.Fallback)
	primary.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)

	out = Produce(context.Background(), primary, fallback, nil, juice)
	assert.ErrorIs(t, out.Err, ErrGatekeeperRejected)
	assert.ErrorContains(t, out.Err, "Unknown")
}

func TestProduce_NoFallback(t *testing.T) {
	ctx := context.Background()
	res := approved(45)
	primary := new(generatorMock)
	primary.On("Generate", ctx, res, juice).Return(nil, &ProviderError{Provider: "gemini", Err: errors.New("down")})

	out := Produce(ctx, primary, nil, res, juice)
	var pe *ProviderError
	assert.ErrorAs(t, out.Err, &pe)
	assert.Equal(t, "gemini: down", out.Error())
}

func TestBuildPrompt(t *testing.T) {
	ann := &vision.AnnotationResult{
		DetectedText: strings.Repeat("a", 900),
		Logos:        []vision.Annotation{{Description: "A"}, {Description: "B"}},
	}
	for _, l := range []string{"l1", "l2", "l3", "l4", "l5", "l6"} {
		ann.Labels = append(ann.Labels, vision.Annotation{Description: l})
	}

	p := BuildPrompt(ann)
	assert.True(t, strings.HasPrefix(p, "Analyze this product package"))
	assert.Contains(t, p, "Detected Labels: l1, l2, l3, l4, l5\n")
	assert.Contains(t, p, "Brand Logos: A, B\n")
	assert.Contains(t, p, strings.Repeat("a", 800)+"\n")
	assert.NotContains(t, p, strings.Repeat("a", 801))
	assert.Contains(t, p, "100% all-natural")
	assert.NotContains(t, p, "%!")
}

func geminiServer(t *testing.T, status int, text string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error": {"code": 400, "message": "bad request", "status": "INVALID_ARGUMENT"}}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{"role": "model", "parts": []map[string]any{{"text": text}}},
			}},
		})
	}))
}

func TestGeminiGenerator(t *testing.T) {
	ts := geminiServer(t, http.StatusOK, `{"marketing_message": "Sunny Orange Juice is pressed daily.", "brand": "Sunny", "product_description": "Orange Juice", "category": "Beverages"}`)
	defer ts.Close()

	client, err := vision.NewGeminiClient(context.Background(), "test-key", vision.WithBaseURL(ts.URL))
	require.NoError(t, err)

	c, err := NewGeminiGenerator(client).Generate(context.Background(), approved(40), juice)
	require.NoError(t, err)
	assert.Equal(t, "Sunny", c.Brand)
	assert.Equal(t, "Beverages", c.Category)
	assert.Equal(t, "Gemini AI Marketing Agent", c.GeneratedBy)
	assert.InDelta(t, 0.8, c.Confidence, 1e-9)
}

func TestGeminiGenerator_ErrorsAreProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		text   string
	}{
		{"api error", http.StatusBadRequest, ""},
		{"not json", http.StatusOK, "Here is your copy!"},
		{"empty message", http.StatusOK, `{"marketing_message": " ", "brand": "", "product_description": "", "category": ""}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := geminiServer(t, tt.status, tt.text)
			defer ts.Close()

			client, err := vision.NewGeminiClient(context.Background(), "test-key", vision.WithBaseURL(ts.URL))
			require.NoError(t, err)

			_, err = NewGeminiGenerator(client).Generate(context.Background(), approved(40), juice)
			var pe *ProviderError
			assert.ErrorAs(t, err, &pe)
		})
	}
}
