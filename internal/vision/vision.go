package vision

import "context"

// Annotation is a scored label or logo.
type Annotation struct {
	Description string  `json:"description"`
	Score       float64 `json:"score"`
}

// Object is a localized object detection.
type Object struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// AnnotationResult is the structured output of a visual-recognition call.
// Slices keep the order the service returned them in.
type AnnotationResult struct {
	Labels       []Annotation `json:"labels"`
	DetectedText string       `json:"detected_text"`
	Logos        []Annotation `json:"logos"`
	Objects      []Object     `json:"objects"`
}

// Usage contains token usage and cost information.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	CostUSD      float64
}

// Annotator produces annotations for an image.
type Annotator interface {
	Annotate(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error)
}

// Refresher is implemented by annotators that can skip their cache. Retry
// iterations use it so a rejected annotation is not served again.
type Refresher interface {
	AnnotateFresh(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error)
}

// LabelNames returns up to n label descriptions in order. n <= 0 means all.
func (a *AnnotationResult) LabelNames(n int) []string {
	if a == nil {
		return nil
	}
	labels := a.Labels
	if n > 0 && len(labels) > n {
		labels = labels[:n]
	}
	names := make([]string, 0, len(labels))
	for _, l := range labels {
		names = append(names, l.Description)
	}
	return names
}

// LogoNames returns every logo description in order.
func (a *AnnotationResult) LogoNames() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Logos))
	for _, l := range a.Logos {
		names = append(names, l.Description)
	}
	return names
}

// ObjectNames returns every object name in order.
func (a *AnnotationResult) ObjectNames() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Objects))
	for _, o := range a.Objects {
		names = append(names, o.Name)
	}
	return names
}
