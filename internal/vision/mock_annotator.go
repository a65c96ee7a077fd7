package vision

import (
	"context"
	"sync"
)

// MockAnnotator is a test double for Annotator.
// AnnotateFunc can override the default result, which is a single
// "Bottle" label with score 0.9. Thread-safe.
type MockAnnotator struct {
	AnnotateFunc func(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error)

	mu sync.Mutex

	// Calls tracks all method invocations for assertions
	Calls []MockCall
}

// MockCall records a method call for test assertions.
type MockCall struct {
	Method string
	Args   []any
}

var _ Annotator = (*MockAnnotator)(nil)

func (m *MockAnnotator) Annotate(ctx context.Context, imageData []byte, mimeType string) (*AnnotationResult, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Method: "Annotate", Args: []any{len(imageData), mimeType}})
	fn := m.AnnotateFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, imageData, mimeType)
	}
	return &AnnotationResult{
		Labels: []Annotation{{Description: "Bottle", Score: 0.9}},
	}, nil
}

// CallCount returns how many times method was called.
func (m *MockAnnotator) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
