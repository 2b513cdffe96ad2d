// Package engine wraps the external document conversion engine. The
// engine's document-understanding logic is opaque to this service; it is
// handed a file path and an option set and either produces content in
// several formats or reports an error.
package engine

import (
	"context"

	"github.com/docflow-io/docflow/internal/domain"
)

// Output is what a successful conversion produces.
type Output struct {
	Markdown         string         `json:"markdown"`
	HTML             string         `json:"html"`
	Structured       map[string]any `json:"structured"`
	Pages            int            `json:"pages"`
	ElementsDetected int            `json:"elements_detected"`
	ModelUsed        string         `json:"model_used"`
}

// Engine converts one document. Convert may take seconds to minutes and
// must honor ctx cancellation as a best-effort stop signal.
type Engine interface {
	Convert(ctx context.Context, path string, options domain.Options) (*Output, error)
}
