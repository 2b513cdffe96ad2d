package domain

import (
	"errors"
	"fmt"
	"time"
)

const (
	JobStatePending    = "pending"
	JobStateProcessing = "processing"
	JobStateCompleted  = "completed"
	JobStateFailed     = "failed"
)

// CancelledByUser is the error message recorded when a job is cancelled
// before reaching a terminal state on its own.
const CancelledByUser = "cancelled by user"

var (
	ErrNotFound     = errors.New("job not found")
	ErrInvalidState = errors.New("operation not allowed for current job state")
)

// Options is the conversion option snapshot taken when a job is created.
// A retry reuses the original snapshot.
type Options map[string]any

var allowedOptionKeys = map[string]struct{}{
	"output_format":    {},
	"include_images":   {},
	"extract_tables":   {},
	"extract_formulas": {},
	"ocr_language":     {},
	"quality":          {},
}

func (o Options) Validate() error {
	for key := range o {
		if _, ok := allowedOptionKeys[key]; !ok {
			return fmt.Errorf("unsupported option: %s", key)
		}
	}
	return nil
}

func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	cloned := make(Options, len(o))
	for k, v := range o {
		cloned[k] = v
	}
	return cloned
}

// ConversionResult is the engine output kept on a completed job, plus the
// measured processing duration.
type ConversionResult struct {
	Markdown                  string
	HTML                      string
	Structured                map[string]any
	Pages                     int
	ElementsDetected          int
	ModelUsed                 string
	FileType                  string
	ProcessingDurationSeconds float64
}

func (r *ConversionResult) Clone() *ConversionResult {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.Structured != nil {
		cloned.Structured = make(map[string]any, len(r.Structured))
		for k, v := range r.Structured {
			cloned.Structured[k] = v
		}
	}
	return &cloned
}

// Job is one submitted conversion task. Result is non-nil exactly when
// State is completed; Error is non-empty exactly when State is failed.
type Job struct {
	ID                string
	SourceFilename    string
	SourcePath        string
	SourceContentType string
	SizeBytes         int64
	Options           Options
	WebhookURL        string
	State             string
	Progress          int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Result            *ConversionResult
	Error             string
}

func (j Job) Terminal() bool {
	return j.State == JobStateCompleted || j.State == JobStateFailed
}

func (j Job) CanCancel() bool {
	return j.State == JobStatePending || j.State == JobStateProcessing
}

func (j Job) CanRetry() bool {
	return j.State == JobStateFailed
}

// Clone deep-copies the mutable parts so a stored record can never be
// changed through a snapshot handed to a reader.
func (j Job) Clone() Job {
	cloned := j
	cloned.Options = j.Options.Clone()
	cloned.Result = j.Result.Clone()
	if j.StartedAt != nil {
		t := *j.StartedAt
		cloned.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cloned.CompletedAt = &t
	}
	return cloned
}
