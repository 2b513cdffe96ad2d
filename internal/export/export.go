// Package export renders stored conversion results into downloadable
// files and archives.
package export

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docflow-io/docflow/internal/domain"
)

const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatJSON     = "json"
)

var ErrUnsupportedFormat = errors.New("unsupported export format")

type File struct {
	Filename  string
	MediaType string
	Content   []byte
}

// Render produces the result in the requested format, named after the
// original upload.
func Render(job domain.Job, format string) (File, error) {
	if job.Result == nil {
		return File{}, fmt.Errorf("job %s has no result to render", job.ID)
	}

	base := baseName(job.SourceFilename)
	switch format {
	case FormatMarkdown:
		return File{
			Filename:  base + ".md",
			MediaType: "text/markdown; charset=utf-8",
			Content:   []byte(job.Result.Markdown),
		}, nil
	case FormatHTML:
		return File{
			Filename:  base + ".html",
			MediaType: "text/html; charset=utf-8",
			Content:   []byte(job.Result.HTML),
		}, nil
	case FormatJSON:
		content, err := json.MarshalIndent(job.Result.Structured, "", "  ")
		if err != nil {
			return File{}, fmt.Errorf("encode structured result: %w", err)
		}
		return File{
			Filename:  base + ".json",
			MediaType: "application/json",
			Content:   content,
		}, nil
	default:
		return File{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// BuildArchive writes a zip holding every rendered format, plus a metadata
// file when requested. The caller owns the returned path and should remove
// it after serving.
func BuildArchive(job domain.Job, dir string, includeMetadata bool) (string, error) {
	if job.Result == nil {
		return "", fmt.Errorf("job %s has no result to archive", job.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("docflow_export_%s.zip", job.ID))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}

	w := zip.NewWriter(f)
	archiveErr := writeArchiveEntries(w, job, includeMetadata)
	if closeErr := w.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if closeErr := f.Close(); archiveErr == nil {
		archiveErr = closeErr
	}
	if archiveErr != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("write archive: %w", archiveErr)
	}
	return path, nil
}

func writeArchiveEntries(w *zip.Writer, job domain.Job, includeMetadata bool) error {
	for _, format := range []string{FormatMarkdown, FormatHTML, FormatJSON} {
		file, err := Render(job, format)
		if err != nil {
			return err
		}
		entry, err := w.Create(file.Filename)
		if err != nil {
			return err
		}
		if _, err := entry.Write(file.Content); err != nil {
			return err
		}
	}

	if !includeMetadata {
		return nil
	}

	metadata := map[string]any{
		"job_id":                      job.ID,
		"original_filename":           job.SourceFilename,
		"file_type":                   job.Result.FileType,
		"size_bytes":                  job.SizeBytes,
		"pages":                       job.Result.Pages,
		"elements_detected":           job.Result.ElementsDetected,
		"model_used":                  job.Result.ModelUsed,
		"processing_duration_seconds": job.Result.ProcessingDurationSeconds,
	}
	if job.CompletedAt != nil {
		metadata["completed_at"] = job.CompletedAt.UTC()
	}
	content, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	entry, err := w.Create("metadata.json")
	if err != nil {
		return err
	}
	_, err = entry.Write(content)
	return err
}

func baseName(filename string) string {
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	if base == "" {
		return "document"
	}
	return base
}
