package export

import (
	"archive/zip"
	"errors"
	"strings"
	"testing"

	"github.com/docflow-io/docflow/internal/domain"
)

func completedJob() domain.Job {
	return domain.Job{
		ID:             "job-1",
		SourceFilename: "quarterly report.pdf",
		State:          domain.JobStateCompleted,
		Result: &domain.ConversionResult{
			Markdown:         "# Quarterly Report",
			HTML:             "<h1>Quarterly Report</h1>",
			Structured:       map[string]any{"title": "Quarterly Report"},
			Pages:            12,
			ElementsDetected: 88,
			ModelUsed:        "granite-docling-258m",
			FileType:         "application/pdf",
		},
	}
}

func TestRenderFormats(t *testing.T) {
	job := completedJob()

	md, err := Render(job, FormatMarkdown)
	if err != nil {
		t.Fatalf("render markdown: %v", err)
	}
	if md.Filename != "quarterly report.md" {
		t.Fatalf("unexpected markdown filename: %q", md.Filename)
	}
	if string(md.Content) != "# Quarterly Report" {
		t.Fatalf("unexpected markdown content: %q", md.Content)
	}

	html, err := Render(job, FormatHTML)
	if err != nil {
		t.Fatalf("render html: %v", err)
	}
	if html.MediaType != "text/html; charset=utf-8" {
		t.Fatalf("unexpected html media type: %q", html.MediaType)
	}

	jsonFile, err := Render(job, FormatJSON)
	if err != nil {
		t.Fatalf("render json: %v", err)
	}
	if !strings.Contains(string(jsonFile.Content), `"title": "Quarterly Report"`) {
		t.Fatalf("structured payload missing from json: %s", jsonFile.Content)
	}
}

func TestRenderUnsupportedFormat(t *testing.T) {
	if _, err := Render(completedJob(), "docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestRenderWithoutResult(t *testing.T) {
	if _, err := Render(domain.Job{ID: "job-2"}, FormatMarkdown); err == nil {
		t.Fatal("expected error for job without result")
	}
}

func TestBuildArchiveContents(t *testing.T) {
	path, err := BuildArchive(completedJob(), t.TempDir(), true)
	if err != nil {
		t.Fatalf("build archive: %v", err)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer reader.Close()

	want := map[string]bool{
		"quarterly report.md":   false,
		"quarterly report.html": false,
		"quarterly report.json": false,
		"metadata.json":         false,
	}
	for _, f := range reader.File {
		if _, ok := want[f.Name]; !ok {
			t.Fatalf("unexpected archive entry: %q", f.Name)
		}
		want[f.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("archive missing entry %q", name)
		}
	}
}

func TestBuildArchiveWithoutMetadata(t *testing.T) {
	path, err := BuildArchive(completedJob(), t.TempDir(), false)
	if err != nil {
		t.Fatalf("build archive: %v", err)
	}

	reader, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer reader.Close()

	for _, f := range reader.File {
		if f.Name == "metadata.json" {
			t.Fatal("metadata.json present despite includeMetadata=false")
		}
	}
}
