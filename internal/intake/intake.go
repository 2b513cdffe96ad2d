// Package intake validates uploads and materializes them on disk for the
// conversion engine to read.
package intake

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/docflow-io/docflow/internal/id"
)

var ErrFileTooLarge = errors.New("file exceeds the maximum allowed size")

type Config struct {
	UploadDir    string
	MaxSizeBytes int64
	// AllowedExtensions is lowercase with leading dots, e.g. ".pdf".
	AllowedExtensions []string
}

func DefaultExtensions() []string {
	return []string{
		".pdf", ".docx", ".pptx", ".xlsx",
		".html", ".png", ".jpg", ".jpeg",
		".tiff", ".wav", ".mp3",
	}
}

type Store struct {
	uploadDir    string
	maxSizeBytes int64
	allowed      map[string]struct{}
}

func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.UploadDir) == "" {
		return nil, errors.New("upload directory is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}

	extensions := cfg.AllowedExtensions
	if len(extensions) == 0 {
		extensions = DefaultExtensions()
	}
	allowed := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}

	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 50 << 20
	}

	return &Store{
		uploadDir:    cfg.UploadDir,
		maxSizeBytes: maxSize,
		allowed:      allowed,
	}, nil
}

func (s *Store) MaxSizeBytes() int64 {
	return s.maxSizeBytes
}

func (s *Store) AllowedExtensions() []string {
	extensions := make([]string, 0, len(s.allowed))
	for ext := range s.allowed {
		extensions = append(extensions, ext)
	}
	sort.Strings(extensions)
	return extensions
}

type SavedFile struct {
	Filename    string
	Path        string
	SizeBytes   int64
	ContentType string
}

// Materialize writes the upload to disk under a fresh name, enforcing the
// extension allowlist and the size cap while copying. The stored file is
// removed again if anything goes wrong mid-write.
func (s *Store) Materialize(filename string, r io.Reader) (SavedFile, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := s.allowed[ext]; !ok {
		return SavedFile{}, fmt.Errorf("unsupported file type: %q", ext)
	}

	path := filepath.Join(s.uploadDir, id.New()+ext)
	f, err := os.Create(path)
	if err != nil {
		return SavedFile{}, fmt.Errorf("create upload file: %w", err)
	}

	written, err := io.Copy(f, io.LimitReader(r, s.maxSizeBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return SavedFile{}, fmt.Errorf("write upload file: %w", err)
	}
	if written > s.maxSizeBytes {
		_ = os.Remove(path)
		return SavedFile{}, fmt.Errorf("%w (%d bytes max)", ErrFileTooLarge, s.maxSizeBytes)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		_ = os.Remove(path)
		return SavedFile{}, fmt.Errorf("detect content type: %w", err)
	}

	return SavedFile{
		Filename:    filepath.Base(filename),
		Path:        path,
		SizeBytes:   written,
		ContentType: detected.String(),
	}, nil
}

// Remove deletes a previously materialized file. Missing files are not an
// error; cleanup is best effort.
func (s *Store) Remove(path string) {
	if path == "" {
		return
	}
	_ = os.Remove(path)
}
