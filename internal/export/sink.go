package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"ledgerbridge/internal/syncerr"
)

// Sink stores finished exports and opens them again by locator.
type Sink interface {
	Write(ctx context.Context, exportID string, book *Workbook) (string, error)
	Open(ctx context.Context, locator string) (io.ReadCloser, error)
	Remove(ctx context.Context, locator string) error
}

// RawSink additionally stores vendor-produced export files as they come.
type RawSink interface {
	Sink
	WriteRaw(ctx context.Context, name string, r io.Reader) (string, error)
}

// XLSXName is the object name used for rendered exports.
func XLSXName(exportID string) string { return exportID + ".xlsx" }

// NativeName is the object name used for vendor export files.
func NativeName(exportID string) string { return exportID + ".native" }

// FileSink keeps exports in a local directory. Locators are file names
// relative to Dir.
type FileSink struct {
	Dir string
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileSink{Dir: dir}, nil
}

func (s *FileSink) path(locator string) (string, error) {
	name := filepath.Base(locator)
	if name != locator || name == "." || name == ".." {
		return "", syncerr.Newf(syncerr.ErrValidation, "export locator", "invalid locator %q", locator)
	}
	return filepath.Join(s.Dir, name), nil
}

func (s *FileSink) Write(ctx context.Context, exportID string, book *Workbook) (string, error) {
	var buf bytes.Buffer
	if err := RenderXLSX(book, &buf); err != nil {
		return "", err
	}
	return s.WriteRaw(ctx, XLSXName(exportID), &buf)
}

// WriteRaw writes to a temp file first so readers never see partial files.
func (s *FileSink) WriteRaw(_ context.Context, name string, r io.Reader) (string, error) {
	dst, err := s.path(name)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(s.Dir, ".partial-*")
	if err != nil {
		return "", fmt.Errorf("create export file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write export file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store export file: %w", err)
	}
	return name, nil
}

func (s *FileSink) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, syncerr.New(syncerr.ErrNotFound, "open export", locator)
	}
	return f, err
}

func (s *FileSink) Remove(_ context.Context, locator string) error {
	p, err := s.path(locator)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
