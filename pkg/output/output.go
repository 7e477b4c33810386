// Package output writes collected items to disk as CSV or JSON Lines.
package output

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"xscraper/pkg/models"
)

// Supported formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Writer persists a batch of items.
type Writer interface {
	// Write stores items, skipping ids the target already holds when
	// appending.
	Write(items []models.Item) (int, error)
	// Path is the file the writer targets.
	Path() string
}

// New returns the writer for format targeting path. With appendMode set
// existing content is kept.
func New(format, path string, appendMode bool) (Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatCSV, "":
		return &CSVWriter{path: path, appendMode: appendMode}, nil
	case FormatJSON, "jsonl":
		return &JSONLWriter{path: path, appendMode: appendMode}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// Extension maps a format to its file extension.
func Extension(format string) string {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case FormatJSON, "jsonl":
		return "jsonl"
	default:
		return "csv"
	}
}

// FileName derives the output file name from the query: words first, then
// from/to/mention users, then hashtags.
func FileName(req models.SearchRequest, since, until, ext string) string {
	part := "tweets"
	switch {
	case len(nonEmpty(req.AllWords)) > 0:
		part = strings.Join(nonEmpty(req.AllWords), "_")
	case len(nonEmpty(req.AnyWords)) > 0:
		part = strings.Join(nonEmpty(req.AnyWords), "_")
	case len(nonEmpty(req.FromUsers)) > 0:
		part = nonEmpty(req.FromUsers)[0]
	case len(nonEmpty(req.ToUsers)) > 0:
		part = nonEmpty(req.ToUsers)[0]
	case len(nonEmpty(req.MentioningUsers)) > 0:
		part = nonEmpty(req.MentioningUsers)[0]
	case len(nonEmpty(req.Hashtags)) > 0:
		part = nonEmpty(req.Hashtags)[0]
	}
	return fmt.Sprintf("%s_%s_%s.%s", sanitize(part), dateOnly(since), dateOnly(until), ext)
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func dateOnly(ts string) string {
	if len(ts) >= 10 {
		return ts[:10]
	}
	return ts
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, s)
}

// writeAtomic writes through a temporary file and renames it into place.
func writeAtomic(path string, fill func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tempFile := path + ".tmp"
	out, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	err = fill(out)
	closeErr := out.Close()

	if err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to write output: %w", err)
	}
	if closeErr != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to close file: %w", closeErr)
	}

	if err := os.Rename(tempFile, path); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func fileHasContent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}
