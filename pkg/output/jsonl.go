package output

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"xscraper/pkg/models"
)

// JSONLWriter writes one JSON object per line.
type JSONLWriter struct {
	path       string
	appendMode bool
}

// NewJSONLWriter creates a JSON Lines writer for path.
func NewJSONLWriter(path string, appendMode bool) *JSONLWriter {
	return &JSONLWriter{path: path, appendMode: appendMode}
}

// Path returns the target file.
func (w *JSONLWriter) Path() string { return w.path }

// Write stores items, appending after the ids already in the file when in
// append mode.
func (w *JSONLWriter) Write(items []models.Item) (int, error) {
	if !w.appendMode || !fileHasContent(w.path) {
		return len(items), writeAtomic(w.path, func(out io.Writer) error {
			return encodeItems(out, items)
		})
	}

	seen, err := existingIDs(w.path)
	if err != nil {
		return 0, err
	}
	var fresh []models.Item
	for _, item := range items {
		if item.ID != "" && seen[item.ID] {
			continue
		}
		if item.ID != "" {
			seen[item.ID] = true
		}
		fresh = append(fresh, item)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open output file: %w", err)
	}
	if err := encodeItems(f, fresh); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to append items: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	return len(fresh), nil
}

func encodeItems(out io.Writer, items []models.Item) error {
	enc := json.NewEncoder(out)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return err
		}
	}
	return nil
}

func existingIDs(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var row struct {
			ID string `json:"id"`
		}
		// Lines that do not decode are kept as-is and never match.
		if json.Unmarshal(scanner.Bytes(), &row) == nil && row.ID != "" {
			seen[row.ID] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read jsonl: %w", err)
	}
	return seen, nil
}
