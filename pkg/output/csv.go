package output

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"xscraper/pkg/models"
)

const idColumn = "Tweet ID"

// Columns is the header written for new CSV files. Timestamp carries the raw
// created_at so legacy resume can find the newest row.
var Columns = []string{
	"Timestamp", idColumn, "Username", "Display Name", "Text",
	"Replies", "Retweets", "Likes", "Quotes", "Lang", "Media URLs", "Tweet URL",
}

// CSVWriter writes items as CSV rows.
type CSVWriter struct {
	path       string
	appendMode bool
}

// NewCSVWriter creates a CSV writer for path.
func NewCSVWriter(path string, appendMode bool) *CSVWriter {
	return &CSVWriter{path: path, appendMode: appendMode}
}

// Path returns the target file.
func (w *CSVWriter) Path() string { return w.path }

// Write stores items. In append mode rows are appended when the existing
// header already covers every column; otherwise the file is rewritten with
// the union header so no existing column is dropped.
func (w *CSVWriter) Write(items []models.Item) (int, error) {
	if !w.appendMode || !fileHasContent(w.path) {
		rows := make([]map[string]string, 0, len(items))
		for _, item := range items {
			rows = append(rows, itemRow(item))
		}
		return len(rows), writeAtomic(w.path, func(out io.Writer) error {
			return writeRows(out, Columns, rows)
		})
	}

	header, existing, err := readCSV(w.path)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(existing))
	for _, row := range existing {
		if id := row[idColumn]; id != "" {
			seen[id] = true
		}
	}
	var fresh []map[string]string
	for _, item := range items {
		if item.ID != "" && seen[item.ID] {
			continue
		}
		if item.ID != "" {
			seen[item.ID] = true
		}
		fresh = append(fresh, itemRow(item))
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	union := unionHeader(header, Columns)
	if len(union) != len(header) {
		all := append(existing, fresh...)
		return len(fresh), writeAtomic(w.path, func(out io.Writer) error {
			return writeRows(out, union, all)
		})
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open output file: %w", err)
	}
	cw := csv.NewWriter(f)
	for _, row := range fresh {
		if err := cw.Write(project(header, row)); err != nil {
			f.Close()
			return 0, fmt.Errorf("failed to append row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return 0, fmt.Errorf("failed to append rows: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("failed to close file: %w", err)
	}
	return len(fresh), nil
}

func itemRow(item models.Item) map[string]string {
	return map[string]string{
		"Timestamp":    item.CreatedAt,
		idColumn:       item.ID,
		"Username":     item.Username,
		"Display Name": item.DisplayName,
		"Text":         item.Text,
		"Replies":      strconv.Itoa(item.Replies),
		"Retweets":     strconv.Itoa(item.Retweets),
		"Likes":        strconv.Itoa(item.Likes),
		"Quotes":       strconv.Itoa(item.Quotes),
		"Lang":         item.Lang,
		"Media URLs":   strings.Join(item.MediaURLs, " "),
		"Tweet URL":    item.URL,
	}
}

func readCSV(path string) ([]string, []map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open output file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}

	var rows []map[string]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv row: %w", err)
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func writeRows(out io.Writer, header []string, rows []map[string]string) error {
	cw := csv.NewWriter(out)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, row := range rows {
		if err := cw.Write(project(header, row)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func project(header []string, row map[string]string) []string {
	record := make([]string, len(header))
	for i, name := range header {
		record[i] = row[name]
	}
	return record
}

func unionHeader(existing, wanted []string) []string {
	have := make(map[string]bool, len(existing))
	for _, name := range existing {
		have[name] = true
	}
	union := append([]string(nil), existing...)
	for _, name := range wanted {
		if !have[name] {
			union = append(union, name)
		}
	}
	return union
}
