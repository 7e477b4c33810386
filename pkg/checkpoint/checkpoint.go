package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/scheduler"
)

// Resume modes
const (
	ModeLegacyCSV  = "legacy_csv"
	ModeDBCursor   = "db_cursor"
	ModeHybridSafe = "hybrid_safe"
)

const dateLayout = "2006-01-02"

// Columns searched, in order, for the item timestamp of a legacy CSV.
var timestampColumns = []string{"Timestamp", "legacy.created_at", "created_at", "legacy.createdAt", "legacyCreatedAt"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RubyDate,
}

// excludedHashKeys never change which items match a request.
var excludedHashKeys = []string{"query_hash", "initial_cursor", "resume", "limit"}

// ComputeQueryHash identifies a search for checkpointing. Run controls are
// excluded; a non-empty manifest fingerprint is bound into the hash.
func ComputeQueryHash(req models.SearchRequest, manifestFingerprint string) (string, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode search request: %w", err)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("decode search request: %w", err)
	}
	for _, key := range excludedHashKeys {
		delete(payload, key)
	}
	if manifestFingerprint != "" {
		payload["manifest_fingerprint"] = manifestFingerprint
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("canonical request: %w", err)
	}
	sum := sha256.Sum256(bytes.TrimRight(buf.Bytes(), "\n"))
	return hex.EncodeToString(sum[:]), nil
}

// Reader loads stored checkpoints. *storage.ResumeRepo implements it.
type Reader interface {
	GetCheckpoint(ctx context.Context, queryHash string) (*models.Checkpoint, error)
}

// Start is where a resumed run begins.
type Start struct {
	Since  string
	Cursor *string
	// Source is "checkpoint", "csv" or "" when nothing moved.
	Source string
}

// Resolver picks the resume start for a mode.
type Resolver struct {
	reader Reader
	logger logger.Logger
}

// NewResolver creates a resolver. reader may be nil, which disables the
// database modes.
func NewResolver(reader Reader, log logger.Logger) *Resolver {
	return &Resolver{reader: reader, logger: logger.OrDefault(log).WithField("component", "resume")}
}

// Resolve returns the since/cursor a run should start from. Failures fall
// back to the requested since.
func (r *Resolver) Resolve(ctx context.Context, mode, csvPath, requestedSince, queryHash string) Start {
	fallback := Start{Since: requestedSince}

	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeLegacyCSV:
		return r.fromCSV(csvPath, requestedSince)
	case ModeDBCursor:
		if start, ok := r.fromCheckpoint(ctx, queryHash); ok {
			return start
		}
		return fallback
	default:
		if start, ok := r.fromCheckpoint(ctx, queryHash); ok {
			return start
		}
		return r.fromCSV(csvPath, requestedSince)
	}
}

func (r *Resolver) fromCheckpoint(ctx context.Context, queryHash string) (Start, bool) {
	if r.reader == nil || queryHash == "" {
		return Start{}, false
	}
	cp, err := r.reader.GetCheckpoint(ctx, queryHash)
	if err != nil {
		r.logger.WarnWithFields("checkpoint read failed", map[string]interface{}{
			"query_hash": queryHash,
			"error":      err.Error(),
		})
		return Start{}, false
	}
	if cp == nil || strings.TrimSpace(cp.Since) == "" {
		return Start{}, false
	}

	r.logger.InfoWithFields("resuming from checkpoint", map[string]interface{}{
		"query_hash": queryHash,
		"since":      cp.Since,
		"has_cursor": cp.Cursor != nil,
	})
	return Start{Since: strings.TrimSpace(cp.Since), Cursor: cp.Cursor, Source: "checkpoint"}, true
}

func (r *Resolver) fromCSV(csvPath, requestedSince string) Start {
	fallback := Start{Since: requestedSince}
	if csvPath == "" {
		return fallback
	}

	since, err := LegacyCSVResumeSince(csvPath, requestedSince)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.WarnWithFields("legacy csv resume failed", map[string]interface{}{
				"path":  csvPath,
				"error": err.Error(),
			})
		}
		return fallback
	}
	if since == requestedSince {
		return fallback
	}
	return Start{Since: since, Source: "csv"}
}

// LegacyCSVResumeSince moves since forward to the date of the newest row in
// csvPath when that date is not before the requested since.
func LegacyCSVResumeSince(csvPath, requestedSince string) (string, error) {
	latest, err := MaxCSVTimestamp(csvPath)
	if err != nil {
		return requestedSince, err
	}
	if latest.IsZero() {
		return requestedSince, nil
	}
	requested, err := scheduler.ParseTimestamp(requestedSince, false)
	if err != nil {
		return requestedSince, fmt.Errorf("requested since %q: %w", requestedSince, err)
	}
	latestDay := latest.Format(dateLayout)
	if latestDay >= requested.UTC().Format(dateLayout) {
		return latestDay, nil
	}
	return requestedSince, nil
}

// MaxCSVTimestamp returns the newest parseable timestamp in the CSV, or the
// zero time when the file has no timestamp column or no parseable rows.
func MaxCSVTimestamp(csvPath string) (time.Time, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return time.Time{}, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read csv header: %w", err)
	}

	idx := -1
	for _, name := range timestampColumns {
		for i, col := range header {
			if strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")) == name {
				idx = i
				break
			}
		}
		if idx >= 0 {
			break
		}
	}
	if idx < 0 {
		return time.Time{}, nil
	}

	var latest time.Time
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return latest, fmt.Errorf("read csv row: %w", err)
		}
		if len(row) <= idx {
			continue
		}
		if ts, ok := parseTimestamp(row[idx]); ok && ts.After(latest) {
			latest = ts
		}
	}
	return latest, nil
}

func parseTimestamp(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
