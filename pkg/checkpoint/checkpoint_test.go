package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"xscraper/pkg/logger"
	"xscraper/pkg/models"
	"xscraper/pkg/storage"
)

type fakeReader struct {
	cp  *models.Checkpoint
	err error
}

func (f *fakeReader) GetCheckpoint(ctx context.Context, queryHash string) (*models.Checkpoint, error) {
	return f.cp, f.err
}

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write csv: %v", err)
	}
	return path
}

func TestComputeQueryHash(t *testing.T) {
	base := models.SearchRequest{Since: "2024-01-01", Until: "2024-01-02", AllWords: []string{"go"}}

	t.Run("IgnoresRunControls", func(t *testing.T) {
		h1, err := ComputeQueryHash(base, "fp")
		if err != nil {
			t.Fatalf("ComputeQueryHash() error = %v", err)
		}
		withControls := base
		withControls.Limit = 50
		withControls.Resume = true
		withControls.QueryHash = "explicit"
		withControls.InitialCursor = "c0"
		h2, err := ComputeQueryHash(withControls, "fp")
		if err != nil {
			t.Fatalf("ComputeQueryHash() error = %v", err)
		}
		if h1 != h2 {
			t.Errorf("run controls changed the hash: %s vs %s", h1, h2)
		}
		if len(h1) != 64 {
			t.Errorf("Expected sha256 hex, got %q", h1)
		}
	})

	t.Run("BindsManifestFingerprint", func(t *testing.T) {
		h1, _ := ComputeQueryHash(base, "fp-a")
		h2, _ := ComputeQueryHash(base, "fp-b")
		h3, _ := ComputeQueryHash(base, "")
		if h1 == h2 || h1 == h3 {
			t.Error("Expected fingerprint to change the hash")
		}
	})

	t.Run("CriteriaChangeHash", func(t *testing.T) {
		other := base
		other.AllWords = []string{"rust"}
		h1, _ := ComputeQueryHash(base, "")
		h2, _ := ComputeQueryHash(other, "")
		if h1 == h2 {
			t.Error("Expected different criteria to produce different hashes")
		}
	})
}

func TestMaxCSVTimestamp(t *testing.T) {
	path := writeCSV(t, "\ufeffID,Text,Timestamp\n"+
		"1,a,2024-01-03T10:00:00.000Z\n"+
		"2,b,not a date\n"+
		"3,c,Fri Jan 05 08:00:00 +0000 2024\n"+
		"4\n"+
		"5,e,2024-01-04 12:00:00\n")

	latest, err := MaxCSVTimestamp(path)
	if err != nil {
		t.Fatalf("MaxCSVTimestamp() error = %v", err)
	}
	if got := latest.Format(dateLayout); got != "2024-01-05" {
		t.Errorf("Expected 2024-01-05, got %s", got)
	}
}

func TestMaxCSVTimestampFallbackColumns(t *testing.T) {
	path := writeCSV(t, "id,created_at\n1,2023-12-30T00:00:00Z\n")
	latest, err := MaxCSVTimestamp(path)
	if err != nil {
		t.Fatalf("MaxCSVTimestamp() error = %v", err)
	}
	if got := latest.Format(dateLayout); got != "2023-12-30" {
		t.Errorf("Expected 2023-12-30, got %s", got)
	}

	noColumn := writeCSV(t, "id,text\n1,hello\n")
	latest, err = MaxCSVTimestamp(noColumn)
	if err != nil {
		t.Fatalf("MaxCSVTimestamp() error = %v", err)
	}
	if !latest.IsZero() {
		t.Errorf("Expected zero time without a timestamp column, got %v", latest)
	}
}

func TestLegacyCSVResumeSince(t *testing.T) {
	path := writeCSV(t, "Timestamp\n2024-02-10T05:00:00Z\n")

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"MovesForward", "2024-02-01", "2024-02-10"},
		{"SameDay", "2024-02-10", "2024-02-10"},
		{"CSVOlderThanRequest", "2024-03-01", "2024-03-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := LegacyCSVResumeSince(path, tt.requested)
			if err != nil {
				t.Fatalf("LegacyCSVResumeSince() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestResolverModes(t *testing.T) {
	ctx := context.Background()
	csvPath := writeCSV(t, "Timestamp\n2024-02-10T05:00:00Z\n")
	stored := &models.Checkpoint{QueryHash: "h", Since: "2024-02-05_00:00:00_UTC", Cursor: models.Ptr("cur-9")}

	t.Run("HybridPrefersCheckpoint", func(t *testing.T) {
		r := NewResolver(&fakeReader{cp: stored}, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeHybridSafe, csvPath, "2024-02-01", "h")
		if start.Source != "checkpoint" || start.Since != stored.Since || models.Str(start.Cursor) != "cur-9" {
			t.Errorf("Unexpected start %+v", start)
		}
	})

	t.Run("HybridFallsBackToCSV", func(t *testing.T) {
		r := NewResolver(&fakeReader{}, logger.NewNopLogger())
		start := r.Resolve(ctx, "", csvPath, "2024-02-01", "h")
		if start.Source != "csv" || start.Since != "2024-02-10" || start.Cursor != nil {
			t.Errorf("Unexpected start %+v", start)
		}
	})

	t.Run("HybridReadErrorFallsBackToCSV", func(t *testing.T) {
		r := NewResolver(&fakeReader{err: errors.New("locked")}, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeHybridSafe, csvPath, "2024-02-01", "h")
		if start.Since != "2024-02-10" {
			t.Errorf("Expected csv since, got %+v", start)
		}
	})

	t.Run("DBCursorIgnoresCSV", func(t *testing.T) {
		r := NewResolver(&fakeReader{}, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeDBCursor, csvPath, "2024-02-01", "h")
		if start.Since != "2024-02-01" || start.Source != "" {
			t.Errorf("Unexpected start %+v", start)
		}
	})

	t.Run("LegacyIgnoresCheckpoint", func(t *testing.T) {
		r := NewResolver(&fakeReader{cp: stored}, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeLegacyCSV, csvPath, "2024-02-01", "h")
		if start.Source != "csv" || start.Cursor != nil {
			t.Errorf("Unexpected start %+v", start)
		}
	})

	t.Run("MissingCSV", func(t *testing.T) {
		r := NewResolver(nil, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeLegacyCSV, filepath.Join(t.TempDir(), "missing.csv"), "2024-02-01", "h")
		if start.Since != "2024-02-01" {
			t.Errorf("Expected requested since, got %+v", start)
		}
	})

	t.Run("BlankCheckpointSinceIgnored", func(t *testing.T) {
		r := NewResolver(&fakeReader{cp: &models.Checkpoint{Since: "  "}}, logger.NewNopLogger())
		start := r.Resolve(ctx, ModeDBCursor, "", "2024-02-01", "h")
		if start.Source != "" {
			t.Errorf("Expected no resume, got %+v", start)
		}
	})
}

func TestResolverWithResumeRepo(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, filepath.Join(t.TempDir(), "state.db"), logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	req := models.SearchRequest{Since: "2024-01-01", Until: "2024-01-31", Hashtags: []string{"golang"}}
	hash, err := ComputeQueryHash(req, "fp")
	if err != nil {
		t.Fatalf("ComputeQueryHash() error = %v", err)
	}
	if err := store.Resume().SaveCheckpoint(ctx, hash, "run-1", models.Ptr("c-42"), "2024-01-10", "2024-01-31"); err != nil {
		t.Fatalf("SaveCheckpoint() error = %v", err)
	}

	start := NewResolver(store.Resume(), logger.NewNopLogger()).Resolve(ctx, ModeHybridSafe, "", req.Since, hash)
	if start.Since != "2024-01-10" || models.Str(start.Cursor) != "c-42" {
		t.Errorf("Unexpected start %+v", start)
	}
}
