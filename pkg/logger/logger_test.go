package logger

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"xscraper/pkg/config"
)

func newBufferLogger(buf *bytes.Buffer) *zerologLogger {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zlog := zerolog.New(buf).Level(zerolog.DebugLevel)
	return &zerologLogger{logger: &zlog, fields: make(map[string]interface{})}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{name: "console info", cfg: &config.LoggingConfig{Level: "info"}},
		{name: "json debug", cfg: &config.LoggingConfig{Level: "debug", Format: "json"}},
		{name: "invalid level", cfg: &config.LoggingConfig{Level: "loud"}, wantErr: true},
		{
			name: "file output",
			cfg:  &config.LoggingConfig{Level: "info", File: filepath.Join(t.TempDir(), "logs", "x.log")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && l == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if level != tt.expected {
				t.Errorf("parseLogLevel() = %v, want %v", level, tt.expected)
			}
		})
	}
}

func TestFieldChaining(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.WithField("lease_id", "abc").
		WithFields(map[string]interface{}{"worker_id": "acct:0", "pages": 3}).
		Info("page fetched")

	output := buf.String()
	for _, want := range []string{"page fetched", `"lease_id":"abc"`, `"worker_id":"acct:0"`, `"pages":3`} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output %s", want, output)
		}
	}
}

func TestWithFieldDoesNotLeakIntoParent(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	_ = l.WithField("child", true)
	l.Info("parent line")

	if strings.Contains(buf.String(), "child") {
		t.Errorf("parent logger picked up a child field: %s", buf.String())
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	if l.WithError(nil) != Logger(l) {
		t.Error("WithError(nil) should return the same logger")
	}

	l.WithError(errors.New("lease expired")).Error("heartbeat failed")
	if !strings.Contains(buf.String(), "lease expired") {
		t.Errorf("error text missing from %s", buf.String())
	}
}

func TestStructuredHelpers(t *testing.T) {
	tl := NewTestLogger()

	LogCooldown(tl, "alice", 429, "rate_limit", 1700000000)
	LogCooldown(tl, "bob", 200, "", 0)
	LogComponentStart(tl, "runner", map[string]interface{}{"concurrency": 2})

	msgs := tl.GetMessages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Fields["reason"] != "rate_limit" {
		t.Errorf("expected reason field, got %v", msgs[0].Fields)
	}
	if msgs[1].Fields["component"] != "runner" || msgs[1].Fields["concurrency"] != 2 {
		t.Errorf("unexpected component fields %v", msgs[1].Fields)
	}
}

func TestTestLoggerSharesSink(t *testing.T) {
	tl := NewTestLogger()
	child := tl.WithField("run_id", "r1").WithError(errors.New("boom"))
	child.Warn("worker stopped")

	warns := tl.GetMessagesByLevel("WARN")
	if len(warns) != 1 {
		t.Fatalf("expected 1 warning, got %d", len(warns))
	}
	if warns[0].Fields["run_id"] != "r1" || warns[0].Error == nil {
		t.Errorf("child context not captured: %+v", warns[0])
	}
	if !tl.HasMessageContaining("stopped") {
		t.Error("HasMessageContaining should match a substring")
	}
}

func TestGlobalLogger(t *testing.T) {
	if err := Initialize(&config.LoggingConfig{Level: "error"}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil")
	}
	if OrDefault(nil) != GetLogger() {
		t.Error("OrDefault(nil) should return the global logger")
	}
	nop := NewNopLogger()
	if OrDefault(nop) != nop {
		t.Error("OrDefault should keep a non-nil logger")
	}
	Info("global info")
}
