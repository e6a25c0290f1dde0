package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var logEntry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &logEntry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	return logEntry
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf), false)

	if auditLogger == nil {
		t.Fatal("NewLogger returned nil")
	}
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	l.LogFilesetRemoval("delete", 0, time.Now())
	l.LogVolumeDelete("delete", "v", "fileset removed", nil)
	l.LogVolumeRegenerated("repair", "Files", "v")
	l.LogVolumeLost("repair", "v")
	l.LogFilePurge(time.Now(), "/a")
}

func TestLogVolumeDelete(t *testing.T) {
	tests := []struct {
		name       string
		dryRun     bool
		err        error
		wantLevel  string
		wantResult string
	}{
		{
			name:       "successful delete",
			wantLevel:  "info",
			wantResult: ResultDone,
		},
		{
			name:       "failed delete",
			err:        errors.New("connection reset"),
			wantLevel:  "warn",
			wantResult: ResultFailed,
		},
		{
			name:       "dry run",
			dryRun:     true,
			wantLevel:  "info",
			wantResult: ResultSkipped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			auditLogger := NewLogger(zerolog.New(&buf), tt.dryRun)

			auditLogger.LogVolumeDelete("delete", "backup-b1.dblock.zip", "fileset removed", tt.err)

			logEntry := decode(t, &buf)
			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
			if got := logEntry["event_type"]; got != "volume_delete" {
				t.Errorf("event_type = %v, want volume_delete", got)
			}
			if got := logEntry["volume"]; got != "backup-b1.dblock.zip" {
				t.Errorf("volume = %v, want backup-b1.dblock.zip", got)
			}
			if got := logEntry["result"]; got != tt.wantResult {
				t.Errorf("result = %v, want %v", got, tt.wantResult)
			}
			if got := logEntry["dry_run"]; got != tt.dryRun {
				t.Errorf("dry_run = %v, want %v", got, tt.dryRun)
			}

			// details only accompany failures
			_, hasDetails := logEntry["details"]
			if hasDetails != (tt.err != nil) {
				t.Errorf("details present = %v, want %v", hasDetails, tt.err != nil)
			}
		})
	}
}

func TestLogFilesetRemoval(t *testing.T) {
	var buf bytes.Buffer
	auditLogger := NewLogger(zerolog.New(&buf), false)
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	auditLogger.LogFilesetRemoval("delete", 3, ts)

	logEntry := decode(t, &buf)
	if got := logEntry["event_type"]; got != "fileset_removal" {
		t.Errorf("event_type = %v, want fileset_removal", got)
	}
	if got := logEntry["operation"]; got != "delete" {
		t.Errorf("operation = %v, want delete", got)
	}
	if got := logEntry["version"]; got != float64(3) {
		t.Errorf("version = %v, want 3", got)
	}
	if _, ok := logEntry["fileset_time"]; !ok {
		t.Error("fileset_time missing")
	}
}

func TestLogRepairEvents(t *testing.T) {
	tests := []struct {
		name          string
		log           func(l *Logger)
		wantEventType string
		wantLevel     string
	}{
		{
			name:          "regenerated",
			log:           func(l *Logger) { l.LogVolumeRegenerated("repair", "Index", "backup-i1.dindex.zip") },
			wantEventType: "volume_regenerated",
			wantLevel:     "info",
		},
		{
			name:          "lost",
			log:           func(l *Logger) { l.LogVolumeLost("repair", "backup-b1.dblock.zip") },
			wantEventType: "volume_lost",
			wantLevel:     "warn",
		},
		{
			name:          "purge",
			log:           func(l *Logger) { l.LogFilePurge(time.Now(), "/etc/hosts") },
			wantEventType: "file_purge",
			wantLevel:     "warn",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewLogger(zerolog.New(&buf), false))

			logEntry := decode(t, &buf)
			if got := logEntry["event_type"]; got != tt.wantEventType {
				t.Errorf("event_type = %v, want %v", got, tt.wantEventType)
			}
			if got := logEntry["level"]; got != tt.wantLevel {
				t.Errorf("level = %v, want %v", got, tt.wantLevel)
			}
		})
	}
}
