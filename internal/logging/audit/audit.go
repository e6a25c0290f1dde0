// Package audit records every change an operation makes to the remote store or to
// the set of restorable filesets.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Results recorded for remote actions.
const (
	ResultDone    = "done"
	ResultFailed  = "failed"
	ResultSkipped = "skipped" // dry run
)

// Logger provides structured audit logging for destructive maintenance events.
// All audit events carry an event_type field for filtering. A nil *Logger
// discards every event.
type Logger struct {
	logger zerolog.Logger
	dryRun bool
}

// NewLogger creates a new audit logger from a zerolog.Logger. Events logged by a
// dry-run logger are marked with dry_run and the skipped result.
func NewLogger(logger zerolog.Logger, dryRun bool) *Logger {
	return &Logger{logger: logger, dryRun: dryRun}
}

func (l *Logger) result(err error) string {
	switch {
	case err != nil:
		return ResultFailed
	case l.dryRun:
		return ResultSkipped
	default:
		return ResultDone
	}
}

// LogFilesetRemoval logs a fileset dropped from the ledger.
// operation: the operation that removed it (e.g., "delete", "purge-broken-files")
// version: version ordinal at the time of removal, 0 is the newest
// ts: fileset timestamp
func (l *Logger) LogFilesetRemoval(operation string, version int, ts time.Time) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "fileset_removal").
		Str("operation", operation).
		Int("version", version).
		Time("fileset_time", ts).
		Bool("dry_run", l.dryRun).
		Str("result", l.result(nil)).
		Msg("Fileset removed")
}

// LogVolumeDelete logs a remote volume delete. A non-nil err is recorded as a
// failed delete at warn level.
// reason: why the volume went (e.g., "fileset removed", "not in ledger")
func (l *Logger) LogVolumeDelete(operation, name, reason string, err error) {
	if l == nil {
		return
	}
	level := zerolog.InfoLevel
	if err != nil {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "volume_delete").
		Str("operation", operation).
		Str("volume", name).
		Str("reason", reason).
		Bool("dry_run", l.dryRun).
		Str("result", l.result(err))

	if err != nil {
		event = event.Str("details", err.Error())
	}

	event.Msg("Remote volume delete")
}

// LogVolumeRegenerated logs a volume re-uploaded from ledger contents.
// kind: volume type of the replacement (e.g., "Files", "Index")
func (l *Logger) LogVolumeRegenerated(operation, kind, name string) {
	if l == nil {
		return
	}
	l.logger.Info().
		Str("event_type", "volume_regenerated").
		Str("operation", operation).
		Str("volume_type", kind).
		Str("volume", name).
		Bool("dry_run", l.dryRun).
		Str("result", l.result(nil)).
		Msg("Remote volume regenerated")
}

// LogVolumeLost logs a Blocks volume that could not be recovered. The files
// depending on it are broken until purged.
func (l *Logger) LogVolumeLost(operation, name string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "volume_lost").
		Str("operation", operation).
		Str("volume", name).
		Bool("dry_run", l.dryRun).
		Msg("Remote volume lost")
}

// LogFilePurge logs a broken file removed from a fileset.
func (l *Logger) LogFilePurge(filesetTime time.Time, path string) {
	if l == nil {
		return
	}
	l.logger.Warn().
		Str("event_type", "file_purge").
		Time("fileset_time", filesetTime).
		Str("path", path).
		Bool("dry_run", l.dryRun).
		Str("result", l.result(nil)).
		Msg("Broken file purged")
}
