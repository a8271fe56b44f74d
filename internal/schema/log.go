// Package schema defines the records that flow through the detection and
// response pipeline: log records, threats and response actions.
package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// LogRecord is a normalized security log entry. Records are immutable once
// created; the pipeline only reads them.
type LogRecord struct {
	ID        string    `json:"id" validate:"required,max=128"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Source    string    `json:"source" validate:"required,max=256,source_tag"`
	Level     Level     `json:"level" validate:"required,oneof=info warning error"`
	Message   string    `json:"message" validate:"required,max=65536"`
	Details   Details   `json:"details"`
}

// NewLogRecord creates a LogRecord with a fresh identifier.
func NewLogRecord(ts time.Time, source string, level Level, message string, details Details) LogRecord {
	return LogRecord{
		ID:        uuid.New().String(),
		Timestamp: ts,
		Source:    source,
		Level:     level,
		Message:   message,
		Details:   details,
	}
}

// Level is the log level of a record.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// IsValid checks if the level is a valid value.
func (l Level) IsValid() bool {
	switch l {
	case LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// ParseLevel normalizes a level string. Unknown values map to info.
func ParseLevel(s string) Level {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	if l == "warn" {
		return LevelWarning
	}
	if !l.IsValid() {
		return LevelInfo
	}
	return l
}
