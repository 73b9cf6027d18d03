package models

import (
	"time"

	"github.com/google/uuid"
)

// LogLevel tags a log entry's severity or phase.
type LogLevel string

const (
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
	LogLevelSuccess LogLevel = "success"
	LogLevelDeploy  LogLevel = "deploy"
)

// Valid returns true if the level is one of the five persisted levels.
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelInfo, LogLevelWarning, LogLevelError, LogLevelSuccess, LogLevelDeploy:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (l LogLevel) String() string {
	return string(l)
}

// LogEntry is one line of build or deploy output. IDs are ULIDs so that
// entries sharing a timestamp still list in insertion order.
type LogEntry struct {
	ID        string    `json:"id" db:"id"`
	BuildID   uuid.UUID `json:"build_id" db:"build_id"`
	Level     LogLevel  `json:"level" db:"level"`
	Message   string    `json:"message" db:"message"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// PostLogsRequest is the payload for the internal POST /builds/{id}/logs.
// Logs may contain multiple newline-separated lines; each non-empty line is
// persisted as its own entry under the given level.
type PostLogsRequest struct {
	Logs  string `json:"logs" validate:"required"`
	Level string `json:"level"`
}
