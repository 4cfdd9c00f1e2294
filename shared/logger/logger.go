// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// UnattributedTenant is logged in place of an empty tenant id: identity
// rejections, sweeps and process lifecycle.
const UnattributedTenant = "_unattributed"

// Keys promoted from fields to top-level entry attributes.
const (
	KeyInteractionID = "interaction_id"
	KeyEventID       = "event_id"
)

// Logger writes tenant-attributed JSON log lines for one component.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
	MinLevel   LogLevel
}

// LogEntry is a single structured log line. TenantID is always present so
// log pipelines can partition by tenant; InteractionID and EventID join a
// line to the usage event it concerns.
type LogEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Component     string                 `json:"component"`
	InstanceID    string                 `json:"instance_id"`
	Container     string                 `json:"container"`
	TenantID      string                 `json:"tenant_id"`
	RequestID     string                 `json:"request_id,omitempty"`
	InteractionID string                 `json:"interaction_id,omitempty"`
	EventID       string                 `json:"event_id,omitempty"`
	Message       string                 `json:"message"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	minLevel := LogLevel(strings.ToUpper(os.Getenv("LOG_LEVEL")))
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = INFO
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
		MinLevel:   minLevel,
	}
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level LogLevel) bool {
	return levelRank[level] >= levelRank[l.MinLevel]
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, tenantID, requestID, message string, fields map[string]interface{}) {
	if l == nil || !l.Enabled(level) {
		return
	}

	if tenantID == "" {
		tenantID = UnattributedTenant
	}
	entry := LogEntry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      level,
		Component:  l.Component,
		InstanceID: l.InstanceID,
		Container:  l.Container,
		TenantID:   tenantID,
		RequestID:  requestID,
		Message:    message,
	}
	entry.InteractionID, entry.EventID, entry.Fields = promote(fields)

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// promote lifts the interaction and event ids out of fields without
// mutating the caller's map.
func promote(fields map[string]interface{}) (interactionID, eventID string, rest map[string]interface{}) {
	interactionID, _ = fields[KeyInteractionID].(string)
	eventID, _ = fields[KeyEventID].(string)
	if interactionID == "" && eventID == "" {
		return "", "", fields
	}
	rest = make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if (k == KeyInteractionID && interactionID != "") || (k == KeyEventID && eventID != "") {
			continue
		}
		rest[k] = v
	}
	if len(rest) == 0 {
		rest = nil
	}
	return interactionID, eventID, rest
}

// Info logs an informational message
func (l *Logger) Info(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, tenantID, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, tenantID, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, tenantID, requestID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(tenantID, requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, tenantID, requestID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(tenantID, requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(tenantID, requestID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(tenantID, requestID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(tenantID, requestID, message, fields)
}
