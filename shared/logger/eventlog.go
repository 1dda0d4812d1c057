package logger

import (
	"context"
	"io"
	"log/slog"
)

// EventLog appends one JSON object per line recording an inbound event or a
// processed result. Lines carry "time", "log_type" and "data".
type EventLog struct {
	logger *slog.Logger
	closer io.Closer
}

// NewEventLog opens an event log at path. An empty path yields a log that
// discards everything.
func NewEventLog(path string) (*EventLog, error) {
	if path == "" {
		return &EventLog{logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}, nil
	}

	l, err := New(&Config{Level: "info", Format: "json", Output: path})
	if err != nil {
		return nil, err
	}
	return &EventLog{logger: l.Logger, closer: l.closer}, nil
}

// Log records data under the given type
func (e *EventLog) Log(logType string, data any) {
	e.logger.LogAttrs(context.Background(), slog.LevelInfo, "event",
		slog.String("log_type", logType),
		slog.Any("data", data),
	)
}

// Close closes the underlying file
func (e *EventLog) Close() error {
	if e.closer == nil {
		return nil
	}
	return e.closer.Close()
}
