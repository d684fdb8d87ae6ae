package journal

import (
	"bytes"
	"encoding/json"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// Journaler describes an event logger.
type Journaler interface {
	Write(Event) error
}

// entryJSON describes the JSON structure of a journal line.
type entryJSON struct {
	Time time.Time `json:"time"`
	Type string    `json:"type"`
	Data Event     `json:"data"`
}

// Writer is a simple journaler that writes line-delimited JSON events into the
// writer.
type Writer struct{ w io.Writer }

var _ Journaler = Writer{}

// NewWriter creates a new journal writer.
func NewWriter(w io.Writer) Writer {
	return Writer{w}
}

// Write writes the given event into the writer. Each event is a single Write
// call, so lines are never interleaved on an O_APPEND file.
func (l Writer) Write(ev Event) error {
	buf := bytes.Buffer{}
	buf.Grow(512)

	// Encode terminates the line.
	if err := json.NewEncoder(&buf).Encode(entryJSON{
		Time: time.Now(),
		Type: ev.Type(),
		Data: ev,
	}); err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	if _, err := l.w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "failed to write event")
	}

	return nil
}

// LogWriter is a journaler that mirrors events into an operational logger as
// human-readable debug lines.
type LogWriter struct{ logger logging.Logger }

var _ Journaler = LogWriter{}

// NewLogWriter creates a journaler writing into logger.
func NewLogWriter(logger logging.Logger) LogWriter {
	return LogWriter{logger}
}

// Write logs the event type and its JSON data.
func (l LogWriter) Write(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	l.logger.Debugf("Journal event: %s %s", ev.Type(), data)
	return nil
}

type discard struct{}

func (discard) Write(Event) error { return nil }

// Discard is a journaler that drops every event.
var Discard Journaler = discard{}

// multiWriter combines multiple journalers.
type multiWriter struct {
	writers []Journaler
}

// MultiWriter creates a journaler that writes to multiple other journalers.
// All writers are tried; the first error is returned.
func MultiWriter(ws ...Journaler) Journaler {
	return &multiWriter{ws}
}

func (w *multiWriter) Write(event Event) error {
	var firstErr error
	for _, writer := range w.writers {
		if err := writer.Write(event); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
