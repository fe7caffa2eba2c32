// Package sse reads text/event-stream bodies one event at a time.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Done is the data payload OpenAI-compatible servers send as a terminator.
const Done = "[DONE]"

const (
	initialBufferSize = 64 * 1024
	maxEventSize      = 1024 * 1024
)

// Event is one dispatched server-sent event.
type Event struct {
	// Type is the "event:" field. It is empty for data-only streams.
	Type string
	// Data is the concatenation of every "data:" line of the event,
	// joined with newlines.
	Data string
	ID   string
}

// IsDone reports whether the event is the [DONE] terminator.
func (e Event) IsDone() bool {
	return strings.TrimSpace(e.Data) == Done
}

// Reader decodes events from an SSE stream. It is not safe for concurrent use.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps r. Lines longer than 1MB fail with bufio.ErrTooLong.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, initialBufferSize)
	scanner.Buffer(buf, maxEventSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event. It returns io.EOF once the stream ends with no
// pending event. A trailing event that was not followed by a blank line is
// still dispatched.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    strings.Builder
		hasData bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if hasData {
				ev.Data = data.String()
				return ev, nil
			}
			ev = Event{}
			continue
		}

		// Comment lines keep the connection alive.
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Type = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			ev.ID = value
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, fmt.Errorf("stream read error: %w", err)
	}
	if hasData {
		ev.Data = data.String()
		return ev, nil
	}
	return Event{}, io.EOF
}
