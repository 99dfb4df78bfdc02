package agent

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// maxEventSize bounds one server-sent event.
const maxEventSize = 10 << 20

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	ID    string
	Event string
	Data  []byte
}

// readEvents parses a text/event-stream body and calls fn for every event
// carrying data. Multi-line data fields are joined with "\n". The event's
// Data is only valid until fn returns. Parsing stops at EOF or at the first
// error returned by fn.
func readEvents(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)

	var (
		ev   sseEvent
		data bytes.Buffer
	)
	dispatch := func() error {
		defer func() {
			ev = sseEvent{}
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		ev.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
		return fn(ev)
	}

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if err := dispatch(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "data":
			data.WriteString(value)
			data.WriteByte('\n')
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	// A stream may end without the final blank line.
	return dispatch()
}
