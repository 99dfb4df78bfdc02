package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Direction arrows used in the message log.
const (
	arrowToBackend = "→"
	arrowToClient  = "←"
)

// MessageLogger writes every relayed JSON-RPC message, pretty printed and
// timestamped, to a writer. A nil *MessageLogger discards everything.
type MessageLogger struct {
	mu     sync.Mutex
	writer io.Writer
	now    func() time.Time
}

// NewMessageLogger creates a message logger writing to w.
func NewMessageLogger(w io.Writer) *MessageLogger {
	return &MessageLogger{writer: w, now: time.Now}
}

// OpenMessageLog opens path for appending, creating it with mode 0600, and
// returns a logger writing to it. The caller closes the returned file.
func OpenMessageLog(path string) (*MessageLogger, io.Closer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open message dump file: %w", err)
	}
	return NewMessageLogger(f), f, nil
}

// ClientToBackend logs a message read from the local client.
func (l *MessageLogger) ClientToBackend(raw []byte) {
	l.log(arrowToBackend, raw)
}

// BackendToClient logs a message written to the local client.
func (l *MessageLogger) BackendToClient(raw []byte) {
	l.log(arrowToClient, raw)
}

func (l *MessageLogger) log(arrow string, raw []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintf(l.writer, "[%s] %s %s:\n%s\n\n", l.timestamp(), arrow, describeMessage(raw), prettyJSON(raw))
}

// timestamp returns the current timestamp string
func (l *MessageLogger) timestamp() string {
	return l.now().Format("2006-01-02 15:04:05.000")
}

// describeMessage labels a JSON-RPC message by its kind and method.
func describeMessage(raw []byte) string {
	var msg struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "MESSAGE"
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"
	switch {
	case msg.Method != "" && hasID:
		return fmt.Sprintf("REQUEST (%s)", msg.Method)
	case msg.Method != "":
		return fmt.Sprintf("NOTIFICATION (%s)", msg.Method)
	case len(msg.Error) > 0:
		return fmt.Sprintf("ERROR (id %s)", msg.ID)
	default:
		return fmt.Sprintf("RESPONSE (id %s)", msg.ID)
	}
}

// prettyJSON formats JSON for display, falling back to the raw text.
func prettyJSON(raw []byte) string {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(b)
}
