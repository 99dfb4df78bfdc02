package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/authful-mcp-proxy/pkg/logging"
	pkgstrings "github.com/giantswarm/authful-mcp-proxy/pkg/strings"
)

const (
	// HeaderSessionID carries the backend's MCP session.
	HeaderSessionID = "Mcp-Session-Id"
	// HeaderProtocolVersion carries the negotiated MCP protocol version.
	HeaderProtocolVersion = "Mcp-Protocol-Version"

	// maxLineSize bounds one inbound JSON-RPC line.
	maxLineSize = 10 << 20

	// DefaultQueueSize is how many inbound messages are held while the
	// writer is busy, e.g. waiting for the user to log in.
	DefaultQueueSize = 256

	methodInitialized = "notifications/initialized"

	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"
)

// BackendError is returned when the backend answers with an unexpected status.
type BackendError struct {
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// BackendStatus returns the HTTP status code.
func (e *BackendError) BackendStatus() int {
	return e.StatusCode
}

// BridgeConfig configures a Bridge.
type BridgeConfig struct {
	// BackendURL is the streamable HTTP MCP endpoint.
	BackendURL string

	// HTTPClient sends requests to the backend, normally through the auth
	// transport.
	HTTPClient *http.Client

	// Stdin and Stdout carry newline-delimited JSON-RPC to the local client.
	Stdin  io.Reader
	Stdout io.Writer

	// QueueSize overrides DefaultQueueSize.
	QueueSize int

	// Messages, if set, receives every relayed message.
	Messages *MessageLogger

	// DescribeError renders a relay failure for the JSON-RPC error sent to
	// the client. Defaults to err.Error().
	DescribeError func(error) string
}

// Bridge relays JSON-RPC messages between a stdio MCP client and a
// streamable HTTP MCP backend. Messages are forwarded one at a time in the
// order they were read.
type Bridge struct {
	cfg BridgeConfig

	outMu sync.Mutex

	sessionMu       sync.RWMutex
	sessionID       string
	protocolVersion string

	streamOnce sync.Once
	streamWG   sync.WaitGroup
}

// NewBridge creates a bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.BackendURL == "" {
		return nil, errors.New("backend URL is required")
	}
	if cfg.Stdin == nil || cfg.Stdout == nil {
		return nil, errors.New("stdin and stdout are required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DescribeError == nil {
		cfg.DescribeError = func(err error) string { return err.Error() }
	}
	return &Bridge{cfg: cfg}, nil
}

// SessionID returns the backend session ID, if one was assigned.
func (b *Bridge) SessionID() string {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	return b.sessionID
}

// Run relays messages until stdin is closed or ctx is cancelled. Messages
// already read when stdin closes are still forwarded. Backend failures are
// reported to the client and never end the loop.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		b.streamWG.Wait()
	}()

	lines := make(chan []byte, b.cfg.QueueSize)
	readErr := make(chan error, 1)
	go b.readLoop(ctx, lines, readErr)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				b.closeSession(ctx)
				return <-readErr
			}
			b.handleLine(ctx, line)
		}
	}
}

// readLoop queues stdin lines. It blocks, rather than drops, when the queue
// is full, and gives up once ctx is done.
func (b *Bridge) readLoop(ctx context.Context, lines chan<- []byte, readErr chan<- error) {
	defer close(lines)

	scanner := bufio.NewScanner(b.cfg.Stdin)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case lines <- append([]byte(nil), line...):
		case <-ctx.Done():
			readErr <- ctx.Err()
			return
		}
	}

	err := scanner.Err()
	if err != nil {
		logging.Error("Bridge", err, "Failed to read from stdin")
	} else {
		logging.Debug("Bridge", "Client closed stdin")
	}
	readErr <- err
}

// inbound is the part of a client message the bridge inspects.
type inbound struct {
	ID     *mcp.RequestId `json:"id,omitempty"`
	Method string         `json:"method,omitempty"`
}

func (m inbound) isRequest() bool {
	return m.ID != nil && !m.ID.IsNil()
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	b.cfg.Messages.ClientToBackend(line)

	if !json.Valid(line) {
		logging.Warn("Bridge", "Discarding invalid JSON from client (%d bytes)", len(line))
		b.writeError(mcp.NewRequestId(nil), mcp.PARSE_ERROR, "Parse error")
		return
	}

	// Batches are relayed as-is; their IDs are not inspected.
	var msg inbound
	if line[0] == '{' {
		if err := json.Unmarshal(line, &msg); err != nil {
			b.writeError(mcp.NewRequestId(nil), mcp.INVALID_REQUEST, "Invalid Request")
			return
		}
	}

	if err := b.forward(ctx, msg, line); err != nil {
		if ctx.Err() != nil {
			return
		}
		logging.Error("Bridge", err, "Failed to relay %s", describeMessage(line))
		if msg.isRequest() {
			b.writeError(*msg.ID, mcp.INTERNAL_ERROR, b.cfg.DescribeError(err))
		}
		return
	}

	if msg.Method == methodInitialized {
		b.startStream(ctx)
	}
}

// forward POSTs one message and writes whatever the backend answers.
func (b *Bridge) forward(ctx context.Context, msg inbound, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.BackendURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeSSE)
	b.setSessionHeaders(req)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if sid := resp.Header.Get(HeaderSessionID); sid != "" {
		b.setSessionID(sid)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent:
		return nil
	case resp.StatusCode == http.StatusNotFound && b.SessionID() != "":
		logging.Warn("Bridge", "Backend session expired, the client must reinitialize")
		b.setSessionID("")
		return &BackendError{StatusCode: resp.StatusCode, Body: "session expired"}
	case resp.StatusCode >= 300:
		return &BackendError{StatusCode: resp.StatusCode, Body: readSnippet(resp.Body)}
	}

	switch mediaType(resp.Header.Get("Content-Type")) {
	case contentTypeSSE:
		return readEvents(resp.Body, func(ev sseEvent) error {
			if msg.Method == string(mcp.MethodInitialize) {
				b.captureProtocolVersion(ev.Data)
			}
			return b.writeLine(ev.Data)
		})
	case contentTypeJSON, "":
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if msg.Method == string(mcp.MethodInitialize) {
			b.captureProtocolVersion(data)
		}
		return b.writeLine(data)
	default:
		return fmt.Errorf("backend returned unsupported content type %q", resp.Header.Get("Content-Type"))
	}
}

// startStream opens the GET stream for server-initiated messages once.
func (b *Bridge) startStream(ctx context.Context) {
	b.streamOnce.Do(func() {
		b.streamWG.Add(1)
		go func() {
			defer b.streamWG.Done()
			b.listen(ctx)
		}()
	})
}

func (b *Bridge) listen(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BackendURL, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept", contentTypeSSE)
	b.setSessionHeaders(req)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			logging.Warn("Bridge", "Could not open server event stream: %v", err)
		}
		return
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		logging.Debug("Bridge", "Backend offers no server event stream")
		return
	case resp.StatusCode != http.StatusOK:
		logging.Warn("Bridge", "Server event stream refused with status %d", resp.StatusCode)
		return
	}

	logging.Debug("Bridge", "Server event stream open")
	err = readEvents(resp.Body, func(ev sseEvent) error {
		return b.writeLine(ev.Data)
	})
	if err != nil && ctx.Err() == nil {
		logging.Warn("Bridge", "Server event stream ended: %v", err)
	}
}

// closeSession asks the backend to end the session. Failures are ignored.
func (b *Bridge) closeSession(ctx context.Context) {
	if b.SessionID() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.cfg.BackendURL, nil)
	if err != nil {
		return
	}
	b.setSessionHeaders(req)

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		logging.Debug("Bridge", "Session termination failed: %v", err)
		return
	}
	resp.Body.Close()
	logging.Debug("Bridge", "Session terminated with status %d", resp.StatusCode)
}

func (b *Bridge) setSessionHeaders(req *http.Request) {
	b.sessionMu.RLock()
	defer b.sessionMu.RUnlock()
	if b.sessionID != "" {
		req.Header.Set(HeaderSessionID, b.sessionID)
	}
	if b.protocolVersion != "" {
		req.Header.Set(HeaderProtocolVersion, b.protocolVersion)
	}
}

func (b *Bridge) setSessionID(id string) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if id != b.sessionID && id != "" {
		logging.Debug("Bridge", "Backend session ID assigned")
	}
	b.sessionID = id
}

func (b *Bridge) captureProtocolVersion(data []byte) {
	var resp struct {
		Result struct {
			ProtocolVersion string `json:"protocolVersion"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil || resp.Result.ProtocolVersion == "" {
		return
	}
	b.sessionMu.Lock()
	b.protocolVersion = resp.Result.ProtocolVersion
	b.sessionMu.Unlock()
	logging.Debug("Bridge", "Negotiated MCP protocol version %s", resp.Result.ProtocolVersion)
}

// writeLine writes one JSON message to stdout as a single line.
func (b *Bridge) writeLine(data []byte) error {
	var line bytes.Buffer
	if err := json.Compact(&line, data); err != nil {
		return fmt.Errorf("backend sent invalid JSON: %w", err)
	}
	b.cfg.Messages.BackendToClient(line.Bytes())
	line.WriteByte('\n')

	b.outMu.Lock()
	defer b.outMu.Unlock()
	_, err := b.cfg.Stdout.Write(line.Bytes())
	return err
}

func (b *Bridge) writeError(id mcp.RequestId, code int, message string) {
	data, err := json.Marshal(mcp.NewJSONRPCError(id, code, message, nil))
	if err != nil {
		logging.Error("Bridge", err, "Failed to encode JSON-RPC error")
		return
	}
	if err := b.writeLine(data); err != nil {
		logging.Error("Bridge", err, "Failed to write JSON-RPC error")
	}
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4*pkgstrings.DefaultSnippetLen))
	return pkgstrings.Snippet(string(data), pkgstrings.DefaultSnippetLen)
}
