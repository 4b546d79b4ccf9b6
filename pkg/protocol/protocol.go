// Package protocol defines the wire envelope exchanged between the hosting
// panel and superd over a Unix Domain Socket.
//
// Each connection carries exactly one request line and one response line:
//
//	-> {"jsonrpc":"2.0","method":"ping","params":{},"id":"abc"}\n
//	<- {"jsonrpc":"2.0","result":"pong","id":"abc"}\n
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultSocketPath is the canonical path for the daemon's Unix Domain Socket.
const DefaultSocketPath = "/home/super/getsupercp/storage/framework/sockets/super-daemon.sock"

// Version is the JSON-RPC version tag carried by every envelope.
const Version = "2.0"

// MaxFrameSize caps a single request line. Larger frames are rejected.
const MaxFrameSize = 10 * 1024 * 1024

// Error codes on the wire.
const (
	CodeApplication    = -32000 // every handler-level failure
	CodeMethodNotFound = -32601
	CodeInternal       = -32603 // client side only: transport failure
)

// ErrFrameTooLarge is returned when a request line exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("request frame too large")

// Request is the envelope sent by the panel.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error is the failure half of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is the envelope written back by the daemon. Exactly one of
// Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// NewResult builds a success response echoing id.
func NewResult(id json.RawMessage, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Response{JSONRPC: Version, Result: data, ID: echoID(id)}, nil
}

// NewError builds a failure response echoing id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		Error:   &Error{Code: code, Message: message},
		ID:      echoID(id),
	}
}

// echoID returns id unchanged, or the JSON literal null when absent.
func echoID(id json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(id)) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// ReadRequest reads one newline-terminated request frame from r. A final
// frame without a trailing newline is accepted if the peer half-closed.
func ReadRequest(r io.Reader) (*Request, error) {
	line, err := readLine(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}

	// The envelope must be an object; a bare null would decode cleanly.
	if trimmed := bytes.TrimSpace(line); len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("unmarshal request: not a JSON object")
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}

	return &req, nil
}

// WriteRequest serializes req as a single line.
func WriteRequest(w io.Writer, req *Request) error {
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	return writeLine(w, req)
}

// ReadResponse reads one newline-terminated response frame from r.
func ReadResponse(r io.Reader) (*Response, error) {
	line, err := readLine(bufio.NewReader(r))
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// WriteResponse serializes resp as a single line.
func WriteResponse(w io.Writer, resp *Response) error {
	return writeLine(w, resp)
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > MaxFrameSize {
			return nil, ErrFrameTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0 {
			break
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return bytes.TrimRight(buf, "\r\n"), nil
}
