package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

// DialTimeout bounds the connect phase of Call.
const DialTimeout = 5 * time.Second

// Call opens a connection to socketPath, sends one request and reads the
// single response. A failure envelope from the daemon is returned as *Error.
// Transport failures are returned as *Error with CodeInternal.
func Call(ctx context.Context, socketPath, method string, params any, result any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = data
	} else {
		raw = json.RawMessage("{}")
	}

	id, err := json.Marshal(uuid.NewString())
	if err != nil {
		return fmt.Errorf("marshal id: %w", err)
	}

	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("could not connect to daemon at %s: %v", socketPath, err)}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := WriteRequest(conn, &Request{Method: method, Params: raw, ID: id}); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}

	resp, err := ReadResponse(conn)
	if err != nil {
		return &Error{Code: CodeInternal, Message: fmt.Sprintf("no response from daemon: %v", err)}
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return nil
}
