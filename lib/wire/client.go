// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/codec"
)

// dialTimeout covers only the connect phase; the server's own
// read/write timeouts govern the rest of the exchange.
const dialTimeout = 5 * time.Second

// responseReadTimeout is how long the client waits for a response
// after writing its request. Matched to the server's readTimeout +
// writeTimeout to allow for handler execution.
const responseReadTimeout = 45 * time.Second

// maxResponseSize mirrors the server's maxRequestSize.
const maxResponseSize = 8 * 1024 * 1024

// CallError is returned by Call when the server answers ok=false.
type CallError struct {
	Action  string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call %q failed: %s", e.Action, e.Message)
}

// Client sends CBOR requests to a wire server. Each Call opens a new
// connection, matching the server's one-request-per-connection model.
type Client struct {
	network string
	address string
}

// NewClient creates a client for the given network ("unix" or "tcp")
// and address.
func NewClient(network, address string) *Client {
	return &Client{network: network, address: address}
}

// Call sends a request and decodes the response.
//
// fields may carry any handler-specific request fields; the client
// adds "action" itself, so the caller must not include that key. Pass
// nil for actions without parameters.
//
// On ok=true, response data (if present) is decoded into result when
// result is non-nil. On ok=false, returns a *CallError with the
// server's message. Connection and encoding errors are returned as
// plain errors.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	response, err := c.exchange(ctx, buildRequest(action, fields), true)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.address, err)
	}

	if !response.OK {
		return &CallError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

// Notify sends a request without waiting for the response body.
// Replication broadcasts use this: delivery is best-effort and the
// sender does not care whether the peer applied the write. Transport
// errors are still reported so the caller can log them.
func (c *Client) Notify(ctx context.Context, action string, fields map[string]any) error {
	if _, err := c.exchange(ctx, buildRequest(action, fields), false); err != nil {
		return fmt.Errorf("notifying %q on %s: %w", action, c.address, err)
	}
	return nil
}

// buildRequest constructs the request map from caller fields plus the
// routing "action" key.
func buildRequest(action string, fields map[string]any) map[string]any {
	request := make(map[string]any, len(fields)+1)
	for key, value := range fields {
		request[key] = value
	}
	request["action"] = action
	return request
}

// exchange connects, writes the request, and (when awaitResponse)
// reads the response. Each call uses a fresh connection.
func (c *Client) exchange(ctx context.Context, request any, awaitResponse bool) (*Response, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	// Half-close the write side so the server's read sees EOF
	// cleanly. Both *net.UnixConn and *net.TCPConn support it.
	if halfCloser, ok := conn.(interface{ CloseWrite() error }); ok {
		halfCloser.CloseWrite()
	}

	if !awaitResponse {
		return nil, nil
	}

	conn.SetReadDeadline(time.Now().Add(responseReadTimeout))
	var response Response
	if err := codec.NewDecoder(io.LimitReader(conn, maxResponseSize)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
