// Package rpc implements the host side of the worker wire protocol: one
// short-lived TCP connection per call carrying a single newline-terminated
// JSON request and a single newline-terminated JSON response. The socket
// scopes the exchange, so there is no session state and no correlation id.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/discovery"
)

// Caller is the request interface higher layers depend on, so the circuit
// breaker can wrap the raw channel transparently.
type Caller interface {
	Call(ctx context.Context, command string, payload any, timeout time.Duration) (*domain.RPCResponse, error)
}

// Channel dials the worker's discovered port for each call.
type Channel struct {
	disc           *discovery.Discovery
	connectTimeout time.Duration
	logger         *slog.Logger
}

// NewChannel creates a Channel addressing the worker through disc's cached port.
func NewChannel(disc *discovery.Discovery, connectTimeout time.Duration, logger *slog.Logger) *Channel {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Channel{disc: disc, connectTimeout: connectTimeout, logger: logger}
}

// Call writes one request and reads one response, then closes the connection.
// Failures map onto the domain taxonomy so callers can decide whether a retry
// is sensible:
//
//   - no discovered port, connect failure  -> ErrUnreachable
//   - read/write deadline exceeded         -> ErrRequestTimeout
//   - malformed JSON or missing newline    -> ErrProtocol
//   - response with status "error"         -> ErrRemote (response returned too)
func (c *Channel) Call(ctx context.Context, command string, payload any, timeout time.Duration) (*domain.RPCResponse, error) {
	const op = "RpcChannel.Call"

	port, ok := c.disc.CachedPort()
	if !ok {
		return nil, domain.NewDomainError(op, domain.ErrUnreachable, "no discovered port")
	}

	dialer := net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrUnreachable, err.Error())
	}
	// Close unconditionally; on timeout this destroys the socket rather than
	// leaving it open behind a rejected call.
	defer conn.Close()

	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, domain.NewDomainError(op, domain.ErrUnreachable, err.Error())
		}
	}

	line, err := json.Marshal(domain.RPCRequest{Command: command, Payload: payload})
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	line = append(line, '\n')

	if _, err := conn.Write(line); err != nil {
		return nil, c.transportError(op, err)
	}

	reader := bufio.NewReader(conn)
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, domain.NewDomainError(op, domain.ErrProtocol, "stream ended before newline")
		}
		return nil, c.transportError(op, err)
	}

	var resp domain.RPCResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, domain.NewDomainError(op, domain.ErrProtocol, err.Error())
	}

	c.logger.Debug("rpc call completed", "command", command, "status", resp.Status)

	if resp.IsError() {
		return &resp, domain.NewDomainError(op, domain.ErrRemote, resp.Message)
	}
	return &resp, nil
}

// transportError distinguishes a deadline expiry from a broken connection.
func (c *Channel) transportError(op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.NewDomainError(op, domain.ErrRequestTimeout, err.Error())
	}
	return domain.NewDomainError(op, domain.ErrUnreachable, err.Error())
}

var _ Caller = (*Channel)(nil)
