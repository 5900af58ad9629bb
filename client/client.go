// Package client is a Go client for the kvshard wire protocol. A Client owns
// one connection and serializes requests on it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/unkn0wn-root/kvshard/internal/protocol"
	"github.com/unkn0wn-root/kvshard/store"
)

var (
	// ErrTooLong is returned for keys or values over 256 bytes.
	ErrTooLong = errors.New("key or value exceeds 256 bytes")
	ErrClosed  = errors.New("client is closed")
)

// ServerError is a 240 reply other than "Key not found".
type ServerError struct {
	Op      protocol.Op
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server %s: %s", e.Op, e.Message)
}

// Options tunes Dial. Zero values mean no timeout.
type Options struct {
	DialTimeout    time.Duration
	RequestTimeout time.Duration
}

type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	br      *bufio.Reader
	timeout time.Duration
	closed  bool
}

// Dial connects to a kvshard server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	return DialOptions(ctx, addr, Options{})
}

func DialOptions(ctx context.Context, addr string, opts Options) (*Client, error) {
	d := net.Dialer{Timeout: opts.DialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		br:      bufio.NewReaderSize(conn, 1+protocol.PayloadSize),
		timeout: opts.RequestTimeout,
	}, nil
}

// Get returns the value stored for key; ok is false when the server reports
// the key missing.
func (c *Client) Get(key string) (value string, ok bool, err error) {
	req, err := newRequest(protocol.OpGet, key, "")
	if err != nil {
		return "", false, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return "", false, err
	}
	if resp.Status == protocol.StatusOK {
		return resp.Message(), true, nil
	}
	if resp.Message() == protocol.MsgKeyNotFound {
		return "", false, nil
	}
	return "", false, &ServerError{Op: protocol.OpGet, Message: resp.Message()}
}

// Put stores value for key.
func (c *Client) Put(key, value string) error {
	req, err := newRequest(protocol.OpPut, key, value)
	if err != nil {
		return err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	if resp.Status != protocol.StatusOK {
		return &ServerError{Op: protocol.OpPut, Message: resp.Message()}
	}
	return nil
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(key string) (bool, error) {
	req, err := newRequest(protocol.OpDelete, key, "")
	if err != nil {
		return false, err
	}
	resp, err := c.roundTrip(req)
	if err != nil {
		return false, err
	}
	if resp.Status == protocol.StatusOK {
		return true, nil
	}
	if resp.Message() == protocol.MsgKeyNotFound {
		return false, nil
	}
	return false, &ServerError{Op: protocol.OpDelete, Message: resp.Message()}
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func newRequest(op protocol.Op, key, value string) (*protocol.Request, error) {
	if len(key) > protocol.KeySize || len(value) > protocol.ValueSize {
		return nil, ErrTooLong
	}
	req := &protocol.Request{Op: op, Key: store.MakeKey(key)}
	if op == protocol.OpPut {
		req.Value = store.MakeValue(value)
	}
	return req, nil
}

func (c *Client) roundTrip(req *protocol.Request) (*protocol.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, err
		}
	}
	if err := protocol.WriteRequest(c.conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Op, err)
	}
	var resp protocol.Response
	if err := protocol.ReadResponse(c.br, req.Op, &resp); err != nil {
		return nil, fmt.Errorf("receive %s: %w", req.Op, err)
	}
	return &resp, nil
}
