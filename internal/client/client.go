// Package client is a small line protocol client for an aiomemq broker.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

// ErrRejected is returned by Request when the broker answers with a failure.
var ErrRejected = errors.New("command rejected")

// Frame is one line received from the broker: either a reply or a
// delivered message.
type Frame struct {
	Reply   *protocol.Reply
	Message *protocol.Message
	Raw     []byte
}

// Client holds a single broker connection. Writes are safe for concurrent
// use; Next and Request must not be called concurrently.
type Client struct {
	conn net.Conn
	r    *bufio.Reader

	wmu     sync.Mutex
	pending []Frame
}

// Dial connects to the broker at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, r: bufio.NewReader(conn)}
}

// Subscribe sends a subscribe command. The acknowledgement and any replayed
// messages arrive through Next.
func (c *Client) Subscribe(ctx context.Context, cmd protocol.Subscribe) error {
	return c.write(ctx, cmd)
}

// Unsubscribe sends an unsubscribe command for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	return c.write(ctx, protocol.Unsubscribe{Topic: topic})
}

// Send sends a publish command.
func (c *Client) Send(ctx context.Context, cmd protocol.Send) error {
	return c.write(ctx, cmd)
}

// Request sends cmd and waits for the broker's reply. Messages received while
// waiting are kept for Next. Replies are matched in order, so Request must not
// be mixed with unacknowledged Subscribe, Unsubscribe or Send calls.
func (c *Client) Request(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	if err := c.write(ctx, cmd); err != nil {
		return protocol.Reply{}, err
	}

	var held []Frame
	defer func() { c.pending = append(c.pending, held...) }()

	for {
		f, err := c.read(ctx)
		if err != nil {
			return protocol.Reply{}, err
		}
		if f.Reply == nil {
			held = append(held, f)
			continue
		}
		if !f.Reply.Success {
			return *f.Reply, fmt.Errorf("%w: %s", ErrRejected, f.Reply.Reason)
		}
		return *f.Reply, nil
	}
}

// WriteLine sends raw bytes followed by CRLF.
func (c *Client) WriteLine(ctx context.Context, line []byte) error {
	frame := make([]byte, 0, len(line)+2)
	frame = append(frame, line...)
	frame = append(frame, '\r', '\n')
	return c.writeFrame(ctx, frame)
}

// Next returns the next frame from the broker, blocking until one arrives or
// ctx is done.
func (c *Client) Next(ctx context.Context) (Frame, error) {
	if len(c.pending) > 0 {
		f := c.pending[0]
		c.pending = c.pending[1:]
		return f, nil
	}
	return c.read(ctx)
}

// Quit asks the broker to end the session. The broker flushes queued frames
// before closing, so Next keeps returning them until io.EOF.
func (c *Client) Quit(ctx context.Context) error {
	return c.WriteLine(ctx, []byte("quit"))
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) write(ctx context.Context, cmd protocol.Command) error {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return fmt.Errorf("encode %s: %w", cmd.Name(), err)
	}
	return c.writeFrame(ctx, frame)
}

func (c *Client) writeFrame(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	// A failed deadline means the connection is gone; Write reports why.
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetWriteDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", contextError(ctx, err))
	}
	return nil
}

func (c *Client) read(ctx context.Context) (Frame, error) {
	deadline, _ := ctx.Deadline()
	_ = c.conn.SetReadDeadline(deadline)

	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return Frame{}, contextError(ctx, err)
	}

	return DecodeFrame(bytes.TrimRight(line, "\r\n"))
}

// contextError reports a deadline or cancellation of ctx in place of the
// network timeout it caused.
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return err
}

// DecodeFrame classifies a broker line as a reply or a message.
func DecodeFrame(line []byte) (Frame, error) {
	var head struct {
		Success *bool `json:"success"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}

	f := Frame{Raw: line}
	if head.Success != nil {
		var r protocol.Reply
		if err := json.Unmarshal(line, &r); err != nil {
			return Frame{}, fmt.Errorf("decode reply: %w", err)
		}
		f.Reply = &r
		return f, nil
	}

	var m protocol.Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Frame{}, fmt.Errorf("decode message: %w", err)
	}
	f.Message = &m
	return f, nil
}
