package client

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

// pipe returns a client and the broker end of an in-memory connection.
func pipe(t *testing.T) (*Client, net.Conn, *bufio.Reader) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return New(a), b, bufio.NewReader(b)
}

// respond reads one line from the broker side and writes the given frames back.
func respond(t *testing.T, conn net.Conn, r *bufio.Reader, frames ...string) <-chan string {
	t.Helper()

	got := make(chan string, 1)
	go func() {
		line, err := r.ReadString('\n')
		if err != nil {
			close(got)
			return
		}
		got <- line
		for _, f := range frames {
			if _, err := io.WriteString(conn, f+"\r\n"); err != nil {
				return
			}
		}
	}()
	return got
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestRequest_HoldsMessagesUntilReply(t *testing.T) {
	cl, conn, r := pipe(t)
	ctx := ctxTimeout(t, 2*time.Second)

	got := respond(t, conn, r,
		`{"command":"send","topic":"a","msg":"early","delivery":"all","index":4}`,
		`{"success":true}`,
		`{"command":"send","topic":"a","msg":"late","delivery":"all","index":5}`,
	)

	reply, err := cl.Request(ctx, protocol.Unsubscribe{Topic: "b"})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, `{"command":"unsubscribe","topic":"b"}`+"\r\n", <-got)

	f, err := cl.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.Message)
	assert.Equal(t, "early", f.Message.Msg)

	f, err = cl.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.Message)
	assert.Equal(t, int64(5), f.Message.Index)
}

func TestRequest_Rejected(t *testing.T) {
	cl, conn, r := pipe(t)
	ctx := ctxTimeout(t, 2*time.Second)

	respond(t, conn, r, `{"success":false,"reason":"Malformed json message"}`)

	reply, err := cl.Request(ctx, protocol.Send{Topic: "t", Msg: "x", Delivery: protocol.DeliveryAll})
	require.ErrorIs(t, err, ErrRejected)
	assert.False(t, reply.Success)
	assert.Equal(t, protocol.ReasonMalformed, reply.Reason)
}

func TestNext_ContextDeadline(t *testing.T) {
	cl, _, _ := pipe(t)

	_, err := cl.Next(ctxTimeout(t, 50*time.Millisecond))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNext_Cancelled(t *testing.T) {
	cl, _, _ := pipe(t)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := cl.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNext_EOF(t *testing.T) {
	cl, conn, _ := pipe(t)
	require.NoError(t, conn.Close())

	_, err := cl.Next(ctxTimeout(t, time.Second))
	assert.ErrorIs(t, err, io.EOF)
}

func TestNext_EOFOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = io.WriteString(conn, `{"success":true}`+"\r\n")
		_ = conn.Close()
	}()

	ctx := ctxTimeout(t, 2*time.Second)
	cl, err := Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer cl.Close()

	f, err := cl.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, f.Reply)

	_, err = cl.Next(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteLine_PeerClosed(t *testing.T) {
	cl, conn, _ := pipe(t)
	require.NoError(t, conn.Close())

	err := cl.WriteLine(ctxTimeout(t, time.Second), []byte("quit"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestQuit_WritesLine(t *testing.T) {
	cl, _, r := pipe(t)
	ctx := ctxTimeout(t, time.Second)

	done := make(chan string, 1)
	go func() {
		line, _ := r.ReadString('\n')
		done <- line
	}()

	require.NoError(t, cl.Quit(ctx))
	assert.Equal(t, "quit\r\n", <-done)
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantReply   bool
		wantMessage bool
		wantErr     bool
	}{
		{name: "success", line: `{"success":true}`, wantReply: true},
		{name: "failure", line: `{"success":false,"reason":"Could not parse json"}`, wantReply: true},
		{name: "message", line: `{"command":"send","topic":"t","msg":"m","delivery":"one","index":0}`, wantMessage: true},
		{name: "garbage", line: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantReply, f.Reply != nil)
			assert.Equal(t, tt.wantMessage, f.Message != nil)
			assert.Equal(t, tt.line, string(f.Raw))
		})
	}
}
