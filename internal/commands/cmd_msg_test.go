package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"

	"github.com/mtrencseni/aiomemq/internal/core/broker"
	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
	"github.com/mtrencseni/aiomemq/internal/server"
)

func startTestBroker(t *testing.T) (string, *broker.Broker) {
	t.Helper()

	cfg := config.DefaultConfig()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := broker.New(zerolog.Nop())
	srv := server.New(b, &cfg, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln, nil) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return ln.Addr().String(), b
}

type msgHarness struct {
	addr  string
	stdin string
}

func (h msgHarness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	msgCmd := NewMsgCmd(&Flags{})
	msgCmd.stdin = strings.NewReader(h.stdin)

	app := &cli.Command{Name: "aiomemq", Writer: &out}
	app = msgCmd.Register(app)

	argv := append([]string{"aiomemq", "msg", "--addr", h.addr}, args...)
	err := app.Run(context.Background(), argv)
	return out.String(), err
}

func decodeLines(t *testing.T, out string) []protocol.Message {
	t.Helper()

	var msgs []protocol.Message
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" {
			continue
		}
		var m protocol.Message
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		msgs = append(msgs, m)
	}
	return msgs
}

func TestMsgCmd_PubThenSubReplays(t *testing.T) {
	addr, b := startTestBroker(t)
	h := msgHarness{addr: addr, stdin: "from stdin\n"}

	_, err := h.run(t, "pub", "--topic", "jobs", "hello", "world")
	require.NoError(t, err)
	_, err = h.run(t, "pub", "--topic", "jobs")
	require.NoError(t, err)
	_, err = h.run(t, "pub", "--topic", "jobs", "--no-cache", "gone")
	require.NoError(t, err)

	assert.Equal(t, int64(3), b.NextIndex("jobs"))

	out, err := h.run(t, "sub", "--topic", "jobs", "--count", "2", "--timeout", "5s")
	require.NoError(t, err)

	msgs := decodeLines(t, out)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello world", msgs[0].Msg)
	assert.Equal(t, int64(0), msgs[0].Index)
	assert.Equal(t, "from stdin", msgs[1].Msg)
	assert.Equal(t, int64(1), msgs[1].Index)
}

func TestMsgCmd_SubLastSeen(t *testing.T) {
	addr, _ := startTestBroker(t)
	h := msgHarness{addr: addr}

	for _, body := range []string{"a", "b", "c"} {
		_, err := h.run(t, "pub", "--topic", "t", body)
		require.NoError(t, err)
	}

	out, err := h.run(t, "sub", "--topic", "t", "--last-seen", "1", "--timeout", "300ms")
	require.NoError(t, err)

	msgs := decodeLines(t, out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Msg)

	out, err = h.run(t, "sub", "--topic", "t", "--no-replay", "--timeout", "300ms")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestMsgCmd_SubReceivesLive(t *testing.T) {
	addr, b := startTestBroker(t)
	h := msgHarness{addr: addr}

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.run(t, "sub", "--topic", "live", "--no-replay", "--count", "1", "--timeout", "5s")
		done <- result{out, err}
	}()

	require.Eventually(t, func() bool {
		return len(b.Subscribers("live")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.run(t, "pub", "--topic", "live", "--delivery", "one", "ping")
	require.NoError(t, err)

	r := <-done
	require.NoError(t, r.err)
	msgs := decodeLines(t, r.out)
	require.Len(t, msgs, 1)
	assert.Equal(t, "ping", msgs[0].Msg)
	assert.Equal(t, protocol.DeliveryOne, msgs[0].Delivery)
}

func TestMsgCmd_PubInvalidDelivery(t *testing.T) {
	addr, _ := startTestBroker(t)

	_, err := msgHarness{addr: addr}.run(t, "pub", "--topic", "t", "--delivery", "some", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid delivery")
}
