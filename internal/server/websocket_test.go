package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtrencseni/aiomemq/internal/client"
	"github.com/mtrencseni/aiomemq/internal/core/broker"
	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

func dialWebSocket(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/", nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn
}

func writeWebSocket(t *testing.T, conn *websocket.Conn, lines ...string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(strings.Join(lines, "\n"))))
}

func readWebSocketFrame(t *testing.T, conn *websocket.Conn) client.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	assert.True(t, strings.HasSuffix(string(data), "\r\n"), "frames keep their line terminator")

	f, err := client.DecodeFrame([]byte(strings.TrimSpace(string(data))))
	require.NoError(t, err)
	return f
}

func TestWebSocket_MultipleLinesPerMessage(t *testing.T) {
	ts := startServer(t, withWebSocket())
	ws := dialWebSocket(t, ts.wsAddr)
	defer ws.Close()

	writeWebSocket(t, ws,
		`{"command":"subscribe","topic":"foo"}`,
		``,
		`{"command":"send","topic":"foo","msg":"hello","delivery":"all"}`,
	)

	ack := readWebSocketFrame(t, ws)
	require.NotNil(t, ack.Reply)
	assert.True(t, ack.Reply.Success)

	delivered := readWebSocketFrame(t, ws)
	require.NotNil(t, delivered.Message)
	assert.Equal(t, "hello", delivered.Message.Msg)
	assert.Equal(t, int64(0), delivered.Message.Index)

	published := readWebSocketFrame(t, ws)
	require.NotNil(t, published.Reply)
	assert.True(t, published.Reply.Success)
}

func TestWebSocket_CrossTransport(t *testing.T) {
	ts := startServer(t, withWebSocket())
	ws := dialWebSocket(t, ts.wsAddr)
	defer ws.Close()

	writeWebSocket(t, ws, `{"command":"subscribe","topic":"news"}`)
	readWebSocketFrame(t, ws)

	pub := dial(t, ts.addr)
	request(t, pub, protocol.Send{Topic: "news", Msg: "from tcp", Delivery: protocol.DeliveryAll})

	f := readWebSocketFrame(t, ws)
	require.NotNil(t, f.Message)
	assert.Equal(t, "from tcp", f.Message.Msg)
}

func TestWebSocket_ErrorsAndQuit(t *testing.T) {
	ts := startServer(t, withWebSocket())
	ws := dialWebSocket(t, ts.wsAddr)
	defer ws.Close()

	writeWebSocket(t, ws, `{"command":"subscribe"}`)
	f := readWebSocketFrame(t, ws)
	require.NotNil(t, f.Reply)
	assert.Equal(t, protocol.Failure(protocol.ReasonMalformed), *f.Reply)

	writeWebSocket(t, ws, `{"command":"subscribe","topic":"x"}`, `quit`)
	readWebSocketFrame(t, ws)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool { return len(ts.broker.Subscribers("x")) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocketHandler_Httptest(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := New(broker.New(zerolog.Nop()), &cfg, zerolog.Nop())

	hs := httptest.NewServer(srv.WebSocketHandler())
	defer hs.Close()

	ws := dialWebSocket(t, strings.TrimPrefix(hs.URL, "http://"))
	writeWebSocket(t, ws, `{"command":"unsubscribe","topic":"nothing"}`)
	f := readWebSocketFrame(t, ws)
	require.NotNil(t, f.Reply)
	assert.True(t, f.Reply.Success)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 5*time.Second, 10*time.Millisecond)

	// plain http requests are refused by the upgrader
	resp, err := http.Get(hs.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
