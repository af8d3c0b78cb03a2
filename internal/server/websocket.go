package server

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketHandler upgrades requests to WebSocket sessions. Every message a
// client sends may carry one or more newline separated commands; every
// outbound line is written as its own text message.
func (s *Server) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.acquire() {
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		}
		defer s.wg.Done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied to the client.
			s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		conn.SetReadLimit(int64(s.cfg.MaxLineBytes))

		s.stats.accepted.Add(1)
		sess := s.newSession(&wsTransport{conn: conn}, conn.RemoteAddr().String(), "websocket")
		if !s.track(sess) {
			_ = conn.Close()
			return
		}

		sess.log.Debug().Msg("session opened")
		sess.run(&wsLines{conn: conn})
	})
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteFrame(frame []byte) error {
	return t.conn.WriteMessage(websocket.TextMessage, frame)
}

func (t *wsTransport) Flush() error                       { return nil }
func (t *wsTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }

func (t *wsTransport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) Abort() error { return t.conn.Close() }

// wsLines splits inbound messages into lines.
type wsLines struct {
	conn    *websocket.Conn
	pending [][]byte
}

func (r *wsLines) ReadLine() ([]byte, error) {
	for len(r.pending) == 0 {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, io.EOF
			}
			return nil, err
		}
		r.pending = bytes.Split(data, []byte("\n"))
	}

	line := r.pending[0]
	r.pending = r.pending[1:]
	return line, nil
}
