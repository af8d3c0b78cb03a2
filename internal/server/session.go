package server

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtrencseni/aiomemq/internal/core/broker"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

const quitLine = "quit"

// transport is the write side of a connection.
type transport interface {
	WriteFrame(frame []byte) error
	Flush() error
	SetWriteDeadline(t time.Time) error
	// Close ends the connection after queued frames were flushed.
	Close() error
	// Abort tears the connection down immediately, unblocking reads and writes.
	Abort() error
}

// lineReader yields inbound lines without their terminator.
type lineReader interface {
	ReadLine() ([]byte, error)
}

// session is one client connection. Frames handed to Send are queued and
// written by a dedicated goroutine so the broker never waits on a socket.
type session struct {
	id  broker.SessionID
	srv *Server
	tr  transport
	log zerolog.Logger

	out     chan []byte
	closing chan struct{}
	done    chan struct{}

	overflowed atomic.Bool
	closeOnce  sync.Once
}

func (s *Server) newSession(tr transport, remote, kind string) *session {
	id := broker.SessionID(uuid.NewString())
	return &session{
		id:  id,
		srv: s,
		tr:  tr,
		log: s.log.With().
			Str("session", string(id)).
			Str("remote", remote).
			Str("transport", kind).
			Logger(),
		out:     make(chan []byte, s.cfg.OutboundDepth),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *session) ID() broker.SessionID { return s.id }

// Send queues a frame without blocking. A full queue means the client is not
// reading; the session is dropped rather than stalling everyone else.
func (s *session) Send(frame []byte) {
	select {
	case <-s.closing:
		return
	default:
	}

	select {
	case s.out <- frame:
	default:
		if s.overflowed.Swap(true) {
			return
		}
		s.srv.stats.slowConsumers.Add(1)
		s.log.Warn().Int("depth", cap(s.out)).Msg("outbound queue full, disconnecting slow consumer")
		// Send runs under the broker lock and abort calls back into the broker.
		go s.abort()
	}
}

// close marks the session closed and removes its subscriptions. The writer
// flushes what is already queued and then closes the transport.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.srv.broker.Disconnect(s.id)
		s.srv.untrack(s)
		s.log.Debug().Msg("session closed")
	})
}

func (s *session) abort() {
	s.close()
	_ = s.tr.Abort()
}

func (s *session) writeLoop() {
	defer close(s.done)

	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				s.abort()
				return
			}
		case <-s.closing:
			_ = s.tr.SetWriteDeadline(time.Now().Add(s.srv.cfg.DrainTimeout))
			for {
				select {
				case frame := <-s.out:
					if err := s.tr.WriteFrame(frame); err != nil {
						_ = s.tr.Abort()
						return
					}
				default:
					_ = s.tr.Flush()
					_ = s.tr.Close()
					return
				}
			}
		}
	}
}

// write sends frame plus everything else already queued, then flushes once.
func (s *session) write(frame []byte) error {
	if err := s.tr.WriteFrame(frame); err != nil {
		return err
	}
	n := 1

	for drained := false; !drained; {
		select {
		case f := <-s.out:
			if err := s.tr.WriteFrame(f); err != nil {
				return err
			}
			n++
		default:
			drained = true
		}
	}

	s.srv.stats.framesOut.Add(uint64(n))
	return s.tr.Flush()
}

// handleLine processes one inbound line and reports whether the session
// should keep reading.
func (s *session) handleLine(line []byte) bool {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return true
	}
	if string(line) == quitLine {
		return false
	}

	s.srv.stats.linesIn.Add(1)

	cmd, err := protocol.Decode(line)
	if err != nil {
		s.log.Debug().Err(err).Msg("rejected line")
		s.Send(protocol.FailureFrame(protocol.Reason(err)))
		return true
	}

	s.dispatch(cmd)
	return true
}

func (s *session) dispatch(cmd protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("command", cmd.Name()).Msg("command handler panicked")
			s.Send(protocol.FailureFrame(protocol.ReasonInternal))
		}
	}()

	s.srv.broker.Handle(s, cmd)
}

// run drives the session until the client quits, the stream ends or the
// session is closed from elsewhere.
func (s *session) run(lines lineReader) {
	go s.writeLoop()

	for {
		line, err := lines.ReadLine()
		if err != nil {
			if !isClosedError(err) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			break
		}
		if !s.handleLine(line) {
			break
		}
	}

	s.close()
	<-s.done
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

type tcpTransport struct {
	conn net.Conn
	bw   *bufio.Writer
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{conn: conn, bw: bufio.NewWriterSize(conn, 32*1024)}
}

func (t *tcpTransport) WriteFrame(frame []byte) error {
	_, err := t.bw.Write(frame)
	return err
}

func (t *tcpTransport) Flush() error                       { return t.bw.Flush() }
func (t *tcpTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *tcpTransport) Close() error                       { return t.conn.Close() }
func (t *tcpTransport) Abort() error                       { return t.conn.Close() }

type scanLines struct {
	sc *bufio.Scanner
}

func newScanLines(r io.Reader, maxLine int) scanLines {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(maxLine, 64*1024)), maxLine)
	return scanLines{sc: sc}
}

func (r scanLines) ReadLine() ([]byte, error) {
	if r.sc.Scan() {
		return r.sc.Bytes(), nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}
