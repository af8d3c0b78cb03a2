// Package server exposes a broker over TCP and, optionally, WebSocket
// connections speaking the line protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mtrencseni/aiomemq/internal/core/broker"
	"github.com/mtrencseni/aiomemq/internal/core/config"
	"github.com/mtrencseni/aiomemq/internal/core/protocol"
)

// Broker applies commands on behalf of sessions.
type Broker interface {
	Handle(sess broker.Session, cmd protocol.Command)
	Disconnect(id broker.SessionID)
	Stats() broker.Stats
}

type counters struct {
	accepted      atomic.Uint64
	linesIn       atomic.Uint64
	framesOut     atomic.Uint64
	slowConsumers atomic.Uint64
}

// Server accepts connections and binds each one to a broker session.
type Server struct {
	broker Broker
	cfg    *config.Config
	log    zerolog.Logger
	stats  counters

	mu       sync.Mutex
	closed   bool
	sessions map[broker.SessionID]*session
	wg       sync.WaitGroup
}

// New creates a server for b using the network settings in cfg.
func New(b Broker, cfg *config.Config, log zerolog.Logger) *Server {
	return &Server{
		broker:   b,
		cfg:      cfg,
		log:      log,
		sessions: make(map[broker.SessionID]*session),
	}
}

// ListenAndServe listens on the configured TCP address, and on the WebSocket
// address when one is set, then serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	var wsLn net.Listener
	if s.cfg.WebSocketAddr != "" {
		wsLn, err = net.Listen("tcp", s.cfg.WebSocketAddr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("listen websocket: %w", err)
		}
		s.log.Info().Str("addr", wsLn.Addr().String()).Msg("accepting websocket connections")
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("cache_size", s.cfg.CacheSize).
		Msg("accepting connections")

	return s.Serve(ctx, ln, wsLn)
}

// Serve accepts line protocol connections on ln and WebSocket connections on
// wsLn, which may be nil. When ctx is cancelled both listeners are closed,
// every live session is dropped and Serve returns once all connection
// goroutines have exited.
func (s *Server) Serve(ctx context.Context, ln, wsLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.acceptLoop(gctx, ln)
	})

	var httpSrv *http.Server
	if wsLn != nil {
		httpSrv = &http.Server{
			Handler:           s.WebSocketHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.Serve(wsLn); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serve websocket: %w", err)
			}
			return nil
		})
	}

	if s.cfg.StatsInterval > 0 {
		g.Go(func() error {
			s.statsLoop(gctx, s.cfg.StatsInterval)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		if httpSrv != nil {
			_ = httpSrv.Close()
		}
		s.shutdown()
		return nil
	})

	err := g.Wait()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	var delay time.Duration

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isClosedError(err) {
				return fmt.Errorf("accept: %w", err)
			}

			delay = max(5*time.Millisecond, min(2*delay, time.Second))
			s.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		if !s.acquire() {
			_ = conn.Close()
			return nil
		}
		s.stats.accepted.Add(1)

		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *Server) serveConn(conn net.Conn) {
	sess := s.newSession(newTCPTransport(conn), conn.RemoteAddr().String(), "tcp")
	if !s.track(sess) {
		_ = conn.Close()
		return
	}

	sess.log.Debug().Msg("session opened")
	sess.run(newScanLines(conn, s.cfg.MaxLineBytes))
}

// acquire reserves a slot in the connection wait group unless the server is
// shutting down.
func (s *Server) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	return true
}

func (s *Server) untrack(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

func (s *Server) shutdown() {
	s.mu.Lock()
	s.closed = true
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	for _, sess := range live {
		sess.abort()
	}
	s.log.Info().Int("sessions", len(live)).Msg("server stopped")
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) statsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevIn, prevOut uint64
	prev := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(prev).Seconds()
			if elapsed <= 0 {
				elapsed = 1
			}
			prev = now

			in, out := s.stats.linesIn.Load(), s.stats.framesOut.Load()
			bs := s.broker.Stats()

			s.log.Info().
				Int("sessions", s.SessionCount()).
				Int("topics", bs.Topics).
				Int("subscriptions", bs.Subscriptions).
				Int("cached", bs.CachedMessages).
				Uint64("accepted", s.stats.accepted.Load()).
				Uint64("slow_consumers", s.stats.slowConsumers.Load()).
				Float64("lines_per_sec", float64(in-prevIn)/elapsed).
				Float64("frames_per_sec", float64(out-prevOut)/elapsed).
				Msg("stats")

			prevIn, prevOut = in, out
		}
	}
}
