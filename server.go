// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultMaxSessions bounds the number of concurrently accepted
// connections.
const DefaultMaxSessions = 16

var errShortHandlerResult = errors.New("modbus: handler returned wrong number of values")

// OverflowPolicy selects what happens when a connection arrives while the
// server is at its session limit.
type OverflowPolicy int

const (
	// RejectNew closes the new connection.
	RejectNew OverflowPolicy = iota
	// EvictOldest closes the session that has been idle the longest.
	EvictOldest
)

// ServerConfig configures a Server. The zero value of every field selects
// its default.
type ServerConfig struct {
	// Address to listen on, host:port. The MODBUS default port is 502.
	Address string
	// MaxSessions bounds concurrent connections.
	MaxSessions int
	// Overflow is applied when a connection arrives at the session limit.
	Overflow OverflowPolicy
	// Logger receives accept and wire-level debug output. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Server accepts MODBUS TCP sessions and dispatches their requests to a
// RequestHandler. Handler calls are serial within one session and parallel
// across sessions.
type Server struct {
	cfg     ServerConfig
	handler RequestHandler
	logger  *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	sessions map[*serverSession]struct{}
	closed   bool

	active atomic.Int64
	wg     sync.WaitGroup
}

// NewServer creates a server for the given handler.
func NewServer(cfg ServerConfig, handler RequestHandler) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		handler:  handler,
		logger:   logger,
		sessions: make(map[*serverSession]struct{}),
	}
}

// ListenAndServe listens on the configured address and runs the accept
// loop until Close.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("modbus: listen on %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ln)
}

// Serve runs the accept loop on ln until Close.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return ErrShutdown
	}
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info("modbus: server listening", "address", ln.Addr().String())

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("modbus: accept failed", "err", err)
			continue
		}
		s.admit(conn)
	}
}

// admit registers the connection, enforcing the session limit, and starts
// its task. Returns false when the connection was rejected.
func (s *Server) admit(conn net.Conn) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return false
	}
	if len(s.sessions) >= s.cfg.MaxSessions {
		if s.cfg.Overflow == RejectNew {
			s.mu.Unlock()
			s.logger.Warn("modbus: rejecting connection, session limit reached",
				"remote", conn.RemoteAddr().String(), "limit", s.cfg.MaxSessions)
			conn.Close()
			return false
		}
		victim := s.oldestSessionLocked()
		s.mu.Unlock()
		if victim != nil {
			s.logger.Warn("modbus: evicting oldest idle session",
				"remote", victim.conn.RemoteAddr().String())
			victim.stop()
		}
		s.mu.Lock()
	}
	sess := &serverSession{server: s, conn: conn}
	sess.touch()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("modbus: session connected", "remote", conn.RemoteAddr().String())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.run()
	}()
	return true
}

// oldestSessionLocked picks the eviction victim: the session idle the
// longest. Caller holds mu.
func (s *Server) oldestSessionLocked() *serverSession {
	var victim *serverSession
	var oldest time.Time
	for sess := range s.sessions {
		if t := sess.lastActivity(); victim == nil || t.Before(oldest) {
			victim = sess
			oldest = t
		}
	}
	return victim
}

func (s *Server) removeSession(sess *serverSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Close stops accepting, closes every session and waits for their tasks to
// finish.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	sessions := make([]*serverSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, sess := range sessions {
		sess.stop()
	}
	s.wg.Wait()
	return err
}

// Shutdown closes the listener, then waits for in-flight requests to finish
// until the context expires before closing the remaining sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}

	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	var ctxErr error
wait:
	for s.active.Load() > 0 {
		select {
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break wait
		case <-ticker.C:
		}
	}
	s.Close()
	return ctxErr
}

// serverSession serves one accepted socket. Its state lives for the
// duration of that socket only.
type serverSession struct {
	server *Server
	conn   net.Conn

	mu     sync.Mutex
	active time.Time
}

func (sess *serverSession) touch() {
	sess.mu.Lock()
	sess.active = time.Now()
	sess.mu.Unlock()
}

func (sess *serverSession) lastActivity() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.active
}

func (sess *serverSession) stop() {
	sess.conn.Close()
}

// run reads frames, dispatches them to the handler and writes replies until
// the socket closes or a framing violation occurs.
func (sess *serverSession) run() {
	s := sess.server
	defer func() {
		sess.conn.Close()
		s.removeSession(sess)
		s.logger.Info("modbus: session closed", "remote", sess.conn.RemoteAddr().String())
	}()

	decoder := &frameDecoder{}
	buf := make([]byte, tcpMaxLength)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			decoder.feed(buf[:n])
			for {
				f, ok, ferr := decoder.next()
				if ferr != nil {
					// Framing violations are fatal for the connection.
					s.logger.Warn("modbus: closing session on framing violation",
						"remote", sess.conn.RemoteAddr().String(), "err", ferr)
					return
				}
				if !ok {
					break
				}
				sess.touch()
				s.active.Add(1)
				err := sess.respond(f)
				s.active.Add(-1)
				if err != nil {
					s.logger.Debug("modbus: write failed",
						"remote", sess.conn.RemoteAddr().String(), "err", err)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("modbus: read failed",
					"remote", sess.conn.RemoteAddr().String(), "err", err)
			}
			return
		}
	}
}

// respond handles a single request frame and writes the reply, reusing the
// request's transaction id and unit id.
func (sess *serverSession) respond(f frame) error {
	pdu := sess.handle(f)
	adu, err := encodeADU(f.transactionID, f.unitID, pdu)
	if err != nil {
		// A response this size cannot be framed; report device failure.
		adu, _ = encodeADU(f.transactionID, f.unitID, exceptionPDU(f.pdu.FunctionCode, ExceptionCodeServerDeviceFailure))
	}
	_, err = sess.conn.Write(adu)
	return err
}

func (sess *serverSession) handle(f frame) ProtocolDataUnit {
	s := sess.server
	req, err := decodeRequest(f.pdu)
	if err != nil {
		s.logger.Debug("modbus: rejecting request",
			"function", f.pdu.FunctionCode, "err", err)
		return exceptionPDU(f.pdu.FunctionCode, asExceptionCode(err))
	}
	ctx := context.Background()
	resp, err := dispatch(ctx, s.handler, f.unitID, req)
	if err != nil {
		if !isException(err) {
			s.logger.Error("modbus: handler failed",
				"function", f.pdu.FunctionCode, "unitID", f.unitID, "err", err)
		}
		return exceptionPDU(f.pdu.FunctionCode, asExceptionCode(err))
	}
	pdu, err := resp.encode()
	if err != nil {
		s.logger.Error("modbus: response encoding failed",
			"function", f.pdu.FunctionCode, "err", err)
		return exceptionPDU(f.pdu.FunctionCode, ExceptionCodeServerDeviceFailure)
	}
	return pdu
}

func isException(err error) bool {
	var code ExceptionCode
	return errors.As(err, &code)
}

// exceptionPDU builds the exception response: the function code with its
// high bit set plus a one byte exception code.
func exceptionPDU(functionCode byte, code ExceptionCode) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: functionCode | exceptionMask,
		Data:         []byte{byte(code)},
	}
}
