// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// session owns the TCP socket of one client. Callers hand it work items
// through a bounded queue; a single goroutine serializes them to the wire,
// correlates responses by transaction id and reconnects on failure. No
// session state is shared with callers.
type session struct {
	cfg    ClientConfig
	logger *slog.Logger

	queue    chan *Call
	shutdown chan struct{} // closed by Close; unblocks producers and the task
	drained  chan struct{} // closed by Close once no new producer can enqueue
	done     chan struct{} // closed when the task has terminated

	closeOnce sync.Once
	sendMu    sync.RWMutex
	closed    bool

	state    atomic.Int32
	inflight atomic.Int64

	// owned by the run goroutine
	nextTxID uint16
	pending  map[uint16]*Call
}

func newSession(cfg ClientConfig) *session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &session{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan *Call, cfg.QueueCapacity),
		shutdown: make(chan struct{}),
		drained:  make(chan struct{}),
		done:     make(chan struct{}),
		pending:  make(map[uint16]*Call),
	}
}

// enqueue hands a validated call to the session task. It blocks while the
// queue is full to apply backpressure.
func (s *session) enqueue(call *Call) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return ErrShutdown
	}
	s.inflight.Add(1)
	select {
	case s.queue <- call:
		return nil
	case <-s.shutdown:
		s.inflight.Add(-1)
		return ErrShutdown
	}
}

// close stops the task. Safe to call more than once. Blocks until the task
// has failed all pending and queued calls.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)
		// Wait out in-flight enqueues, then tell the task the queue is
		// quiescent.
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()
		close(s.drained)
	})
	<-s.done
}

// drain waits until no call is in flight, the queue is empty and the wire
// is idle, or the context expires.
func (s *session) drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if s.inflight.Load() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-ticker.C:
		}
	}
}

// run is the session task. It owns the socket for its whole lifetime.
func (s *session) run() {
	backoff := s.cfg.ReconnectMin
	for {
		s.state.Store(int32(StateConnecting))
		conn, err := s.dial()
		if err != nil {
			if errors.Is(err, ErrShutdown) {
				s.terminate()
				return
			}
			s.state.Store(int32(StateDisconnected))
			s.logger.Debug("modbus: connect failed", "address", s.cfg.Address, "backoff", backoff, "err", err)
			if s.waitReconnect(backoff) {
				s.terminate()
				return
			}
			backoff *= 2
			if backoff > s.cfg.ReconnectMax {
				backoff = s.cfg.ReconnectMax
			}
			continue
		}
		backoff = s.cfg.ReconnectMin
		s.state.Store(int32(StateConnected))
		stopped := s.serve(conn)
		conn.Close()
		s.state.Store(int32(StateDisconnected))
		if stopped {
			s.terminate()
			return
		}
	}
}

func (s *session) dial() (net.Conn, error) {
	select {
	case <-s.shutdown:
		return nil, ErrShutdown
	default:
	}
	if s.cfg.Dial != nil {
		return s.cfg.Dial(s.cfg.Address)
	}
	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	return dialer.Dial("tcp", s.cfg.Address)
}

// waitReconnect sleeps between connect attempts. While disconnected,
// submitted calls are rejected immediately under the Reject policy, or left
// queued until the session reconnects under the Queue policy. Returns true
// on shutdown.
func (s *session) waitReconnect(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		if s.cfg.SubmitPolicy == QueueWhileDisconnected {
			select {
			case <-timer.C:
				return false
			case <-s.shutdown:
				return true
			}
		}
		select {
		case call := <-s.queue:
			s.complete(call, nil, ErrNotConnected)
		case <-timer.C:
			return false
		case <-s.shutdown:
			return true
		}
	}
}

// terminate fails everything still pending or queued with ErrShutdown and
// marks the task as stopped.
func (s *session) terminate() {
	s.state.Store(int32(StateStopped))
	s.failPending(ErrShutdown)
	for {
		select {
		case call := <-s.queue:
			s.complete(call, nil, ErrShutdown)
		case <-s.drained:
			for {
				select {
				case call := <-s.queue:
					s.complete(call, nil, ErrShutdown)
				default:
					close(s.done)
					return
				}
			}
		}
	}
}

type readResult struct {
	frame frame
	err   error
}

// serve runs the connected loop until an I/O error, a framing violation or
// shutdown. Returns true when the session should stop for good.
func (s *session) serve(conn net.Conn) bool {
	readCh := make(chan readResult)
	stop := make(chan struct{})
	defer close(stop)
	go readFrames(conn, readCh, stop)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		// Arm the timer for the nearest pending deadline.
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if next, ok := s.nextDeadline(); ok {
			timer.Reset(time.Until(next))
		}

		select {
		case <-s.shutdown:
			return true
		case call := <-s.queue:
			if !s.transmit(conn, call) {
				return false
			}
		case r := <-readCh:
			if r.err != nil {
				s.logger.Debug("modbus: connection error", "err", r.err)
				s.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, r.err))
				return false
			}
			s.deliver(r.frame)
		case <-timer.C:
			s.expirePending(time.Now())
		}
	}
}

// readFrames pumps decoded frames from the socket into out until the
// connection fails or the serve loop stops.
func readFrames(conn net.Conn, out chan<- readResult, stop <-chan struct{}) {
	decoder := &frameDecoder{}
	buf := make([]byte, tcpMaxLength)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.feed(buf[:n])
			for {
				f, ok, ferr := decoder.next()
				if ferr != nil {
					err = ferr
					break
				}
				if !ok {
					break
				}
				f.pdu.Data = append([]byte(nil), f.pdu.Data...)
				select {
				case out <- readResult{frame: f}:
				case <-stop:
					return
				}
			}
		}
		if err != nil {
			select {
			case out <- readResult{err: err}:
			case <-stop:
			}
			return
		}
	}
}

// transmit allocates a transaction id, records the pending entry and writes
// the frame. Requests are written back to back without waiting for their
// responses; the protocol is pipelined on transaction id. Returns false on
// a connection-fatal error.
func (s *session) transmit(conn net.Conn, call *Call) bool {
	now := time.Now()
	if !call.deadline.After(now) {
		s.complete(call, nil, ErrTimeout)
		return true
	}
	txID, ok := s.allocTxID()
	if !ok {
		s.complete(call, nil, badRequestf("no free transaction id"))
		return true
	}
	adu, err := encodeADU(txID, call.UnitID, call.pdu)
	if err != nil {
		s.complete(call, nil, err)
		return true
	}
	s.pending[txID] = call
	if err := conn.SetWriteDeadline(call.deadline); err == nil {
		_, err = conn.Write(adu)
	}
	if err != nil {
		s.logger.Debug("modbus: write failed", "err", err)
		s.failPending(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return false
	}
	s.logger.Debug("modbus: send", "adu", fmt.Sprintf("% x", adu))
	return true
}

// allocTxID returns the next transaction id, wrapping on overflow and
// skipping ids that are currently pending.
func (s *session) allocTxID() (uint16, bool) {
	for i := 0; i < 0x10000; i++ {
		id := s.nextTxID
		s.nextTxID++
		if _, busy := s.pending[id]; !busy {
			return id, true
		}
	}
	return 0, false
}

// deliver completes the caller waiting on the frame's transaction id. A
// frame with an unknown id is logged and dropped: it usually is the late
// answer to a request that already timed out, and the completed call must
// not be resurrected.
func (s *session) deliver(f frame) {
	call, ok := s.pending[f.transactionID]
	if !ok {
		s.logger.Debug("modbus: dropping response with unknown transaction id",
			"transactionID", f.transactionID)
		return
	}
	delete(s.pending, f.transactionID)

	if f.unitID != call.UnitID {
		s.complete(call, nil, badResponsef("response unit id '%v' does not match request '%v'",
			f.unitID, call.UnitID))
		return
	}
	if f.pdu.FunctionCode == call.Request.FunctionCode()|exceptionMask {
		if len(f.pdu.Data) != 1 {
			s.complete(call, nil, badResponsef("exception response data size '%v' does not match expected '%v'",
				len(f.pdu.Data), 1))
			return
		}
		s.complete(call, nil, &Exception{
			FunctionCode:  f.pdu.FunctionCode,
			ExceptionCode: ExceptionCode(f.pdu.Data[0]),
		})
		return
	}
	if f.pdu.FunctionCode != call.Request.FunctionCode() {
		s.complete(call, nil, badResponsef("response function code '%v' does not match request '%v'",
			f.pdu.FunctionCode, call.Request.FunctionCode()))
		return
	}
	response, err := call.Request.decodeResponse(f.pdu.Data)
	s.complete(call, response, err)
}

// nextDeadline returns the earliest deadline among pending calls.
func (s *session) nextDeadline() (time.Time, bool) {
	var next time.Time
	for _, call := range s.pending {
		if next.IsZero() || call.deadline.Before(next) {
			next = call.deadline
		}
	}
	return next, !next.IsZero()
}

// expirePending times out pending calls whose deadline has passed. Their
// transaction ids stay reserved by the sequential allocator until wrap.
func (s *session) expirePending(now time.Time) {
	for txID, call := range s.pending {
		if !call.deadline.After(now) {
			delete(s.pending, txID)
			s.complete(call, nil, ErrTimeout)
		}
	}
}

// failPending completes every pending call with err and resets the map.
func (s *session) failPending(err error) {
	for txID, call := range s.pending {
		delete(s.pending, txID)
		s.complete(call, nil, err)
	}
}

// complete finishes a call exactly once, from the session task context.
// Abandoned async callers simply never read the Done channel; the buffered
// send below never blocks the task.
func (s *session) complete(call *Call, response Response, err error) {
	call.Response = response
	call.Err = err
	s.inflight.Add(-1)
	if call.callback != nil {
		call.callback(call)
		return
	}
	select {
	case call.Done <- call:
	default:
		s.logger.Debug("modbus: discarding completion, done channel is full")
	}
}
