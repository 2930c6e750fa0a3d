// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultTimeout bounds a request when neither the context nor the
	// configuration says otherwise.
	DefaultTimeout = 10 * time.Second
	// DefaultConnectTimeout bounds a single connect attempt.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultQueueCapacity is the depth of the request queue feeding the
	// session task.
	DefaultQueueCapacity = 16
	// DefaultReconnectMin is the initial reconnect backoff delay.
	DefaultReconnectMin = 1 * time.Second
	// DefaultReconnectMax caps the reconnect backoff delay.
	DefaultReconnectMax = 10 * time.Second
)

// SubmitPolicy selects what happens to requests submitted while the session
// is disconnected.
type SubmitPolicy int

const (
	// QueueWhileDisconnected keeps requests queued until the session
	// reconnects. A queued request whose deadline has passed by then fails
	// with ErrTimeout when the session takes it from the queue, or with
	// ErrShutdown on Close. While the session stays disconnected, Go and
	// GoFunc calls are not completed at their deadline; Do returns
	// ErrTimeout at the deadline.
	QueueWhileDisconnected SubmitPolicy = iota
	// RejectWhileDisconnected fails them immediately with ErrNotConnected.
	RejectWhileDisconnected
)

// ClientConfig configures a Client. The zero value of every field selects
// its default.
type ClientConfig struct {
	// Address is the server to connect to, host:port.
	Address string
	// Timeout is the default per-request deadline.
	Timeout time.Duration
	// ConnectTimeout bounds one connect attempt.
	ConnectTimeout time.Duration
	// QueueCapacity bounds the request queue; a full queue blocks
	// submitters.
	QueueCapacity int
	// ReconnectMin and ReconnectMax bound the exponential backoff between
	// connect attempts.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	// SubmitPolicy is applied to requests submitted while disconnected.
	SubmitPolicy SubmitPolicy
	// Logger receives wire-level debug output. Defaults to slog.Default().
	Logger *slog.Logger
	// Dial overrides the TCP dialer.
	Dial func(address string) (net.Conn, error)
}

func (cfg ClientConfig) withDefaults() ClientConfig {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = DefaultReconnectMax
	}
	return cfg
}

// Call represents one in-flight request. It is delivered on Done (or to the
// registered callback) exactly once.
type Call struct {
	Request  Request
	UnitID   byte
	Response Response
	Err      error
	Done     chan *Call

	callback func(*Call)
	deadline time.Time
	pdu      ProtocolDataUnit
}

// State is the connection state of a client session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Client multiplexes callers onto a single MODBUS TCP connection owned by a
// background session task. All methods are safe for concurrent use.
type Client struct {
	session *session
}

// NewClient creates a client and starts its session task. The task begins
// connecting immediately and keeps reconnecting with exponential backoff
// until Close is called.
func NewClient(cfg ClientConfig) *Client {
	s := newSession(cfg.withDefaults())
	go s.run()
	return &Client{session: s}
}

// State reports the session's connection state.
func (c *Client) State() State {
	return State(c.session.state.Load())
}

// Close stops the session task. Pending and queued requests fail with
// ErrShutdown.
func (c *Client) Close() error {
	c.session.close()
	return nil
}

// Shutdown drains in-flight requests until the context expires, then stops
// the session task.
func (c *Client) Shutdown(ctx context.Context) error {
	err := c.session.drain(ctx)
	c.session.close()
	return err
}

// newCall validates the request and prepares it for the queue. Invalid
// arguments never reach the wire.
func (c *Client) newCall(unitID byte, req Request, deadline time.Time) (*Call, error) {
	pdu, err := req.encode()
	if err != nil {
		return nil, err
	}
	if deadline.IsZero() {
		deadline = time.Now().Add(c.session.cfg.Timeout)
	}
	return &Call{
		Request:  req,
		UnitID:   unitID,
		Done:     make(chan *Call, 1),
		deadline: deadline,
		pdu:      pdu,
	}, nil
}

// Go submits a request asynchronously and returns its Call handle. The
// handle's Done channel receives the Call on completion. A validation error
// completes the Call without touching the wire. Dropping the handle cancels
// caller-side notification only; the wire operation still runs to preserve
// protocol integrity.
func (c *Client) Go(unitID byte, req Request) *Call {
	call, err := c.newCall(unitID, req, time.Time{})
	if err != nil {
		call = &Call{Request: req, UnitID: unitID, Err: err, Done: make(chan *Call, 1)}
		call.Done <- call
		return call
	}
	if err := c.session.enqueue(call); err != nil {
		call.Err = err
		call.Done <- call
	}
	return call
}

// GoFunc submits a request asynchronously and invokes callback exactly once
// with the completed Call. Calls completed by the session task run the
// callback from the session task's context. A request that fails
// validation, or is submitted after Close, runs the callback synchronously
// on the calling goroutine before GoFunc returns. The callback must not
// block.
func (c *Client) GoFunc(unitID byte, req Request, callback func(*Call)) {
	call, err := c.newCall(unitID, req, time.Time{})
	if err != nil {
		callback(&Call{Request: req, UnitID: unitID, Err: err})
		return
	}
	call.callback = callback
	if err := c.session.enqueue(call); err != nil {
		call.Err = err
		callback(call)
	}
}

// Do submits a request and blocks until its completion, the context or the
// request deadline.
func (c *Client) Do(ctx context.Context, unitID byte, req Request) (Response, error) {
	deadline := time.Now().Add(c.session.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	call, err := c.newCall(unitID, req, deadline)
	if err != nil {
		return nil, err
	}
	if err := c.session.enqueue(call); err != nil {
		return nil, err
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		// The pending entry stays with the session until response or
		// timeout so that its transaction id is not reused early.
		return nil, ctx.Err()
	case <-call.Done:
		return call.Response, call.Err
	case <-timer.C:
		// The call may still sit in the queue while the session is
		// disconnected; the session fails it with ErrTimeout later.
		return nil, ErrTimeout
	}
}

// ReadCoils reads from 1 to 2000 contiguous coils and returns one boolean
// per coil.
func (c *Client) ReadCoils(ctx context.Context, unitID byte, start, quantity uint16) ([]bool, error) {
	resp, err := c.Do(ctx, unitID, ReadCoilsRequest{Range: AddressRange{Start: start, Count: quantity}})
	if err != nil {
		return nil, err
	}
	return resp.(ReadCoilsResponse).Values, nil
}

// ReadDiscreteInputs reads from 1 to 2000 contiguous discrete inputs and
// returns one boolean per input.
func (c *Client) ReadDiscreteInputs(ctx context.Context, unitID byte, start, quantity uint16) ([]bool, error) {
	resp, err := c.Do(ctx, unitID, ReadDiscreteInputsRequest{Range: AddressRange{Start: start, Count: quantity}})
	if err != nil {
		return nil, err
	}
	return resp.(ReadDiscreteInputsResponse).Values, nil
}

// ReadHoldingRegisters reads from 1 to 125 contiguous holding registers.
func (c *Client) ReadHoldingRegisters(ctx context.Context, unitID byte, start, quantity uint16) ([]uint16, error) {
	resp, err := c.Do(ctx, unitID, ReadHoldingRegistersRequest{Range: AddressRange{Start: start, Count: quantity}})
	if err != nil {
		return nil, err
	}
	return resp.(ReadHoldingRegistersResponse).Values, nil
}

// ReadInputRegisters reads from 1 to 125 contiguous input registers.
func (c *Client) ReadInputRegisters(ctx context.Context, unitID byte, start, quantity uint16) ([]uint16, error) {
	resp, err := c.Do(ctx, unitID, ReadInputRegistersRequest{Range: AddressRange{Start: start, Count: quantity}})
	if err != nil {
		return nil, err
	}
	return resp.(ReadInputRegistersResponse).Values, nil
}

// WriteSingleCoil writes a single output to either ON or OFF.
func (c *Client) WriteSingleCoil(ctx context.Context, unitID byte, address uint16, value bool) error {
	_, err := c.Do(ctx, unitID, WriteSingleCoilRequest{Address: address, Value: value})
	return err
}

// WriteSingleRegister writes a single holding register.
func (c *Client) WriteSingleRegister(ctx context.Context, unitID byte, address, value uint16) error {
	_, err := c.Do(ctx, unitID, WriteSingleRegisterRequest{Address: address, Value: value})
	return err
}

// WriteMultipleCoils forces a sequence of 1 to 1968 coils.
func (c *Client) WriteMultipleCoils(ctx context.Context, unitID byte, start uint16, values []bool) error {
	_, err := c.Do(ctx, unitID, WriteMultipleCoilsRequest{Start: start, Values: values})
	return err
}

// WriteMultipleRegisters writes a block of 1 to 123 contiguous holding
// registers.
func (c *Client) WriteMultipleRegisters(ctx context.Context, unitID byte, start uint16, values []uint16) error {
	_, err := c.Do(ctx, unitID, WriteMultipleRegistersRequest{Start: start, Values: values})
	return err
}
