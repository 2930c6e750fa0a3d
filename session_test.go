// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// readFrame reads exactly one request frame from conn.
func readFrame(conn net.Conn, decoder *frameDecoder) (frame, error) {
	buf := make([]byte, tcpMaxLength)
	for {
		if f, ok, err := decoder.next(); err != nil || ok {
			return f, err
		}
		n, err := conn.Read(buf)
		if err != nil {
			return frame{}, err
		}
		decoder.feed(buf[:n])
	}
}

func writeResponse(conn net.Conn, transactionID uint16, unitID byte, resp Response) error {
	pdu, err := resp.encode()
	if err != nil {
		return err
	}
	adu, err := encodeADU(transactionID, unitID, pdu)
	if err != nil {
		return err
	}
	_, err = conn.Write(adu)
	return err
}

func testClient(t *testing.T, address string, cfg ClientConfig) *Client {
	t.Helper()
	cfg.Address = address
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = 10 * time.Millisecond
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 100 * time.Millisecond
	}
	client := NewClient(cfg)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestTransactionIDAllocation(t *testing.T) {
	s := newSession(ClientConfig{}.withDefaults())

	// Sequential ids while nothing is pending.
	for want := uint16(0); want < 5; want++ {
		id, ok := s.allocTxID()
		if !ok || id != want {
			t.Fatalf("expected id %v, got %v ok=%v", want, id, ok)
		}
	}

	// Ids still pending are skipped.
	s.nextTxID = 0
	s.pending[0] = &Call{}
	s.pending[1] = &Call{}
	id, ok := s.allocTxID()
	if !ok || id != 2 {
		t.Fatalf("expected id 2, got %v ok=%v", id, ok)
	}

	// The counter wraps on overflow, still skipping pending ids.
	s.nextTxID = 0xFFFF
	s.pending[0xFFFF] = &Call{}
	id, ok = s.allocTxID()
	if !ok || id != 2 {
		t.Fatalf("expected id 2 after wrap, got %v ok=%v", id, ok)
	}
}

func TestPipelinedReordering(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// The server collects two requests, then answers them in reverse
	// order. Each answer carries the request's starting address as the
	// register value, so a misrouted completion is visible to the caller.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		var frames []frame
		for len(frames) < 2 {
			f, err := readFrame(conn, decoder)
			if err != nil {
				t.Error(err)
				return
			}
			frames = append(frames, f)
		}
		for i := len(frames) - 1; i >= 0; i-- {
			f := frames[i]
			req, err := decodeRequest(f.pdu)
			if err != nil {
				t.Error(err)
				return
			}
			rng := req.(ReadHoldingRegistersRequest).Range
			resp := ReadHoldingRegistersResponse{Values: []uint16{rng.Start}}
			if err := writeResponse(conn, f.transactionID, f.unitID, resp); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{})
	var wg sync.WaitGroup
	for _, start := range []uint16{1, 2} {
		start := start
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := client.ReadHoldingRegisters(context.Background(), 1, start, 1)
			if err != nil {
				t.Errorf("start %v: %v", start, err)
				return
			}
			if len(values) != 1 || values[0] != start {
				t.Errorf("start %v: got values %v", start, values)
			}
		}()
	}
	wg.Wait()
}

func TestPipelinedCompletions(t *testing.T) {
	const n = 16

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	// Answer every request with its starting address, in arrival order.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		for i := 0; i < n; i++ {
			f, err := readFrame(conn, decoder)
			if err != nil {
				t.Error(err)
				return
			}
			req, err := decodeRequest(f.pdu)
			if err != nil {
				t.Error(err)
				return
			}
			rng := req.(ReadInputRegistersRequest).Range
			resp := ReadInputRegistersResponse{Values: []uint16{rng.Start}}
			if err := writeResponse(conn, f.transactionID, f.unitID, resp); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{QueueCapacity: n})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		start := uint16(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			values, err := client.ReadInputRegisters(context.Background(), 1, start, 1)
			if err != nil {
				t.Errorf("start %v: %v", start, err)
				return
			}
			if len(values) != 1 || values[0] != start {
				t.Errorf("start %v: got values %v", start, values)
			}
		}()
	}
	wg.Wait()
}

func TestRequestTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		// Swallow the request, never respond.
		<-done
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{Timeout: 50 * time.Millisecond})
	_, err = client.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestRejectWhileDisconnected(t *testing.T) {
	client := testClient(t, "", ClientConfig{
		SubmitPolicy: RejectWhileDisconnected,
		Dial: func(string) (net.Conn, error) {
			return nil, fmt.Errorf("connection refused")
		},
	})

	_, err := client.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestValidationBeforeQueue(t *testing.T) {
	// Validation must fail synchronously, before the request can reach
	// the session or the wire.
	client := testClient(t, "", ClientConfig{
		SubmitPolicy: RejectWhileDisconnected,
		Dial: func(string) (net.Conn, error) {
			return nil, fmt.Errorf("connection refused")
		},
	})

	_, err := client.ReadCoils(context.Background(), 1, 0, 0)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	_, err = client.ReadHoldingRegisters(context.Background(), 1, 0xFFFF, 2)
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
}

func TestQueueWhileDisconnected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		f, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		writeResponse(conn, f.transactionID, f.unitID, ReadCoilsResponse{Values: []bool{true}})
	}()

	// The first two connect attempts fail; the request waits in the
	// queue until the session manages to connect.
	var dials int
	var mu sync.Mutex
	client := testClient(t, ln.Addr().String(), ClientConfig{
		SubmitPolicy: QueueWhileDisconnected,
		Dial: func(address string) (net.Conn, error) {
			mu.Lock()
			dials++
			n := dials
			mu.Unlock()
			if n <= 2 {
				return nil, fmt.Errorf("connection refused")
			}
			return net.Dial("tcp", address)
		},
	})

	values, err := client.ReadCoils(context.Background(), 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(values) != 1 || !values[0] {
		t.Fatalf("got values %v", values)
	}
}

func TestConnectionLostFailsPending(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		decoder := &frameDecoder{}
		if _, err := readFrame(conn, decoder); err != nil {
			t.Error(err)
			return
		}
		// Drop the connection with the request still pending.
		conn.Close()
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{})
	_, err = client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		// First session: answer one request, then drop the connection.
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		decoder := &frameDecoder{}
		f, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		writeResponse(conn, f.transactionID, f.unitID, ReadCoilsResponse{Values: []bool{true}})
		conn.Close()

		// Second session after the client reconnects.
		conn, err = ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder = &frameDecoder{}
		f, err = readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		writeResponse(conn, f.transactionID, f.unitID, ReadCoilsResponse{Values: []bool{false}})
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{})
	values, err := client.ReadCoils(context.Background(), 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !values[0] {
		t.Fatalf("got values %v", values)
	}

	// The session notices the loss when its read fails and reconnects;
	// retry until a request succeeds on the new connection.
	deadline := time.Now().Add(5 * time.Second)
	for {
		values, err = client.ReadCoils(context.Background(), 1, 0, 1)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no successful request after reconnect: %v", err)
		}
	}
	if values[0] {
		t.Fatalf("got values %v", values)
	}
}

func TestLateResponseDropped(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		f1, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		// Answer only after the caller timed out. The session must log
		// and drop this frame, not resurrect the completed call.
		time.Sleep(150 * time.Millisecond)
		writeResponse(conn, f1.transactionID, f1.unitID, ReadCoilsResponse{Values: []bool{true}})

		f2, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		writeResponse(conn, f2.transactionID, f2.unitID, ReadCoilsResponse{Values: []bool{true}})
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{Timeout: 50 * time.Millisecond})
	_, err = client.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	values, err := client.ReadCoils(ctx, 1, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !values[0] {
		t.Fatalf("got values %v", values)
	}
}

func TestExceptionResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		f, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		adu, _ := encodeADU(f.transactionID, f.unitID,
			exceptionPDU(f.pdu.FunctionCode, ExceptionCodeIllegalDataAddress))
		conn.Write(adu)
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{})
	_, err = client.ReadHoldingRegisters(context.Background(), 1, 0, 1)
	if !errors.Is(err, ExceptionCodeIllegalDataAddress) {
		t.Fatalf("expected illegal data address exception, got %v", err)
	}
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("expected *Exception, got %T", err)
	}
	if exc.FunctionCode != FuncCodeReadHoldingRegisters|exceptionMask {
		t.Fatalf("unexpected function code %v", exc.FunctionCode)
	}
}

func TestMismatchedUnitIDResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			t.Error(err)
			return
		}
		defer conn.Close()
		decoder := &frameDecoder{}
		f, err := readFrame(conn, decoder)
		if err != nil {
			t.Error(err)
			return
		}
		// Echo a different unit id than the request's.
		writeResponse(conn, f.transactionID, f.unitID+1, ReadCoilsResponse{Values: []bool{true}})
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{Timeout: time.Second})
	_, err = client.ReadCoils(context.Background(), 1, 0, 1)
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
}

func TestCloseFailsPendingAndRejectsNew(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		close(accepted)
		<-done
	}()

	client := testClient(t, ln.Addr().String(), ClientConfig{Timeout: 10 * time.Second})
	<-accepted

	call := client.Go(1, ReadCoilsRequest{Range: AddressRange{Start: 0, Count: 1}})
	// Give the session a moment to put the request on the wire.
	time.Sleep(20 * time.Millisecond)
	client.Close()

	completed := <-call.Done
	if !errors.Is(completed.Err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown for the pending call, got %v", completed.Err)
	}

	if _, err := client.ReadCoils(context.Background(), 1, 0, 1); !errors.Is(err, ErrShutdown) {
		t.Fatalf("expected ErrShutdown after close, got %v", err)
	}
	if state := client.State(); state != StateStopped {
		t.Fatalf("expected stopped state, got %v", state)
	}
}
