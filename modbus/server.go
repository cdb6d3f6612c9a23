// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Server is a Modbus TCP server. Each accepted connection is served by its
// own goroutine; handlers share nothing but the Handler.
type Server struct {
	handler Handler
	opts    *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewServer creates a new Modbus TCP server.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		handler: handler,
		opts:    options,
		conns:   make(map[net.Conn]struct{}),
		metrics: NewServerMetrics(),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(listener)
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		s.Close()
	})
	defer stop()

	err = s.Serve(listener)
	if errors.Is(err, ErrServerClosed) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Serve accepts connections on listener until Close is called. It returns
// nil after Close and ErrServerClosed if the server was already closed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(acceptBackoff)
			continue
		}

		s.mu.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.metrics.RejectedConns.Add(1)
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// acceptBackoff throttles the accept loop after a transient error.
const acceptBackoff = 10 * time.Millisecond

// Close stops accepting connections, closes the open ones and waits for
// their handlers to return.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()

		s.opts.logger.Debug("connection closed", slog.String("remote", remote))
	}()

	s.opts.logger.Debug("connection accepted", slog.String("remote", remote))

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return
		}

		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			s.logReadError(remote, err)
			return
		}

		start := timeNow()
		s.metrics.RequestsTotal.Add(1)
		response := s.processRequest(frame)

		if s.opts.readTimeout > 0 {
			conn.SetWriteDeadline(timeNow().Add(s.opts.readTimeout))
		}

		if _, err := conn.Write(response.Encode()); err != nil {
			s.metrics.RequestsErrors.Add(1)
			s.opts.logger.Debug("write error",
				slog.String("remote", remote),
				slog.String("error", err.Error()))
			return
		}

		s.metrics.Latency.Observe(timeNow().Sub(start))
		s.metrics.RequestsSuccess.Add(1)
	}
}

func (s *Server) logReadError(remote string, err error) {
	if errors.Is(err, ErrInvalidFrame) {
		s.metrics.MalformedFrames.Add(1)
		s.opts.logger.Warn("malformed frame, closing connection",
			slog.String("remote", remote),
			slog.String("error", err.Error()))
		return
	}
	if err == io.EOF || atomic.LoadInt32(&s.closed) == 1 {
		return
	}
	// Idle timeouts are expected with WithReadTimeout.
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	s.opts.logger.Debug("read error",
		slog.String("remote", remote),
		slog.String("error", err.Error()))
}

// processRequest decodes one request PDU and builds the response frame.
// The response reuses the request's transaction and unit identifiers.
func (s *Server) processRequest(req *Frame) *Frame {
	resp := &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			ProtocolID:    ProtocolID,
			UnitID:        req.Header.UnitID,
		},
	}

	if len(req.PDU) < 1 {
		resp.PDU = buildException(0, ExceptionIllegalFunction)
		return resp
	}

	fc := req.FunctionCode()
	unitID := req.Header.UnitID

	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	var pdu []byte
	var err error

	switch fc {
	case FuncReadHoldingRegisters:
		pdu, err = s.handleReadHoldingRegisters(unitID, req.PDU)
	case FuncWriteSingleRegister:
		pdu, err = s.handleWriteSingleRegister(unitID, req.PDU)
	case FuncWriteMultipleRegisters:
		pdu, err = s.handleWriteMultipleRegisters(unitID, req.PDU)
	case FuncEncapsulatedInterface:
		if s.opts.identity != nil {
			pdu = s.opts.identity.readDeviceIdentification(req.PDU)
		} else {
			pdu = buildException(fc, ExceptionIllegalFunction)
		}
	case FuncReportServerID:
		if s.opts.identity != nil {
			pdu = s.opts.identity.reportServerID()
		} else {
			pdu = buildException(fc, ExceptionIllegalFunction)
		}
	default:
		pdu = buildException(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		pdu = s.handleError(fc, err)
	}

	fm := s.metrics.ForFunction(fc)
	fm.Requests.Add(1)
	if IsExceptionResponse(pdu) {
		fm.Exceptions.Add(1)
		s.metrics.Exceptions.Add(1)
	}

	resp.PDU = pdu
	return resp
}

func (s *Server) handleError(fc FunctionCode, err error) []byte {
	exc := exceptionFor(fc, err)
	if exc.ExceptionCode == ExceptionServerDeviceFailure {
		s.opts.logger.Error("handler error",
			slog.String("func", fc.String()),
			slog.String("error", err.Error()))
	}
	return buildException(fc, exc.ExceptionCode)
}

func (s *Server) handleReadHoldingRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncReadHoldingRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])

	if qty < 1 || qty > MaxQuantityRegisters {
		return buildException(FuncReadHoldingRegisters, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(FuncReadHoldingRegisters, ExceptionIllegalDataAddress), nil
	}

	values, err := s.handler.ReadHoldingRegisters(unitID, addr, qty)
	if err != nil {
		return nil, err
	}

	if len(values) != int(qty) {
		return buildException(FuncReadHoldingRegisters, ExceptionServerDeviceFailure), nil
	}

	byteCount := qty * 2
	resp := make([]byte, 2+byteCount)
	resp[0] = byte(FuncReadHoldingRegisters)
	resp[1] = byte(byteCount)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+i*2:], v)
	}
	return resp, nil
}

func (s *Server) handleWriteSingleRegister(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(FuncWriteSingleRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	if err := s.handler.WriteSingleRegister(unitID, addr, value); err != nil {
		return nil, err
	}

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) handleWriteMultipleRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])

	if qty < 1 || qty > MaxQuantityWriteRegisters {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	if byteCount != int(qty)*2 || len(pdu) < 6+byteCount {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	if uint32(addr)+uint32(qty) > 65536 {
		return buildException(FuncWriteMultipleRegisters, ExceptionIllegalDataAddress), nil
	}

	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[6+i*2:])
	}

	if err := s.handler.WriteMultipleRegisters(unitID, addr, values); err != nil {
		return nil, err
	}

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

// timeNow is a variable for testing
var timeNow = time.Now
