package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Handler processes one request message and returns its response.
type Handler func(ctx context.Context, msg *Message) *Response

// Server terminates the length-prefixed framed unix socket for the
// persistence service. Each connection gets its own read goroutine; writes
// to a connection are serialized by a per-connection mutex.
type Server struct {
	socketPath string
	handler    Handler
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, handler Handler, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		logger:     logger.Named("ipc_server"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start binds the socket and begins accepting connections.
func (s *Server) Start() error {
	// A stale socket file from a crashed run blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(ln)

	s.logger.Info("listening", zap.String("socket", s.socketPath))
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	// Close the connection on shutdown so the blocked read below returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex

	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && s.ctx.Err() == nil {
				s.logger.Debug("connection read ended", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logger.Warn("undecodable request frame", zap.Error(err))
			continue
		}

		// Handle concurrently so a slow query does not stall the socket;
		// responses are matched by id on the client side.
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			resp := s.handler(s.ctx, &msg)
			if resp == nil {
				return
			}
			data, err := json.Marshal(resp)
			if err != nil {
				s.logger.Error("marshal response", zap.String("id", msg.ID), zap.Error(err))
				return
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			if err := WriteFrame(conn, data); err != nil {
				s.logger.Debug("write response failed", zap.String("id", msg.ID), zap.Error(err))
			}
		}()
	}
}

// Close stops accepting, closes the listener and every open connection, and
// waits for in-flight handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.listener
	s.mu.Unlock()

	s.cancel()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.socketPath)
	return nil
}
