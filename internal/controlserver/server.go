// Package controlserver carries JSON-RPC control traffic between snapfan and its
// controllers. Three transports are offered: newline-delimited JSON over TCP,
// WebSocket, and one-shot HTTP POST. Every live connection is a Subscriber that
// receives notifications broadcast via Server.Send.
package controlserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
	"golang.org/x/net/netutil"
)

// Subscriber is one control connection
type Subscriber interface {
	ID() string
	// Send queues text for delivery and never blocks
	Send(text string)
}

// Receiver handles inbound control requests. Responses are sent back through sub.
type Receiver interface {
	OnMessageReceived(sub Subscriber, text string)
}

// Options configures the listening transports. An empty address disables the transport.
type Options struct {
	Addr           string
	HTTPAddr       string
	MaxConnections int
}

// Server accepts control connections and tracks their subscribers
type Server struct {
	receiver Receiver
	opts     Options

	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server

	subMu       sync.RWMutex
	subscribers map[string]Subscriber

	mu       sync.Mutex
	running  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a control server delivering requests to receiver
func NewServer(receiver Receiver, opts Options) *Server {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = consts.DefaultMaxControlConnections
	}
	return &Server{
		receiver:    receiver,
		opts:        opts,
		subscribers: make(map[string]Subscriber),
	}
}

// SetReceiver replaces the request receiver. It must be called before Start.
func (s *Server) SetReceiver(receiver Receiver) {
	s.receiver = receiver
}

// Start opens the configured listeners
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("control server is already running")
	}
	s.running = true
	s.mu.Unlock()

	if s.opts.Addr != "" {
		listener, err := net.Listen("tcp", s.opts.Addr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
		}
		s.listener = netutil.LimitListener(listener, s.opts.MaxConnections)

		s.wg.Add(1)
		go s.acceptLoop()
		logger.Info("Control server listening on %s (max connections: %d)", listener.Addr(), s.opts.MaxConnections)
	}

	if s.opts.HTTPAddr != "" {
		listener, err := net.Listen("tcp", s.opts.HTTPAddr)
		if err != nil {
			s.Stop()
			return fmt.Errorf("failed to listen on %s: %w", s.opts.HTTPAddr, err)
		}
		s.httpListener = listener
		s.httpServer = &http.Server{
			Handler:     s.router(),
			ReadTimeout: consts.Timeout60Seconds,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP control server error: %v", err)
			}
		}()
		logger.Info("HTTP control server listening on %s", listener.Addr())
	}

	return nil
}

// Stop closes the listeners and every subscriber. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("Stopping control server...")

		if s.listener != nil {
			if err := s.listener.Close(); err != nil {
				logger.Warn("Error closing control listener: %v", err)
			}
		}

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), consts.Timeout5Seconds)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				logger.Warn("Failed to shut down HTTP control server: %v", err)
			}
			cancel()
		} else if s.httpListener != nil {
			s.httpListener.Close()
		}

		for _, sub := range s.snapshot(nil) {
			if c, ok := sub.(interface{ Stop() }); ok {
				c.Stop()
			}
		}

		s.wg.Wait()

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		logger.Info("Control server stopped")
	})
}

// Addr returns the bound TCP control address, or nil when disabled
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled
func (s *Server) HTTPAddr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Send delivers text to every subscriber except exclude (nil means all)
func (s *Server) Send(text string, exclude Subscriber) {
	for _, sub := range s.snapshot(exclude) {
		sub.Send(text)
	}
}

// Len returns the number of live subscribers
func (s *Server) Len() int {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subscribers)
}

func (s *Server) snapshot(exclude Subscriber) []Subscriber {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	out := make([]Subscriber, 0, len(s.subscribers))
	for id, sub := range s.subscribers {
		if exclude != nil && exclude.ID() == id {
			continue
		}
		out = append(out, sub)
	}
	return out
}

func (s *Server) register(sub Subscriber) {
	s.subMu.Lock()
	s.subscribers[sub.ID()] = sub
	s.subMu.Unlock()
	logger.Debug("Control subscriber registered: %s", sub.ID())
}

func (s *Server) unregister(sub Subscriber) {
	s.subMu.Lock()
	delete(s.subscribers, sub.ID())
	s.subMu.Unlock()
	logger.Debug("Control subscriber unregistered: %s", sub.ID())
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info("Control listener closed, exiting accept loop")
				return
			}
			logger.Error("Error accepting control connection: %v", err)
			continue
		}

		session := newTCPSession(uuid.NewString(), conn, s)
		s.register(session)
		session.Start()
		logger.Info("New control connection from %s (total: %d)", conn.RemoteAddr(), s.Len())
	}
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.POST("/jsonrpc", s.handleJSONRPC)
	router.GET("/jsonrpc", s.handleWebSocket)
	router.GET("/health", s.handleHealth)
	return router
}
