// Package streamserver is the core of snapfan: it accepts audio clients, keeps the
// registry of live sessions, runs the binary protocol handshake and time sync, fans
// stream chunks out to sessions and serves the JSON-RPC control methods.
package streamserver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/config"
	"github.com/codefionn/snapfan/internal/controlserver"
	"github.com/codefionn/snapfan/internal/jsonrpc"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
)

// ClientStore is the client registry the server reads and mutates
type ClientStore interface {
	ClientInfo(mac string) (*clientstore.ClientInfo, bool)
	GetOrCreate(mac string) (*clientstore.ClientInfo, error)
	Update(mac string, fn func(*clientstore.ClientInfo)) (*clientstore.ClientInfo, error)
	Touch(mac string, connected bool) (*clientstore.ClientInfo, bool, error)
	Remove(mac string) error
	ClientInfos() []*clientstore.ClientInfo
	Save() error
}

// StreamProvider resolves stream ids
type StreamProvider interface {
	Stream(id string) (stream.Stream, bool)
	DefaultStream() stream.Stream
	Streams() []stream.Stream
}

// Notifier broadcasts JSON-RPC notifications to control subscribers except exclude
type Notifier interface {
	Notify(method string, params any, exclude controlserver.Subscriber)
}

// Settings configures a Server
type Settings struct {
	Addr                  string
	ControlAddr           string
	HTTPAddr              string
	MaxControlConnections int
	BufferMs              int
	StreamReadMs          int
	SampleFormat          string
	Codec                 string
	Streams               []string
}

// SettingsFromConfig derives listen addresses and stream settings from cfg
func SettingsFromConfig(cfg *config.Config) Settings {
	settings := Settings{
		Addr:                  fmt.Sprintf(":%d", cfg.Port),
		ControlAddr:           fmt.Sprintf(":%d", cfg.ControlPort),
		MaxControlConnections: cfg.MaxControlConnections,
		BufferMs:              cfg.BufferMs,
		StreamReadMs:          cfg.StreamReadMs,
		SampleFormat:          cfg.SampleFormat,
		Codec:                 cfg.Codec,
		Streams:               cfg.Streams,
	}
	if cfg.HTTPPort > 0 {
		settings.HTTPAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	return settings
}

// Server ties the acceptor, session registry, stream manager and control
// transport together
type Server struct {
	settings Settings
	store    ClientStore

	registry   *SessionRegistry
	handler    *handler
	dispatcher *dispatcher
	control    *controlserver.Server
	manager    *stream.Manager
	listener   net.Listener

	mu       sync.Mutex
	stopping bool
	stopOnce sync.Once
	acceptWG sync.WaitGroup
}

// NewServer creates a server persisting clients in store
func NewServer(settings Settings, store ClientStore) *Server {
	return &Server{settings: settings, store: store}
}

// Start brings the subsystem up: control transport, streams, then the acceptor.
// On any failure everything started so far is stopped and the error returned.
func (s *Server) Start() error {
	if err := s.start(); err != nil {
		logger.Error("Failed to start stream server: %v", err)
		s.Stop()
		return err
	}
	return nil
}

func (s *Server) start() error {
	format, err := stream.ParseSampleFormat(s.settings.SampleFormat)
	if err != nil {
		return err
	}

	s.control = controlserver.NewServer(nil, controlserver.Options{
		Addr:           s.settings.ControlAddr,
		HTTPAddr:       s.settings.HTTPAddr,
		MaxConnections: s.settings.MaxControlConnections,
	})
	notifier := &controlNotifier{control: s.control}
	s.manager = stream.NewManager(s, format, s.settings.Codec, s.settings.StreamReadMs,
		logger.Slog(logger.Global().WithPrefix("stream")))
	s.registry = NewSessionRegistry(s.store, notifier, s.settings.BufferMs)
	s.handler = &handler{
		store:    s.store,
		streams:  s.manager,
		registry: s.registry,
		notifier: notifier,
		bufferMs: s.settings.BufferMs,
	}
	s.dispatcher = &dispatcher{
		store:      s.store,
		streams:    s.manager,
		registry:   s.registry,
		notifier:   notifier,
		bufferMs:   s.settings.BufferMs,
		serverInfo: currentServerInfo,
	}
	s.control.SetReceiver(s.dispatcher)
	if err := s.control.Start(); err != nil {
		return err
	}

	for _, uri := range s.settings.Streams {
		st, err := s.manager.AddStream(uri)
		if err != nil {
			return err
		}
		logger.Info("Stream: %s (%s)", st.ID(), uri)
	}
	if s.manager.DefaultStream() == nil {
		return errors.New("no stream configured")
	}
	if err := s.manager.Start(); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", s.settings.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.settings.Addr, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.acceptWG.Add(1)
	go s.acceptLoop(listener)
	logger.Info("Stream server listening on %s", listener.Addr())
	return nil
}

// Stop tears down in dependency order: sessions, control transport, acceptor,
// streams. It waits for pending session teardowns. Safe to call more than once.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		logger.Info("Stopping stream server...")

		s.mu.Lock()
		s.stopping = true
		listener := s.listener
		s.mu.Unlock()

		if s.registry != nil {
			s.registry.StopAll()
		}
		if s.control != nil {
			s.control.Stop()
		}
		if listener != nil {
			listener.Close()
			s.acceptWG.Wait()
		}
		if s.manager != nil {
			s.manager.Stop()
		}
		if s.registry != nil {
			s.registry.Wait()
		}
		logger.Info("Stream server stopped")
	})
}

// Addr returns the bound audio listener address, or nil before Start
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ControlAddr returns the bound TCP control address
func (s *Server) ControlAddr() net.Addr {
	if s.control == nil {
		return nil
	}
	return s.control.Addr()
}

// HTTPAddr returns the bound HTTP control address
func (s *Server) HTTPAddr() net.Addr {
	if s.control == nil {
		return nil
	}
	return s.control.HTTPAddr()
}

// Sessions returns the number of connected audio clients
func (s *Server) Sessions() int {
	if s.registry == nil {
		return 0
	}
	return s.registry.Len()
}

func (s *Server) acceptLoop(listener net.Listener) {
	defer s.acceptWG.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Info("Stream listener closed, exiting accept loop")
				return
			}
			logger.Error("Error accepting connection: %v", err)
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetNoDelay(true); err != nil {
				logger.Warn("Failed to configure connection from %s: %v", conn.RemoteAddr(), err)
				conn.Close()
				continue
			}
		}
		logger.Info("New connection: %s", conn.RemoteAddr())
		s.accept(conn)
	}
}

// accept registers and starts a session for conn unless the server is stopping
func (s *Server) accept(conn net.Conn) Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		conn.Close()
		return nil
	}
	session := NewStreamSession(conn, s.handler)
	s.registry.Insert(session)
	session.Start()
	return session
}

// OnStateChanged implements stream.Listener
func (s *Server) OnStateChanged(st stream.Stream, state stream.ReaderState) {
	logger.Info("Stream %s state changed: %s", st.ID(), state)
	s.handler.notifier.Notify("Stream.OnUpdate", stream.Describe(st), nil)
}

// OnChunkRead implements stream.Listener
func (s *Server) OnChunkRead(st stream.Stream, chunk *message.WireChunk, _ float64) {
	s.registry.Broadcast(st, chunk, st == s.manager.DefaultStream())
}

// OnResync implements stream.Listener
func (s *Server) OnResync(st stream.Stream, ms float64) {
	logger.Info("Stream %s resynced: %.3fms", st.ID(), ms)
}

// controlNotifier sends notifications over the control transport
type controlNotifier struct {
	control *controlserver.Server
}

func (n *controlNotifier) Notify(method string, params any, exclude controlserver.Subscriber) {
	text, err := jsonrpc.Encode(jsonrpc.NewNotification(method, params))
	if err != nil {
		logger.Error("Failed to encode %s notification: %v", method, err)
		return
	}
	n.control.Send(text, exclude)
}
