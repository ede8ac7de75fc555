package streamserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
)

// ErrSessionClosed is returned by Send after the session stopped
var ErrSessionClosed = errors.New("session closed")

// errQueueFull is returned by Send when a client stopped reading control messages
var errQueueFull = errors.New("session send queue full")

// Session is one connected audio client
type Session interface {
	// Send queues a protocol message. It never blocks on the network.
	Send(msg message.Message) error
	// Add queues an audio chunk. It never blocks; stale chunks are dropped.
	Add(chunk *message.WireChunk)
	SetStream(s stream.Stream)
	Stream() stream.Stream
	SetBufferMs(ms int)
	MACAddress() string
	SetMACAddress(mac string)
	RemoteAddr() string
	Start()
	Stop()
}

// MessageHandler receives what a StreamSession reads
type MessageHandler interface {
	OnMessageReceived(s Session, msg message.Message)
	// OnDisconnect is called at most once per session when its connection failed
	OnDisconnect(s Session, err error)
}

// StreamSession is a Session over a TCP connection. A reader goroutine decodes
// inbound frames and a writer goroutine drains the outbound queues.
type StreamSession struct {
	conn    net.Conn
	handler MessageHandler
	timeout time.Duration

	mu       sync.Mutex
	stream   stream.Stream
	mac      string
	bufferMs int
	messages []message.Message
	chunks   []*message.WireChunk
	nextID   uint16

	wake       chan struct{}
	stopChan   chan struct{}
	stopOnce   sync.Once
	faultOnce  sync.Once
	wg         sync.WaitGroup
	remoteAddr string
}

// NewStreamSession wraps conn. Call Start to begin I/O.
func NewStreamSession(conn net.Conn, handler MessageHandler) *StreamSession {
	return &StreamSession{
		conn:       conn,
		handler:    handler,
		timeout:    consts.SocketTimeout,
		bufferMs:   consts.DefaultBufferMs,
		wake:       make(chan struct{}, 1),
		stopChan:   make(chan struct{}),
		remoteAddr: conn.RemoteAddr().String(),
	}
}

// Start launches the reader and writer goroutines
func (s *StreamSession) Start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Stop closes the connection and waits for both goroutines. It must not be called
// from a handler callback; the registry runs it on a teardown goroutine.
func (s *StreamSession) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.conn.Close()
		s.wg.Wait()

		s.mu.Lock()
		s.messages = nil
		s.chunks = nil
		s.mu.Unlock()
		logger.Debug("Stream session %s stopped", s.remoteAddr)
	})
}

func (s *StreamSession) Send(msg message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
		return ErrSessionClosed
	default:
	}
	if len(s.messages) >= consts.SendQueueSize {
		return errQueueFull
	}
	s.messages = append(s.messages, msg)
	s.notify()
	return nil
}

func (s *StreamSession) Add(chunk *message.WireChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stopChan:
		return
	default:
	}

	s.chunks = append(s.chunks, chunk)
	// keep at most one buffer's worth of audio queued
	newest := chunk.Timestamp
	limit := float64(s.bufferMs)
	drop := 0
	for drop < len(s.chunks)-1 && newest.Sub(s.chunks[drop].Timestamp).Milliseconds() > limit {
		drop++
	}
	if drop > 0 {
		clear(s.chunks[:drop])
		s.chunks = s.chunks[drop:]
	}
	s.notify()
}

// SetStream binds the session to st and drops chunks queued from the previous stream
func (s *StreamSession) SetStream(st stream.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream != st {
		s.chunks = nil
	}
	s.stream = st
}

func (s *StreamSession) Stream() stream.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

func (s *StreamSession) SetBufferMs(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bufferMs = ms
}

func (s *StreamSession) MACAddress() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mac
}

func (s *StreamSession) SetMACAddress(mac string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac = mac
}

func (s *StreamSession) RemoteAddr() string {
	return s.remoteAddr
}

func (s *StreamSession) String() string {
	return fmt.Sprintf("session(%s)", s.remoteAddr)
}

// notify wakes the writer; callers hold s.mu
func (s *StreamSession) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *StreamSession) fault(err error) {
	s.faultOnce.Do(func() {
		s.handler.OnDisconnect(s, err)
	})
}

func (s *StreamSession) readLoop() {
	defer s.wg.Done()

	reader := bufio.NewReaderSize(s.conn, consts.BufferSize64KB)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
			s.fault(err)
			return
		}

		base, payload, err := message.ReadMessage(reader)
		if err != nil {
			if !s.stopped() {
				if errors.Is(err, io.EOF) {
					logger.Info("Stream session %s disconnected (EOF)", s.remoteAddr)
				} else {
					logger.Warn("Error reading from stream session %s: %v", s.remoteAddr, err)
				}
				s.fault(err)
			}
			return
		}
		base.Received = message.Now()

		msg, err := message.Decode(base, payload)
		if err != nil {
			if errors.Is(err, message.ErrUnknownType) {
				logger.Debug("Ignoring %s from %s", base.Type, s.remoteAddr)
			} else {
				logger.Warn("Dropping malformed frame from %s: %v", s.remoteAddr, err)
			}
			continue
		}
		s.handler.OnMessageReceived(s, msg)
	}
}

func (s *StreamSession) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-s.wake:
		}

		for {
			msg := s.next()
			if msg == nil {
				break
			}
			if err := s.write(msg); err != nil {
				if !s.stopped() {
					logger.Warn("Error writing to stream session %s: %v", s.remoteAddr, err)
					s.fault(err)
				}
				return
			}
		}
	}
}

// next pops the next outbound message, control messages before audio
func (s *StreamSession) next() message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) > 0 {
		msg := s.messages[0]
		s.messages[0] = nil
		s.messages = s.messages[1:]
		return msg
	}
	if len(s.chunks) > 0 {
		chunk := s.chunks[0]
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		return chunk
	}
	return nil
}

func (s *StreamSession) write(msg message.Message) error {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	head := *msg.Header()
	head.ID = id
	head.Sent = message.Now()
	frame, err := message.EncodeAs(msg, head)
	if err != nil {
		// a message that cannot be encoded is dropped, the connection stays usable
		logger.Error("Failed to encode %s for %s: %v", head.Type, s.remoteAddr, err)
		return nil
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	_, err = s.conn.Write(frame)
	return err
}

func (s *StreamSession) stopped() bool {
	select {
	case <-s.stopChan:
		return true
	default:
		return false
	}
}
