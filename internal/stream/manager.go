package stream

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Manager owns the configured streams. The first stream added is the default.
type Manager struct {
	listener Listener
	format   SampleFormat
	codec    string
	readMs   int
	log      *slog.Logger

	mu      sync.RWMutex
	streams []Stream
}

// NewManager creates an empty manager; streams report their events to listener
func NewManager(listener Listener, format SampleFormat, codec string, readMs int, log *slog.Logger) *Manager {
	return &Manager{
		listener: listener,
		format:   format,
		codec:    codec,
		readMs:   readMs,
		log:      log,
	}
}

// AddStream parses raw and registers a new stream source
func (m *Manager) AddStream(raw string) (Stream, error) {
	uri, err := ParseURI(raw)
	if err != nil {
		return nil, err
	}
	if codec := uri.Query["codec"]; codec != "" && codec != "pcm" {
		return nil, fmt.Errorf("stream %s: unsupported codec %q", uri.ID(), codec)
	}
	if m.codec != "" && m.codec != "pcm" {
		return nil, fmt.Errorf("stream %s: unsupported codec %q", uri.ID(), m.codec)
	}

	var s Stream
	switch uri.Scheme {
	case "pipe", "file":
		s, err = NewPCMStream(uri, m.format, m.readMs, m.listener, m.log)
	default:
		err = fmt.Errorf("%w: %s", ErrUnknownScheme, uri.Scheme)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.streams {
		if existing.ID() == s.ID() {
			return nil, fmt.Errorf("duplicate stream id %q", s.ID())
		}
	}
	m.streams = append(m.streams, s)
	m.log.Info("stream added", "id", s.ID(), "uri", raw)
	return s, nil
}

// Stream looks up a stream by id
func (m *Manager) Stream(id string) (Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// DefaultStream returns the first stream, or nil when none is configured
func (m *Manager) DefaultStream() Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.streams) == 0 {
		return nil
	}
	return m.streams[0]
}

// Streams returns a snapshot of all streams in insertion order
func (m *Manager) Streams() []Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Start starts every stream. Streams started before a failure are left running;
// callers are expected to Stop the manager.
func (m *Manager) Start() error {
	for _, s := range m.Streams() {
		if err := s.Start(); err != nil {
			return fmt.Errorf("failed to start stream %s: %w", s.ID(), err)
		}
	}
	return nil
}

// Stop stops every stream
func (m *Manager) Stop() {
	for _, s := range m.Streams() {
		s.Stop()
	}
}

// MarshalJSON encodes the streams as a JSON array
func (m *Manager) MarshalJSON() ([]byte, error) {
	streams := m.Streams()
	out := make([]Descriptor, 0, len(streams))
	for _, s := range streams {
		out = append(out, Describe(s))
	}
	return json.Marshal(out)
}
