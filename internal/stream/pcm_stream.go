package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/fsnotify/fsnotify"
)

// resyncThreshold is how far the reader may fall behind wall clock before the
// chunk clock is reset
const resyncThreshold = 500 * time.Millisecond

// PCMStream reads raw interleaved PCM from a named pipe ("pipe" scheme) or a regular
// file that is replayed in a loop ("file" scheme) and emits fixed size chunks paced
// at real time.
type PCMStream struct {
	uri      URI
	format   SampleFormat
	readTime time.Duration
	header   *message.CodecHeader
	listener Listener
	log      *slog.Logger

	mu    sync.RWMutex
	state ReaderState

	cancel context.CancelFunc
	done   chan struct{}

	// clock is swappable for tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// NewPCMStream creates a stream for a pipe:// or file:// URI
func NewPCMStream(uri URI, format SampleFormat, readMs int, listener Listener, log *slog.Logger) (*PCMStream, error) {
	if uri.Scheme != "pipe" && uri.Scheme != "file" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScheme, uri.Scheme)
	}
	if uri.Path == "" {
		return nil, fmt.Errorf("stream %s: missing path", uri.Raw)
	}
	if readMs <= 0 {
		return nil, fmt.Errorf("stream %s: read duration must be positive", uri.Raw)
	}

	if sf, ok := uri.Query["sampleformat"]; ok {
		parsed, err := ParseSampleFormat(sf)
		if err != nil {
			return nil, err
		}
		format = parsed
	}

	return &PCMStream{
		uri:      uri,
		format:   format,
		readTime: time.Duration(readMs) * time.Millisecond,
		header:   message.NewCodecHeader("pcm", wavHeader(format)),
		listener: listener,
		log:      log.With("stream", uri.ID()),
		state:    StateDisabled,
		now:      time.Now,
		sleep:    sleepCtx,
	}, nil
}

// ID implements Stream
func (s *PCMStream) ID() string { return s.uri.ID() }

// Name implements Stream
func (s *PCMStream) Name() string { return s.uri.Name() }

// URI implements Stream
func (s *PCMStream) URI() URI { return s.uri }

// SampleFormat implements Stream
func (s *PCMStream) SampleFormat() SampleFormat { return s.format }

// Header implements Stream
func (s *PCMStream) Header() *message.CodecHeader { return s.header }

// State implements Stream
func (s *PCMStream) State() ReaderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *PCMStream) setState(state ReaderState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	s.log.Info("state changed", "state", state.String())
	if s.listener != nil {
		s.listener.OnStateChanged(s, state)
	}
}

// MarshalJSON implements Stream
func (s *PCMStream) MarshalJSON() ([]byte, error) {
	return json.Marshal(Describe(s))
}

// Start launches the reader goroutine
func (s *PCMStream) Start() error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("stream %s already started", s.ID())
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Stop cancels the reader and waits for it to exit
func (s *PCMStream) Stop() {
	s.mu.RLock()
	cancel, done := s.cancel, s.done
	s.mu.RUnlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *PCMStream) run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateDisabled)

	for ctx.Err() == nil {
		f, err := s.open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Warn("failed to open source", "path", s.uri.Path, "error", err)
			s.setState(StateDisabled)
			s.sleep(ctx, consts.StreamRetryInterval)
			continue
		}

		err = s.pump(ctx, f)
		f.Close()
		if err != nil && ctx.Err() == nil {
			s.log.Warn("read failed", "error", err)
			s.sleep(ctx, consts.StreamRetryInterval)
		}
	}
}

func (s *PCMStream) open(ctx context.Context) (*os.File, error) {
	if err := waitForPath(ctx, s.uri.Path); err != nil {
		return nil, err
	}
	// non-blocking open returns at once for a FIFO without writer and makes the
	// descriptor pollable so that reads honour deadlines
	return os.OpenFile(s.uri.Path, os.O_RDONLY|syscall.O_NONBLOCK, 0)
}

// pump reads chunks from f until ctx is cancelled or a hard read error occurs
func (s *PCMStream) pump(ctx context.Context, f *os.File) error {
	stop := context.AfterFunc(ctx, func() { f.Close() })
	defer stop()

	buf := make([]byte, s.format.BytesFor(s.readTime))
	if len(buf) == 0 {
		return fmt.Errorf("read duration %v shorter than one frame", s.readTime)
	}

	var next time.Time
	filled := 0
	for ctx.Err() == nil {
		_ = f.SetReadDeadline(s.now().Add(consts.StreamRetryInterval))
		n, err := f.Read(buf[filled:])
		filled += n

		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			s.setState(StateIdle)
			continue
		case errors.Is(err, io.EOF):
			if s.uri.Scheme == "file" {
				if _, serr := f.Seek(0, io.SeekStart); serr != nil {
					return serr
				}
				continue
			}
			// FIFO without writer
			s.setState(StateIdle)
			s.sleep(ctx, consts.StreamRetryInterval)
			continue
		case err != nil:
			return err
		}

		if filled < len(buf) {
			continue
		}
		filled = 0

		now := s.now()
		if s.State() != StatePlaying {
			next = now
			s.setState(StatePlaying)
		} else if lag := now.Sub(next); lag > resyncThreshold {
			s.log.Info("resync", "lag_ms", lag.Milliseconds())
			if s.listener != nil {
				s.listener.OnResync(s, float64(lag.Microseconds())/1000)
			}
			next = now
		}

		payload := make([]byte, len(buf))
		copy(payload, buf)
		chunk := message.NewWireChunk(message.FromTime(next), payload)
		if s.listener != nil {
			s.listener.OnChunkRead(s, chunk, float64(s.readTime.Microseconds())/1000)
		}

		next = next.Add(s.readTime)
		if wait := next.Sub(s.now()); wait > 0 {
			s.sleep(ctx, wait)
		}
	}
	return nil
}

// waitForPath returns once path exists, watching its directory with fsnotify
func waitForPath(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}
	// the file may have appeared between Stat and Add
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Clean(event.Name) == filepath.Clean(path) && event.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
