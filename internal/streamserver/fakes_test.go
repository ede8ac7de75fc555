package streamserver

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/controlserver"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	id     string
	header *message.CodecHeader
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, header: message.NewCodecHeader("pcm", []byte(id))}
}

func (f *fakeStream) ID() string { return f.id }
func (f *fakeStream) Name() string { return f.id }
func (f *fakeStream) URI() stream.URI { return stream.URI{Raw: "pipe:///tmp/" + f.id, Scheme: "pipe"} }
func (f *fakeStream) SampleFormat() stream.SampleFormat { return stream.SampleFormat{Rate: 48000, Bits: 16, Channels: 2} }
func (f *fakeStream) Header() *message.CodecHeader { return f.header }
func (f *fakeStream) State() stream.ReaderState { return stream.StateIdle }
func (f *fakeStream) Start() error { return nil }
func (f *fakeStream) Stop() {}
func (f *fakeStream) MarshalJSON() ([]byte, error) { return json.Marshal(stream.Describe(f)) }

type fakeStreams struct {
	streams []stream.Stream
}

func (f *fakeStreams) Stream(id string) (stream.Stream, bool) {
	for _, s := range f.streams {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

func (f *fakeStreams) DefaultStream() stream.Stream {
	if len(f.streams) == 0 {
		return nil
	}
	return f.streams[0]
}

func (f *fakeStreams) Streams() []stream.Stream { return f.streams }

type fakeSession struct {
	mu       sync.Mutex
	addr     string
	mac      string
	stream   stream.Stream
	bufferMs int
	sent     []message.Message
	chunks   []*message.WireChunk
	stopped  int
}

func newFakeSession(addr string) *fakeSession {
	return &fakeSession{addr: addr}
}

func (f *fakeSession) Send(msg message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSession) Add(chunk *message.WireChunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
}

func (f *fakeSession) SetStream(s stream.Stream) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stream = s
}

func (f *fakeSession) Stream() stream.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

func (f *fakeSession) SetBufferMs(ms int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bufferMs = ms
}

func (f *fakeSession) MACAddress() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mac
}

func (f *fakeSession) SetMACAddress(mac string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mac = mac
}

func (f *fakeSession) RemoteAddr() string { return f.addr }
func (f *fakeSession) Start()             {}

func (f *fakeSession) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeSession) sentMessages() []message.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Message(nil), f.sent...)
}

func (f *fakeSession) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeSession) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type notification struct {
	method  string
	params  any
	exclude controlserver.Subscriber
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) Notify(method string, params any, exclude controlserver.Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{method: method, params: params, exclude: exclude})
}

func (r *recordingNotifier) byMethod(method string) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification
	for _, n := range r.sent {
		if n.method == method {
			out = append(out, n)
		}
	}
	return out
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type fakeSubscriber struct {
	id   string
	mu   sync.Mutex
	sent []string
}

func (f *fakeSubscriber) ID() string { return f.id }

func (f *fakeSubscriber) Send(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
}

func (f *fakeSubscriber) last(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(f.sent[len(f.sent)-1]), &decoded))
	return decoded
}

func openStore(t *testing.T) *clientstore.Store {
	t.Helper()
	store, err := clientstore.Open(filepath.Join(t.TempDir(), "clients.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// fixture wires handler and dispatcher to a real store and fake collaborators
type fixture struct {
	store      *clientstore.Store
	streams    *fakeStreams
	notifier   *recordingNotifier
	registry   *SessionRegistry
	handler    *handler
	dispatcher *dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    openStore(t),
		streams:  &fakeStreams{streams: []stream.Stream{newFakeStream("default"), newFakeStream("radio")}},
		notifier: &recordingNotifier{},
	}
	f.registry = NewSessionRegistry(f.store, f.notifier, 1000)
	f.handler = &handler{
		store:    f.store,
		streams:  f.streams,
		registry: f.registry,
		notifier: f.notifier,
		bufferMs: 1000,
	}
	f.dispatcher = &dispatcher{
		store:      f.store,
		streams:    f.streams,
		registry:   f.registry,
		notifier:   f.notifier,
		bufferMs:   1000,
		serverInfo: func() ServerInfo {
			return ServerInfo{Host: Host{Name: "testhost"}, Snapserver: Snapserver{Name: "Snapfan", Version: "test"}}
		},
	}
	return f
}

// session creates a fake session registered like an accepted connection
func (f *fixture) session(addr string) *fakeSession {
	s := newFakeSession(addr)
	f.registry.Insert(s)
	return s
}

func helloFrom(mac, hostname string, id uint16) *message.Hello {
	hello := message.NewHello()
	hello.ID = id
	hello.MAC = mac
	hello.HostName = hostname
	hello.Version = "0.10.0"
	hello.ClientName = "Snapclient"
	hello.OS = "linux"
	hello.Arch = "x86_64"
	hello.ProtocolVersion = 2
	return hello
}
