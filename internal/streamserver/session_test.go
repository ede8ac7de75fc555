package streamserver

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/codefionn/snapfan/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu          sync.Mutex
	received    []message.Message
	disconnects int
	gotMessage  chan struct{}
	gotFault    chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		gotMessage: make(chan struct{}, 16),
		gotFault:   make(chan struct{}, 16),
	}
}

func (h *recordingHandler) OnMessageReceived(_ Session, msg message.Message) {
	h.mu.Lock()
	h.received = append(h.received, msg)
	h.mu.Unlock()
	h.gotMessage <- struct{}{}
}

func (h *recordingHandler) OnDisconnect(Session, error) {
	h.mu.Lock()
	h.disconnects++
	h.mu.Unlock()
	h.gotFault <- struct{}{}
}

func wait(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func pipeSession(t *testing.T, h MessageHandler) (*StreamSession, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	s := NewStreamSession(server, h)
	t.Cleanup(func() {
		client.Close()
		s.Stop()
	})
	return s, client
}

func readFrame(t *testing.T, conn net.Conn) (message.BaseMessage, message.Message) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	base, payload, err := message.ReadMessage(conn)
	require.NoError(t, err)
	msg, err := message.Decode(base, payload)
	require.NoError(t, err)
	return base, msg
}

func TestStreamSessionDecodesInbound(t *testing.T) {
	h := newRecordingHandler()
	s, client := pipeSession(t, h)
	s.Start()

	hello := helloFrom("00:11:22:33:44:55", "kitchen", 5)
	frame, err := message.Encode(hello)
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)

	wait(t, h.gotMessage)
	h.mu.Lock()
	defer h.mu.Unlock()
	got, ok := h.received[0].(*message.Hello)
	require.True(t, ok)
	assert.Equal(t, uint16(5), got.ID)
	assert.Equal(t, "kitchen", got.HostName)
	assert.False(t, got.Received.IsZero(), "receive time is stamped on arrival")
}

func TestStreamSessionSkipsUnknownTypes(t *testing.T) {
	h := newRecordingHandler()
	s, client := pipeSession(t, h)
	s.Start()

	unknown := make([]byte, message.BaseSize+3)
	unknown[0] = byte(message.TypeCommand)
	unknown[22] = 3
	_, err := client.Write(unknown)
	require.NoError(t, err)

	req := message.NewTime()
	req.ID = 9
	frame, err := message.Encode(req)
	require.NoError(t, err)
	_, err = client.Write(frame)
	require.NoError(t, err)

	wait(t, h.gotMessage)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.received, 1)
	assert.Equal(t, uint16(9), h.received[0].Header().ID)
	assert.Equal(t, 0, h.disconnects)
}

func TestStreamSessionWritesInOrderWithIDs(t *testing.T) {
	s, client := pipeSession(t, newRecordingHandler())
	s.Start()

	settings := message.NewServerSettings(1000, 0, 80, false)
	settings.RefersTo = 3
	require.NoError(t, s.Send(settings))
	header := message.NewCodecHeader("pcm", []byte("RIFF"))
	require.NoError(t, s.Send(header))
	s.Add(message.NewWireChunk(message.Now(), []byte{1, 2}))

	base, msg := readFrame(t, client)
	assert.Equal(t, message.TypeServerSettings, base.Type)
	assert.Equal(t, uint16(1), base.ID)
	assert.Equal(t, uint16(3), base.RefersTo)
	assert.False(t, base.Sent.IsZero())
	assert.Equal(t, 80, msg.(*message.ServerSettings).Volume)

	base, _ = readFrame(t, client)
	assert.Equal(t, message.TypeCodecHeader, base.Type)
	assert.Equal(t, uint16(2), base.ID)

	base, msg = readFrame(t, client)
	assert.Equal(t, message.TypeWireChunk, base.Type)
	assert.Equal(t, uint16(3), base.ID)
	assert.Equal(t, []byte{1, 2}, msg.(*message.WireChunk).Payload)

	// the shared header value is not touched by per-session encoding
	assert.Equal(t, uint16(0), header.ID)
}

func TestStreamSessionFaultsOnce(t *testing.T) {
	h := newRecordingHandler()
	s, client := pipeSession(t, h)
	s.Start()

	client.Close()
	wait(t, h.gotFault)

	require.NoError(t, s.Send(message.NewTime()), "queueing still works until the session is stopped")
	time.Sleep(50 * time.Millisecond)
	h.mu.Lock()
	assert.Equal(t, 1, h.disconnects)
	h.mu.Unlock()
}

func TestStreamSessionStopIsIdempotent(t *testing.T) {
	h := newRecordingHandler()
	s, _ := pipeSession(t, h)
	s.Start()

	s.Stop()
	s.Stop()

	assert.ErrorIs(t, s.Send(message.NewTime()), ErrSessionClosed)
	s.Add(message.NewWireChunk(message.Now(), nil))
	assert.Empty(t, s.chunks)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, 0, h.disconnects, "a deliberate stop is not a fault")
}

func TestStreamSessionDropsStaleChunks(t *testing.T) {
	s, _ := pipeSession(t, newRecordingHandler())
	s.SetBufferMs(100)

	for ms := 0; ms <= 300; ms += 50 {
		s.Add(chunkAt(ms))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.chunks, 3)
	assert.InDelta(t, 200.0, s.chunks[0].Timestamp.Milliseconds(), 0.001)
	assert.InDelta(t, 300.0, s.chunks[2].Timestamp.Milliseconds(), 0.001)
}

func TestStreamSessionSetStreamDropsQueuedChunks(t *testing.T) {
	s, _ := pipeSession(t, newRecordingHandler())
	def, radio := newFakeStream("default"), newFakeStream("radio")

	s.SetStream(def)
	s.Add(chunkAt(0))
	s.SetStream(def)
	assert.Len(t, s.chunks, 1)

	s.SetStream(radio)
	assert.Empty(t, s.chunks)
	assert.Equal(t, "radio", s.Stream().ID())
}
