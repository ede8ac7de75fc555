package streamserver

import (
	"testing"
	"time"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeSyncReply(t *testing.T) {
	f := newFixture(t)
	s := f.session("10.0.0.2:40000")

	req := message.NewTime()
	req.ID = 42
	req.Sent = message.FromDuration(100 * time.Millisecond)
	req.Received = message.FromDuration(135 * time.Millisecond)
	f.handler.OnMessageReceived(s, req)

	sent := s.sentMessages()
	require.Len(t, sent, 1)
	reply, ok := sent[0].(*message.Time)
	require.True(t, ok)
	assert.Equal(t, uint16(42), reply.RefersTo)
	assert.InDelta(t, 35.0, reply.Latency.Milliseconds(), 0.001)
	assert.Equal(t, message.TypeTime, reply.Type)
}

func TestTimeSyncRefreshesIdentifiedClient(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"
	_, err := f.store.GetOrCreate(mac)
	require.NoError(t, err)

	s := f.session("10.0.0.2:40000")
	s.SetMACAddress(mac)

	req := message.NewTime()
	req.ID = 1
	f.handler.OnMessageReceived(s, req)

	info, ok := f.store.ClientInfo(mac)
	require.True(t, ok)
	assert.True(t, info.Connected)
	assert.Equal(t, 0, f.notifier.count())
}

func TestTimeSyncBeforeHandshakeCreatesNothing(t *testing.T) {
	f := newFixture(t)
	s := f.session("10.0.0.2:40000")

	f.handler.OnMessageReceived(s, message.NewTime())
	assert.Empty(t, f.store.ClientInfos())
	assert.Len(t, s.sentMessages(), 1)
}

func TestHelloCreatesRecordAndAssignsDefaultStream(t *testing.T) {
	f := newFixture(t)
	s := f.session("10.0.0.2:40000")
	mac := "00:11:22:33:44:55"

	f.handler.OnMessageReceived(s, helloFrom(mac, "kitchen", 3))

	infos := f.store.ClientInfos()
	require.Len(t, infos, 1)
	info := infos[0]
	assert.Equal(t, mac, info.MAC())
	assert.Equal(t, "kitchen", info.Host.Name)
	assert.Equal(t, "10.0.0.2", info.Host.IP)
	assert.Equal(t, "linux", info.Host.OS)
	assert.Equal(t, "Snapclient", info.Snapclient.Name)
	assert.Equal(t, 2, info.Snapclient.ProtocolVersion)
	assert.Equal(t, "default", info.Config.StreamID)
	assert.True(t, info.Connected)

	sent := s.sentMessages()
	require.Len(t, sent, 2)
	settings, ok := sent[0].(*message.ServerSettings)
	require.True(t, ok, "settings reply comes first")
	assert.Equal(t, uint16(3), settings.RefersTo)
	assert.Equal(t, 1000, settings.BufferMs)
	assert.Equal(t, 100, settings.Volume)
	assert.False(t, settings.Muted)

	header, ok := sent[1].(*message.CodecHeader)
	require.True(t, ok)
	assert.Same(t, f.streams.streams[0].Header(), header)

	assert.Equal(t, f.streams.streams[0], s.Stream())
	assert.Equal(t, mac, s.MACAddress())

	connects := f.notifier.byMethod("Client.OnConnect")
	require.Len(t, connects, 1)
	assert.Equal(t, mac, connects[0].params.(*clientstore.ClientInfo).MAC())
	assert.Nil(t, connects[0].exclude)
}

func TestSecondHelloUpdatesExistingRecord(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"

	f.handler.OnMessageReceived(f.session("10.0.0.2:40000"), helloFrom(mac, "kitchen", 1))
	f.handler.OnMessageReceived(f.session("10.0.0.3:40001"), helloFrom(mac, "living-room", 1))

	infos := f.store.ClientInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, "living-room", infos[0].Host.Name)
	assert.Equal(t, "10.0.0.3", infos[0].Host.IP)
	assert.Len(t, f.notifier.byMethod("Client.OnConnect"), 2)
}

func TestHelloUsesPersistedSettingsAndStream(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"
	_, err := f.store.GetOrCreate(mac)
	require.NoError(t, err)
	_, err = f.store.Update(mac, func(c *clientstore.ClientInfo) {
		c.Config.StreamID = "radio"
		c.Config.Volume = clientstore.Volume{Percent: 30, Muted: true}
		c.Config.Latency = 25
	})
	require.NoError(t, err)

	s := f.session("10.0.0.2:40000")
	f.handler.OnMessageReceived(s, helloFrom(mac, "kitchen", 9))

	settings := s.sentMessages()[0].(*message.ServerSettings)
	assert.Equal(t, 30, settings.Volume)
	assert.True(t, settings.Muted)
	assert.Equal(t, 25, settings.Latency)
	assert.Equal(t, "radio", s.Stream().ID())
}

func TestHelloFallsBackFromUnknownStream(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"
	_, err := f.store.GetOrCreate(mac)
	require.NoError(t, err)
	_, err = f.store.Update(mac, func(c *clientstore.ClientInfo) {
		c.Config.StreamID = "removed-stream"
	})
	require.NoError(t, err)

	s := f.session("10.0.0.2:40000")
	f.handler.OnMessageReceived(s, helloFrom(mac, "kitchen", 1))

	info, ok := f.store.ClientInfo(mac)
	require.True(t, ok)
	assert.Equal(t, "default", info.Config.StreamID)
	assert.Equal(t, "default", s.Stream().ID())
}

func TestHelloWithoutMACIsDropped(t *testing.T) {
	f := newFixture(t)
	s := f.session("10.0.0.2:40000")

	f.handler.OnMessageReceived(s, helloFrom("", "kitchen", 1))

	assert.Empty(t, f.store.ClientInfos())
	assert.Empty(t, s.sentMessages())
	assert.Equal(t, 0, f.notifier.count())
}

func TestUnknownMessageIsIgnored(t *testing.T) {
	f := newFixture(t)
	s := f.session("10.0.0.2:40000")

	f.handler.OnMessageReceived(s, message.NewWireChunk(message.Timeval{}, nil))

	assert.Empty(t, s.sentMessages())
	assert.Equal(t, 0, f.notifier.count())
}

func TestOnDisconnectRemovesSession(t *testing.T) {
	f := newFixture(t)
	s := newFakeSession("10.0.0.2:40000")
	f.registry.Insert(s)

	f.handler.OnDisconnect(s, assert.AnError)
	f.handler.OnDisconnect(s, assert.AnError)
	f.registry.Wait()

	assert.Equal(t, 0, f.registry.Len())
	assert.Equal(t, 1, s.stopCount())
}

func TestFramesAfterRemoveLeaveRecordDisconnected(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"
	s := f.session("10.0.0.2:40000")
	f.handler.OnMessageReceived(s, helloFrom(mac, "kitchen", 1))
	before := len(s.sentMessages())

	require.True(t, f.registry.Remove(s))
	f.registry.Wait()
	require.Len(t, f.notifier.byMethod("Client.OnDisconnect"), 1)

	// frames the reader decoded before the connection was closed
	f.handler.OnMessageReceived(s, message.NewTime())
	f.handler.OnMessageReceived(s, helloFrom(mac, "kitchen", 2))

	info, ok := f.store.ClientInfo(mac)
	require.True(t, ok)
	assert.False(t, info.Connected)
	assert.Len(t, f.notifier.byMethod("Client.OnConnect"), 1)
	assert.Len(t, s.sentMessages(), before)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRemoveWaitsForHandshakeInFlight(t *testing.T) {
	f := newFixture(t)
	mac := "00:11:22:33:44:55"
	s := f.session("10.0.0.2:40000")

	removed := make(chan bool)
	ran := f.registry.whileRegistered(s, func() {
		f.handler.onHello(s, helloFrom(mac, "kitchen", 1))
		go func() { removed <- f.registry.Remove(s) }()
		// Remove is blocked until the handshake finished
		select {
		case <-removed:
			t.Error("Remove returned during the handshake")
		case <-time.After(50 * time.Millisecond):
		}
	})
	require.True(t, ran)
	assert.True(t, <-removed)
	f.registry.Wait()

	info, ok := f.store.ClientInfo(mac)
	require.True(t, ok)
	assert.False(t, info.Connected)
	assert.Len(t, f.notifier.byMethod("Client.OnDisconnect"), 1)
}
