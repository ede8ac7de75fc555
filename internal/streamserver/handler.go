package streamserver

import (
	"errors"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
)

// handler runs the binary protocol for every StreamSession
type handler struct {
	store    ClientStore
	streams  StreamProvider
	registry *SessionRegistry
	notifier Notifier
	bufferMs int
}

func (h *handler) OnDisconnect(s Session, err error) {
	logger.Debug("Session %s faulted: %v", s.RemoteAddr(), err)
	h.registry.Remove(s)
}

func (h *handler) OnMessageReceived(s Session, msg message.Message) {
	base := msg.Header()
	logger.Debug("Received %s from %s, size: %d, id: %d, refers: %d, sent: %s, recv: %s",
		base.Type, s.RemoteAddr(), base.Size, base.ID, base.RefersTo, base.Sent, base.Received)

	// frames still buffered after a removal must not revive the client record
	handled := h.registry.whileRegistered(s, func() {
		switch m := msg.(type) {
		case *message.Time:
			h.onTime(s, m)
		case *message.Hello:
			h.onHello(s, m)
		default:
			logger.Debug("Ignoring %s from %s", base.Type, s.RemoteAddr())
		}
	})
	if !handled {
		logger.Debug("Dropping %s from removed session %s", base.Type, s.RemoteAddr())
	}
}

func (h *handler) onTime(s Session, req *message.Time) {
	reply := message.NewTime()
	reply.RefersTo = req.ID
	reply.Received = req.Received
	reply.Latency = req.Received.Sub(req.Sent)
	if err := s.Send(reply); err != nil {
		logger.Debug("Failed to queue time reply for %s: %v", s.RemoteAddr(), err)
	}

	mac := s.MACAddress()
	if mac == "" {
		return
	}
	if _, _, err := h.store.Touch(mac, true); err != nil && !errors.Is(err, clientstore.ErrNotFound) {
		logger.Warn("Failed to refresh client %s: %v", mac, err)
	}
}

func (h *handler) onHello(s Session, hello *message.Hello) {
	mac := hello.MAC
	s.SetMACAddress(mac)
	logger.Info("Hello from %s, host: %s, v%s, ClientName: %s, OS: %s, Arch: %s, Protocol version: %d",
		mac, hello.HostName, hello.Version, hello.ClientName, hello.OS, hello.Arch, hello.ProtocolVersion)

	info, err := h.store.GetOrCreate(mac)
	if err != nil {
		logger.Error("Could not get client info for MAC %q: %v", mac, err)
		return
	}

	settings := message.NewServerSettings(h.bufferMs, info.Config.Latency, info.Config.Volume.Percent, info.Config.Volume.Muted)
	settings.RefersTo = hello.ID
	if err := s.Send(settings); err != nil {
		logger.Warn("Failed to queue server settings for %s: %v", mac, err)
	}

	var assigned stream.Stream
	info, err = h.store.Update(mac, func(c *clientstore.ClientInfo) {
		c.Host.IP = hostOf(s.RemoteAddr())
		c.Host.Name = hello.HostName
		c.Host.OS = hello.OS
		c.Host.Arch = hello.Arch
		c.Snapclient.Version = hello.Version
		c.Snapclient.Name = hello.ClientName
		c.Snapclient.ProtocolVersion = hello.ProtocolVersion
		c.Connected = true
		c.LastSeen = message.Now()

		if st, ok := h.streams.Stream(c.Config.StreamID); ok {
			assigned = st
			return
		}
		if st := h.streams.DefaultStream(); st != nil {
			assigned = st
			c.Config.StreamID = st.ID()
		}
	})
	if err != nil {
		// the record was deleted between lookup and update
		logger.Warn("Client %s vanished during handshake: %v", mac, err)
		return
	}
	if err := h.store.Save(); err != nil {
		logger.Error("Failed to save clients: %v", err)
	}

	if assigned == nil {
		logger.Warn("No stream available for client %s", mac)
	} else {
		// the header is queued before binding so no chunk of the stream can precede it
		if err := s.Send(assigned.Header()); err != nil {
			logger.Warn("Failed to queue codec header for %s: %v", mac, err)
		}
		s.SetStream(assigned)
	}

	h.notifier.Notify("Client.OnConnect", info, nil)
}
