package streamserver

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/codefionn/snapfan/internal/clientstore"
	"github.com/codefionn/snapfan/internal/consts"
	"github.com/codefionn/snapfan/internal/controlserver"
	"github.com/codefionn/snapfan/internal/jsonrpc"
	"github.com/codefionn/snapfan/internal/logger"
	"github.com/codefionn/snapfan/internal/message"
	"github.com/codefionn/snapfan/internal/stream"
)

var errClientNotFound = jsonrpc.InternalError("Client not found")

// dispatcher serves JSON-RPC requests from control subscribers
type dispatcher struct {
	store      ClientStore
	streams    StreamProvider
	registry   *SessionRegistry
	notifier   Notifier
	bufferMs   int
	serverInfo func() ServerInfo
}

// call is one request in flight
type call struct {
	req *jsonrpc.Request
	sub controlserver.Subscriber
	// mac is the resolved "client" parameter of Client.* methods
	mac string
}

type method struct {
	needsClient bool
	// handle returns the result and, for client mutations, the updated record
	handle func(d *dispatcher, c *call) (any, *clientstore.ClientInfo, error)
}

var methods = map[string]method{
	"Server.GetStatus":    {handle: (*dispatcher).getStatus},
	"Server.DeleteClient": {handle: (*dispatcher).deleteClient},
	"Client.SetVolume":    {needsClient: true, handle: (*dispatcher).setVolume},
	"Client.SetMute":      {needsClient: true, handle: (*dispatcher).setMute},
	"Client.SetStream":    {needsClient: true, handle: (*dispatcher).setStream},
	"Client.SetLatency":   {needsClient: true, handle: (*dispatcher).setLatency},
	"Client.SetName":      {needsClient: true, handle: (*dispatcher).setName},
}

// OnMessageReceived implements controlserver.Receiver
func (d *dispatcher) OnMessageReceived(sub controlserver.Subscriber, text string) {
	req, err := jsonrpc.Parse([]byte(text))
	if err != nil {
		var id *int
		if req != nil {
			id = req.ID
		}
		d.respond(sub, jsonrpc.NewErrorResponse(id, toRPCError(err)))
		return
	}
	logger.Debug("method: %s, id: %d", req.Method, *req.ID)

	result, rpcErr := d.dispatch(&call{req: req, sub: sub})
	if rpcErr != nil {
		d.respond(sub, jsonrpc.NewErrorResponse(req.ID, rpcErr))
		return
	}
	d.respond(sub, jsonrpc.NewResult(req.ID, result))
}

// dispatch runs the method and converts every failure, panics included, into a
// JSON-RPC error
func (d *dispatcher) dispatch(c *call) (result any, rpcErr *jsonrpc.Error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Panic while handling %s: %v\n%s", c.req.Method, r, debug.Stack())
			result, rpcErr = nil, jsonrpc.InternalError(fmt.Sprint(r))
		}
	}()

	m, ok := methods[c.req.Method]
	if !ok {
		return nil, jsonrpc.MethodNotFound(c.req.Method)
	}

	if m.needsClient {
		mac, err := c.req.StringParam("client")
		if err != nil {
			return nil, errClientNotFound
		}
		if _, ok := d.store.ClientInfo(mac); !ok {
			return nil, errClientNotFound
		}
		c.mac = mac
	}

	result, updated, err := m.handle(d, c)
	if err != nil {
		return nil, toRPCError(err)
	}
	if updated != nil {
		if err := d.clientUpdated(c, updated); err != nil {
			return nil, toRPCError(err)
		}
	}
	return result, nil
}

// clientUpdated pushes new settings to the live session, persists and tells the
// other controllers. Controllers are not notified when the save fails.
func (d *dispatcher) clientUpdated(c *call, info *clientstore.ClientInfo) error {
	if s := d.registry.ByMAC(c.mac); s != nil {
		settings := message.NewServerSettings(d.bufferMs, info.Config.Latency, info.Config.Volume.Percent, info.Config.Volume.Muted)
		if err := s.Send(settings); err != nil {
			logger.Warn("Failed to push settings to %s: %v", c.mac, err)
		}
	}
	if err := d.store.Save(); err != nil {
		logger.Error("Failed to save clients: %v", err)
		return fmt.Errorf("failed to save clients: %w", err)
	}
	d.notifier.Notify("Client.OnUpdate", info, c.sub)
	return nil
}

func (d *dispatcher) respond(sub controlserver.Subscriber, resp *jsonrpc.Response) {
	text, err := jsonrpc.Encode(resp)
	if err != nil {
		logger.Error("Failed to encode response: %v", err)
		text, _ = jsonrpc.Encode(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.InternalError(err.Error())))
	}
	sub.Send(text)
}

// StatusResult is the result of Server.GetStatus
type StatusResult struct {
	Server  ServerInfo                `json:"server"`
	Clients []*clientstore.ClientInfo `json:"clients"`
	Streams []stream.Descriptor       `json:"streams"`
}

func (d *dispatcher) getStatus(c *call) (any, *clientstore.ClientInfo, error) {
	clients := d.store.ClientInfos()
	if c.req.HasParam("client") {
		mac, err := c.req.StringParam("client")
		if err != nil {
			return nil, nil, err
		}
		info, ok := d.store.ClientInfo(mac)
		if !ok {
			return nil, nil, errClientNotFound
		}
		clients = []*clientstore.ClientInfo{info}
	}

	streams := d.streams.Streams()
	descriptors := make([]stream.Descriptor, 0, len(streams))
	for _, st := range streams {
		descriptors = append(descriptors, stream.Describe(st))
	}

	return StatusResult{
		Server:  d.serverInfo(),
		Clients: clients,
		Streams: descriptors,
	}, nil, nil
}

func (d *dispatcher) deleteClient(c *call) (any, *clientstore.ClientInfo, error) {
	mac, err := c.req.StringParam("client")
	if err != nil {
		return nil, nil, errClientNotFound
	}
	info, ok := d.store.ClientInfo(mac)
	if !ok {
		return nil, nil, errClientNotFound
	}
	if err := d.store.Remove(mac); err != nil {
		return nil, nil, err
	}
	if err := d.store.Save(); err != nil {
		logger.Error("Failed to save clients: %v", err)
		return nil, nil, fmt.Errorf("failed to save clients: %w", err)
	}

	d.notifier.Notify("Client.OnDelete", info, c.sub)
	return info.MAC(), nil, nil
}

func (d *dispatcher) setVolume(c *call) (any, *clientstore.ClientInfo, error) {
	volume, err := c.req.IntParam("volume", 0, 100)
	if err != nil {
		return nil, nil, err
	}
	info, err := d.store.Update(c.mac, func(ci *clientstore.ClientInfo) {
		ci.Config.Volume.Percent = volume
	})
	if err != nil {
		return nil, nil, err
	}
	return info.Config.Volume.Percent, info, nil
}

func (d *dispatcher) setMute(c *call) (any, *clientstore.ClientInfo, error) {
	muted, err := c.req.BoolParam("mute")
	if err != nil {
		return nil, nil, err
	}
	info, err := d.store.Update(c.mac, func(ci *clientstore.ClientInfo) {
		ci.Config.Volume.Muted = muted
	})
	if err != nil {
		return nil, nil, err
	}
	return info.Config.Volume.Muted, info, nil
}

func (d *dispatcher) setStream(c *call) (any, *clientstore.ClientInfo, error) {
	id, err := c.req.StringParam("id")
	if err != nil {
		return nil, nil, err
	}
	st, ok := d.streams.Stream(id)
	if !ok {
		return nil, nil, jsonrpc.InternalError("Stream not found")
	}

	info, err := d.store.Update(c.mac, func(ci *clientstore.ClientInfo) {
		ci.Config.StreamID = id
	})
	if err != nil {
		return nil, nil, err
	}

	if s := d.registry.ByMAC(c.mac); s != nil {
		if err := s.Send(st.Header()); err != nil {
			logger.Warn("Failed to queue codec header for %s: %v", c.mac, err)
		}
		s.SetStream(st)
	}
	return info.Config.StreamID, info, nil
}

func (d *dispatcher) setLatency(c *call) (any, *clientstore.ClientInfo, error) {
	latency, err := c.req.IntParam("latency", consts.MinClientLatencyMs, d.bufferMs)
	if err != nil {
		return nil, nil, err
	}
	info, err := d.store.Update(c.mac, func(ci *clientstore.ClientInfo) {
		ci.Config.Latency = latency
	})
	if err != nil {
		return nil, nil, err
	}
	return info.Config.Latency, info, nil
}

func (d *dispatcher) setName(c *call) (any, *clientstore.ClientInfo, error) {
	name, err := c.req.StringParam("name")
	if err != nil {
		return nil, nil, err
	}
	info, err := d.store.Update(c.mac, func(ci *clientstore.ClientInfo) {
		ci.Config.Name = name
	})
	if err != nil {
		return nil, nil, err
	}
	return info.Config.Name, info, nil
}

// toRPCError keeps JSON-RPC errors as they are and wraps everything else as an
// internal error
func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, clientstore.ErrNotFound) {
		return errClientNotFound
	}
	return jsonrpc.InternalError(err.Error())
}
