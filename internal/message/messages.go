package message

import "encoding/json"

// Hello is the first message a client sends to identify itself
type Hello struct {
	BaseMessage     `json:"-"`
	MAC             string `json:"MAC"`
	HostName        string `json:"HostName"`
	Version         string `json:"Version"`
	ClientName      string `json:"ClientName"`
	OS              string `json:"OS"`
	Arch            string `json:"Arch"`
	ProtocolVersion int    `json:"SnapStreamProtocolVersion"`
}

// NewHello creates an empty Hello
func NewHello() *Hello {
	return &Hello{BaseMessage: BaseMessage{Type: TypeHello}}
}

func (h *Hello) marshalPayload() ([]byte, error) {
	return marshalJSONPayload(h)
}

func (h *Hello) unmarshalPayload(payload []byte) error {
	return unmarshalJSONPayload(payload, h)
}

// ServerSettings pushes playback settings to a client
type ServerSettings struct {
	BaseMessage `json:"-"`
	BufferMs    int  `json:"bufferMs"`
	Latency     int  `json:"latency"`
	Volume      int  `json:"volume"`
	Muted       bool `json:"muted"`
}

// NewServerSettings creates ServerSettings with the given values
func NewServerSettings(bufferMs, latency, volume int, muted bool) *ServerSettings {
	return &ServerSettings{
		BaseMessage: BaseMessage{Type: TypeServerSettings},
		BufferMs:    bufferMs,
		Latency:     latency,
		Volume:      volume,
		Muted:       muted,
	}
}

func (s *ServerSettings) marshalPayload() ([]byte, error) {
	return marshalJSONPayload(s)
}

func (s *ServerSettings) unmarshalPayload(payload []byte) error {
	return unmarshalJSONPayload(payload, s)
}

// Time is the clock synchronization exchange. In a reply Latency is received - sent
// of the request as observed by the server.
type Time struct {
	BaseMessage
	Latency Timeval
}

// NewTime creates an empty Time message
func NewTime() *Time {
	return &Time{BaseMessage: BaseMessage{Type: TypeTime}}
}

func (t *Time) marshalPayload() ([]byte, error) {
	var w payloadWriter
	w.timeval(t.Latency)
	return w.buf, nil
}

func (t *Time) unmarshalPayload(payload []byte) error {
	r := payloadReader{buf: payload}
	t.Latency = r.timeval()
	return r.err
}

// CodecHeader carries the codec initialization data a client needs before any chunk
type CodecHeader struct {
	BaseMessage
	Codec   string
	Payload []byte
}

// NewCodecHeader creates a CodecHeader
func NewCodecHeader(codec string, payload []byte) *CodecHeader {
	return &CodecHeader{
		BaseMessage: BaseMessage{Type: TypeCodecHeader},
		Codec:       codec,
		Payload:     payload,
	}
}

func (c *CodecHeader) marshalPayload() ([]byte, error) {
	var w payloadWriter
	w.blob([]byte(c.Codec))
	w.blob(c.Payload)
	return w.buf, nil
}

func (c *CodecHeader) unmarshalPayload(payload []byte) error {
	r := payloadReader{buf: payload}
	c.Codec = string(r.blob())
	c.Payload = r.blob()
	return r.err
}

// WireChunk is one timestamped block of encoded audio
type WireChunk struct {
	BaseMessage
	Timestamp Timeval
	Payload   []byte
}

// NewWireChunk creates a WireChunk
func NewWireChunk(timestamp Timeval, payload []byte) *WireChunk {
	return &WireChunk{
		BaseMessage: BaseMessage{Type: TypeWireChunk},
		Timestamp:   timestamp,
		Payload:     payload,
	}
}

func (c *WireChunk) marshalPayload() ([]byte, error) {
	var w payloadWriter
	w.timeval(c.Timestamp)
	w.blob(c.Payload)
	return w.buf, nil
}

func (c *WireChunk) unmarshalPayload(payload []byte) error {
	r := payloadReader{buf: payload}
	c.Timestamp = r.timeval()
	c.Payload = r.blob()
	return r.err
}

func marshalJSONPayload(v any) ([]byte, error) {
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var w payloadWriter
	w.blob(doc)
	return w.buf, nil
}

func unmarshalJSONPayload(payload []byte, v any) error {
	r := payloadReader{buf: payload}
	doc := r.blob()
	if r.err != nil {
		return r.err
	}
	return json.Unmarshal(doc, v)
}
