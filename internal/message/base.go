package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/codefionn/snapfan/internal/consts"
)

// Type identifies the payload layout of a frame
type Type uint16

// Message types on the wire
const (
	TypeBase           Type = 0
	TypeCodecHeader    Type = 1
	TypeWireChunk      Type = 2
	TypeSampleFormat   Type = 3
	TypeServerSettings Type = 4
	TypeTime           Type = 5
	TypeRequest        Type = 6
	TypeAck            Type = 7
	TypeCommand        Type = 8
	TypeHello          Type = 9
	TypeMap            Type = 10
	TypeString         Type = 11
)

var typeNames = map[Type]string{
	TypeBase:           "Base",
	TypeCodecHeader:    "CodecHeader",
	TypeWireChunk:      "WireChunk",
	TypeSampleFormat:   "SampleFormat",
	TypeServerSettings: "ServerSettings",
	TypeTime:           "Time",
	TypeRequest:        "Request",
	TypeAck:            "Ack",
	TypeCommand:        "Command",
	TypeHello:          "Hello",
	TypeMap:            "Map",
	TypeString:         "String",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint16(t))
}

// BaseSize is the encoded size of BaseMessage
const BaseSize = 26

var (
	// ErrUnknownType is returned by Decode for types the server does not handle
	ErrUnknownType = errors.New("unknown message type")
	// ErrShortBuffer is returned when a payload ends before a field is complete
	ErrShortBuffer = errors.New("message payload too short")
	// ErrTooLarge is returned when a frame announces more than consts.MaxMessageSize bytes
	ErrTooLarge = errors.New("message payload too large")
)

// BaseMessage is the envelope carried by every frame
type BaseMessage struct {
	Type     Type
	ID       uint16
	RefersTo uint16
	Sent     Timeval
	Received Timeval
	Size     uint32
}

// Header returns the envelope. Embedding types inherit it.
func (b *BaseMessage) Header() *BaseMessage {
	return b
}

func (b *BaseMessage) put(buf []byte) {
	le := binary.LittleEndian
	le.PutUint16(buf[0:], uint16(b.Type))
	le.PutUint16(buf[2:], b.ID)
	le.PutUint16(buf[4:], b.RefersTo)
	le.PutUint32(buf[6:], uint32(b.Sent.Sec))
	le.PutUint32(buf[10:], uint32(b.Sent.Usec))
	le.PutUint32(buf[14:], uint32(b.Received.Sec))
	le.PutUint32(buf[18:], uint32(b.Received.Usec))
	le.PutUint32(buf[22:], b.Size)
}

// ParseBase decodes an envelope from the first BaseSize bytes of buf
func ParseBase(buf []byte) (BaseMessage, error) {
	if len(buf) < BaseSize {
		return BaseMessage{}, ErrShortBuffer
	}
	le := binary.LittleEndian
	return BaseMessage{
		Type:     Type(le.Uint16(buf[0:])),
		ID:       le.Uint16(buf[2:]),
		RefersTo: le.Uint16(buf[4:]),
		Sent:     Timeval{Sec: int32(le.Uint32(buf[6:])), Usec: int32(le.Uint32(buf[10:]))},
		Received: Timeval{Sec: int32(le.Uint32(buf[14:])), Usec: int32(le.Uint32(buf[18:]))},
		Size:     le.Uint32(buf[22:]),
	}, nil
}

// Message is a typed frame
type Message interface {
	Header() *BaseMessage
	marshalPayload() ([]byte, error)
	unmarshalPayload(payload []byte) error
}

// Encode serializes m with its own envelope; Size is computed from the payload
func Encode(m Message) ([]byte, error) {
	return EncodeAs(m, *m.Header())
}

// EncodeAs serializes m's payload behind the given envelope. Shared messages such as
// audio chunks are encoded per session this way without mutating the shared value.
func EncodeAs(m Message, base BaseMessage) ([]byte, error) {
	payload, err := m.marshalPayload()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", base.Type, err)
	}

	base.Size = uint32(len(payload))
	frame := make([]byte, BaseSize+len(payload))
	base.put(frame)
	copy(frame[BaseSize:], payload)
	return frame, nil
}

// ReadMessage reads one complete frame from r
func ReadMessage(r io.Reader) (BaseMessage, []byte, error) {
	var head [BaseSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return BaseMessage{}, nil, err
	}

	base, err := ParseBase(head[:])
	if err != nil {
		return BaseMessage{}, nil, err
	}
	if base.Size > consts.MaxMessageSize {
		return base, nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, base.Size)
	}

	payload := make([]byte, base.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return base, nil, err
	}
	return base, payload, nil
}

// Decode builds a typed message from an envelope and its payload
func Decode(base BaseMessage, payload []byte) (Message, error) {
	var m Message
	switch base.Type {
	case TypeHello:
		m = &Hello{}
	case TypeTime:
		m = &Time{}
	case TypeServerSettings:
		m = &ServerSettings{}
	case TypeCodecHeader:
		m = &CodecHeader{}
	case TypeWireChunk:
		m = &WireChunk{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, base.Type)
	}

	if err := m.unmarshalPayload(payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", base.Type, err)
	}
	*m.Header() = base
	return m, nil
}

// payloadWriter appends little-endian fields
type payloadWriter struct {
	buf []byte
}

func (w *payloadWriter) uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *payloadWriter) timeval(t Timeval) {
	w.uint32(uint32(t.Sec))
	w.uint32(uint32(t.Usec))
}

func (w *payloadWriter) blob(b []byte) {
	w.uint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// payloadReader consumes little-endian fields; the first failure sticks
type payloadReader struct {
	buf []byte
	err error
}

func (r *payloadReader) uint32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.buf) < 4 {
		r.err = ErrShortBuffer
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf)
	r.buf = r.buf[4:]
	return v
}

func (r *payloadReader) timeval() Timeval {
	sec := int32(r.uint32())
	usec := int32(r.uint32())
	return Timeval{Sec: sec, Usec: usec}
}

func (r *payloadReader) blob() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	if uint32(len(r.buf)) < n {
		r.err = ErrShortBuffer
		return nil
	}
	b := make([]byte, n)
	copy(b, r.buf[:n])
	r.buf = r.buf[n:]
	return b
}
