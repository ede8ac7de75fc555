package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimevalSub(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Timeval
		expected Timeval
	}{
		{"same second", Timeval{10, 135000}, Timeval{10, 100000}, Timeval{0, 35000}},
		{"borrow", Timeval{11, 100}, Timeval{10, 999900}, Timeval{0, 200}},
		{"negative", Timeval{10, 0}, Timeval{10, 500000}, Timeval{-1, 500000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.a.Sub(tt.b))
		})
	}

	assert.Equal(t, -500*time.Millisecond, Timeval{-1, 500000}.Duration())
}

func TestTimevalConversions(t *testing.T) {
	assert.Equal(t, Timeval{1, 500000}, FromDuration(1500*time.Millisecond))
	assert.InDelta(t, 35.0, FromDuration(35*time.Millisecond).Milliseconds(), 0.0001)
	assert.Equal(t, Timeval{2, 0}, Timeval{1, 600000}.Add(Timeval{0, 400000}))

	now := time.Unix(1700000000, 123456000)
	assert.True(t, FromTime(now).Time().Equal(now))
	assert.True(t, Timeval{}.IsZero())
	assert.Equal(t, "3.000042", Timeval{3, 42}.String())
}

func TestBaseMessageLayout(t *testing.T) {
	msg := NewTime()
	msg.ID = 7
	msg.RefersTo = 3
	msg.Sent = Timeval{1, 2}
	msg.Received = Timeval{3, 4}
	msg.Latency = Timeval{0, 35000}

	frame, err := Encode(msg)
	require.NoError(t, err)
	require.Len(t, frame, BaseSize+8)

	le := binary.LittleEndian
	assert.Equal(t, uint16(TypeTime), le.Uint16(frame[0:]))
	assert.Equal(t, uint16(7), le.Uint16(frame[2:]))
	assert.Equal(t, uint16(3), le.Uint16(frame[4:]))
	assert.Equal(t, uint32(1), le.Uint32(frame[6:]))
	assert.Equal(t, uint32(4), le.Uint32(frame[18:]))
	assert.Equal(t, uint32(8), le.Uint32(frame[22:]))
	assert.Equal(t, uint32(35000), le.Uint32(frame[30:]))
}

func TestReadAndDecodeHello(t *testing.T) {
	hello := NewHello()
	hello.ID = 1
	hello.MAC = "00:11:22:33:44:55"
	hello.HostName = "kitchen"
	hello.Version = "0.10.0"
	hello.ClientName = "Snapclient"
	hello.OS = "Raspbian"
	hello.Arch = "armv7l"
	hello.ProtocolVersion = 2

	frame, err := Encode(hello)
	require.NoError(t, err)

	base, payload, err := ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, TypeHello, base.Type)
	assert.Equal(t, uint32(len(payload)), base.Size)

	decoded, err := Decode(base, payload)
	require.NoError(t, err)

	got, ok := decoded.(*Hello)
	require.True(t, ok)
	assert.Equal(t, "00:11:22:33:44:55", got.MAC)
	assert.Equal(t, "kitchen", got.HostName)
	assert.Equal(t, 2, got.ProtocolVersion)
	assert.Equal(t, uint16(1), got.ID)
}

func TestHelloJSONKeys(t *testing.T) {
	hello := NewHello()
	hello.MAC = "aa"
	hello.ProtocolVersion = 2

	payload, err := hello.marshalPayload()
	require.NoError(t, err)

	doc := string(payload[4:])
	assert.Contains(t, doc, `"MAC":"aa"`)
	assert.Contains(t, doc, `"SnapStreamProtocolVersion":2`)
	assert.NotContains(t, doc, "RefersTo")
}

func TestEncodeAsLeavesSharedMessageUntouched(t *testing.T) {
	chunk := NewWireChunk(Timeval{100, 0}, []byte{1, 2, 3, 4})

	frame, err := EncodeAs(chunk, BaseMessage{Type: TypeWireChunk, ID: 42})
	require.NoError(t, err)
	assert.Equal(t, uint16(0), chunk.ID)

	base, payload, err := ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint16(42), base.ID)

	decoded, err := Decode(base, payload)
	require.NoError(t, err)
	got := decoded.(*WireChunk)
	assert.Equal(t, Timeval{100, 0}, got.Timestamp)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.Payload)
}

func TestCodecHeaderAndSettingsRoundTrip(t *testing.T) {
	header := NewCodecHeader("pcm", []byte("RIFF"))
	frame, err := Encode(header)
	require.NoError(t, err)
	base, payload, err := ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	decoded, err := Decode(base, payload)
	require.NoError(t, err)
	assert.Equal(t, "pcm", decoded.(*CodecHeader).Codec)
	assert.Equal(t, []byte("RIFF"), decoded.(*CodecHeader).Payload)

	settings := NewServerSettings(1000, -20, 55, true)
	frame, err = Encode(settings)
	require.NoError(t, err)
	base, payload, err = ReadMessage(bytes.NewReader(frame))
	require.NoError(t, err)
	decoded, err = Decode(base, payload)
	require.NoError(t, err)
	got := decoded.(*ServerSettings)
	assert.Equal(t, 1000, got.BufferMs)
	assert.Equal(t, -20, got.Latency)
	assert.Equal(t, 55, got.Volume)
	assert.True(t, got.Muted)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(BaseMessage{Type: TypeCommand}, nil)
	assert.True(t, errors.Is(err, ErrUnknownType))
}

func TestDecodeTruncatedPayload(t *testing.T) {
	_, err := Decode(BaseMessage{Type: TypeTime}, []byte{1, 2, 3})
	assert.True(t, errors.Is(err, ErrShortBuffer))

	_, err = Decode(BaseMessage{Type: TypeHello}, []byte{10, 0, 0, 0, '{'})
	assert.True(t, errors.Is(err, ErrShortBuffer))
}

func TestReadMessageErrors(t *testing.T) {
	_, _, err := ReadMessage(bytes.NewReader([]byte{1, 2, 3}))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))

	head := make([]byte, BaseSize)
	binary.LittleEndian.PutUint32(head[22:], 1<<30)
	_, _, err = ReadMessage(bytes.NewReader(head))
	assert.True(t, errors.Is(err, ErrTooLarge))

	binary.LittleEndian.PutUint32(head[22:], 10)
	_, _, err = ReadMessage(bytes.NewReader(head))
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF))
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "Hello", TypeHello.String())
	assert.Equal(t, "Type(99)", Type(99).String())
}
