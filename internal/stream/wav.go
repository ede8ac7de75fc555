package stream

import "encoding/binary"

// wavHeader builds the 44 byte RIFF/WAVE header describing raw PCM in sf.
// Sizes are left at their streaming values since the length is unknown.
func wavHeader(sf SampleFormat) []byte {
	le := binary.LittleEndian
	h := make([]byte, 44)

	copy(h[0:], "RIFF")
	le.PutUint32(h[4:], 36)
	copy(h[8:], "WAVE")
	copy(h[12:], "fmt ")
	le.PutUint32(h[16:], 16)
	le.PutUint16(h[20:], 1) // PCM
	le.PutUint16(h[22:], uint16(sf.Channels))
	le.PutUint32(h[24:], uint32(sf.Rate))
	le.PutUint32(h[28:], uint32(sf.Rate*sf.FrameSize()))
	le.PutUint16(h[32:], uint16(sf.FrameSize()))
	le.PutUint16(h[34:], uint16(sf.Bits))
	copy(h[36:], "data")
	le.PutUint32(h[40:], 0)
	return h
}
