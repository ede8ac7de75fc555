package stream

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SampleFormat describes interleaved PCM audio
type SampleFormat struct {
	Rate     int
	Bits     int
	Channels int
}

// ParseSampleFormat parses "rate:bits:channels", e.g. "48000:16:2"
func ParseSampleFormat(s string) (SampleFormat, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return SampleFormat{}, fmt.Errorf("sample format %q: want rate:bits:channels", s)
	}

	values := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil || v <= 0 {
			return SampleFormat{}, fmt.Errorf("sample format %q: invalid field %q", s, part)
		}
		values[i] = v
	}

	sf := SampleFormat{Rate: values[0], Bits: values[1], Channels: values[2]}
	switch sf.Bits {
	case 8, 16, 24, 32:
	default:
		return SampleFormat{}, fmt.Errorf("sample format %q: unsupported bit depth %d", s, sf.Bits)
	}
	return sf, nil
}

// SampleSize is the number of bytes one sample of one channel occupies.
// 24 bit samples are carried in 4 bytes.
func (sf SampleFormat) SampleSize() int {
	if sf.Bits == 24 {
		return 4
	}
	return sf.Bits / 8
}

// FrameSize is the number of bytes per frame (one sample for every channel)
func (sf SampleFormat) FrameSize() int {
	return sf.SampleSize() * sf.Channels
}

// BytesFor returns the number of bytes holding d worth of whole frames
func (sf SampleFormat) BytesFor(d time.Duration) int {
	frames := int(int64(sf.Rate) * int64(d) / int64(time.Second))
	return frames * sf.FrameSize()
}

// DurationOf returns the play time of n bytes
func (sf SampleFormat) DurationOf(n int) time.Duration {
	frames := int64(n / sf.FrameSize())
	return time.Duration(frames * int64(time.Second) / int64(sf.Rate))
}

func (sf SampleFormat) String() string {
	return fmt.Sprintf("%d:%d:%d", sf.Rate, sf.Bits, sf.Channels)
}
