// Package stream provides the audio sources whose chunks the server fans out to clients.
package stream

import (
	"encoding/json"
	"errors"

	"github.com/codefionn/snapfan/internal/message"
)

// ErrUnknownScheme is returned for stream URIs no source implementation handles
var ErrUnknownScheme = errors.New("unknown stream scheme")

// ReaderState is the activity state of a stream source
type ReaderState int

const (
	// StateIdle means the source is open but delivers no audio
	StateIdle ReaderState = iota
	// StatePlaying means chunks are being delivered
	StatePlaying
	// StateDisabled means the source is stopped or cannot be opened
	StateDisabled
)

func (s ReaderState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state by name
func (s ReaderState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Stream is a named audio source
type Stream interface {
	ID() string
	Name() string
	URI() URI
	SampleFormat() SampleFormat
	// Header is the codec initialization message sent to a client before any chunk
	Header() *message.CodecHeader
	State() ReaderState
	Start() error
	Stop()
	json.Marshaler
}

// Listener receives stream events. Callbacks run on the stream's reader goroutine.
type Listener interface {
	OnStateChanged(s Stream, state ReaderState)
	OnChunkRead(s Stream, chunk *message.WireChunk, durationMs float64)
	OnResync(s Stream, ms float64)
}

// Descriptor is the JSON form of a stream on the control channel
type Descriptor struct {
	ID     string      `json:"id"`
	Status ReaderState `json:"status"`
	URI    URI         `json:"uri"`
}

// Describe returns the control channel representation of s
func Describe(s Stream) Descriptor {
	return Descriptor{ID: s.ID(), Status: s.State(), URI: s.URI()}
}
