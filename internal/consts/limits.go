package consts

import "time"

// Default network ports
const (
	// DefaultStreamPort is the port audio clients connect to
	DefaultStreamPort = 1704
	// DefaultControlPort is the port for line-delimited JSON-RPC control clients
	DefaultControlPort = 1705
	// DefaultHTTPPort serves JSON-RPC over HTTP and WebSocket
	DefaultHTTPPort = 1780
)

// Audio defaults
const (
	// DefaultBufferMs is the end-to-end playout buffer advertised to clients
	DefaultBufferMs = 1000
	// DefaultStreamReadMs is the duration of PCM read per chunk
	DefaultStreamReadMs = 20
	// DefaultSampleFormat is rate:bits:channels
	DefaultSampleFormat = "48000:16:2"
	// DefaultCodec is the only codec the server carries without an encoder
	DefaultCodec = "pcm"
	// DefaultStreamURI is used when no stream is configured
	DefaultStreamURI = "pipe:///tmp/snapfifo?name=default"
)

// Latency limits accepted by Client.SetLatency
const (
	// MinClientLatencyMs is the lower bound for a client's latency offset
	MinClientLatencyMs = -10000
)

// Buffer sizes for various operations
const (
	// BufferSize1KB is 1 kilobyte
	BufferSize1KB = 1024
	// BufferSize64KB is 64 kilobytes
	BufferSize64KB = 64 * 1024
	// BufferSize1MB is 1 megabyte
	BufferSize1MB = 1024 * 1024
	// MaxMessageSize bounds a single binary frame payload
	MaxMessageSize = 16 * BufferSize1MB
	// MaxRequestSize bounds a single JSON-RPC request on any control transport
	MaxRequestSize = BufferSize1MB
	// SendQueueSize is the capacity of a control subscriber's outbound queue
	SendQueueSize = 256
)

// Connection limits
const (
	// DefaultMaxControlConnections caps concurrent TCP control sessions
	DefaultMaxControlConnections = 32
)

// Timeouts for various operations
const (
	// SocketTimeout bounds every read and write on an audio client socket
	SocketTimeout = 5 * time.Second
	// Timeout1Second is a 1 second timeout
	Timeout1Second = 1 * time.Second
	// Timeout5Seconds is a 5 second timeout
	Timeout5Seconds = 5 * time.Second
	// Timeout10Seconds is a 10 second timeout
	Timeout10Seconds = 10 * time.Second
	// Timeout60Seconds is a 60 second timeout (1 minute)
	Timeout60Seconds = 60 * time.Second
)

// Retry intervals
const (
	// StreamRetryInterval is how long a stream source waits before reopening its input
	StreamRetryInterval = 500 * time.Millisecond
)
