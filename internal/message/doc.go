// Package message implements the binary protocol spoken between the server and audio clients.
//
// Every frame starts with a fixed 26 byte little-endian envelope:
//
//	uint16 type | uint16 id | uint16 refersTo |
//	int32 sent.sec | int32 sent.usec | int32 received.sec | int32 received.usec |
//	uint32 size
//
// followed by size payload bytes whose layout depends on the type. Hello and
// ServerSettings carry a length-prefixed JSON document; Time carries a Timeval;
// CodecHeader and WireChunk carry length-prefixed binary blobs.
//
// A reply sets refersTo to the id of the request it answers.
package message
