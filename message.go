// Package utmnet provides the framed messaging layer of the UAS/UTM testbed.
// It offers a best-effort UDP broadcast transport for aircraft beacons and a
// one-shot TCP request/response transport for the ground control channel.
// Both share the same length-prefixed envelope format.
package utmnet

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// TimeoutTag is the payload carried by the sentinel frame returned when a
// TCP peer refuses the connection.
const TimeoutTag = "TIMEOUT"

// Frame is a decoded envelope: the message id and the still-serialized
// payload. Deserializing the payload is left to the receiver.
type Frame struct {
	// ID is the message identifier. Treat it as opaque.
	ID uint32
	// Payload holds the serialized payload value.
	Payload msgpack.RawMessage

	unreachable bool
}

// Decode deserializes the payload into v.
func (f *Frame) Decode(v any) error {
	if err := msgpack.Unmarshal(f.Payload, v); err != nil {
		return errors.Wrapf(ErrSerialization, "decode payload of %s: %v", FormatID(f.ID), err)
	}
	return nil
}

// IsTimeout reports whether f is the sentinel returned by TCPTransport.Send
// when the peer was unreachable.
func (f *Frame) IsTimeout() bool {
	return f.unreachable
}

// String implements fmt.Stringer.
func (f *Frame) String() string {
	return fmt.Sprintf("frame(%s, %d bytes)", FormatID(f.ID), len(f.Payload))
}

// timeoutFrame builds the sentinel response for an unreachable peer.
func timeoutFrame() *Frame {
	payload, _ := msgpack.Marshal([]string{TimeoutTag})
	return &Frame{Payload: payload, unreachable: true}
}

// FormatID renders id as the hex tag carried on the wire.
func FormatID(id uint32) string {
	return "0x" + strconv.FormatUint(uint64(id), 16)
}

// ParseID parses a hex tag produced by FormatID.
func ParseID(tag string) (uint32, error) {
	digits := strings.TrimPrefix(strings.ToLower(tag), "0x")
	id, err := strconv.ParseUint(digits, 16, 32)
	if err != nil {
		return 0, errors.Wrapf(ErrSerialization, "invalid message tag %q", tag)
	}
	return uint32(id), nil
}

// Codec is the interface for frame encoding and decoding.
//
// Decode reads from an io.Reader so that a stream codec can consume exactly
// the bytes of one frame, which takes care of TCP segmentation.
type Codec interface {
	// Encode serializes id and payload into one length-prefixed frame.
	Encode(id uint32, payload any) ([]byte, error)
	// Decode reads exactly one frame from r.
	Decode(r io.Reader) (*Frame, error)
}
