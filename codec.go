package utmnet

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// lengthPrefixSize is the size of the big-endian length prefix.
	lengthPrefixSize = 4
	// defaultMaxFrameSize is the default maximum size of a frame body (1MB).
	defaultMaxFrameSize = 1024 * 1024
)

// wireEnvelope is the serialized (tag, payload) pair.
type wireEnvelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Tag     string
	Payload any
}

// rawEnvelope mirrors wireEnvelope on the decoding side and keeps the
// payload serialized.
type rawEnvelope struct {
	_msgpack struct{} `msgpack:",as_array"`

	Tag     string
	Payload msgpack.RawMessage
}

// FrameCodec is the default Codec. It serializes the envelope with msgpack
// and prefixes it with its 4-byte big-endian length.
type FrameCodec struct {
	// MaxFrameSize bounds the declared length of incoming frames.
	// Zero means 1MB.
	MaxFrameSize int
}

var _ Codec = (*FrameCodec)(nil)

// Encode implements Codec.
func (c *FrameCodec) Encode(id uint32, payload any) ([]byte, error) {
	body, err := msgpack.Marshal(&wireEnvelope{Tag: FormatID(id), Payload: payload})
	if err != nil {
		return nil, errors.Wrapf(ErrSerialization, "encode %s: %v", FormatID(id), err)
	}

	frame := make([]byte, lengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[lengthPrefixSize:], body)
	return frame, nil
}

// Decode implements Codec.
func (c *FrameCodec) Decode(r io.Reader) (*Frame, error) {
	var prefix [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, errors.WithMessage(ErrFraming, "connection closed before frame")
		}
		return nil, errors.WithMessagef(ErrFraming, "read length prefix: %v", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 || int64(length) > int64(c.maxFrameSize()) {
		return nil, errors.WithMessagef(ErrFraming, "invalid frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, errors.WithMessagef(ErrFraming, "short read of %d byte frame: %v", length, err)
	}

	return decodeEnvelope(body)
}

func (c *FrameCodec) maxFrameSize() int {
	if c.MaxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func decodeEnvelope(body []byte) (*Frame, error) {
	var env rawEnvelope
	if err := msgpack.Unmarshal(body, &env); err != nil {
		return nil, errors.WithMessagef(ErrFraming, "decode envelope: %v", err)
	}

	id, err := ParseID(env.Tag)
	if err != nil {
		return nil, err
	}

	return &Frame{ID: id, Payload: env.Payload}, nil
}

// decodeDatagram decodes a datagram that must hold exactly one frame.
func decodeDatagram(codec Codec, data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.WithMessage(ErrFraming, "empty datagram")
	}
	if len(data) >= lengthPrefixSize {
		declared := binary.BigEndian.Uint32(data)
		if int64(declared) != int64(len(data)-lengthPrefixSize) {
			return nil, errors.WithMessagef(ErrFraming,
				"datagram of %d bytes declares %d byte frame", len(data), declared)
		}
	}

	return codec.Decode(bytes.NewReader(data))
}

var defaultCodec = &FrameCodec{}

// Encode encodes id and payload with the default codec.
func Encode(id uint32, payload any) ([]byte, error) {
	return defaultCodec.Encode(id, payload)
}

// DecodeFrame reads one frame from r with the default codec.
func DecodeFrame(r io.Reader) (*Frame, error) {
	return defaultCodec.Decode(r)
}

// DecodeDatagram decodes a datagram holding exactly one frame with the
// default codec.
func DecodeDatagram(data []byte) (*Frame, error) {
	return decodeDatagram(defaultCodec, data)
}
