package utmnet

import (
	"bytes"
	"net"
	"testing"
	"time"
)

func TestNewOptions_Defaults(t *testing.T) {
	opts := newOptions()

	if opts.maxFrameSize != defaultMaxFrameSize {
		t.Errorf("maxFrameSize = %d, want %d", opts.maxFrameSize, defaultMaxFrameSize)
	}
	if opts.sendTimeout != 4*time.Second {
		t.Errorf("sendTimeout = %v, want 4s", opts.sendTimeout)
	}
	if opts.readTimeout != 0 || opts.shutdownTimeout != 0 || opts.maxConnections != 0 {
		t.Errorf("unexpected non-zero defaults: %+v", opts)
	}
	if opts.codec == nil {
		t.Error("codec is nil")
	}
	if opts.logger == nil {
		t.Error("logger is nil")
	}
}

func TestMaxFrameSizeOption(t *testing.T) {
	opts := newOptions(MaxFrameSizeOption(16))

	codec, ok := opts.codec.(*FrameCodec)
	if !ok {
		t.Fatalf("codec = %T, want *FrameCodec", opts.codec)
	}
	if codec.MaxFrameSize != 16 {
		t.Errorf("MaxFrameSize = %d, want 16", codec.MaxFrameSize)
	}
}

// countingCodec counts Encode calls.
type countingCodec struct {
	FrameCodec
	encoded int
}

func (c *countingCodec) Encode(id uint32, payload any) ([]byte, error) {
	c.encoded++
	return c.FrameCodec.Encode(id, payload)
}

func TestCodecOption(t *testing.T) {
	codec := &countingCodec{}
	opts := newOptions(CodecOption(codec))

	if opts.codec != codec {
		t.Fatal("codec not set correctly")
	}

	data, err := opts.codec.Encode(3, "x")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if codec.encoded != 1 {
		t.Errorf("encoded = %d, want 1", codec.encoded)
	}
	if _, err := opts.codec.Decode(bytes.NewReader(data)); err != nil {
		t.Errorf("Decode failed: %v", err)
	}
}

func TestTimeoutOptions(t *testing.T) {
	opts := newOptions(
		SendTimeoutOption(time.Second),
		ReadTimeoutOption(2*time.Second),
		ShutdownTimeoutOption(3*time.Second),
	)

	if opts.sendTimeout != time.Second {
		t.Errorf("sendTimeout = %v", opts.sendTimeout)
	}
	if opts.readTimeout != 2*time.Second {
		t.Errorf("readTimeout = %v", opts.readTimeout)
	}
	if opts.shutdownTimeout != 3*time.Second {
		t.Errorf("shutdownTimeout = %v", opts.shutdownTimeout)
	}
}

func TestMaxConnectionsOption(t *testing.T) {
	opts := newOptions(MaxConnectionsOption(8))

	if opts.maxConnections != 8 {
		t.Errorf("maxConnections = %d, want 8", opts.maxConnections)
	}
}

func TestPacketConnOption(t *testing.T) {
	var called bool
	opts := newOptions(PacketConnOption(func(pc net.PacketConn) net.PacketConn {
		called = true
		return pc
	}))

	if opts.wrapPacketConn == nil {
		t.Fatal("wrapPacketConn not set")
	}
	opts.wrapPacketConn(nil)
	if !called {
		t.Error("wrapper not called")
	}
}

func TestLoggerOption(t *testing.T) {
	logger := &mockLogger{}
	opts := newOptions(LoggerOption(logger))

	if opts.logger != logger {
		t.Error("logger not set correctly")
	}
}
