package utmnet

import (
	"net"
	"time"
)

// Default transport settings.
const (
	// DefaultUDPPort is the aircraft-to-ground beacon channel.
	DefaultUDPPort = 44444
	// DefaultTCPPort is the server-to-server control channel.
	DefaultTCPPort = 55555
	// defaultSendTimeout bounds a full TCP request/response round trip.
	defaultSendTimeout = 4 * time.Second
	// maxDatagramSize is the receive buffer size for UDP.
	maxDatagramSize = 64 * 1024
)

// options holds the configuration shared by both transports.
type options struct {
	codec  Codec
	logger Logger

	maxFrameSize    int           // maximum size of a single frame body
	sendTimeout     time.Duration // TCP round trip timeout
	readTimeout     time.Duration // TCP request read timeout, 0 means none
	shutdownTimeout time.Duration // grace period for in-flight TCP handlers
	maxConnections  int64         // concurrent TCP handlers, 0 means unbounded

	wrapPacketConn func(net.PacketConn) net.PacketConn
}

// Option is a function that configures transport options.
type Option func(*options)

// checkOptions fills in defaults.
func checkOptions(opts *options) {
	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.codec == nil {
		opts.codec = &FrameCodec{MaxFrameSize: opts.maxFrameSize}
	}

	if opts.sendTimeout <= 0 {
		opts.sendTimeout = defaultSendTimeout
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// CodecOption returns an Option that replaces the frame codec.
func CodecOption(codec Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

// MaxFrameSizeOption returns an Option that sets the maximum frame body size
// accepted by the default codec.
func MaxFrameSizeOption(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// SendTimeoutOption returns an Option that bounds a TCP request/response
// round trip. The default is 4 seconds.
func SendTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.sendTimeout = timeout
	}
}

// ReadTimeoutOption returns an Option that bounds how long an accepted TCP
// connection may take to deliver its request. By default there is none.
func ReadTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.readTimeout = timeout
	}
}

// ShutdownTimeoutOption sets how long Stop lets in-flight TCP handlers run
// before their connections are closed. Default is 0: handlers always finish
// their exchange.
func ShutdownTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = timeout
	}
}

// MaxConnectionsOption caps the number of TCP connections handled
// concurrently. When the cap is reached the accept loop waits for a slot.
// Zero means unbounded.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = int64(n)
	}
}

// PacketConnOption wraps the UDP socket after it is bound, e.g. to emulate
// a lossy radio link or to capture traffic.
func PacketConnOption(wrap func(net.PacketConn) net.PacketConn) Option {
	return func(o *options) {
		o.wrapPacketConn = wrap
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
