package netem

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// DefaultSnapLen is the number of bytes captured per packet.
const DefaultSnapLen = 65535

// captureBuffer is the number of packets queued for the writer goroutine.
const captureBuffer = 4096

// snapshot is a packet waiting to be written.
type snapshot struct {
	when   time.Time
	data   []byte
	length int
}

// Capture writes datagrams to a pcap stream as raw IPv4/UDP packets. Dump
// never blocks: packets are queued for a background writer and dropped
// when the queue is full.
type Capture struct {
	cancel  context.CancelFunc
	dropped atomic.Uint64
	errch   chan error
	snaps   chan snapshot
	once    sync.Once
	snapLen uint16
	wc      io.WriteCloser
}

// NewCapture starts writing a pcap stream to wc.
func NewCapture(wc io.WriteCloser, snapLen uint16) *Capture {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Capture{
		cancel:  cancel,
		errch:   make(chan error, 1),
		snaps:   make(chan snapshot, captureBuffer),
		snapLen: snapLen,
		wc:      wc,
	}
	go c.saveLoop(ctx)
	return c
}

// Dump records a datagram of payload sent from src to dst. Addresses that
// are not IPv4 UDP addresses are recorded as 0.0.0.0:0.
func (c *Capture) Dump(src, dst net.Addr, payload []byte) {
	packet, err := udpPacket(src, dst, payload)
	if err != nil {
		c.dropped.Add(1)
		return
	}

	snap := make([]byte, min(len(packet), int(c.snapLen)))
	copy(snap, packet)
	select {
	case c.snaps <- snapshot{when: time.Now(), data: snap, length: len(packet)}:
	default:
		c.dropped.Add(1)
	}
}

// Dropped returns the number of packets that could not be queued.
func (c *Capture) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *Capture) saveLoop(ctx context.Context) {
	w := pcapgo.NewWriter(c.wc)
	if err := w.WriteFileHeader(uint32(c.snapLen), layers.LinkTypeRaw); err != nil {
		c.errch <- err
		return
	}

	for {
		select {
		case <-ctx.Done():
			// drain what is already queued
			for {
				select {
				case snap := <-c.snaps:
					if err := c.save(w, snap); err != nil {
						c.errch <- err
						return
					}
				default:
					c.errch <- nil
					return
				}
			}

		case snap := <-c.snaps:
			if err := c.save(w, snap); err != nil {
				c.errch <- err
				return
			}
		}
	}
}

func (c *Capture) save(w *pcapgo.Writer, snap snapshot) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     snap.when,
		CaptureLength: len(snap.data),
		Length:        snap.length,
	}
	return w.WritePacket(ci, snap.data)
}

// Close stops the writer goroutine, waits for it and closes the stream.
func (c *Capture) Close() (err error) {
	c.once.Do(func() {
		c.cancel()
		err1 := <-c.errch
		err2 := c.wc.Close()
		err = errors.Join(err1, err2)
	})
	return
}

// udpPacket serializes payload into an IPv4/UDP packet.
func udpPacket(src, dst net.Addr, payload []byte) ([]byte, error) {
	srcIP, srcPort := udpEndpoint(src)
	dstIP, dstPort := udpEndpoint(dst)

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func udpEndpoint(addr net.Addr) (net.IP, int) {
	if ua, ok := addr.(*net.UDPAddr); ok {
		if ip4 := ua.IP.To4(); ip4 != nil {
			return ip4, ua.Port
		}
	}
	return net.IPv4zero.To4(), 0
}

// CapturingPacketConn wraps a net.PacketConn and dumps every datagram read
// from or written to it.
type CapturingPacketConn struct {
	net.PacketConn
	capture *Capture
}

var _ net.PacketConn = (*CapturingPacketConn)(nil)

// NewCapturingPacketConn wraps pc, dumping its traffic to capture.
func NewCapturingPacketConn(pc net.PacketConn, capture *Capture) *CapturingPacketConn {
	return &CapturingPacketConn{PacketConn: pc, capture: capture}
}

// ReadFrom implements net.PacketConn.
func (c *CapturingPacketConn) ReadFrom(b []byte) (int, net.Addr, error) {
	n, addr, err := c.PacketConn.ReadFrom(b)
	if err == nil {
		c.capture.Dump(addr, c.LocalAddr(), b[:n])
	}
	return n, addr, err
}

// WriteTo implements net.PacketConn.
func (c *CapturingPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	n, err := c.PacketConn.WriteTo(b, addr)
	if err == nil {
		c.capture.Dump(c.LocalAddr(), addr, b[:n])
	}
	return n, err
}
