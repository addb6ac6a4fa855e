// Package netem emulates the radio link between aircraft and ground
// stations: random datagram loss and packet capture.
package netem

import (
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
)

// LossyPacketConn wraps a net.PacketConn and silently drops outgoing
// datagrams with a fixed probability, as an unreliable radio link would.
type LossyPacketConn struct {
	net.PacketConn

	loss float64

	mu  sync.Mutex
	rnd *rand.Rand

	dropped atomic.Uint64
}

var _ net.PacketConn = (*LossyPacketConn)(nil)

// NewLossyPacketConn returns a conn dropping a fraction loss (0 to 1) of
// the datagrams written to it. rnd may be nil.
func NewLossyPacketConn(pc net.PacketConn, loss float64, rnd *rand.Rand) *LossyPacketConn {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &LossyPacketConn{PacketConn: pc, loss: min(max(loss, 0), 1), rnd: rnd}
}

// WriteTo implements net.PacketConn. A dropped datagram is reported as
// written.
func (c *LossyPacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if c.drop() {
		c.dropped.Add(1)
		return len(b), nil
	}
	return c.PacketConn.WriteTo(b, addr)
}

// Dropped returns the number of datagrams dropped so far.
func (c *LossyPacketConn) Dropped() uint64 {
	return c.dropped.Load()
}

func (c *LossyPacketConn) drop() bool {
	if c.loss <= 0 {
		return false
	}
	if c.loss >= 1 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rnd.Float64() < c.loss
}
