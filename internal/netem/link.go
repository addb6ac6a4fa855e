package netem

import "net"

// Link describes the emulated radio link of a node.
type Link struct {
	// Loss is the fraction of outgoing datagrams dropped.
	Loss float64
	// Capture, when set, records the datagrams that make it onto the link.
	Capture *Capture
}

// Wrap returns pc with the link's impairments applied. Capture sits below
// loss so that dropped datagrams never appear in the trace.
func (l Link) Wrap(pc net.PacketConn) net.PacketConn {
	if l.Capture != nil {
		pc = NewCapturingPacketConn(pc, l.Capture)
	}
	if l.Loss > 0 {
		pc = NewLossyPacketConn(pc, l.Loss, nil)
	}
	return pc
}
