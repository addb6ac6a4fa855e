//go:build unix

package utmnet

import (
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// controlSocket sets SO_REUSEADDR so a restarted server can rebind its port
// while old connections linger in TIME_WAIT. Datagram sockets also get
// SO_BROADCAST so beacons can target a subnet broadcast address.
func controlSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr == nil && strings.HasPrefix(network, "udp") {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
		}
	})
	if err != nil {
		return err
	}
	return sockErr
}
