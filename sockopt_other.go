//go:build !unix

package utmnet

import "syscall"

func controlSocket(network, address string, c syscall.RawConn) error {
	return nil
}
