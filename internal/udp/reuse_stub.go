//go:build !linux

package udp

import "syscall"

func reuseAddrControl(network, address string, c syscall.RawConn) error {
	return nil
}
