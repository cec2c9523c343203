//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package punch

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reuseControl lets the punch socket share its port with a socket bound
// earlier to the same address, so a restarted attempt keeps its NAT mapping.
func reuseControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if opErr == nil {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
