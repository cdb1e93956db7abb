//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd && !solaris && !illumos

package pool

import "net"

// Peeking at the socket is not portable; assume the connection is open and
// let the next read or write discover otherwise.
func connCheck(conn net.Conn) error {
	return nil
}
