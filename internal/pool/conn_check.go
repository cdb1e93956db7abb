//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd || solaris || illumos

package pool

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"
	"unsafe"
)

var errUnexpectedRead = errors.New("unexpected read from socket")

// connCheck reports whether the peer has closed the connection. It peeks at
// the socket with MSG_PEEK so any buffered byte stays available to the
// caller. A nil error means the connection still looks open.
func connCheck(conn net.Conn) error {
	// Reset previous timeout.
	_ = conn.SetDeadline(time.Time{})

	sysConn, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	rawConn, err := sysConn.SyscallConn()
	if err != nil {
		return err
	}

	var sysErr error

	if err := rawConn.Read(func(fd uintptr) bool {
		var buf [1]byte
		n, _, errno := syscall.Syscall6(
			syscall.SYS_RECVFROM,
			fd,
			uintptr(unsafe.Pointer(&buf[0])),
			1,
			syscall.MSG_PEEK,
			0, 0,
		)

		switch {
		case n == 0 && errno == 0:
			sysErr = io.EOF
		case n > 0:
			sysErr = errUnexpectedRead
		case errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK:
			sysErr = nil
		default:
			sysErr = errno
		}
		return true
	}); err != nil {
		return err
	}

	return sysErr
}
