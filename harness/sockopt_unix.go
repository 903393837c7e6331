//go:build unix

package harness

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferSize is requested for both directions, the kernel caps it at its own maximum.
const socketBufferSize = 1 << 20

// controlSocket enlarges the socket buffers, a run keeps hundreds of sockets busy at once.
func controlSocket(_, _ string, c syscall.RawConn) error {
	var serr error
	if err := c.Control(func(fd uintptr) {
		serr = errors.Join(
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize),
			unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize),
		)
	}); err != nil {
		return err
	}
	return serr
}
