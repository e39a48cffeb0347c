// Package netutil holds helpers shared by both ends of the worker socket.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedClose reports whether err is the normal result of the other side
// going away: EOF, a closed connection, a broken pipe or a reset.
func IsExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}
