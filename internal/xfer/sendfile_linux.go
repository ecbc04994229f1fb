//go:build linux

package xfer

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendfileChunk moves up to max bytes from src to dst via sendfile(2),
// starting at *offset and advancing it by the bytes moved. When the
// socket send buffer is full the goroutine parks on the runtime poller
// until dst is writable again; idleBudget bounds how many such waits may
// pass in a row without forward progress.
func sendfileChunk(dst, src syscall.RawConn, offset *int64, max int64, idleBudget int) (int64, error) {
	var srcFd int
	if err := src.Control(func(fd uintptr) { srcFd = int(fd) }); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var (
		written int64
		serr    error
		idle    int
	)
	werr := dst.Write(func(fd uintptr) bool {
		for written < max {
			n, err := unix.Sendfile(int(fd), srcFd, offset, int(max-written))
			if n > 0 {
				written += int64(n)
				idle = 0
				continue
			}
			switch err {
			case nil:
				// Zero bytes with no error: the source is exhausted.
				return true
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				idle++
				if idle > idleBudget {
					serr = fmt.Errorf("%w: destination unwritable after %d waits", ErrStalledTransfer, idle)
					return true
				}
				// Park until the destination is writable again.
				return false
			default:
				serr = mapSendfileErr(err)
				return true
			}
		}
		return true
	})
	if serr != nil {
		return written, serr
	}
	if werr != nil {
		return written, mapSendfileErr(werr)
	}
	return written, nil
}

func mapSendfileErr(err error) error {
	switch {
	case errors.Is(err, unix.ENOSYS), errors.Is(err, unix.EINVAL),
		errors.Is(err, unix.ENOTSUP), errors.Is(err, unix.EOPNOTSUPP):
		return fmt.Errorf("%w: %v", errZeroCopyRejected, err)
	case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET),
		errors.Is(err, unix.ENOTCONN), errors.Is(err, unix.ESHUTDOWN),
		errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", ErrDestinationClosed, err)
	default:
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
}
