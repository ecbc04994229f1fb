//go:build !linux

package xfer

import "syscall"

// sendfileChunk always reports rejection on platforms without a
// file-to-socket primitive; the engine retries on the buffered path.
// Profiles built by platform.Detect never allow zero-copy here, so this
// only runs when a profile is forced by hand.
func sendfileChunk(_, _ syscall.RawConn, _ *int64, _ int64, _ int) (int64, error) {
	return 0, errZeroCopyRejected
}
