//go:build linux

package platform

import "golang.org/x/sys/unix"

// supportsSendfile issues a throwaway sendfile(2) on invalid descriptors.
// Any result other than ENOSYS means the syscall exists; the EBADF the
// kernel returns for the bogus descriptors is expected.
func supportsSendfile() bool {
	_, err := unix.Sendfile(-1, -1, nil, 0)
	return err != unix.ENOSYS
}
