//go:build !linux

package platform

// sendfile-to-socket is only wired up on Linux. Darwin has sendfile(2)
// too, but with different semantics (headers/trailers, no offset
// advance); until that path exists the profile reports no support.
func supportsSendfile() bool { return false }
