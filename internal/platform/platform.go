// Package platform probes what the operating system permits, so the
// capability profile can be constructed explicitly at startup instead of
// being re-discovered mid-transfer.
package platform

import (
	"runtime"

	"github.com/chute-io/chute/internal/xfer"
)

// Detect probes the running platform once and returns the capability
// profile to inject into the transfer engine.
func Detect() xfer.Profile {
	return xfer.Profile{
		ZeroCopy: supportsSendfile(),
		Tag:      runtime.GOOS,
	}
}
