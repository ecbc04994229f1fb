package xfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllowsZeroCopy(t *testing.T) {
	tests := []struct {
		name    string
		profile Profile
		req     Request
		want    bool
	}{
		{"supported, plain request", Profile{ZeroCopy: true}, Request{}, true},
		{"unsupported platform", Profile{ZeroCopy: false}, Request{}, false},
		{"encryption always disqualifies", Profile{ZeroCopy: true}, Request{RequiresEncryption: true}, false},
		{"encryption on unsupported platform", Profile{ZeroCopy: false}, Request{RequiresEncryption: true}, false},
		{"digest disqualifies", Profile{ZeroCopy: true}, Request{WantDigest: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.AllowsZeroCopy(tt.req))
		})
	}
}
