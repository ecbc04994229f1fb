package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetect(t *testing.T) {
	p := Detect()
	assert.Equal(t, runtime.GOOS, p.Tag)
	if runtime.GOOS == "linux" {
		// Every kernel this project targets has sendfile(2).
		assert.True(t, p.ZeroCopy)
	} else {
		assert.False(t, p.ZeroCopy)
	}
}

func TestDetectIsStable(t *testing.T) {
	assert.Equal(t, Detect(), Detect())
}
