package xfer

// Profile is an immutable record of what the zero-copy fast path is
// permitted to do in the current environment. It is constructed once, at
// startup or in a test, and injected into the engine; the engine never
// consults global state.
type Profile struct {
	// ZeroCopy reports whether the platform supports moving bytes from a
	// file to a socket without passing through user memory.
	ZeroCopy bool
	// Tag identifies the platform for logs ("linux", "darwin", ...).
	Tag string
}

// AllowsZeroCopy reports whether req may take the zero-copy path. Pure
// function of the profile and the request: encryption and digest
// requests both need the bytes in user memory, so they disqualify the
// fast path regardless of platform support.
func (p Profile) AllowsZeroCopy(req Request) bool {
	if req.RequiresEncryption || req.WantDigest {
		return false
	}
	return p.ZeroCopy
}
