package xfer

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"github.com/zeebo/blake3"

	"github.com/chute-io/chute/internal/stats"
)

const (
	// defaultChunkCap bounds a single zero-copy call. sendfile(2) takes a
	// signed 32-bit count, so stay well under that ceiling.
	defaultChunkCap = 1 << 30

	// DefaultIdleRetryBudget is the number of consecutive writability
	// waits tolerated without forward progress before a transfer is
	// declared stalled.
	DefaultIdleRetryBudget = 8
)

// errZeroCopyRejected signals that the kernel refused the fast path
// (ENOSYS, EINVAL, ...). The engine resumes the request on the buffered
// path from wherever the fast path stopped, so the sentinel never
// reaches callers.
var errZeroCopyRejected = errors.New("zero-copy rejected by kernel")

// sendfileFunc moves up to max bytes from src to dst starting at
// *offset, advancing *offset by the bytes moved. Swappable for tests.
type sendfileFunc func(dst, src syscall.RawConn, offset *int64, max int64, idleBudget int) (int64, error)

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Profile Profile
	// Stats receives per-transfer counters. A private collector is
	// created when nil.
	Stats *stats.Collector
	// BufferSize is the fallback buffer size (default 64 KiB).
	BufferSize int
	// ChunkCap bounds a single zero-copy call (default 1 GiB).
	ChunkCap int64
	// IdleRetryBudget bounds consecutive no-progress writability waits.
	IdleRetryBudget int
	// MinZeroCopySize routes requests below the threshold to the
	// buffered path, where setup cost would dominate. 0 disables.
	MinZeroCopySize int64
}

// Engine executes transfers. It is stateless across calls apart from the
// shared metrics collector and the fallback buffer pool, both safe for
// concurrent use; a single Engine serves any number of goroutines.
type Engine struct {
	profile     Profile
	stats       *stats.Collector
	fallback    *FallbackCopier
	chunkCap    int64
	idleBudget  int
	minZeroCopy int64

	// sendfile performs one bounded zero-copy chunk move. Overridden in
	// tests to exercise the loop without a real socket.
	sendfile sendfileFunc
}

// NewEngine creates an engine with the given options.
func NewEngine(opts Options) *Engine {
	if opts.Stats == nil {
		opts.Stats = stats.NewCollector()
	}
	if opts.ChunkCap <= 0 || opts.ChunkCap > defaultChunkCap {
		opts.ChunkCap = defaultChunkCap
	}
	if opts.IdleRetryBudget <= 0 {
		opts.IdleRetryBudget = DefaultIdleRetryBudget
	}
	return &Engine{
		profile:     opts.Profile,
		stats:       opts.Stats,
		fallback:    NewFallbackCopier(opts.BufferSize),
		chunkCap:    opts.ChunkCap,
		idleBudget:  opts.IdleRetryBudget,
		minZeroCopy: opts.MinZeroCopySize,
		sendfile:    sendfileChunk,
	}
}

// Metrics returns the engine's collector.
func (e *Engine) Metrics() *stats.Collector { return e.stats }

// Profile returns the capability profile the engine was built with.
func (e *Engine) Profile() Profile { return e.profile }

// Transfer moves the requested range from the source to the destination
// and reports the outcome. There is no internal timeout or cancellation:
// the caller cancels by closing a handle, which the next I/O attempt
// observes as an error.
func (e *Engine) Transfer(req Request) Result {
	size, err := req.Source.Size()
	if err != nil {
		return e.record(Result{Err: fmt.Errorf("%w: %v", ErrSourceUnavailable, err)})
	}
	if req.Offset < 0 || req.Length < 0 || req.Offset > size || (req.Length != 0 && req.Offset+req.Length > size) {
		return e.record(Result{Err: fmt.Errorf(
			"%w: offset=%d length=%d size=%d", ErrUnsupportedRequest, req.Offset, req.Length, size)})
	}

	length := req.Length
	if length == 0 {
		length = size - req.Offset
	}
	if length == 0 {
		return e.record(Result{Completed: true})
	}

	var res Result
	if e.useZeroCopy(req, length) {
		res = e.zeroCopy(req, length)
		if errors.Is(res.Err, errZeroCopyRejected) {
			// Resume where the fast path stopped; a rejection is not
			// data loss, just a refusal to move the rest this way.
			head := res.BytesTransferred
			rest := e.buffered(req, req.Offset+head, length-head)
			res = Result{
				BytesTransferred: head + rest.BytesTransferred,
				UsedZeroCopy:     head > 0,
				Err:              rest.Err,
			}
		}
	} else {
		res = e.buffered(req, req.Offset, length)
	}
	res.Completed = res.BytesTransferred == length && res.Err == nil
	return e.record(res)
}

// WouldZeroCopy reports the strategy Transfer would pick for req.
// Callers use it to decide how to frame the surrounding stream before
// handing the destination to the engine.
func (e *Engine) WouldZeroCopy(req Request) bool {
	size, err := req.Source.Size()
	if err != nil {
		return false
	}
	length := req.Length
	if length == 0 {
		length = size - req.Offset
	}
	return e.useZeroCopy(req, length)
}

// useZeroCopy decides the strategy for one request. Both handles must
// expose raw descriptors on top of the profile and size checks.
func (e *Engine) useZeroCopy(req Request, length int64) bool {
	if !e.profile.AllowsZeroCopy(req) {
		return false
	}
	if length < e.minZeroCopy {
		return false
	}
	if _, ok := req.Source.(syscall.Conn); !ok {
		return false
	}
	_, ok := req.Destination.(syscall.Conn)
	return ok
}

func (e *Engine) zeroCopy(req Request, length int64) Result {
	srcRC, err := req.Source.(syscall.Conn).SyscallConn()
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrSourceUnavailable, err)}
	}
	dstRC, err := req.Destination.(syscall.Conn).SyscallConn()
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", ErrDestinationClosed, err)}
	}

	var transferred int64
	offset := req.Offset
	for transferred < length {
		chunk := length - transferred
		if chunk > e.chunkCap {
			chunk = e.chunkCap
		}
		n, err := e.sendfile(dstRC, srcRC, &offset, chunk, e.idleBudget)
		transferred += n
		if err != nil {
			return Result{BytesTransferred: transferred, UsedZeroCopy: true, Err: err}
		}
		if n == 0 {
			// Source ended before the requested length.
			break
		}
	}
	return Result{BytesTransferred: transferred, UsedZeroCopy: true}
}

func (e *Engine) buffered(req Request, offset, length int64) Result {
	var hasher *blake3.Hasher
	var tee io.Writer
	if req.WantDigest {
		hasher = blake3.New()
		tee = hasher
	}
	n, err := e.fallback.Copy(req.Destination, req.Source, offset, length, tee)
	res := Result{BytesTransferred: n, Err: err}
	if hasher != nil && err == nil {
		res.Digest = hasher.Sum(nil)
	}
	return res
}

func (e *Engine) record(res Result) Result {
	e.stats.RecordTransfer(res.BytesTransferred, res.UsedZeroCopy)
	if res.Err != nil {
		e.stats.RecordError()
		if errors.Is(res.Err, ErrStalledTransfer) {
			e.stats.RecordStall()
		}
	}
	return res
}
