package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks transfer statistics using lock-free atomic counters.
// Counters live for the process lifetime and are only ever incremented;
// it is safe to call every method from any number of goroutines.
type Collector struct {
	bytesTransferred  atomic.Int64
	transfers         atomic.Int64
	zeroCopyTransfers atomic.Int64
	fallbackTransfers atomic.Int64
	transferErrors    atomic.Int64
	stalls            atomic.Int64
	startTime         time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// RecordTransfer records one finished transfer execution.
func (c *Collector) RecordTransfer(bytes int64, zeroCopy bool) {
	c.bytesTransferred.Add(bytes)
	c.transfers.Add(1)
	if zeroCopy {
		c.zeroCopyTransfers.Add(1)
	} else {
		c.fallbackTransfers.Add(1)
	}
}

// RecordError counts a transfer that surfaced an error.
func (c *Collector) RecordError() { c.transferErrors.Add(1) }

// RecordStall counts a transfer terminated by an exhausted idle-retry budget.
func (c *Collector) RecordStall() { c.stalls.Add(1) }

// Snapshot is a point-in-time read of all counters. Fields are read
// individually, so the view is best-effort consistent: no increment is
// ever lost, but concurrent writers may land between field reads.
type Snapshot struct {
	BytesTransferred   int64
	Transfers          int64
	ZeroCopyTransfers  int64
	FallbackTransfers  int64
	TransferErrors     int64
	Stalls             int64
	ZeroCopyPercentage float64
	Elapsed            time.Duration
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		BytesTransferred:  c.bytesTransferred.Load(),
		Transfers:         c.transfers.Load(),
		ZeroCopyTransfers: c.zeroCopyTransfers.Load(),
		FallbackTransfers: c.fallbackTransfers.Load(),
		TransferErrors:    c.transferErrors.Load(),
		Stalls:            c.stalls.Load(),
		Elapsed:           c.Elapsed(),
	}
	if s.Transfers > 0 {
		s.ZeroCopyPercentage = float64(s.ZeroCopyTransfers) / float64(s.Transfers) * 100
	}
	return s
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"transfers=%d zero_copy=%d fallback=%d errors=%d stalls=%d bytes=%d zero_copy_pct=%.1f",
		s.Transfers, s.ZeroCopyTransfers, s.FallbackTransfers,
		s.TransferErrors, s.Stalls, s.BytesTransferred, s.ZeroCopyPercentage,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
