package device

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
)

// MemoryStats describes device memory usage.
type MemoryStats struct {
	// AllocatedBytes is the memory currently held by live buffers.
	AllocatedBytes uint64

	// TotalAllocatedBytes is the cumulative memory allocated since the device opened.
	TotalAllocatedBytes uint64

	// PeakMemoryBytes is the highest AllocatedBytes observed.
	PeakMemoryBytes uint64

	// ActiveBuffers is the number of live buffers.
	ActiveBuffers int64

	// PendingCopies is the number of uploads not yet confirmed complete.
	PendingCopies int

	// Programs is the number of cached compiled programs.
	Programs int
}

func (s MemoryStats) String() string {
	return fmt.Sprintf("%d buffers, %s allocated (peak %s, total %s), %d pending copies, %d programs",
		s.ActiveBuffers, humanize.IBytes(s.AllocatedBytes), humanize.IBytes(s.PeakMemoryBytes),
		humanize.IBytes(s.TotalAllocatedBytes), s.PendingCopies, s.Programs)
}

// MemoryTracker accumulates MemoryStats for a backend.
type MemoryTracker struct {
	mu    sync.RWMutex
	stats MemoryStats
}

// TrackAlloc records a buffer allocation of size bytes.
func (t *MemoryTracker) TrackAlloc(size int) {
	t.TryAlloc(size, 0)
}

// TryAlloc records an allocation of size bytes unless it would raise AllocatedBytes above limit.
// A zero limit means unlimited.
func (t *MemoryTracker) TryAlloc(size int, limit uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	//nolint:gosec // G115: sizes are validated non-negative by Alloc.
	n := uint64(size)
	if limit > 0 && t.stats.AllocatedBytes+n > limit {
		return false
	}
	t.stats.AllocatedBytes += n
	t.stats.TotalAllocatedBytes += n
	t.stats.ActiveBuffers++
	if t.stats.AllocatedBytes > t.stats.PeakMemoryBytes {
		t.stats.PeakMemoryBytes = t.stats.AllocatedBytes
	}
	return true
}

// TrackRelease records a buffer release of size bytes.
func (t *MemoryTracker) TrackRelease(size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	//nolint:gosec // G115: sizes are validated non-negative by Alloc.
	t.stats.AllocatedBytes -= uint64(size)
	t.stats.ActiveBuffers--
}

// Stats returns a snapshot of the buffer counters.
func (t *MemoryTracker) Stats() MemoryStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}
