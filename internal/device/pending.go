package device

import (
	"sync"
)

// PendingCopy is an upload whose host staging memory must stay alive until the device confirms
// the transfer. Seq is the queue sequence number of the transfer.
type PendingCopy struct {
	Seq     uint64
	Size    int
	release func()
}

// PendingCopies is the table of in-flight uploads of one device.
//
// Entries are retired by completion token rather than cleared wholesale, so an upload enqueued
// concurrently with a Synchronize is never dropped before its own transfer finishes.
type PendingCopies struct {
	mu      sync.Mutex
	entries []PendingCopy
}

// Add registers an upload. release, if not nil, runs when the entry is retired.
func (p *PendingCopies) Add(seq uint64, size int, release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, PendingCopy{Seq: seq, Size: size, release: release})
}

// Retire drops every entry with Seq <= completed and returns how many were dropped.
// Release callbacks run after the table lock is released.
func (p *PendingCopies) Retire(completed uint64) int {
	p.mu.Lock()
	var done []PendingCopy
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.Seq <= completed {
			done = append(done, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	p.mu.Unlock()

	for _, e := range done {
		if e.release != nil {
			e.release()
		}
	}
	return len(done)
}

// Len returns the number of in-flight uploads.
func (p *PendingCopies) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Bytes returns the staging memory held by in-flight uploads.
func (p *PendingCopies) Bytes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		n += e.Size
	}
	return n
}
