//go:build windows

package webgpu

import (
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
)

// commandBatch accumulates finished command buffers and submits them together. Every queued
// command gets a sequence number; WebGPU executes submissions in order, so once a fence submitted
// after command n completes, every command up to n has completed.
type commandBatch struct {
	mu        sync.Mutex
	cmds      []*wgpu.CommandBuffer
	submitted uint64
	maxSize   int // flush threshold, 0 for none
}

// add queues cmd and returns its sequence number. onEnqueue, if not nil, runs under the batch lock
// once the number is assigned, so no concurrent flush can report the command complete first.
func (b *commandBatch) add(queue *wgpu.Queue, cmd *wgpu.CommandBuffer, onEnqueue func(seq uint64)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted++
	seq := b.submitted
	if onEnqueue != nil {
		onEnqueue(seq)
	}
	b.cmds = append(b.cmds, cmd)
	if b.maxSize > 0 && len(b.cmds) >= b.maxSize {
		b.flushLocked(queue)
	}
	return seq
}

// last returns the sequence number of the most recently queued command.
func (b *commandBatch) last() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitted
}

// flush submits every queued command and returns the sequence number of the last one.
func (b *commandBatch) flush(queue *wgpu.Queue) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked(queue)
	return b.submitted
}

func (b *commandBatch) flushLocked(queue *wgpu.Queue) {
	if len(b.cmds) == 0 {
		return
	}
	queue.Submit(b.cmds...)
	for _, cmd := range b.cmds {
		cmd.Release()
	}
	clear(b.cmds)
	b.cmds = b.cmds[:0]
}
