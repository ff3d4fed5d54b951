// Package multicast implements the per-subgroup delivery pipeline: it
// ingests messages from the bulk and small-message transports, tracks
// receipt/stability/persistence counters in the Shared Status Table, and
// issues in-order delivery and persistence callbacks (§4.4).
package multicast

import (
	"sync"

	"github.com/dsrocha/derecho/pkg/derecho/types"
)

// buffer is a single message-sized slot cycled through the fixed pool:
// free -> in-flight -> locally-stable -> delivered -> persisted -> free.
type buffer struct {
	message types.Message
}

// pool is a fixed-size free list sized window_size*shard_size per
// subgroup (§9): allocation and release are O(1) and never touch the
// heap in the hot path once warmed up.
type pool struct {
	mu   sync.Mutex
	free []*buffer
}

func newPool(capacity int) *pool {
	free := make([]*buffer, 0, capacity)
	for i := 0; i < capacity; i++ {
		free = append(free, &buffer{})
	}
	return &pool{free: free}
}

func (p *pool) get() *buffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		// The pool is sized to window_size*shard_size; running out means
		// flow control has a bug, not that more memory helps, but we
		// still degrade gracefully instead of panicking mid-send.
		return &buffer{}
	}
	n := len(p.free) - 1
	b := p.free[n]
	p.free = p.free[:n]
	return b
}

func (p *pool) put(b *buffer) {
	b.message = types.Message{}
	p.mu.Lock()
	p.free = append(p.free, b)
	p.mu.Unlock()
}
