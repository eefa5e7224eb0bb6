package mediarec

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// genRetired marks a slot that reached the 16-bit generation ceiling and is
// permanently taken out of circulation instead of wrapping. Wrapping would
// let a stale token collide with a fresh allocation of the same slot.
const genRetired uint16 = 0xFFFF

type poolSlot struct {
	mem     []byte
	gen     uint16
	live    bool
	retired bool
}

// SharedBufferPool is an arena of reusable byte blocks shared between the
// producer side (raw frames in) and the consumer side (encoded chunks out).
// Every handed-out block carries a generation token; once the block is
// returned the token is invalidated, so a stale holder fails loud instead of
// reading re-issued memory.
//
// The pool enforces an optional cap on simultaneously-live bytes. Exhaustion
// is not an error: TryAlloc reports false and the caller retries, since
// availability depends on a consumer returning blocks.
type SharedBufferPool struct {
	mu          sync.Mutex
	limit       int64
	outstanding int64
	slots       []poolSlot
	free        map[int][]int
	closed      bool
}

// NewSharedBufferPool creates a pool capping simultaneously-live bytes at
// limitBytes. 0 means unbounded.
func NewSharedBufferPool(limitBytes int64) *SharedBufferPool {
	return &SharedBufferPool{
		limit: limitBytes,
		free:  make(map[int][]int),
	}
}

// TryAlloc reserves a block of exactly size bytes. It reports false, never an
// error, when the live-byte limit would be exceeded or the pool is closed.
// Blocks are recycled by exact size; recording workloads allocate a small set
// of uniform sizes, so size-class matching buys nothing here.
func (p *SharedBufferPool) TryAlloc(size int) (*SharedBuffer, bool) {
	if size <= 0 {
		return nil, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, false
	}
	if p.limit > 0 && p.outstanding+int64(size) > p.limit {
		return nil, false
	}

	var idx int
	if list := p.free[size]; len(list) > 0 {
		idx = list[len(list)-1]
		p.free[size] = list[:len(list)-1]
	} else {
		p.slots = append(p.slots, poolSlot{mem: make([]byte, size)})
		idx = len(p.slots) - 1
	}

	slot := &p.slots[idx]
	slot.live = true
	p.outstanding += int64(size)

	return &SharedBuffer{pool: p, index: idx, gen: slot.gen, size: size}, true
}

// allocRetry spins TryAlloc with a backoff, for contexts that expect a
// consumer to hand blocks back shortly.
func (p *SharedBufferPool) allocRetry(size, attempts int, backoff time.Duration) (*SharedBuffer, bool) {
	for i := 0; i < attempts; i++ {
		if buf, ok := p.TryAlloc(size); ok {
			return buf, true
		}
		time.Sleep(backoff)
	}
	return nil, false
}

// OutstandingBytes returns the number of bytes currently handed out.
func (p *SharedBufferPool) OutstandingBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outstanding
}

// Limit returns the configured live-byte cap, 0 for unbounded.
func (p *SharedBufferPool) Limit() int64 { return p.limit }

// Close releases the pool's free blocks and stops recycling. Blocks already
// handed out stay valid until their holders free them; those frees drop the
// memory instead of recycling it. Idempotent.
func (p *SharedBufferPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, list := range p.free {
		for _, idx := range list {
			p.slots[idx].mem = nil
			p.slots[idx].retired = true
		}
	}
	p.free = nil
	if p.outstanding > 0 {
		logrus.WithField("outstanding_bytes", p.outstanding).
			Warn("buffer pool closed with live buffers, holders must still free them")
	}
	return nil
}

// SharedBuffer is one pool block plus the generation token minted when it was
// handed out. All access revalidates the token, so use after Free (or after
// the slot was re-issued to someone else) surfaces as a disposed-kind error
// rather than a silent read of recycled memory.
type SharedBuffer struct {
	pool  *SharedBufferPool
	index int
	gen   uint16
	size  int
}

// Len returns the reserved size in bytes.
func (b *SharedBuffer) Len() int { return b.size }

// Bytes returns the backing memory, sized to the reservation. Fails with a
// disposed-kind error when the token is stale.
func (b *SharedBuffer) Bytes() ([]byte, error) {
	p := b.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &p.slots[b.index]
	if !slot.live || slot.gen != b.gen || slot.retired {
		return nil, errDisposedf("buffer.bytes", "stale buffer token (gen %d, slot gen %d)", b.gen, slot.gen)
	}
	return slot.mem[:b.size], nil
}

// Free returns the block to the pool and invalidates the token. Exactly once;
// a second Free, or a Free through a stale token, fails with a disposed-kind
// error. A slot whose generation counter saturates is retired for good.
func (b *SharedBuffer) Free() error {
	p := b.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	slot := &p.slots[b.index]
	if !slot.live || slot.gen != b.gen || slot.retired {
		return errDisposedf("buffer.free", "stale buffer token (gen %d, slot gen %d)", b.gen, slot.gen)
	}
	slot.live = false
	p.outstanding -= int64(b.size)

	slot.gen++
	if slot.gen == genRetired {
		slot.retired = true
		slot.mem = nil
		return nil
	}
	if p.closed {
		slot.retired = true
		slot.mem = nil
		return nil
	}
	p.free[b.size] = append(p.free[b.size], b.index)
	return nil
}
