package mediarec

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// The completion table bridges single-shot backend callbacks, fired once per
// issued operation from an arbitrary thread, to the goroutine awaiting that
// operation. Slots are pooled through a free list and re-armed per use; the
// token handed to the backend packs (generation << 32 | slot index), and the
// generation advances on every acquire, so a late callback carrying an old
// token is detected and dropped instead of resolving someone else's wait.
//
// A slot only returns to the free list after its result has been consumed
// (or, for an abandoned wait, after the callback finally arrives), never
// eagerly, so a freshly acquired slot can never observe a predecessor's
// delivery.

const (
	slotFree uint8 = iota
	slotPending
	slotAbandoned
	slotResolved
)

const (
	shapeSignal uint8 = iota
	shapeChunk
)

type completionSlot struct {
	gen     uint32
	state   uint8
	shape   uint8
	pool    *SharedBufferPool
	release func()

	sigCh chan error
	resCh chan chunkResult
}

type chunkResult struct {
	chunk *EncodedChunk
	err   error
}

type completionTable struct {
	mu    sync.Mutex
	slots []*completionSlot
	free  []uint32
}

var completions completionTable

func (t *completionTable) acquire(shape uint8, rt *Runtime, pool *SharedBufferPool) (*completionSlot, uint32, uint32, error) {
	release, err := rt.track()
	if err != nil {
		return nil, 0, 0, err
	}
	t.mu.Lock()
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, &completionSlot{
			sigCh: make(chan error, 1),
			resCh: make(chan chunkResult, 1),
		})
		idx = uint32(len(t.slots) - 1)
	}
	slot := t.slots[idx]
	slot.gen++
	slot.state = slotPending
	slot.shape = shape
	slot.pool = pool
	slot.release = release
	gen := slot.gen
	t.mu.Unlock()
	return slot, idx, gen, nil
}

// lookup validates a token against the current slot state without consuming
// it, returning the slot's pool as read under the lock. Reports ok only when
// the operation the token names is still the one occupying the slot.
func (t *completionTable) lookup(token uint64, shape uint8) (pool *SharedBufferPool, ok bool) {
	idx := uint32(token)
	gen := uint32(token >> 32)
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) {
		logrus.WithField("token", token).Warn("completion token out of range, dropped")
		return nil, false
	}
	slot := t.slots[idx]
	if slot.gen != gen || (slot.state != slotPending && slot.state != slotAbandoned) {
		logrus.WithField("token", token).Warn("stale completion token, dropped")
		return nil, false
	}
	if slot.shape != shape {
		logrus.WithField("token", token).Error("completion token resolved with wrong shape, dropped")
		return nil, false
	}
	return slot.pool, true
}

// deliver finishes a resolve: hands the result to a live waiter, or cleans
// up after an abandoned one. Duplicate resolves lose the state check and are
// dropped.
func (t *completionTable) deliver(token uint64, shape uint8, sigErr error, res chunkResult) {
	idx := uint32(token)
	gen := uint32(token >> 32)
	t.mu.Lock()
	if int(idx) >= len(t.slots) {
		t.mu.Unlock()
		return
	}
	slot := t.slots[idx]
	if slot.gen != gen || slot.shape != shape {
		t.mu.Unlock()
		discardResult(res)
		return
	}
	switch slot.state {
	case slotPending:
		slot.state = slotResolved
		if shape == shapeSignal {
			slot.sigCh <- sigErr
		} else {
			slot.resCh <- res
		}
		release := slot.release
		t.mu.Unlock()
		release()
	case slotAbandoned:
		// Waiter gave up; recycle directly and drop the payload.
		release := slot.release
		t.recycleLocked(idx)
		t.mu.Unlock()
		release()
		discardResult(res)
	default:
		t.mu.Unlock()
		discardResult(res)
	}
}

// recycleLocked returns a slot to the free list. Caller holds t.mu.
func (t *completionTable) recycleLocked(idx uint32) {
	slot := t.slots[idx]
	slot.state = slotFree
	slot.pool = nil
	slot.release = nil
	t.free = append(t.free, idx)
}

func (t *completionTable) abandon(idx, gen uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) {
		return
	}
	slot := t.slots[idx]
	if slot.gen == gen && slot.state == slotPending {
		slot.state = slotAbandoned
	}
}

// cancel recycles a still-pending slot whose backend call failed before any
// callback could be scheduled, so the token will never be resolved.
func (t *completionTable) cancel(idx, gen uint32) {
	t.mu.Lock()
	if int(idx) >= len(t.slots) {
		t.mu.Unlock()
		return
	}
	slot := t.slots[idx]
	if slot.gen != gen || slot.state != slotPending {
		t.mu.Unlock()
		return
	}
	release := slot.release
	t.recycleLocked(idx)
	t.mu.Unlock()
	release()
}

// consume recycles a slot after its delivered result has been read.
func (t *completionTable) consume(idx, gen uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) {
		return
	}
	slot := t.slots[idx]
	if slot.gen == gen && slot.state == slotResolved {
		t.recycleLocked(idx)
	}
}

func discardResult(res chunkResult) {
	if res.chunk != nil && !res.chunk.Empty() {
		if err := res.chunk.Release(); err != nil {
			logrus.WithError(err).Warn("dropping abandoned chunk failed")
		}
	}
}

func packToken(idx, gen uint32) uint64 { return uint64(gen)<<32 | uint64(idx) }

// signalCompletion awaits a success/error-only backend acknowledgment.
type signalCompletion struct {
	idx uint32
	gen uint32
	ch  chan error
}

func newSignalCompletion(rt *Runtime) (*signalCompletion, error) {
	slot, idx, gen, err := completions.acquire(shapeSignal, rt, nil)
	if err != nil {
		return nil, err
	}
	return &signalCompletion{idx: idx, gen: gen, ch: slot.sigCh}, nil
}

func (c *signalCompletion) token() uint64 { return packToken(c.idx, c.gen) }

func (c *signalCompletion) cancel() { completions.cancel(c.idx, c.gen) }

func (c *signalCompletion) wait(ctx context.Context, op string) error {
	select {
	case err := <-c.ch:
		completions.consume(c.idx, c.gen)
		return err
	case <-ctx.Done():
		completions.abandon(c.idx, c.gen)
		return &Error{Kind: KindOperation, Op: op, Err: ctx.Err()}
	}
}

// chunkCompletion awaits a data-bearing result: payload bytes, presentation
// timestamp, and chunk kind copied out of the backend inside the callback.
type chunkCompletion struct {
	idx uint32
	gen uint32
	ch  chan chunkResult
}

func newChunkCompletion(rt *Runtime, pool *SharedBufferPool) (*chunkCompletion, error) {
	slot, idx, gen, err := completions.acquire(shapeChunk, rt, pool)
	if err != nil {
		return nil, err
	}
	return &chunkCompletion{idx: idx, gen: gen, ch: slot.resCh}, nil
}

func (c *chunkCompletion) token() uint64 { return packToken(c.idx, c.gen) }

func (c *chunkCompletion) cancel() { completions.cancel(c.idx, c.gen) }

func (c *chunkCompletion) wait(ctx context.Context, op string) (*EncodedChunk, error) {
	select {
	case res := <-c.ch:
		completions.consume(c.idx, c.gen)
		if res.err != nil {
			return nil, res.err
		}
		return res.chunk, nil
	case <-ctx.Done():
		completions.abandon(c.idx, c.gen)
		return nil, &Error{Kind: KindOperation, Op: op, Err: ctx.Err()}
	}
}

// ResolveSignal resolves the signal-only completion identified by token.
// Safe to call from any goroutine or native callback thread; exactly the
// first resolve for a token is delivered, later ones are dropped.
func ResolveSignal(token uint64, opErr error) {
	if _, ok := completions.lookup(token, shapeSignal); !ok {
		return
	}
	completions.deliver(token, shapeSignal, opErr, chunkResult{})
}

// ResolveChunk resolves the data-bearing completion identified by token,
// copying data into a pool-rented buffer before returning. data is only
// borrowed for the duration of the call, matching native callback buffer
// lifetime rules. A zero-length data with nil opErr delivers the
// end-of-stream sentinel.
func ResolveChunk(token uint64, data []byte, pts float64, kind ChunkKind, opErr error) {
	pool, ok := completions.lookup(token, shapeChunk)
	if !ok {
		return
	}

	var res chunkResult
	switch {
	case opErr != nil:
		res.err = opErr
	case len(data) == 0:
		res.chunk = newSentinelChunk()
	default:
		// Copy before delivery; the caller's buffer dies with this call.
		if buf, ok := pool.allocRetry(len(data), 200, time.Millisecond); ok {
			dst, err := buf.Bytes()
			if err != nil {
				res.err = err
				break
			}
			copy(dst, data)
			res.chunk = newPooledChunk(buf, len(data), pts, kind)
		} else {
			logrus.WithField("bytes", len(data)).Warn("buffer pool starved, chunk detached from pool")
			cp := make([]byte, len(data))
			copy(cp, data)
			res.chunk = NewChunk(cp, pts, kind)
		}
	}
	completions.deliver(token, shapeChunk, nil, res)
}
