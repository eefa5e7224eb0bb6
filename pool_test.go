package mediarec

import (
	"testing"
	"time"
)

func TestSharedBufferPool_AllocFreeRoundTrip(t *testing.T) {
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	buf, ok := pool.TryAlloc(256)
	if !ok {
		t.Fatal("TryAlloc() = false on an unbounded pool")
	}
	if got := buf.Len(); got != 256 {
		t.Errorf("Len() = %d, want 256", got)
	}
	if got := pool.OutstandingBytes(); got != 256 {
		t.Errorf("OutstandingBytes() = %d, want 256", got)
	}

	mem, err := buf.Bytes()
	if err != nil {
		t.Fatalf("Bytes() error = %v", err)
	}
	if len(mem) != 256 {
		t.Fatalf("Bytes() len = %d, want 256", len(mem))
	}
	mem[0] = 0xAB
	mem[255] = 0xCD

	if err := buf.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if got := pool.OutstandingBytes(); got != 0 {
		t.Errorf("OutstandingBytes() after Free = %d, want 0", got)
	}
}

func TestSharedBufferPool_RejectsNonPositiveSize(t *testing.T) {
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	for _, size := range []int{0, -1, -4096} {
		if _, ok := pool.TryAlloc(size); ok {
			t.Errorf("TryAlloc(%d) = true, want false", size)
		}
	}
}

func TestSharedBufferPool_LimitEnforced(t *testing.T) {
	pool := NewSharedBufferPool(1024)
	defer pool.Close()

	if got := pool.Limit(); got != 1024 {
		t.Fatalf("Limit() = %d, want 1024", got)
	}

	big, ok := pool.TryAlloc(1024)
	if !ok {
		t.Fatal("TryAlloc(1024) = false with the full budget free")
	}
	if _, ok := pool.TryAlloc(1); ok {
		t.Fatal("TryAlloc(1) = true past the live-byte limit")
	}

	if err := big.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	small, ok := pool.TryAlloc(1)
	if !ok {
		t.Fatal("TryAlloc(1) = false after the budget was returned")
	}
	if err := small.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
}

func TestSharedBuffer_StaleTokenAfterFree(t *testing.T) {
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	buf, ok := pool.TryAlloc(64)
	if !ok {
		t.Fatal("TryAlloc() = false")
	}
	if err := buf.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}

	if _, err := buf.Bytes(); !IsDisposed(err) {
		t.Errorf("Bytes() after Free error = %v, want disposed kind", err)
	}
	if err := buf.Free(); !IsDisposed(err) {
		t.Errorf("second Free() error = %v, want disposed kind", err)
	}
}

func TestSharedBufferPool_RecycleInvalidatesOldToken(t *testing.T) {
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	first, ok := pool.TryAlloc(128)
	if !ok {
		t.Fatal("TryAlloc() = false")
	}
	firstIndex, firstGen := first.index, first.gen
	if err := first.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}

	second, ok := pool.TryAlloc(128)
	if !ok {
		t.Fatal("TryAlloc() = false after recycle")
	}
	if second.index != firstIndex {
		t.Fatalf("recycled alloc got slot %d, want reuse of slot %d", second.index, firstIndex)
	}
	if second.gen != firstGen+1 {
		t.Errorf("recycled gen = %d, want %d", second.gen, firstGen+1)
	}

	// The first handle still points at the slot but its token is stale.
	if _, err := first.Bytes(); !IsDisposed(err) {
		t.Errorf("stale Bytes() error = %v, want disposed kind", err)
	}
	if _, err := second.Bytes(); err != nil {
		t.Errorf("fresh Bytes() error = %v", err)
	}
	if err := second.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
}

func TestSharedBufferPool_RetiresSlotAtGenerationCeiling(t *testing.T) {
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	buf, ok := pool.TryAlloc(32)
	if !ok {
		t.Fatal("TryAlloc() = false")
	}
	// Fast-forward the slot to the last generation before the ceiling.
	pool.mu.Lock()
	pool.slots[buf.index].gen = genRetired - 1
	pool.mu.Unlock()
	buf.gen = genRetired - 1

	if err := buf.Free(); err != nil {
		t.Fatalf("Free() at the ceiling error = %v", err)
	}
	pool.mu.Lock()
	retired := pool.slots[buf.index].retired
	released := pool.slots[buf.index].mem == nil
	recycled := len(pool.free[32])
	pool.mu.Unlock()
	if !retired {
		t.Error("slot not retired after its generation saturated")
	}
	if !released {
		t.Error("retired slot still holds its backing memory")
	}
	if recycled != 0 {
		t.Errorf("retired slot was put back on the free list (%d entries)", recycled)
	}

	// The pool keeps serving from fresh slots.
	next, ok := pool.TryAlloc(32)
	if !ok {
		t.Fatal("TryAlloc() = false after a slot retired")
	}
	if next.index == buf.index {
		t.Error("retired slot was re-issued")
	}
	if err := next.Free(); err != nil {
		t.Fatalf("Free() error = %v", err)
	}
	if got := pool.OutstandingBytes(); got != 0 {
		t.Errorf("OutstandingBytes() = %d, want 0", got)
	}
}

func TestSharedBufferPool_Close(t *testing.T) {
	t.Run("stops allocation", func(t *testing.T) {
		pool := NewSharedBufferPool(0)
		if err := pool.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if _, ok := pool.TryAlloc(16); ok {
			t.Error("TryAlloc() = true on a closed pool")
		}
		if err := pool.Close(); err != nil {
			t.Errorf("second Close() error = %v", err)
		}
	})

	t.Run("late free drops instead of recycling", func(t *testing.T) {
		pool := NewSharedBufferPool(0)
		buf, ok := pool.TryAlloc(64)
		if !ok {
			t.Fatal("TryAlloc() = false")
		}
		if err := pool.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}

		// The holder's block stays valid until freed.
		if _, err := buf.Bytes(); err != nil {
			t.Errorf("Bytes() after pool Close error = %v", err)
		}
		if err := buf.Free(); err != nil {
			t.Fatalf("Free() after pool Close error = %v", err)
		}
		if got := pool.OutstandingBytes(); got != 0 {
			t.Errorf("OutstandingBytes() = %d, want 0", got)
		}

		pool.mu.Lock()
		retired := pool.slots[buf.index].retired
		pool.mu.Unlock()
		if !retired {
			t.Error("block freed after Close was not dropped")
		}
	})
}

func TestSharedBufferPool_AllocRetry(t *testing.T) {
	pool := NewSharedBufferPool(100)
	defer pool.Close()

	held, ok := pool.TryAlloc(100)
	if !ok {
		t.Fatal("TryAlloc() = false")
	}

	t.Run("gives up while the budget is held", func(t *testing.T) {
		if _, ok := pool.allocRetry(100, 3, time.Millisecond); ok {
			t.Error("allocRetry() = true against an exhausted pool")
		}
	})

	t.Run("succeeds once the budget returns", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			held.Free()
		}()
		buf, ok := pool.allocRetry(100, 200, time.Millisecond)
		if !ok {
			t.Fatal("allocRetry() = false after the holder freed")
		}
		if err := buf.Free(); err != nil {
			t.Fatalf("Free() error = %v", err)
		}
	})
}
