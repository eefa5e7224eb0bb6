package mediarec

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// Runtime executes backend encode/mux jobs on a fixed pool of workers and
// guards its own teardown: any number of submissions may proceed
// concurrently, while Close serializes against them, waits for every
// in-flight job and registered completion to finish, and only then stops the
// workers. After Close all acquisition fails with a disposed-kind error.
//
// Close must never run on a goroutine that is itself executing a job on this
// runtime; that would deadlock the drain, so it panics instead. Teardown
// belongs in an external shutdown path, never in a completion callback.
type Runtime struct {
	mu     sync.RWMutex
	closed bool

	jobs    chan func()
	drain   sync.WaitGroup
	join    sync.WaitGroup
	workers int

	idMu      sync.Mutex
	workerIDs map[uint64]struct{}
}

// NewRuntime starts a runtime with the given worker count. workers <= 0 uses
// one worker per CPU.
func NewRuntime(workers int) *Runtime {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	r := &Runtime{
		jobs:      make(chan func(), workers*16),
		workers:   workers,
		workerIDs: make(map[uint64]struct{}),
	}
	r.join.Add(workers)
	for i := 0; i < workers; i++ {
		go r.worker()
	}
	return r
}

// Workers returns the worker count.
func (r *Runtime) Workers() int { return r.workers }

// Submit enqueues a job. The read lock pairs the closed check with the drain
// registration so a job can never slip in after Close has begun waiting.
func (r *Runtime) Submit(job func()) error {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return errDisposed("runtime.submit")
	}
	r.drain.Add(1)
	r.mu.RUnlock()
	r.jobs <- job
	return nil
}

// track registers an in-flight external completion (a native callback that
// has not fired yet) with the drain group, so teardown waits for it. The
// returned release is idempotent.
func (r *Runtime) track() (release func(), err error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, errDisposed("runtime.track")
	}
	r.drain.Add(1)
	r.mu.RUnlock()
	var once sync.Once
	return func() { once.Do(r.drain.Done) }, nil
}

// Close marks the runtime closed, waits for all in-flight work to drain, then
// stops the workers. Idempotent; the second call returns nil immediately.
// Panics when invoked from one of this runtime's own jobs.
func (r *Runtime) Close() error {
	if r.isWorkerGoroutine() {
		panic("mediarec: Runtime.Close called from a job running on the same runtime")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.drain.Wait()
	close(r.jobs)
	r.join.Wait()
	logrus.WithField("workers", r.workers).Debug("runtime drained and stopped")
	return nil
}

func (r *Runtime) worker() {
	defer r.join.Done()
	id := goroutineID()
	r.idMu.Lock()
	r.workerIDs[id] = struct{}{}
	r.idMu.Unlock()
	for job := range r.jobs {
		r.run(job)
	}
}

// run keeps the drain count exact even when a job panics; the panic still
// propagates after the deferred Done.
func (r *Runtime) run(job func()) {
	defer r.drain.Done()
	job()
}

func (r *Runtime) isWorkerGoroutine() bool {
	id := goroutineID()
	r.idMu.Lock()
	_, ok := r.workerIDs[id]
	r.idMu.Unlock()
	return ok
}

// goroutineID parses the current goroutine id from the stack header
// ("goroutine N [running]:"). Used only for the self-teardown check.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Process-wide default runtime, created on first use and torn down exactly
// once by Shutdown.
var (
	defaultRTMu   sync.Mutex
	defaultRT     *Runtime
	defaultRTDown bool
)

func defaultRuntime() (*Runtime, error) {
	defaultRTMu.Lock()
	defer defaultRTMu.Unlock()
	if defaultRTDown {
		return nil, errDisposed("runtime.default")
	}
	if defaultRT == nil {
		defaultRT = NewRuntime(0)
		logrus.WithField("workers", defaultRT.workers).Debug("default runtime started")
	}
	return defaultRT, nil
}

// Shutdown tears down the process-wide default runtime, draining all pending
// encode/mux work first. Call it from a top-level shutdown path once no
// EncodingSystem is in use. After Shutdown, systems that rely on the default
// runtime fail with a disposed-kind error. Idempotent.
func Shutdown() error {
	defaultRTMu.Lock()
	rt := defaultRT
	defaultRT = nil
	defaultRTDown = true
	defaultRTMu.Unlock()
	if rt == nil {
		return nil
	}
	return rt.Close()
}
