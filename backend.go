package mediarec

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// BackendAuto selects the highest-priority backend that probes available.
const BackendAuto = "auto"

// VideoSession is one backend video encode stream. Sessions are the boundary
// the platform implementations live behind: push and pull are issued with a
// completion token and acknowledged through ResolveSignal/ResolveChunk,
// exactly once per token, from whatever thread the backend finishes on.
type VideoSession interface {
	// PushFrame queues one raw frame and later resolves the signal
	// completion named by token once the frame is accepted (queued, not
	// necessarily encoded). The frame's memory is only borrowed until that
	// resolve fires.
	PushFrame(frame *RawFrame, token uint64) error

	// PullChunk asks for the next encoded chunk in emission order and
	// resolves the chunk completion named by token. Zero-length payload
	// means the stream is fully drained.
	PullChunk(token uint64) error

	// CompleteInput signals end of input. The input half of the session is
	// gone when it returns; output keeps draining buffered chunks.
	CompleteInput() error

	// Destroy frees the session. Outstanding pulls resolve with a
	// disposed-kind error.
	Destroy() error
}

// AudioSession is one backend audio encode stream, shaped like VideoSession.
type AudioSession interface {
	PushSamples(chunk *RawAudioChunk, token uint64) error
	PullChunk(token uint64) error
	CompleteInput() error
	Destroy() error
}

// Backend mints encode sessions for one platform implementation.
type Backend interface {
	Name() string

	// Available probes whether this backend can run in the current process
	// (native library present, platform supported).
	Available() bool

	OpenVideoSession(opts VideoEncoderOptions, pool *SharedBufferPool, rt *Runtime) (VideoSession, error)
	OpenAudioSession(opts AudioEncoderOptions, pool *SharedBufferPool, rt *Runtime) (AudioSession, error)
}

var backendRegistry = struct {
	mu      sync.RWMutex
	entries []backendEntry
}{}

type backendEntry struct {
	backend  Backend
	priority int
}

// RegisterBackend adds a backend to the registry. Higher priority wins
// BackendAuto selection; the built-in synthetic backend registers at
// priority 0 so any platform backend outranks it.
func RegisterBackend(b Backend, priority int) {
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.entries = append(backendRegistry.entries, backendEntry{backend: b, priority: priority})
	sort.SliceStable(backendRegistry.entries, func(i, j int) bool {
		return backendRegistry.entries[i].priority > backendRegistry.entries[j].priority
	})
	logrus.WithFields(logrus.Fields{"backend": b.Name(), "priority": priority}).
		Debug("backend registered")
}

// AvailableBackends returns the names of backends that currently probe
// available, in selection order.
func AvailableBackends() []string {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	var names []string
	for _, e := range backendRegistry.entries {
		if e.backend.Available() {
			names = append(names, e.backend.Name())
		}
	}
	return names
}

func resolveBackend(name string) (Backend, error) {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()

	if name == "" || name == BackendAuto {
		for _, e := range backendRegistry.entries {
			if e.backend.Available() {
				return e.backend, nil
			}
		}
		return nil, errInitf("backend.resolve", "no backend available")
	}
	for _, e := range backendRegistry.entries {
		if e.backend.Name() == name {
			if !e.backend.Available() {
				return nil, errInitf("backend.resolve", "backend %q is not available", name)
			}
			return e.backend, nil
		}
	}
	return nil, errInitf("backend.resolve", "unknown backend %q", name)
}
