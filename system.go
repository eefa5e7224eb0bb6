package mediarec

import (
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// SystemConfig configures one EncodingSystem.
type SystemConfig struct {
	Video VideoEncoderOptions
	Audio AudioEncoderOptions

	// Backend names the encode backend to use, BackendAuto when empty.
	Backend string

	// PoolLimitBytes caps the shared buffer pool's simultaneously-live
	// bytes. 0 means unbounded.
	PoolLimitBytes int64

	// Runtime overrides the process-wide default runtime. The caller owns
	// an injected runtime's lifecycle; the default one belongs to Shutdown.
	Runtime *Runtime
}

// DefaultSystemConfig wraps the given stream options with automatic backend
// selection and an unbounded pool.
func DefaultSystemConfig(video VideoEncoderOptions, audio AudioEncoderOptions) SystemConfig {
	return SystemConfig{Video: video, Audio: audio, Backend: BackendAuto}
}

// EncodingSystem owns the backend selection and the shared infrastructure
// (buffer pool, runtime binding) for one recording: one video encoder, one
// audio encoder, one muxer, one output file.
//
// Handles minted by the system must be closed before the system itself; the
// system tracks them and closes stragglers at Close with a logged warning,
// because a handle outliving its system is a lifecycle bug upstream.
type EncodingSystem struct {
	id      string
	cfg     SystemConfig
	backend Backend
	rt      *Runtime
	pool    *SharedBufferPool

	mu      sync.Mutex
	closed  bool
	handles []systemHandle
}

type systemHandle interface {
	io.Closer
	disposed() bool
}

// NewEncodingSystem validates the configuration, selects a backend, and
// builds the shared infrastructure. Option validation runs first: a bad
// configuration fails before any backend probing or allocation.
func NewEncodingSystem(cfg SystemConfig) (*EncodingSystem, error) {
	if err := cfg.Video.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Audio.Validate(); err != nil {
		return nil, err
	}

	if clamped := ClampVideoBitrate(cfg.Video.Width, cfg.Video.Height, cfg.Video.FPS, cfg.Video.BitrateBps); clamped != cfg.Video.BitrateBps {
		logrus.WithFields(logrus.Fields{
			"requested": cfg.Video.BitrateBps,
			"clamped":   clamped,
		}).Debug("video bitrate clamped by sizing policy")
		cfg.Video.BitrateBps = clamped
	}

	backend, err := resolveBackend(cfg.Backend)
	if err != nil {
		return nil, err
	}

	rt := cfg.Runtime
	if rt == nil {
		if rt, err = defaultRuntime(); err != nil {
			return nil, err
		}
	}

	s := &EncodingSystem{
		id:      uuid.NewString(),
		cfg:     cfg,
		backend: backend,
		rt:      rt,
		pool:    NewSharedBufferPool(cfg.PoolLimitBytes),
	}
	logrus.WithFields(logrus.Fields{
		"system":  s.shortID(),
		"backend": backend.Name(),
		"video":   cfg.Video,
		"audio":   cfg.Audio,
	}).Info("encoding system created")
	return s, nil
}

// ID returns the system's unique id.
func (s *EncodingSystem) ID() string { return s.id }

func (s *EncodingSystem) shortID() string { return s.id[:8] }

// Pool exposes the system's shared buffer pool, the same one encoded chunk
// payloads are rented from.
func (s *EncodingSystem) Pool() *SharedBufferPool { return s.pool }

// Backend returns the selected backend's name.
func (s *EncodingSystem) Backend() string { return s.backend.Name() }

// Config returns the system's effective configuration, including any bitrate
// clamping applied at construction.
func (s *EncodingSystem) Config() SystemConfig { return s.cfg }

// NewVideoEncoder opens a video encode stream with the system's video
// options.
func (s *EncodingSystem) NewVideoEncoder() (*VideoEncoder, error) {
	if err := s.checkOpen("system.new_video_encoder"); err != nil {
		return nil, err
	}
	enc, err := newVideoEncoder(s.cfg.Video, s.backend, s.pool, s.rt)
	if err != nil {
		return nil, err
	}
	if err := s.trackHandle("system.new_video_encoder", enc); err != nil {
		enc.Close()
		return nil, err
	}
	return enc, nil
}

// NewAudioEncoder opens an audio encode stream with the system's audio
// options.
func (s *EncodingSystem) NewAudioEncoder() (*AudioEncoder, error) {
	if err := s.checkOpen("system.new_audio_encoder"); err != nil {
		return nil, err
	}
	enc, err := newAudioEncoder(s.cfg.Audio, s.backend, s.pool, s.rt)
	if err != nil {
		return nil, err
	}
	if err := s.trackHandle("system.new_audio_encoder", enc); err != nil {
		enc.Close()
		return nil, err
	}
	return enc, nil
}

// NewMuxer opens the container writer for the given output path. An empty
// path is a configuration error caught before any filesystem work.
func (s *EncodingSystem) NewMuxer(path string) (*Muxer, error) {
	if path == "" {
		return nil, errConfigf("system.new_muxer", "output path is empty")
	}
	if err := s.checkOpen("system.new_muxer"); err != nil {
		return nil, err
	}
	mux, err := newMuxer(path, s.rt)
	if err != nil {
		return nil, err
	}
	if err := s.trackHandle("system.new_muxer", mux); err != nil {
		mux.Close()
		return nil, err
	}
	return mux, nil
}

func (s *EncodingSystem) checkOpen(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errDisposed(op)
	}
	return nil
}

func (s *EncodingSystem) trackHandle(op string, h systemHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errDisposed(op)
	}
	s.handles = append(s.handles, h)
	return nil
}

// Close releases the system. Handles still open are closed here, newest
// first, with a warning; they should have been closed by their holders
// beforehand. The shared pool is closed last. Idempotent.
func (s *EncodingSystem) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := s.handles
	s.handles = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(handles) - 1; i >= 0; i-- {
		h := handles[i]
		if h.disposed() {
			continue
		}
		logrus.WithField("system", s.shortID()).Warn("handle still open at system close, closing it now")
		if err := h.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.pool.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	logrus.WithField("system", s.shortID()).Info("encoding system closed")
	return result.ErrorOrNil()
}
