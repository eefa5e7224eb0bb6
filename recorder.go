package mediarec

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// RecorderState represents the state of a recorder.
type RecorderState int32

const (
	RecorderIdle    RecorderState = iota // Not started
	RecorderRunning                      // Pumps active
	RecorderStopped                      // Finished or aborted
)

func (s RecorderState) String() string {
	switch s {
	case RecorderIdle:
		return "idle"
	case RecorderRunning:
		return "running"
	case RecorderStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RecorderStats provides recorder statistics.
type RecorderStats struct {
	VideoFramesRead  uint64
	VideoChunksMuxed uint64
	AudioChunksRead  uint64
	AudioChunksMuxed uint64
	BytesMuxed       uint64
	PreviewChunks    uint64
	Errors           uint64
}

// RecorderConfig configures a recorder.
type RecorderConfig struct {
	System      *EncodingSystem // Owning system (required)
	VideoSource VideoSource     // Raw frame source (nil for audio-only)
	AudioSource AudioSource     // Raw sample source (nil for video-only)
	OutputPath  string          // Destination MP4 path
	ScaleMode   ScaleMode       // How mismatched source frames map onto the encode size
	Preview     ChunkSink       // Optional tap on encoded video chunks
	OnError     func(error)     // Error callback
}

// Recorder drives sources through the system's encoders into a muxer:
// source -> encoder push, encoder pull -> muxer, then finalize. Each stream
// runs an input pump and a drain pump; io.EOF from a source completes the
// encoder's input, and the encoder's end-of-stream chunk finishes the muxer
// stream. Wait finalizes the container once both streams are done.
type Recorder struct {
	system      *EncodingSystem
	videoSource VideoSource
	audioSource AudioSource
	video       *VideoEncoder
	audio       *AudioEncoder
	muxer       *Muxer
	scaler      *FrameScaler
	preview     ChunkSink

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats   RecorderStats
	statsMu sync.Mutex

	completeOnce sync.Once
	finalErr     error

	onError func(error)
	mu      sync.Mutex
}

// NewRecorder creates a recorder and acquires its encoders and muxer from the
// system. The caller keeps ownership of the preview sink; everything else is
// released by Close.
func NewRecorder(config RecorderConfig) (*Recorder, error) {
	if config.System == nil {
		return nil, errConfigf("recorder.new", "system is required")
	}
	if config.VideoSource == nil && config.AudioSource == nil {
		return nil, errConfigf("recorder.new", "at least one source must be provided")
	}

	r := &Recorder{
		system:      config.System,
		videoSource: config.VideoSource,
		audioSource: config.AudioSource,
		preview:     config.Preview,
		onError:     config.OnError,
	}
	r.state.Store(int32(RecorderIdle))

	var err error
	if config.VideoSource != nil {
		if r.video, err = config.System.NewVideoEncoder(); err != nil {
			return nil, err
		}
		video := config.System.Config().Video
		r.scaler = NewFrameScaler(video.Width, video.Height, config.ScaleMode)
	}
	if config.AudioSource != nil {
		if r.audio, err = config.System.NewAudioEncoder(); err != nil {
			r.releaseHandles()
			return nil, err
		}
	}
	if r.muxer, err = config.System.NewMuxer(config.OutputPath); err != nil {
		r.releaseHandles()
		return nil, err
	}

	// A stream without a source has nothing to drain; finish it up front so
	// Complete only waits on streams that exist.
	if r.video == nil {
		r.muxer.FinishVideo()
	}
	if r.audio == nil {
		r.muxer.FinishAudio()
	}

	return r, nil
}

// Start launches the stream pumps.
func (r *Recorder) Start() error {
	if !r.state.CompareAndSwap(int32(RecorderIdle), int32(RecorderRunning)) {
		return errOpf("recorder.start", "recorder already started")
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())

	if r.video != nil {
		r.wg.Add(2)
		go r.videoInputLoop()
		go r.videoDrainLoop()
	}
	if r.audio != nil {
		r.wg.Add(2)
		go r.audioInputLoop()
		go r.audioDrainLoop()
	}

	logrus.WithFields(logrus.Fields{
		"system": r.system.shortID(),
		"video":  r.video != nil,
		"audio":  r.audio != nil,
	}).Info("recorder started")
	return nil
}

// Wait blocks until every pump has finished, then finalizes the container.
// It returns the finalize error, and ctx bounds the wait itself.
func (r *Recorder) Wait(ctx context.Context) error {
	if RecorderState(r.state.Load()) == RecorderIdle {
		return errOpf("recorder.wait", "recorder not started")
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	r.completeOnce.Do(func() {
		err := r.muxer.Complete(ctx)
		r.state.Store(int32(RecorderStopped))
		r.mu.Lock()
		r.finalErr = err
		r.mu.Unlock()
		if err == nil {
			stats := r.Stats()
			logrus.WithFields(logrus.Fields{
				"system":       r.system.shortID(),
				"video_chunks": stats.VideoChunksMuxed,
				"audio_chunks": stats.AudioChunksMuxed,
				"bytes":        stats.BytesMuxed,
			}).Info("recording completed")
		}
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalErr
}

// Record runs the recorder to completion: Start, then Wait.
func (r *Recorder) Record(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	return r.Wait(ctx)
}

// Stop aborts the pumps without finalizing the container. The output file is
// not a valid MP4 after an abort.
func (r *Recorder) Stop() error {
	if !r.state.CompareAndSwap(int32(RecorderRunning), int32(RecorderStopped)) {
		return nil
	}
	r.cancel()
	r.wg.Wait()
	return nil
}

// Close stops the recorder and releases the encoders, muxer and sources.
func (r *Recorder) Close() error {
	r.Stop()

	var errs []error
	if err := r.releaseHandles(); err != nil {
		errs = append(errs, err)
	}
	if r.videoSource != nil {
		if err := r.videoSource.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.audioSource != nil {
		if err := r.audioSource.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (r *Recorder) releaseHandles() error {
	var errs []error
	if r.muxer != nil {
		if err := r.muxer.Close(); err != nil {
			errs = append(errs, err)
		}
		r.muxer = nil
	}
	if r.video != nil {
		if err := r.video.Close(); err != nil {
			errs = append(errs, err)
		}
		r.video = nil
	}
	if r.audio != nil {
		if err := r.audio.Close(); err != nil {
			errs = append(errs, err)
		}
		r.audio = nil
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// State returns the current recorder state.
func (r *Recorder) State() RecorderState {
	return RecorderState(r.state.Load())
}

// Stats returns recorder statistics.
func (r *Recorder) Stats() RecorderStats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Recorder) videoInputLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		frame, err := r.videoSource.ReadFrame(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if err != io.EOF {
				r.handleError(err)
			}
			// End of stream, or the source cannot continue.
			if err := r.video.CompleteInput(); err != nil {
				r.handleError(err)
			}
			return
		}

		// The scaler reads the frame at its declared geometry; a short
		// buffer is rejected here rather than trusted.
		if len(frame.Data) < BGRAFrameBytes(frame.Width, frame.Height) {
			r.handleError(errConfigf("recorder.video",
				"frame data %d bytes, need %d for %dx%d",
				len(frame.Data), BGRAFrameBytes(frame.Width, frame.Height), frame.Width, frame.Height))
			continue
		}
		frame = r.scaler.Scale(frame)

		if err := r.video.Push(r.ctx, frame); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.handleError(err)
			if IsDisposed(err) {
				return
			}
			continue
		}

		r.statsMu.Lock()
		r.stats.VideoFramesRead++
		r.statsMu.Unlock()
	}
}

func (r *Recorder) videoDrainLoop() {
	defer r.wg.Done()

	for {
		chunk, err := r.video.Pull(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.handleError(err)
			if IsDisposed(err) {
				return
			}
			continue
		}

		if chunk.Empty() {
			chunk.Release()
			if err := r.muxer.FinishVideo(); err != nil {
				r.handleError(err)
			}
			logrus.Debug("recorder video stream drained")
			return
		}

		size := chunk.Len()
		if err := r.muxer.PushVideo(r.ctx, chunk); err != nil {
			r.handleError(err)
		} else {
			r.statsMu.Lock()
			r.stats.VideoChunksMuxed++
			r.stats.BytesMuxed += uint64(size)
			r.statsMu.Unlock()
		}

		// Tap before Release; the sink must not retain the bytes.
		if r.preview != nil {
			if err := r.preview.WriteChunk(chunk); err != nil {
				r.handleError(err)
			} else {
				r.statsMu.Lock()
				r.stats.PreviewChunks++
				r.statsMu.Unlock()
			}
		}

		chunk.Release()
	}
}

func (r *Recorder) audioInputLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
		}

		chunk, err := r.audioSource.ReadChunk(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			if err != io.EOF {
				r.handleError(err)
			}
			if err := r.audio.CompleteInput(); err != nil {
				r.handleError(err)
			}
			return
		}

		if err := r.audio.Push(r.ctx, chunk); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.handleError(err)
			if IsDisposed(err) {
				return
			}
			continue
		}

		r.statsMu.Lock()
		r.stats.AudioChunksRead++
		r.statsMu.Unlock()
	}
}

func (r *Recorder) audioDrainLoop() {
	defer r.wg.Done()

	for {
		chunk, err := r.audio.Pull(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.handleError(err)
			if IsDisposed(err) {
				return
			}
			continue
		}

		if chunk.Empty() {
			chunk.Release()
			if err := r.muxer.FinishAudio(); err != nil {
				r.handleError(err)
			}
			logrus.Debug("recorder audio stream drained")
			return
		}

		size := chunk.Len()
		if err := r.muxer.PushAudio(r.ctx, chunk); err != nil {
			r.handleError(err)
		} else {
			r.statsMu.Lock()
			r.stats.AudioChunksMuxed++
			r.stats.BytesMuxed += uint64(size)
			r.statsMu.Unlock()
		}

		chunk.Release()
	}
}

func (r *Recorder) handleError(err error) {
	r.statsMu.Lock()
	r.stats.Errors++
	r.statsMu.Unlock()

	r.mu.Lock()
	cb := r.onError
	r.mu.Unlock()

	if cb != nil {
		go cb(err)
	}
}
