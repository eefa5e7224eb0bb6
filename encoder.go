package mediarec

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// EncoderState tracks one encode stream's lifecycle. States only move
// forward: Created, Streaming (pushes and pulls in flight, possibly
// concurrently), InputCompleted, Drained, Disposed.
type EncoderState int32

const (
	EncoderCreated EncoderState = iota
	EncoderStreaming
	EncoderInputCompleted
	EncoderDrained
	EncoderDisposed
)

func (s EncoderState) String() string {
	switch s {
	case EncoderCreated:
		return "created"
	case EncoderStreaming:
		return "streaming"
	case EncoderInputCompleted:
		return "input-completed"
	case EncoderDrained:
		return "drained"
	case EncoderDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// VideoEncoder is the caller-facing video encode stream. Push and Pull are
// independent directions and may run concurrently from different goroutines;
// one call per direction at a time (await each before issuing the next).
//
// The input and output halves of the backend session are tracked separately:
// CompleteInput nulls the input half under lock before asking the backend to
// finish, so a racing Push fails locally instead of touching a completed
// native stream. The output half stays alive for draining until Close.
type VideoEncoder struct {
	opts  VideoEncoderOptions
	rt    *Runtime
	pool  *SharedBufferPool
	state atomic.Int32

	mu      sync.Mutex
	in      VideoSession
	out     VideoSession
	drained bool
}

func newVideoEncoder(opts VideoEncoderOptions, backend Backend, pool *SharedBufferPool, rt *Runtime) (*VideoEncoder, error) {
	session, err := backend.OpenVideoSession(opts, pool, rt)
	if err != nil {
		return nil, err
	}
	return &VideoEncoder{opts: opts, rt: rt, pool: pool, in: session, out: session}, nil
}

// State returns the current lifecycle state.
func (e *VideoEncoder) State() EncoderState { return EncoderState(e.state.Load()) }

func (e *VideoEncoder) disposed() bool { return e.State() == EncoderDisposed }

func (e *VideoEncoder) advance(to EncoderState) {
	for {
		cur := e.state.Load()
		if cur >= int32(to) || e.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Push hands one raw frame to the backend and returns once it has been
// accepted (queued), not necessarily encoded. Fails with a disposed-kind
// error after CompleteInput or Close.
func (e *VideoEncoder) Push(ctx context.Context, frame *RawFrame) error {
	if frame == nil {
		return errConfigf("encoder.push", "nil frame")
	}
	if want := BGRAFrameBytes(e.opts.Width, e.opts.Height); len(frame.Data) < want {
		return errConfigf("encoder.push", "frame data is %d bytes, want %d for %dx%d BGRA",
			len(frame.Data), want, e.opts.Width, e.opts.Height)
	}

	e.mu.Lock()
	in := e.in
	e.mu.Unlock()
	if in == nil {
		return errDisposed("encoder.push")
	}
	e.advance(EncoderStreaming)

	c, err := newSignalCompletion(e.rt)
	if err != nil {
		return err
	}
	if err := in.PushFrame(frame, c.token()); err != nil {
		c.cancel()
		return err
	}
	return c.wait(ctx, "encoder.push")
}

// Pull returns the next encoded chunk in emission order. End of stream is a
// zero-length sentinel chunk, delivered once the input is completed and the
// backend has drained; repeated pulls after that return the sentinel again.
func (e *VideoEncoder) Pull(ctx context.Context) (*EncodedChunk, error) {
	e.mu.Lock()
	out := e.out
	drained := e.drained
	e.mu.Unlock()
	if out == nil {
		return nil, errDisposed("encoder.pull")
	}
	if drained {
		return newSentinelChunk(), nil
	}
	e.advance(EncoderStreaming)

	c, err := newChunkCompletion(e.rt, e.pool)
	if err != nil {
		return nil, err
	}
	if err := out.PullChunk(c.token()); err != nil {
		c.cancel()
		return nil, err
	}
	chunk, err := c.wait(ctx, "encoder.pull")
	if err != nil {
		return nil, err
	}
	if chunk.Empty() {
		e.mu.Lock()
		e.drained = true
		e.mu.Unlock()
		e.advance(EncoderDrained)
	}
	return chunk, nil
}

// CompleteInput signals end of stream to the backend. Idempotent; once it
// has run, Push fails fast without reaching the backend.
func (e *VideoEncoder) CompleteInput() error {
	e.mu.Lock()
	in := e.in
	e.in = nil
	e.mu.Unlock()
	if in == nil {
		return nil
	}
	if err := in.CompleteInput(); err != nil {
		return err
	}
	e.advance(EncoderInputCompleted)
	return nil
}

// Close completes the input if needed and destroys the backend session.
// Callers should have drained the output first; anything still buffered is
// dropped.
func (e *VideoEncoder) Close() error {
	var errs []error
	if err := e.CompleteInput(); err != nil {
		errs = append(errs, err)
	}
	e.mu.Lock()
	out := e.out
	e.out = nil
	e.mu.Unlock()
	if out != nil {
		if err := out.Destroy(); err != nil {
			logrus.WithError(err).Warn("video session destroy failed")
			errs = append(errs, err)
		}
	}
	e.advance(EncoderDisposed)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// AudioEncoder is the caller-facing audio encode stream, shaped like
// VideoEncoder with sample-indexed input timestamps.
type AudioEncoder struct {
	opts  AudioEncoderOptions
	rt    *Runtime
	pool  *SharedBufferPool
	state atomic.Int32

	mu      sync.Mutex
	in      AudioSession
	out     AudioSession
	drained bool
}

func newAudioEncoder(opts AudioEncoderOptions, backend Backend, pool *SharedBufferPool, rt *Runtime) (*AudioEncoder, error) {
	session, err := backend.OpenAudioSession(opts, pool, rt)
	if err != nil {
		return nil, err
	}
	return &AudioEncoder{opts: opts, rt: rt, pool: pool, in: session, out: session}, nil
}

// State returns the current lifecycle state.
func (e *AudioEncoder) State() EncoderState { return EncoderState(e.state.Load()) }

func (e *AudioEncoder) disposed() bool { return e.State() == EncoderDisposed }

func (e *AudioEncoder) advance(to EncoderState) {
	for {
		cur := e.state.Load()
		if cur >= int32(to) || e.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// Push hands a run of interleaved S16 samples to the backend. The chunk's
// SampleIndex carries the stream position; the byte length must cover whole
// sample frames for the configured channel count.
func (e *AudioEncoder) Push(ctx context.Context, chunk *RawAudioChunk) error {
	if chunk == nil {
		return errConfigf("encoder.push", "nil chunk")
	}
	if len(chunk.Data) == 0 || len(chunk.Data)%(2*e.opts.Channels) != 0 {
		return errConfigf("encoder.push", "chunk data is %d bytes, want a positive multiple of %d",
			len(chunk.Data), 2*e.opts.Channels)
	}

	e.mu.Lock()
	in := e.in
	e.mu.Unlock()
	if in == nil {
		return errDisposed("encoder.push")
	}
	e.advance(EncoderStreaming)

	c, err := newSignalCompletion(e.rt)
	if err != nil {
		return err
	}
	if err := in.PushSamples(chunk, c.token()); err != nil {
		c.cancel()
		return err
	}
	return c.wait(ctx, "encoder.push")
}

// Pull returns the next encoded chunk, with the same end-of-stream sentinel
// contract as VideoEncoder.Pull.
func (e *AudioEncoder) Pull(ctx context.Context) (*EncodedChunk, error) {
	e.mu.Lock()
	out := e.out
	drained := e.drained
	e.mu.Unlock()
	if out == nil {
		return nil, errDisposed("encoder.pull")
	}
	if drained {
		return newSentinelChunk(), nil
	}
	e.advance(EncoderStreaming)

	c, err := newChunkCompletion(e.rt, e.pool)
	if err != nil {
		return nil, err
	}
	if err := out.PullChunk(c.token()); err != nil {
		c.cancel()
		return nil, err
	}
	chunk, err := c.wait(ctx, "encoder.pull")
	if err != nil {
		return nil, err
	}
	if chunk.Empty() {
		e.mu.Lock()
		e.drained = true
		e.mu.Unlock()
		e.advance(EncoderDrained)
	}
	return chunk, nil
}

// CompleteInput signals end of stream to the backend. Idempotent.
func (e *AudioEncoder) CompleteInput() error {
	e.mu.Lock()
	in := e.in
	e.in = nil
	e.mu.Unlock()
	if in == nil {
		return nil
	}
	if err := in.CompleteInput(); err != nil {
		return err
	}
	e.advance(EncoderInputCompleted)
	return nil
}

// Close completes the input if needed and destroys the backend session.
func (e *AudioEncoder) Close() error {
	var errs []error
	if err := e.CompleteInput(); err != nil {
		errs = append(errs, err)
	}
	e.mu.Lock()
	out := e.out
	e.out = nil
	e.mu.Unlock()
	if out != nil {
		if err := out.Destroy(); err != nil {
			logrus.WithError(err).Warn("audio session destroy failed")
			errs = append(errs, err)
		}
	}
	e.advance(EncoderDisposed)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
