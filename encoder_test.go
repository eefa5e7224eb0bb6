package mediarec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// spyVideoSession is a scripted VideoSession: pushes acknowledge immediately,
// pulls serve a fixed chunk sequence then the sentinel. Call counts expose
// what reached the backend.
type spyVideoSession struct {
	mu        sync.Mutex
	results   []synthChunk
	pushErr   error
	pullErr   error
	pushes    int
	pulls     int
	completes int
	destroys  int
}

func (s *spyVideoSession) PushFrame(frame *RawFrame, token uint64) error {
	s.mu.Lock()
	s.pushes++
	err := s.pushErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	ResolveSignal(token, nil)
	return nil
}

func (s *spyVideoSession) PullChunk(token uint64) error {
	s.mu.Lock()
	s.pulls++
	err := s.pullErr
	var next *synthChunk
	if err == nil && len(s.results) > 0 {
		next = &s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if next == nil {
		ResolveChunk(token, nil, 0, ChunkDelta, nil)
		return nil
	}
	ResolveChunk(token, next.data, next.pts, next.kind, nil)
	return nil
}

func (s *spyVideoSession) CompleteInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes++
	return nil
}

func (s *spyVideoSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	return nil
}

func (s *spyVideoSession) counts() (pushes, pulls, completes, destroys int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushes, s.pulls, s.completes, s.destroys
}

// spyAudioSession mirrors spyVideoSession for the audio interface.
type spyAudioSession struct {
	mu        sync.Mutex
	results   []synthChunk
	pushes    int
	completes int
	destroys  int
}

func (s *spyAudioSession) PushSamples(chunk *RawAudioChunk, token uint64) error {
	s.mu.Lock()
	s.pushes++
	s.mu.Unlock()
	ResolveSignal(token, nil)
	return nil
}

func (s *spyAudioSession) PullChunk(token uint64) error {
	s.mu.Lock()
	var next *synthChunk
	if len(s.results) > 0 {
		next = &s.results[0]
		s.results = s.results[1:]
	}
	s.mu.Unlock()
	if next == nil {
		ResolveChunk(token, nil, 0, ChunkDelta, nil)
		return nil
	}
	ResolveChunk(token, next.data, next.pts, next.kind, nil)
	return nil
}

func (s *spyAudioSession) CompleteInput() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes++
	return nil
}

func (s *spyAudioSession) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroys++
	return nil
}

// spyBackend mints the pre-built sessions above.
type spyBackend struct {
	video    *spyVideoSession
	audio    *spyAudioSession
	videoErr error
	audioErr error
}

func (b *spyBackend) Name() string    { return "spy" }
func (b *spyBackend) Available() bool { return true }

func (b *spyBackend) OpenVideoSession(VideoEncoderOptions, *SharedBufferPool, *Runtime) (VideoSession, error) {
	if b.videoErr != nil {
		return nil, b.videoErr
	}
	return b.video, nil
}

func (b *spyBackend) OpenAudioSession(AudioEncoderOptions, *SharedBufferPool, *Runtime) (AudioSession, error) {
	if b.audioErr != nil {
		return nil, b.audioErr
	}
	return b.audio, nil
}

func testVideoOpts() VideoEncoderOptions {
	return VideoEncoderOptions{Width: 64, Height: 64, FPS: 30, BitrateBps: 200_000}
}

func testVideoFrame(pts float64) *RawFrame {
	return &RawFrame{Data: make([]byte, BGRAFrameBytes(64, 64)), Width: 64, Height: 64, PTS: pts}
}

func TestVideoEncoder_PushPullLifecycle(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	session := &spyVideoSession{results: []synthChunk{
		{data: []byte{0x65, 0x10}, pts: 0, kind: ChunkKey},
		{data: []byte{0x41, 0x20}, pts: 1.0 / 30, kind: ChunkDelta},
	}}
	enc, err := newVideoEncoder(testVideoOpts(), &spyBackend{video: session}, pool, rt)
	if err != nil {
		t.Fatalf("newVideoEncoder() error = %v", err)
	}

	if got := enc.State(); got != EncoderCreated {
		t.Errorf("initial State() = %v, want created", got)
	}

	ctx := context.Background()
	if err := enc.Push(ctx, testVideoFrame(0)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := enc.State(); got != EncoderStreaming {
		t.Errorf("State() after Push = %v, want streaming", got)
	}

	for i, want := range []ChunkKind{ChunkKey, ChunkDelta} {
		chunk, err := enc.Pull(ctx)
		if err != nil {
			t.Fatalf("Pull() %d error = %v", i, err)
		}
		if chunk.Kind != want {
			t.Errorf("chunk %d Kind = %v, want %v", i, chunk.Kind, want)
		}
		if err := chunk.Release(); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
	}

	if err := enc.CompleteInput(); err != nil {
		t.Fatalf("CompleteInput() error = %v", err)
	}
	if got := enc.State(); got != EncoderInputCompleted {
		t.Errorf("State() after CompleteInput = %v, want input-completed", got)
	}
	// Idempotent, and the second call must not reach the backend.
	if err := enc.CompleteInput(); err != nil {
		t.Fatalf("second CompleteInput() error = %v", err)
	}

	eos, err := enc.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() at end error = %v", err)
	}
	if !eos.Empty() {
		t.Fatal("Pull() after drain is not the sentinel")
	}
	if got := enc.State(); got != EncoderDrained {
		t.Errorf("State() after sentinel = %v, want drained", got)
	}

	// Repeated pulls keep returning the sentinel without new backend calls.
	_, pullsBefore, _, _ := session.counts()
	again, err := enc.Pull(ctx)
	if err != nil || !again.Empty() {
		t.Fatalf("repeated Pull() = (%v, %v), want sentinel", again, err)
	}
	pushes, pullsAfter, completes, _ := session.counts()
	if pullsAfter != pullsBefore {
		t.Errorf("backend pulls after drain = %d, want %d", pullsAfter, pullsBefore)
	}
	if pushes != 1 {
		t.Errorf("backend pushes = %d, want 1", pushes)
	}
	if completes != 1 {
		t.Errorf("backend completes = %d, want 1", completes)
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := enc.State(); got != EncoderDisposed {
		t.Errorf("State() after Close = %v, want disposed", got)
	}
	_, _, _, destroys := session.counts()
	if destroys != 1 {
		t.Errorf("backend destroys = %d, want 1", destroys)
	}
}

func TestVideoEncoder_PushValidation(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	session := &spyVideoSession{}
	enc, err := newVideoEncoder(testVideoOpts(), &spyBackend{video: session}, pool, rt)
	if err != nil {
		t.Fatalf("newVideoEncoder() error = %v", err)
	}
	defer enc.Close()

	ctx := context.Background()
	if err := enc.Push(ctx, nil); KindOf(err) != KindConfiguration {
		t.Errorf("Push(nil) error = %v, want configuration kind", err)
	}
	short := &RawFrame{Data: make([]byte, 16), Width: 64, Height: 64}
	if err := enc.Push(ctx, short); KindOf(err) != KindConfiguration {
		t.Errorf("Push(short frame) error = %v, want configuration kind", err)
	}

	if pushes, _, _, _ := session.counts(); pushes != 0 {
		t.Errorf("backend pushes = %d, want 0 for rejected frames", pushes)
	}
}

func TestVideoEncoder_PushAfterCompleteInput(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	session := &spyVideoSession{}
	enc, err := newVideoEncoder(testVideoOpts(), &spyBackend{video: session}, pool, rt)
	if err != nil {
		t.Fatalf("newVideoEncoder() error = %v", err)
	}
	defer enc.Close()

	if err := enc.CompleteInput(); err != nil {
		t.Fatalf("CompleteInput() error = %v", err)
	}
	if err := enc.Push(context.Background(), testVideoFrame(0)); !IsDisposed(err) {
		t.Errorf("Push() after CompleteInput error = %v, want disposed kind", err)
	}
	if pushes, _, _, _ := session.counts(); pushes != 0 {
		t.Errorf("backend pushes = %d, want 0 after input completed", pushes)
	}
}

func TestVideoEncoder_OpenFailure(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	openErr := errInitf("spy.open", "no encoder hardware")
	if _, err := newVideoEncoder(testVideoOpts(), &spyBackend{videoErr: openErr}, pool, rt); !errors.Is(err, openErr) {
		t.Errorf("newVideoEncoder() error = %v, want the backend open error", err)
	}
}

func TestVideoEncoder_BackendCallFailureReleasesRuntime(t *testing.T) {
	rt := NewRuntime(1)
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	pushErr := errOpf("spy.push", "queue full")
	pullErr := errOpf("spy.pull", "session lost")
	session := &spyVideoSession{pushErr: pushErr, pullErr: pullErr}
	enc, err := newVideoEncoder(testVideoOpts(), &spyBackend{video: session}, pool, rt)
	if err != nil {
		t.Fatalf("newVideoEncoder() error = %v", err)
	}

	ctx := context.Background()
	if err := enc.Push(ctx, testVideoFrame(0)); !errors.Is(err, pushErr) {
		t.Errorf("Push() error = %v, want the backend error", err)
	}
	if _, err := enc.Pull(ctx); !errors.Is(err, pullErr) {
		t.Errorf("Pull() error = %v, want the backend error", err)
	}

	// Both failed calls canceled their completion tokens, so teardown does not
	// wait on callbacks that will never fire.
	closed := make(chan struct{})
	go func() {
		rt.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() blocked on canceled completions")
	}
}

func TestAudioEncoder_PushValidation(t *testing.T) {
	rt := NewRuntime(1)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	session := &spyAudioSession{}
	opts := AudioEncoderOptions{SampleRate: 48000, Channels: 2, BitrateBps: 128000}
	enc, err := newAudioEncoder(opts, &spyBackend{audio: session}, pool, rt)
	if err != nil {
		t.Fatalf("newAudioEncoder() error = %v", err)
	}
	defer enc.Close()

	ctx := context.Background()
	tests := []struct {
		name  string
		chunk *RawAudioChunk
	}{
		{"nil", nil},
		{"empty", &RawAudioChunk{}},
		{"partial sample frame", &RawAudioChunk{Data: make([]byte, 6)}}, // stereo S16 needs multiples of 4
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := enc.Push(ctx, tt.chunk); KindOf(err) != KindConfiguration {
				t.Errorf("Push() error = %v, want configuration kind", err)
			}
		})
	}

	session.mu.Lock()
	pushes := session.pushes
	session.mu.Unlock()
	if pushes != 0 {
		t.Errorf("backend pushes = %d, want 0 for rejected chunks", pushes)
	}
}

func TestAudioEncoder_Lifecycle(t *testing.T) {
	rt := NewRuntime(2)
	defer rt.Close()
	pool := NewSharedBufferPool(0)
	defer pool.Close()

	adts, err := WrapADTS(48000, 2, []byte{0x21, 0x10})
	if err != nil {
		t.Fatalf("WrapADTS() error = %v", err)
	}
	session := &spyAudioSession{results: []synthChunk{{data: adts, pts: 0, kind: ChunkKey}}}
	opts := AudioEncoderOptions{SampleRate: 48000, Channels: 2, BitrateBps: 128000}
	enc, err := newAudioEncoder(opts, &spyBackend{audio: session}, pool, rt)
	if err != nil {
		t.Fatalf("newAudioEncoder() error = %v", err)
	}

	ctx := context.Background()
	chunk := &RawAudioChunk{Data: make([]byte, 1024*4), SampleIndex: 0}
	if err := enc.Push(ctx, chunk); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := enc.State(); got != EncoderStreaming {
		t.Errorf("State() after Push = %v, want streaming", got)
	}

	out, err := enc.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	if out.Empty() || out.Kind != ChunkKey {
		t.Errorf("Pull() = empty %v kind %v, want an audio key chunk", out.Empty(), out.Kind)
	}
	out.Release()

	if err := enc.CompleteInput(); err != nil {
		t.Fatalf("CompleteInput() error = %v", err)
	}
	eos, err := enc.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull() at end error = %v", err)
	}
	if !eos.Empty() {
		t.Fatal("Pull() after drain is not the sentinel")
	}
	if got := enc.State(); got != EncoderDrained {
		t.Errorf("State() = %v, want drained", got)
	}

	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := enc.Push(ctx, chunk); !IsDisposed(err) {
		t.Errorf("Push() after Close error = %v, want disposed kind", err)
	}
	if _, err := enc.Pull(ctx); !IsDisposed(err) {
		t.Errorf("Pull() after Close error = %v, want disposed kind", err)
	}
}
