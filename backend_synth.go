package mediarec

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// SynthBackendName identifies the built-in synthetic backend. It stands in
// for a platform encoder wherever none is loaded: output is structurally
// valid H.264 and ADTS AAC (real parameter sets and headers, opaque
// payloads), enough for the whole pipeline to run and produce parseable
// container files on any machine.
const SynthBackendName = "synth"

func init() { RegisterBackend(synthBackend{}, 0) }

type synthBackend struct{}

func (synthBackend) Name() string    { return SynthBackendName }
func (synthBackend) Available() bool { return true }

func (synthBackend) OpenVideoSession(opts VideoEncoderOptions, pool *SharedBufferPool, rt *Runtime) (VideoSession, error) {
	s := &synthVideoSession{
		opts: opts,
		rt:   rt,
		sps:  buildSPS(opts.Width, opts.Height),
		pps:  buildPPS(),
		gop:  opts.FPS, // one keyframe per second of content
		seed: uint64(opts.Width)<<32 ^ uint64(opts.Height)<<16 ^ uint64(opts.BitrateBps),
	}
	logrus.WithFields(logrus.Fields{
		"backend": SynthBackendName,
		"width":   opts.Width,
		"height":  opts.Height,
		"fps":     opts.FPS,
	}).Debug("video session opened")
	return s, nil
}

func (synthBackend) OpenAudioSession(opts AudioEncoderOptions, pool *SharedBufferPool, rt *Runtime) (AudioSession, error) {
	if _, ok := aacSampleRateIndex(opts.SampleRate); !ok {
		return nil, errInitf("synth.audio.open", "sample rate %d not representable in ADTS", opts.SampleRate)
	}
	s := &synthAudioSession{
		opts: opts,
		rt:   rt,
		seed: uint64(opts.SampleRate)<<20 ^ uint64(opts.Channels)<<8 ^ uint64(opts.BitrateBps),
	}
	logrus.WithFields(logrus.Fields{
		"backend":  SynthBackendName,
		"rate":     opts.SampleRate,
		"channels": opts.Channels,
	}).Debug("audio session opened")
	return s, nil
}

// synthPayload fills n bytes from a cheap PCG-style generator, biased into
// 0x10..0xEF so the payload can never contain a zero byte. That keeps Annex B
// data free of start-code emulation without an escaping pass.
func synthPayload(seed uint64, n int) []byte {
	buf := make([]byte, n)
	x := seed ^ 0x9E3779B97F4A7C15
	for i := range buf {
		x = x*6364136223846793005 + 1442695040888963407
		buf[i] = byte(0x10 + (x>>33)%0xE0)
	}
	return buf
}

type synthChunk struct {
	data []byte
	pts  float64
	kind ChunkKind
}

type synthDispatch struct {
	token uint64
	chunk synthChunk
}

// synthVideoSession emits one metadata chunk (SPS+PPS) ahead of the first
// picture, an IDR on every GOP boundary, and non-IDR slices in between, all
// in push order.
type synthVideoSession struct {
	opts VideoEncoderOptions
	rt   *Runtime
	sps  []byte
	pps  []byte
	gop  int
	seed uint64

	mu          sync.Mutex
	destroyed   bool
	inputDone   bool
	pendingJobs int
	frameIndex  int
	outputs     []synthChunk
	waiters     []uint64
}

func (s *synthVideoSession) PushFrame(frame *RawFrame, token uint64) error {
	s.mu.Lock()
	if s.destroyed || s.inputDone {
		s.mu.Unlock()
		return errDisposed("synth.video.push")
	}
	s.pendingJobs++
	idx := s.frameIndex
	s.frameIndex++
	s.mu.Unlock()

	if err := s.rt.Submit(func() { s.encode(frame, idx, token) }); err != nil {
		s.finishJob()
		return err
	}
	return nil
}

func (s *synthVideoSession) encode(frame *RawFrame, idx int, token uint64) {
	seed := s.seed + uint64(idx)*2654435761
	if len(frame.Data) > 0 {
		// Payload varies with content, like a real encoder's would.
		seed ^= uint64(frame.Data[0]) | uint64(frame.Data[len(frame.Data)/2])<<8 | uint64(frame.Data[len(frame.Data)-1])<<16
	}

	var emitted []synthChunk
	if idx == 0 {
		emitted = append(emitted, synthChunk{data: annexBJoin(s.sps, s.pps), pts: frame.PTS, kind: ChunkMetadata})
	}
	base := s.opts.BitrateBps / 8 / s.opts.FPS
	if base < 64 {
		base = 64
	}
	var nalu []byte
	var kind ChunkKind
	if idx%s.gop == 0 {
		nalu = append([]byte{0x65}, synthPayload(seed, base*2)...) // IDR slice
		kind = ChunkKey
	} else {
		nalu = append([]byte{0x41}, synthPayload(seed, base/2+32)...) // non-IDR slice
		kind = ChunkDelta
	}
	emitted = append(emitted, synthChunk{data: annexBJoin(nalu), pts: frame.PTS, kind: kind})

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		ResolveSignal(token, errDisposed("synth.video.push"))
		s.finishJob()
		return
	}
	s.outputs = append(s.outputs, emitted...)
	dispatch := s.dispatchLocked()
	s.mu.Unlock()

	for _, d := range dispatch {
		ResolveChunk(d.token, d.chunk.data, d.chunk.pts, d.chunk.kind, nil)
	}
	ResolveSignal(token, nil)
	s.finishJob()
}

func (s *synthVideoSession) dispatchLocked() []synthDispatch {
	var out []synthDispatch
	for len(s.outputs) > 0 && len(s.waiters) > 0 {
		out = append(out, synthDispatch{token: s.waiters[0], chunk: s.outputs[0]})
		s.waiters = s.waiters[1:]
		s.outputs = s.outputs[1:]
	}
	return out
}

func (s *synthVideoSession) drainedLocked() bool {
	return s.inputDone && s.pendingJobs == 0 && len(s.outputs) == 0
}

// finishJob retires one encode job and, once the session is fully drained,
// answers every parked pull with the end-of-stream sentinel.
func (s *synthVideoSession) finishJob() {
	s.mu.Lock()
	s.pendingJobs--
	var eos []uint64
	if s.drainedLocked() {
		eos = s.waiters
		s.waiters = nil
	}
	s.mu.Unlock()
	for _, t := range eos {
		ResolveChunk(t, nil, 0, ChunkDelta, nil)
	}
}

func (s *synthVideoSession) PullChunk(token uint64) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errDisposed("synth.video.pull")
	}
	if len(s.outputs) > 0 {
		out := s.outputs[0]
		s.outputs = s.outputs[1:]
		s.mu.Unlock()
		ResolveChunk(token, out.data, out.pts, out.kind, nil)
		return nil
	}
	if s.drainedLocked() {
		s.mu.Unlock()
		ResolveChunk(token, nil, 0, ChunkDelta, nil)
		return nil
	}
	s.waiters = append(s.waiters, token)
	s.mu.Unlock()
	return nil
}

func (s *synthVideoSession) CompleteInput() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errDisposed("synth.video.complete")
	}
	if s.inputDone {
		s.mu.Unlock()
		return nil
	}
	s.inputDone = true
	var eos []uint64
	if s.drainedLocked() {
		eos = s.waiters
		s.waiters = nil
	}
	s.mu.Unlock()
	for _, t := range eos {
		ResolveChunk(t, nil, 0, ChunkDelta, nil)
	}
	return nil
}

func (s *synthVideoSession) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	waiters := s.waiters
	s.waiters = nil
	s.outputs = nil
	s.mu.Unlock()
	for _, t := range waiters {
		ResolveChunk(t, nil, 0, ChunkDelta, errDisposed("synth.video.pull"))
	}
	logrus.WithField("backend", SynthBackendName).Debug("video session destroyed")
	return nil
}

// aacFrameSamples is the AAC access unit size in per-channel sample frames.
const aacFrameSamples = 1024

// synthAudioSession groups incoming PCM into 1024-sample access units and
// emits one ADTS frame per unit. All audio chunks are key chunks.
type synthAudioSession struct {
	opts AudioEncoderOptions
	rt   *Runtime
	seed uint64

	mu          sync.Mutex
	destroyed   bool
	inputDone   bool
	pendingJobs int
	pcm         []byte
	baseSample  int64
	haveBase    bool
	frameCount  int
	outputs     []synthChunk
	waiters     []uint64
}

func (s *synthAudioSession) PushSamples(chunk *RawAudioChunk, token uint64) error {
	s.mu.Lock()
	if s.destroyed || s.inputDone {
		s.mu.Unlock()
		return errDisposed("synth.audio.push")
	}
	s.pendingJobs++
	s.mu.Unlock()

	if err := s.rt.Submit(func() { s.encode(chunk, token) }); err != nil {
		s.finishJob()
		return err
	}
	return nil
}

func (s *synthAudioSession) encode(chunk *RawAudioChunk, token uint64) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		ResolveSignal(token, errDisposed("synth.audio.push"))
		s.finishJob()
		return
	}
	if !s.haveBase {
		s.baseSample = chunk.SampleIndex
		s.haveBase = true
	}
	s.pcm = append(s.pcm, chunk.Data...)
	frameBytes := aacFrameSamples * 2 * s.opts.Channels
	for len(s.pcm) >= frameBytes {
		s.emitFrameLocked()
		s.pcm = s.pcm[frameBytes:]
	}
	s.pcm = append(s.pcm[:0:0], s.pcm...) // drop consumed prefix for good
	dispatch := s.dispatchLocked()
	s.mu.Unlock()

	for _, d := range dispatch {
		ResolveChunk(d.token, d.chunk.data, d.chunk.pts, d.chunk.kind, nil)
	}
	ResolveSignal(token, nil)
	s.finishJob()
}

// emitFrameLocked appends one ADTS frame covering the next aacFrameSamples
// sample frames. Caller holds s.mu and guarantees enough buffered PCM.
func (s *synthAudioSession) emitFrameLocked() {
	pts := float64(s.baseSample) / float64(s.opts.SampleRate)
	payloadLen := s.opts.BitrateBps / 8 * aacFrameSamples / s.opts.SampleRate
	if payloadLen < 8 {
		payloadLen = 8
	}
	payload := synthPayload(s.seed+uint64(s.frameCount)*2246822519, payloadLen)
	hdr, err := adtsHeader(s.opts.SampleRate, s.opts.Channels, len(payload))
	if err != nil {
		// Rate was checked at open; only channel abuse could land here.
		logrus.WithError(err).Error("ADTS header build failed, frame dropped")
		return
	}
	s.outputs = append(s.outputs, synthChunk{data: append(hdr, payload...), pts: pts, kind: ChunkKey})
	s.baseSample += aacFrameSamples
	s.frameCount++
}

func (s *synthAudioSession) dispatchLocked() []synthDispatch {
	var out []synthDispatch
	for len(s.outputs) > 0 && len(s.waiters) > 0 {
		out = append(out, synthDispatch{token: s.waiters[0], chunk: s.outputs[0]})
		s.waiters = s.waiters[1:]
		s.outputs = s.outputs[1:]
	}
	return out
}

func (s *synthAudioSession) drainedLocked() bool {
	return s.inputDone && s.pendingJobs == 0 && len(s.outputs) == 0 && len(s.pcm) == 0
}

func (s *synthAudioSession) finishJob() {
	s.mu.Lock()
	s.pendingJobs--
	if s.inputDone && s.pendingJobs == 0 {
		s.flushTailLocked()
	}
	// The tail flush may have produced a frame a parked pull is waiting for.
	dispatch := s.dispatchLocked()
	var eos []uint64
	if s.drainedLocked() {
		eos = s.waiters
		s.waiters = nil
	}
	s.mu.Unlock()
	for _, d := range dispatch {
		ResolveChunk(d.token, d.chunk.data, d.chunk.pts, d.chunk.kind, nil)
	}
	for _, t := range eos {
		ResolveChunk(t, nil, 0, ChunkDelta, nil)
	}
}

// flushTailLocked pads the trailing partial access unit with silence and
// emits it, so no pushed samples are lost at end of stream.
func (s *synthAudioSession) flushTailLocked() {
	if len(s.pcm) == 0 || !s.haveBase {
		return
	}
	frameBytes := aacFrameSamples * 2 * s.opts.Channels
	s.pcm = append(s.pcm, make([]byte, frameBytes-len(s.pcm))...)
	s.emitFrameLocked()
	s.pcm = nil
}

func (s *synthAudioSession) PullChunk(token uint64) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errDisposed("synth.audio.pull")
	}
	if len(s.outputs) > 0 {
		out := s.outputs[0]
		s.outputs = s.outputs[1:]
		s.mu.Unlock()
		ResolveChunk(token, out.data, out.pts, out.kind, nil)
		return nil
	}
	if s.drainedLocked() {
		s.mu.Unlock()
		ResolveChunk(token, nil, 0, ChunkDelta, nil)
		return nil
	}
	s.waiters = append(s.waiters, token)
	s.mu.Unlock()
	return nil
}

func (s *synthAudioSession) CompleteInput() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errDisposed("synth.audio.complete")
	}
	if s.inputDone {
		s.mu.Unlock()
		return nil
	}
	s.inputDone = true
	if s.pendingJobs == 0 {
		s.flushTailLocked()
	}
	var dispatch []synthDispatch
	var eos []uint64
	dispatch = s.dispatchLocked()
	if s.drainedLocked() {
		eos = s.waiters
		s.waiters = nil
	}
	s.mu.Unlock()
	for _, d := range dispatch {
		ResolveChunk(d.token, d.chunk.data, d.chunk.pts, d.chunk.kind, nil)
	}
	for _, t := range eos {
		ResolveChunk(t, nil, 0, ChunkDelta, nil)
	}
	return nil
}

func (s *synthAudioSession) Destroy() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	waiters := s.waiters
	s.waiters = nil
	s.outputs = nil
	s.pcm = nil
	s.mu.Unlock()
	for _, t := range waiters {
		ResolveChunk(t, nil, 0, ChunkDelta, errDisposed("synth.audio.pull"))
	}
	logrus.WithField("backend", SynthBackendName).Debug("audio session destroyed")
	return nil
}
