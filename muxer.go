package mediarec

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// Muxing
// =============================================================================

// Muxer converges the two encoded streams into one container file. The
// expected driving order per stream is push until the encoder's sentinel,
// then Finish; once both streams are finished, Complete finalizes the file
// exactly once. Pushing after the matching Finish fails with a disposed-kind
// error, and Complete before both Finish calls fails with an ordering error
// rather than blocking, since the reference drain loops always finish both
// streams first and an early Complete means the driver is broken.
//
// Writes execute as runtime jobs acknowledged through signal completions,
// like encoder traffic. A pushed chunk stays borrowed until the push
// returns; release it afterwards.
type Muxer struct {
	rt     *Runtime
	writer *mp4Writer

	mu            sync.Mutex
	videoFinished bool
	audioFinished bool
	completed     bool
	closed        bool
}

func newMuxer(path string, rt *Runtime) (*Muxer, error) {
	writer, err := newMP4Writer(path)
	if err != nil {
		return nil, err
	}
	return &Muxer{rt: rt, writer: writer}, nil
}

// PushVideo appends one encoded video chunk to the video track.
func (m *Muxer) PushVideo(ctx context.Context, chunk *EncodedChunk) error {
	if chunk == nil || chunk.Empty() {
		return errConfigf("muxer.push_video", "nil or sentinel chunk")
	}
	m.mu.Lock()
	switch {
	case m.closed, m.completed:
		m.mu.Unlock()
		return errDisposed("muxer.push_video")
	case m.videoFinished:
		m.mu.Unlock()
		return errDisposedf("muxer.push_video", "video stream already finished")
	}
	m.mu.Unlock()

	data, err := chunk.Bytes()
	if err != nil {
		return err
	}
	pts, kind := chunk.PTS, chunk.Kind

	c, err := newSignalCompletion(m.rt)
	if err != nil {
		return err
	}
	token := c.token()
	if err := m.rt.Submit(func() {
		ResolveSignal(token, m.writer.WriteVideo(data, pts, kind))
	}); err != nil {
		c.cancel()
		return err
	}
	return c.wait(ctx, "muxer.push_video")
}

// PushAudio appends one encoded audio chunk to the audio track.
func (m *Muxer) PushAudio(ctx context.Context, chunk *EncodedChunk) error {
	if chunk == nil || chunk.Empty() {
		return errConfigf("muxer.push_audio", "nil or sentinel chunk")
	}
	m.mu.Lock()
	switch {
	case m.closed, m.completed:
		m.mu.Unlock()
		return errDisposed("muxer.push_audio")
	case m.audioFinished:
		m.mu.Unlock()
		return errDisposedf("muxer.push_audio", "audio stream already finished")
	}
	m.mu.Unlock()

	data, err := chunk.Bytes()
	if err != nil {
		return err
	}
	pts := chunk.PTS

	c, err := newSignalCompletion(m.rt)
	if err != nil {
		return err
	}
	token := c.token()
	if err := m.rt.Submit(func() {
		ResolveSignal(token, m.writer.WriteAudio(data, pts))
	}); err != nil {
		c.cancel()
		return err
	}
	return c.wait(ctx, "muxer.push_audio")
}

// FinishVideo marks the video stream complete. Idempotent.
func (m *Muxer) FinishVideo() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.completed {
		return errDisposed("muxer.finish_video")
	}
	if !m.videoFinished {
		m.videoFinished = true
		logrus.Debug("muxer video stream finished")
	}
	return nil
}

// FinishAudio marks the audio stream complete. Idempotent.
func (m *Muxer) FinishAudio() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.completed {
		return errDisposed("muxer.finish_audio")
	}
	if !m.audioFinished {
		m.audioFinished = true
		logrus.Debug("muxer audio stream finished")
	}
	return nil
}

// Complete finalizes the container file. Requires both streams finished;
// runs exactly once. A second Complete fails with a disposed-kind error.
func (m *Muxer) Complete(ctx context.Context) error {
	m.mu.Lock()
	if m.closed || m.completed {
		m.mu.Unlock()
		return errDisposed("muxer.complete")
	}
	if !m.videoFinished || !m.audioFinished {
		video, audio := m.videoFinished, m.audioFinished
		m.mu.Unlock()
		return errOpf("muxer.complete", "streams still open (video finished: %v, audio finished: %v)", video, audio)
	}
	m.completed = true
	m.mu.Unlock()

	c, err := newSignalCompletion(m.rt)
	if err != nil {
		return err
	}
	token := c.token()
	if err := m.rt.Submit(func() {
		ResolveSignal(token, m.writer.Finalize())
	}); err != nil {
		c.cancel()
		return err
	}
	return c.wait(ctx, "muxer.complete")
}

// Close releases the muxer. When Complete has not run, the partial file is
// abandoned without a trailer. Idempotent, and never fails the caller over
// cleanup trouble.
func (m *Muxer) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	return m.writer.Close()
}

func (m *Muxer) disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
