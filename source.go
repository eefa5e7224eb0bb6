package mediarec

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"time"
)

// VideoSource produces raw BGRA frames for a Recorder's video pump.
// ReadFrame returns io.EOF when the source is exhausted; the pump turns that
// into the encoder's CompleteInput. The returned frame is valid until the
// next ReadFrame call.
type VideoSource interface {
	io.Closer
	ReadFrame(ctx context.Context) (*RawFrame, error)
}

// AudioSource produces raw S16 PCM chunks for a Recorder's audio pump, with
// the same io.EOF and buffer reuse contract as VideoSource.
type AudioSource interface {
	io.Closer
	ReadChunk(ctx context.Context) (*RawAudioChunk, error)
}

// TestPatternConfig configures the synthetic video source.
type TestPatternConfig struct {
	Width  int
	Height int
	FPS    int

	// FrameCount bounds the stream; 0 means unlimited.
	FrameCount int

	// Realtime paces ReadFrame at the configured FPS instead of returning
	// as fast as the caller pulls.
	Realtime bool
}

// DefaultTestPatternConfig returns 1280x720 at 30 fps, unlimited, unpaced.
func DefaultTestPatternConfig() TestPatternConfig {
	return TestPatternConfig{Width: 1280, Height: 720, FPS: 30}
}

// TestPatternSource generates scrolling color bars in BGRA. Single reader;
// the frame buffer is reused across ReadFrame calls.
type TestPatternSource struct {
	config TestPatternConfig
	frame  []byte
	index  int
	start  time.Time
	closed bool
}

// NewTestPatternSource creates a test pattern source, applying defaults for
// unset dimensions and rate.
func NewTestPatternSource(config TestPatternConfig) *TestPatternSource {
	if config.Width <= 0 {
		config.Width = 1280
	}
	if config.Height <= 0 {
		config.Height = 720
	}
	if config.FPS <= 0 {
		config.FPS = 30
	}
	return &TestPatternSource{
		config: config,
		frame:  make([]byte, BGRAFrameBytes(config.Width, config.Height)),
	}
}

// bgraBars is a rough SMPTE bar palette in BGRA byte order.
var bgraBars = [8][4]byte{
	{255, 255, 255, 255}, // white
	{0, 255, 255, 255},   // yellow
	{255, 255, 0, 255},   // cyan
	{0, 255, 0, 255},     // green
	{255, 0, 255, 255},   // magenta
	{0, 0, 255, 255},     // red
	{255, 0, 0, 255},     // blue
	{0, 0, 0, 255},       // black
}

func (s *TestPatternSource) ReadFrame(ctx context.Context) (*RawFrame, error) {
	if s.closed {
		return nil, errDisposed("pattern.read")
	}
	if s.config.FrameCount > 0 && s.index >= s.config.FrameCount {
		return nil, io.EOF
	}
	if s.config.Realtime {
		if s.index == 0 {
			s.start = time.Now()
		}
		due := s.start.Add(time.Duration(s.index) * time.Second / time.Duration(s.config.FPS))
		if wait := time.Until(due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}
	}

	s.render()
	frame := &RawFrame{
		Data:   s.frame,
		Width:  s.config.Width,
		Height: s.config.Height,
		PTS:    float64(s.index) / float64(s.config.FPS),
	}
	s.index++
	return frame, nil
}

func (s *TestPatternSource) render() {
	barWidth := s.config.Width / len(bgraBars)
	if barWidth < 1 {
		barWidth = 1
	}
	offset := s.index * 2 // scroll two pixels per frame
	for y := 0; y < s.config.Height; y++ {
		row := s.frame[y*s.config.Width*4:]
		for x := 0; x < s.config.Width; x++ {
			c := bgraBars[((x+offset)/barWidth)%len(bgraBars)]
			copy(row[x*4:x*4+4], c[:])
		}
	}
}

func (s *TestPatternSource) Close() error {
	s.closed = true
	return nil
}

// ToneConfig configures the synthetic audio source.
type ToneConfig struct {
	SampleRate int
	Channels   int

	// Frequency of the sine tone in Hz; 440 when unset.
	Frequency float64

	// Amplitude in 0..1 of full scale; 0.25 when unset.
	Amplitude float64

	// ChunkFrames is the number of sample frames per ReadChunk; 1024 when
	// unset.
	ChunkFrames int

	// TotalFrames bounds the stream; 0 means unlimited.
	TotalFrames int64
}

// DefaultToneConfig returns a 440 Hz tone at 48 kHz stereo.
func DefaultToneConfig() ToneConfig {
	return ToneConfig{SampleRate: 48000, Channels: 2}
}

// ToneSource generates an S16 sine tone. Single reader; the sample buffer is
// reused across ReadChunk calls.
type ToneSource struct {
	config ToneConfig
	buf    []byte
	index  int64
	closed bool
}

// NewToneSource creates a tone source, applying defaults for unset fields.
func NewToneSource(config ToneConfig) *ToneSource {
	if config.SampleRate <= 0 {
		config.SampleRate = 48000
	}
	if config.Channels <= 0 {
		config.Channels = 2
	}
	if config.Frequency <= 0 {
		config.Frequency = 440
	}
	if config.Amplitude <= 0 || config.Amplitude > 1 {
		config.Amplitude = 0.25
	}
	if config.ChunkFrames <= 0 {
		config.ChunkFrames = 1024
	}
	return &ToneSource{
		config: config,
		buf:    make([]byte, config.ChunkFrames*2*config.Channels),
	}
}

func (s *ToneSource) ReadChunk(ctx context.Context) (*RawAudioChunk, error) {
	if s.closed {
		return nil, errDisposed("tone.read")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := int64(s.config.ChunkFrames)
	if s.config.TotalFrames > 0 {
		remaining := s.config.TotalFrames - s.index
		if remaining <= 0 {
			return nil, io.EOF
		}
		if remaining < frames {
			frames = remaining
		}
	}

	scale := s.config.Amplitude * 32767
	step := 2 * math.Pi * s.config.Frequency / float64(s.config.SampleRate)
	for i := int64(0); i < frames; i++ {
		v := int16(scale * math.Sin(step*float64(s.index+i)))
		for ch := 0; ch < s.config.Channels; ch++ {
			off := (int(i)*s.config.Channels + ch) * 2
			binary.LittleEndian.PutUint16(s.buf[off:], uint16(v))
		}
	}

	chunk := &RawAudioChunk{
		Data:        s.buf[:frames*2*int64(s.config.Channels)],
		SampleIndex: s.index,
	}
	s.index += frames
	return chunk, nil
}

func (s *ToneSource) Close() error {
	s.closed = true
	return nil
}
