// Core frame and chunk types used across the mediarec package.
package mediarec

// BGRAFrameBytes returns the byte length of one BGRA frame at the given
// dimensions (4 bytes per pixel, interleaved).
func BGRAFrameBytes(width, height int) int {
	return width * height * 4
}

// RawFrame is one uncompressed video frame in interleaved BGRA layout.
// PTS is the presentation timestamp in seconds and is expected to be
// monotonically non-decreasing per stream.
//
// Data may point into a pool-rented SharedBuffer (Buffer non-nil), in which
// case the producer frees the buffer once the push that carried the frame has
// been accepted by the backend. The backend never retains Data past that
// point; it copies what it queues.
type RawFrame struct {
	Data   []byte
	Width  int
	Height int
	PTS    float64

	// Buffer is the pool block backing Data, nil for caller-owned memory.
	Buffer *SharedBuffer
}

// Clone returns a deep copy detached from any pool buffer.
func (f *RawFrame) Clone() *RawFrame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return &RawFrame{
		Data:   data,
		Width:  f.Width,
		Height: f.Height,
		PTS:    f.PTS,
	}
}

// RawAudioChunk is a run of interleaved signed 16-bit little-endian PCM
// samples. The channel count is implied by the stream's AudioEncoderOptions.
//
// SampleIndex is the timestamp in sample frames since stream start; the
// producer advances it by the number of sample frames in each chunk it
// pushes. Seconds conversion happens at the encoder using the configured
// sample rate.
type RawAudioChunk struct {
	Data        []byte
	SampleIndex int64

	// Buffer is the pool block backing Data, nil for caller-owned memory.
	Buffer *SharedBuffer
}

// SampleFrames returns the number of per-channel sample frames in the chunk.
func (c *RawAudioChunk) SampleFrames(channels int) int {
	if channels <= 0 {
		return 0
	}
	return len(c.Data) / (2 * channels)
}

// ChunkKind discriminates encoded chunk payloads.
type ChunkKind uint8

const (
	// ChunkDelta is a predicted frame, decodable only after prior chunks.
	ChunkDelta ChunkKind = iota
	// ChunkKey is an independently decodable frame.
	ChunkKey
	// ChunkMetadata carries codec configuration (parameter sets, audio
	// specific config) rather than picture or sample data.
	ChunkMetadata
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkDelta:
		return "delta"
	case ChunkKey:
		return "key"
	case ChunkMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// EncodedChunk is one compressed chunk pulled from an encoder. The payload
// usually lives in a pool-rented SharedBuffer; whoever holds the chunk owns
// it exclusively and must Release it exactly once. A zero-length chunk is the
// end-of-stream sentinel (check with Empty), never an error.
type EncodedChunk struct {
	PTS  float64
	Kind ChunkKind

	buf      *SharedBuffer
	data     []byte
	size     int
	released bool
}

// NewChunk wraps caller-owned bytes in a chunk, bypassing the pool. Used when
// chunks originate outside an encoder (remuxing paths).
func NewChunk(data []byte, pts float64, kind ChunkKind) *EncodedChunk {
	return &EncodedChunk{PTS: pts, Kind: kind, data: data, size: len(data)}
}

func newPooledChunk(buf *SharedBuffer, size int, pts float64, kind ChunkKind) *EncodedChunk {
	return &EncodedChunk{PTS: pts, Kind: kind, buf: buf, size: size}
}

func newSentinelChunk() *EncodedChunk { return &EncodedChunk{} }

// Empty reports the end-of-stream sentinel.
func (c *EncodedChunk) Empty() bool { return c.size == 0 }

// Len returns the payload length in bytes, 0 for the sentinel.
func (c *EncodedChunk) Len() int { return c.size }

// Bytes returns the payload. Fails with a disposed-kind error after Release,
// including when the backing pool block has since been re-issued.
func (c *EncodedChunk) Bytes() ([]byte, error) {
	if c.released {
		return nil, errDisposed("chunk.bytes")
	}
	if c.buf != nil {
		b, err := c.buf.Bytes()
		if err != nil {
			return nil, err
		}
		return b[:c.size], nil
	}
	return c.data[:c.size], nil
}

// Release returns the backing pool block. Exactly once; a second Release
// fails with a disposed-kind error. Releasing the sentinel is a no-op.
func (c *EncodedChunk) Release() error {
	if c.Empty() {
		return nil
	}
	if c.released {
		return errDisposed("chunk.release")
	}
	c.released = true
	if c.buf != nil {
		return c.buf.Free()
	}
	c.data = nil
	return nil
}
