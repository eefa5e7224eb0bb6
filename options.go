package mediarec

// VideoEncoderOptions configures one video stream. All fields must be
// positive; validation runs before any backend call so a bad configuration
// never allocates native resources.
type VideoEncoderOptions struct {
	Width      int
	Height     int
	FPS        int // pacing hint for the backend rate control
	BitrateBps int
}

// DefaultVideoEncoderOptions returns options for the given geometry with the
// bitrate set to the policy ceiling for that geometry.
func DefaultVideoEncoderOptions(width, height, fps int) VideoEncoderOptions {
	_, hi := videoBitrateBounds(width, height, fps)
	return VideoEncoderOptions{Width: width, Height: height, FPS: fps, BitrateBps: hi}
}

// Validate reports a configuration-kind error for any non-positive field.
func (o VideoEncoderOptions) Validate() error {
	if o.Width <= 0 {
		return errConfigf("video.options", "width must be positive, got %d", o.Width)
	}
	if o.Height <= 0 {
		return errConfigf("video.options", "height must be positive, got %d", o.Height)
	}
	if o.FPS <= 0 {
		return errConfigf("video.options", "fps must be positive, got %d", o.FPS)
	}
	if o.BitrateBps <= 0 {
		return errConfigf("video.options", "bitrate must be positive, got %d", o.BitrateBps)
	}
	return nil
}

// AudioEncoderOptions configures one audio stream. All fields must be
// positive.
type AudioEncoderOptions struct {
	SampleRate int
	Channels   int
	BitrateBps int
}

// DefaultAudioEncoderOptions returns 48 kHz stereo at 128 kbps.
func DefaultAudioEncoderOptions() AudioEncoderOptions {
	return AudioEncoderOptions{SampleRate: 48000, Channels: 2, BitrateBps: 128000}
}

// Validate reports a configuration-kind error for any non-positive field.
func (o AudioEncoderOptions) Validate() error {
	if o.SampleRate <= 0 {
		return errConfigf("audio.options", "sample rate must be positive, got %d", o.SampleRate)
	}
	if o.Channels <= 0 {
		return errConfigf("audio.options", "channels must be positive, got %d", o.Channels)
	}
	if o.BitrateBps <= 0 {
		return errConfigf("audio.options", "bitrate must be positive, got %d", o.BitrateBps)
	}
	return nil
}

// videoBitrateBounds computes the clamp policy bounds for a geometry:
// 0.1 bits and 0.2 bits per pixel per second, offset so tiny captures keep a
// workable floor and large captures lose some headroom. The bounds swap when
// the geometry is small enough to invert them.
func videoBitrateBounds(width, height, fps int) (lo, hi int) {
	pps := float64(width) * float64(height) * float64(fps)
	a := pps*0.1 + 1000
	b := pps*0.2 - 25000
	if b < a {
		a, b = b, a
	}
	return int(a), int(b)
}

// ClampVideoBitrate bounds a requested bitrate for the given geometry. This
// is a sizing policy to keep output files proportionate across arbitrary
// capture resolutions, not a codec requirement; callers that know better can
// skip it by configuring the backend directly.
func ClampVideoBitrate(width, height, fps, requested int) int {
	lo, hi := videoBitrateBounds(width, height, fps)
	if requested < lo {
		return lo
	}
	if requested > hi {
		return hi
	}
	return requested
}
