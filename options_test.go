package mediarec

import "testing"

func TestVideoEncoderOptions_Validate(t *testing.T) {
	valid := VideoEncoderOptions{Width: 1280, Height: 720, FPS: 30, BitrateBps: 4_000_000}

	tests := []struct {
		name    string
		mutate  func(*VideoEncoderOptions)
		wantErr bool
	}{
		{"valid", func(o *VideoEncoderOptions) {}, false},
		{"zero width", func(o *VideoEncoderOptions) { o.Width = 0 }, true},
		{"negative width", func(o *VideoEncoderOptions) { o.Width = -1280 }, true},
		{"zero height", func(o *VideoEncoderOptions) { o.Height = 0 }, true},
		{"negative height", func(o *VideoEncoderOptions) { o.Height = -720 }, true},
		{"zero fps", func(o *VideoEncoderOptions) { o.FPS = 0 }, true},
		{"negative fps", func(o *VideoEncoderOptions) { o.FPS = -30 }, true},
		{"zero bitrate", func(o *VideoEncoderOptions) { o.BitrateBps = 0 }, true},
		{"negative bitrate", func(o *VideoEncoderOptions) { o.BitrateBps = -1 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != KindConfiguration {
				t.Errorf("KindOf() = %v, want KindConfiguration", KindOf(err))
			}
		})
	}
}

func TestAudioEncoderOptions_Validate(t *testing.T) {
	valid := AudioEncoderOptions{SampleRate: 48000, Channels: 2, BitrateBps: 128000}

	tests := []struct {
		name    string
		mutate  func(*AudioEncoderOptions)
		wantErr bool
	}{
		{"valid", func(o *AudioEncoderOptions) {}, false},
		{"zero sample rate", func(o *AudioEncoderOptions) { o.SampleRate = 0 }, true},
		{"negative sample rate", func(o *AudioEncoderOptions) { o.SampleRate = -48000 }, true},
		{"zero channels", func(o *AudioEncoderOptions) { o.Channels = 0 }, true},
		{"negative channels", func(o *AudioEncoderOptions) { o.Channels = -2 }, true},
		{"zero bitrate", func(o *AudioEncoderOptions) { o.BitrateBps = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid
			tt.mutate(&opts)
			err := opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && KindOf(err) != KindConfiguration {
				t.Errorf("KindOf() = %v, want KindConfiguration", KindOf(err))
			}
		})
	}
}

func TestClampVideoBitrate(t *testing.T) {
	// 1280x720@30: 27,648,000 pixels/s gives bounds [2,765,800, 5,504,600].
	tests := []struct {
		name      string
		w, h, fps int
		requested int
		want      int
	}{
		{"below floor", 1280, 720, 30, 1_000_000, 2_765_800},
		{"at floor", 1280, 720, 30, 2_765_800, 2_765_800},
		{"inside", 1280, 720, 30, 4_000_000, 4_000_000},
		{"at ceiling", 1280, 720, 30, 5_504_600, 5_504_600},
		{"above ceiling", 1280, 720, 30, 10_000_000, 5_504_600},
		// 64x64@30 is small enough that the raw bounds invert; after the swap
		// the ceiling is 13,288.
		{"tiny geometry inside", 64, 64, 30, 5_000, 5_000},
		{"tiny geometry clamped", 64, 64, 30, 1_000_000, 13_288},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClampVideoBitrate(tt.w, tt.h, tt.fps, tt.requested); got != tt.want {
				t.Errorf("ClampVideoBitrate(%d, %d, %d, %d) = %d, want %d",
					tt.w, tt.h, tt.fps, tt.requested, got, tt.want)
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	video := DefaultVideoEncoderOptions(1280, 720, 30)
	if err := video.Validate(); err != nil {
		t.Errorf("default video options Validate() error = %v", err)
	}
	_, hi := videoBitrateBounds(1280, 720, 30)
	if video.BitrateBps != hi {
		t.Errorf("default video bitrate = %d, want policy ceiling %d", video.BitrateBps, hi)
	}

	audio := DefaultAudioEncoderOptions()
	if err := audio.Validate(); err != nil {
		t.Errorf("default audio options Validate() error = %v", err)
	}
	if audio.SampleRate != 48000 || audio.Channels != 2 {
		t.Errorf("default audio = %d Hz %d ch, want 48000 Hz 2 ch", audio.SampleRate, audio.Channels)
	}
}
