package mediarec

import "testing"

func solidFrame(width, height int, c [4]byte) *RawFrame {
	data := make([]byte, BGRAFrameBytes(width, height))
	for i := 0; i < len(data); i += 4 {
		copy(data[i:i+4], c[:])
	}
	return &RawFrame{Data: data, Width: width, Height: height}
}

func pixelAt(frame *RawFrame, x, y int) [4]byte {
	off := (y*frame.Width + x) * 4
	var p [4]byte
	copy(p[:], frame.Data[off:off+4])
	return p
}

func TestCalculateScaledSize(t *testing.T) {
	tests := []struct {
		name         string
		srcW, srcH   int
		maxW, maxH   int
		mode         ScaleMode
		wantW, wantH int
	}{
		{"fit same aspect", 1920, 1080, 1280, 720, ScaleModeFit, 1280, 720},
		{"fit wider source", 1920, 1080, 640, 640, ScaleModeFit, 640, 360},
		{"fit taller source", 1080, 1920, 640, 640, ScaleModeFit, 360, 640},
		{"fit rounds odd to even", 100, 30, 64, 64, ScaleModeFit, 64, 20},
		{"fill always target", 1920, 1080, 640, 640, ScaleModeFill, 640, 640},
		{"stretch always target", 100, 30, 640, 480, ScaleModeStretch, 640, 480},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := CalculateScaledSize(tt.srcW, tt.srcH, tt.maxW, tt.maxH, tt.mode)
			if w != tt.wantW || h != tt.wantH {
				t.Errorf("CalculateScaledSize() = %dx%d, want %dx%d", w, h, tt.wantW, tt.wantH)
			}
		})
	}
}

func TestFrameScaler_NoScaling(t *testing.T) {
	scaler := NewFrameScaler(64, 64, ScaleModeStretch)
	frame := solidFrame(64, 64, [4]byte{1, 2, 3, 255})

	// Should return the same frame when no scaling is needed.
	if got := scaler.Scale(frame); got != frame {
		t.Error("Scale() at target size did not return the input frame")
	}
}

func TestFrameScaler_StretchKeepsSolidColor(t *testing.T) {
	scaler := NewFrameScaler(64, 64, ScaleModeStretch)
	src := solidFrame(32, 16, [4]byte{10, 20, 30, 255})
	src.PTS = 1.25

	out := scaler.Scale(src)
	if out.Width != 64 || out.Height != 64 {
		t.Fatalf("output = %dx%d, want 64x64", out.Width, out.Height)
	}
	if len(out.Data) != BGRAFrameBytes(64, 64) {
		t.Fatalf("output data = %d bytes, want %d", len(out.Data), BGRAFrameBytes(64, 64))
	}
	if out.PTS != 1.25 {
		t.Errorf("output PTS = %v, want 1.25", out.PTS)
	}
	// Bilinear interpolation over a constant field stays constant.
	want := [4]byte{10, 20, 30, 255}
	for _, xy := range [][2]int{{0, 0}, {31, 17}, {63, 63}} {
		if got := pixelAt(out, xy[0], xy[1]); got != want {
			t.Errorf("pixel (%d,%d) = %v, want %v", xy[0], xy[1], got, want)
		}
	}
}

func TestFrameScaler_FitLetterboxes(t *testing.T) {
	scaler := NewFrameScaler(32, 32, ScaleModeFit)
	white := [4]byte{255, 255, 255, 255}
	out := scaler.Scale(solidFrame(64, 16, white))

	// A 4:1 source in a square target lands as a 32x8 band at rows 12..19
	// with black bars above and below.
	black := [4]byte{0, 0, 0, 255}
	tests := []struct {
		x, y int
		want [4]byte
	}{
		{0, 0, black},
		{16, 11, black},
		{0, 12, white},
		{16, 15, white},
		{31, 19, white},
		{16, 20, black},
		{31, 31, black},
	}
	for _, tt := range tests {
		if got := pixelAt(out, tt.x, tt.y); got != tt.want {
			t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, tt.want)
		}
	}
}

func TestFrameScaler_FillCropsCenter(t *testing.T) {
	// Wide source with white flanks and a gray center; Fill into a square
	// keeps only the center, so no white survives.
	src := solidFrame(64, 32, [4]byte{255, 255, 255, 255})
	gray := [4]byte{128, 128, 128, 255}
	for y := 0; y < 32; y++ {
		for x := 16; x < 48; x++ {
			off := (y*64 + x) * 4
			copy(src.Data[off:off+4], gray[:])
		}
	}

	scaler := NewFrameScaler(32, 32, ScaleModeFill)
	out := scaler.Scale(src)
	for _, xy := range [][2]int{{0, 0}, {15, 16}, {31, 31}} {
		if got := pixelAt(out, xy[0], xy[1]); got != gray {
			t.Errorf("pixel (%d,%d) = %v, want cropped center %v", xy[0], xy[1], got, gray)
		}
	}
}

func TestScaleFrame(t *testing.T) {
	out := ScaleFrame(solidFrame(16, 16, [4]byte{5, 6, 7, 255}), 32, 32, ScaleModeStretch)
	if out.Width != 32 || out.Height != 32 {
		t.Errorf("ScaleFrame() = %dx%d, want 32x32", out.Width, out.Height)
	}
}

func BenchmarkFrameScaler_720pTo480p(b *testing.B) {
	frame := solidFrame(1280, 720, [4]byte{40, 80, 120, 255})
	scaler := NewFrameScaler(854, 480, ScaleModeFill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scaler.Scale(frame)
	}
}

func BenchmarkFrameScaler_1080pTo720p(b *testing.B) {
	frame := solidFrame(1920, 1080, [4]byte{40, 80, 120, 255})
	scaler := NewFrameScaler(1280, 720, ScaleModeFill)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scaler.Scale(frame)
	}
}
