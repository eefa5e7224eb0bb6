package mediarec

// ScaleMode defines how scaling should handle aspect ratio mismatches.
type ScaleMode int

const (
	// ScaleModeFit scales to fit within target dimensions, preserving aspect ratio (may letterbox).
	ScaleModeFit ScaleMode = iota
	// ScaleModeFill scales to fill target dimensions, preserving aspect ratio (may crop).
	ScaleModeFill
	// ScaleModeStretch scales to exactly match target dimensions (may distort).
	ScaleModeStretch
)

// FrameScaler scales BGRA frames. The output buffer is reused across Scale
// calls, so a scaled frame is valid until the next call.
type FrameScaler struct {
	dstWidth, dstHeight int
	mode                ScaleMode

	out []byte
}

// NewFrameScaler creates a scaler targeting the given dimensions.
func NewFrameScaler(dstWidth, dstHeight int, mode ScaleMode) *FrameScaler {
	return &FrameScaler{
		dstWidth:  dstWidth,
		dstHeight: dstHeight,
		mode:      mode,
		out:       make([]byte, BGRAFrameBytes(dstWidth, dstHeight)),
	}
}

// Scale scales a BGRA frame to the target dimensions.
func (s *FrameScaler) Scale(frame *RawFrame) *RawFrame {
	if frame.Width == s.dstWidth && frame.Height == s.dstHeight {
		// No scaling needed
		return frame
	}

	// Source region depends on scale mode (Fill crops).
	srcX, srcY, srcW, srcH := s.calculateSourceRegion(frame.Width, frame.Height)

	// Destination region depends on scale mode (Fit letterboxes).
	dstX, dstY, dstW, dstH := 0, 0, s.dstWidth, s.dstHeight
	if s.mode == ScaleModeFit {
		dstW, dstH = CalculateScaledSize(frame.Width, frame.Height, s.dstWidth, s.dstHeight, ScaleModeFit)
		dstX = (s.dstWidth - dstW) / 2
		dstY = (s.dstHeight - dstH) / 2
		if dstW != s.dstWidth || dstH != s.dstHeight {
			s.clearOutput()
		}
	}

	s.scaleRegion(frame.Data, frame.Width*4, srcX, srcY, srcW, srcH, dstX, dstY, dstW, dstH)

	return &RawFrame{
		Data:   s.out,
		Width:  s.dstWidth,
		Height: s.dstHeight,
		PTS:    frame.PTS,
	}
}

// clearOutput paints the letterbox bars black (opaque alpha).
func (s *FrameScaler) clearOutput() {
	for i := 0; i < len(s.out); i += 4 {
		s.out[i] = 0
		s.out[i+1] = 0
		s.out[i+2] = 0
		s.out[i+3] = 255
	}
}

// calculateSourceRegion determines what region of the source to use based on scale mode.
func (s *FrameScaler) calculateSourceRegion(srcW, srcH int) (x, y, w, h int) {
	switch s.mode {
	case ScaleModeFill:
		// Crop source to match target aspect ratio
		srcAspect := float64(srcW) / float64(srcH)
		dstAspect := float64(s.dstWidth) / float64(s.dstHeight)

		if srcAspect > dstAspect {
			// Source is wider, crop horizontally
			newW := int(float64(srcH) * dstAspect)
			return (srcW - newW) / 2, 0, newW, srcH
		} else if srcAspect < dstAspect {
			// Source is taller, crop vertically
			newH := int(float64(srcW) / dstAspect)
			return 0, (srcH - newH) / 2, srcW, newH
		}
		return 0, 0, srcW, srcH

	default:
		// Fit and Stretch use the entire source.
		return 0, 0, srcW, srcH
	}
}

// scaleRegion scales a source region into a destination region using bilinear
// interpolation on each of the four BGRA channels.
func (s *FrameScaler) scaleRegion(src []byte, srcStride, srcX, srcY, srcW, srcH, dstX, dstY, dstW, dstH int) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return
	}

	// Fixed-point scaling factors (16.16)
	xRatio := (srcW << 16) / dstW
	yRatio := (srcH << 16) / dstH
	dstStride := s.dstWidth * 4

	for y := 0; y < dstH; y++ {
		srcYFP := y * yRatio
		srcYInt := srcYFP >> 16
		srcYFrac := srcYFP & 0xFFFF

		row0 := (srcY + srcYInt) * srcStride
		row1 := row0
		if srcYInt+1 < srcH {
			row1 = row0 + srcStride
		}
		dstRow := (dstY + y) * dstStride

		for x := 0; x < dstW; x++ {
			srcXFP := x * xRatio
			srcXInt := srcXFP >> 16
			srcXFrac := srcXFP & 0xFFFF

			col0 := (srcX + srcXInt) * 4
			col1 := col0
			if srcXInt+1 < srcW {
				col1 = col0 + 4
			}
			dstOff := dstRow + (dstX+x)*4

			for ch := 0; ch < 4; ch++ {
				p00 := int(src[row0+col0+ch])
				p10 := int(src[row0+col1+ch])
				p01 := int(src[row1+col0+ch])
				p11 := int(src[row1+col1+ch])

				// Interpolate horizontally, then vertically.
				top := (p00*(0x10000-srcXFrac) + p10*srcXFrac) >> 16
				bottom := (p01*(0x10000-srcXFrac) + p11*srcXFrac) >> 16
				s.out[dstOff+ch] = byte((top*(0x10000-srcYFrac) + bottom*srcYFrac) >> 16)
			}
		}
	}
}

// ScaleFrame is a convenience function to scale a frame without keeping a scaler.
func ScaleFrame(frame *RawFrame, dstWidth, dstHeight int, mode ScaleMode) *RawFrame {
	scaler := NewFrameScaler(dstWidth, dstHeight, mode)
	return scaler.Scale(frame)
}

// CalculateScaledSize returns the output dimensions when scaling with a given mode.
// This is useful for determining letterbox dimensions in ScaleModeFit.
func CalculateScaledSize(srcW, srcH, maxW, maxH int, mode ScaleMode) (w, h int) {
	switch mode {
	case ScaleModeFit:
		srcAspect := float64(srcW) / float64(srcH)
		dstAspect := float64(maxW) / float64(maxH)

		if srcAspect > dstAspect {
			// Source is wider, fit to width
			w = maxW
			h = int(float64(maxW) / srcAspect)
		} else {
			// Source is taller, fit to height
			h = maxH
			w = int(float64(maxH) * srcAspect)
		}
		// Keep dimensions even for the encoders downstream.
		w = (w + 1) &^ 1
		h = (h + 1) &^ 1
		if w > maxW {
			w = maxW
		}
		if h > maxH {
			h = maxH
		}
		return w, h

	case ScaleModeFill, ScaleModeStretch:
		return maxW, maxH

	default:
		return maxW, maxH
	}
}
