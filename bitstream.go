package mediarec

// Structural bitstream helpers for H.264 parameter sets and AAC ADTS
// framing. Parameter sets and headers built here are specification-correct,
// so containers index the streams and probes report the right geometry;
// payload bytes are the backend's business.

import "math/bits"

type bitWriter struct {
	buf  []byte
	cur  byte
	nbit uint8
}

func (w *bitWriter) writeBit(b uint32) {
	w.cur = w.cur<<1 | byte(b&1)
	w.nbit++
	if w.nbit == 8 {
		w.buf = append(w.buf, w.cur)
		w.cur, w.nbit = 0, 0
	}
}

func (w *bitWriter) writeBits(v uint32, n uint8) {
	for i := int(n) - 1; i >= 0; i-- {
		w.writeBit(v >> uint(i))
	}
}

// writeUE writes an unsigned Exp-Golomb code.
func (w *bitWriter) writeUE(v uint32) {
	vv := v + 1
	n := uint8(bits.Len32(vv))
	for i := uint8(0); i < n-1; i++ {
		w.writeBit(0)
	}
	w.writeBits(vv, n)
}

// writeSE writes a signed Exp-Golomb code.
func (w *bitWriter) writeSE(v int32) {
	var uv uint32
	if v <= 0 {
		uv = uint32(-2 * v)
	} else {
		uv = uint32(2*v - 1)
	}
	w.writeUE(uv)
}

// rbspTrailing writes the stop bit and zero-pads to a byte boundary.
func (w *bitWriter) rbspTrailing() {
	w.writeBit(1)
	for w.nbit != 0 {
		w.writeBit(0)
	}
}

// h264Level picks a nominal level_idc for the frame size. Advisory metadata
// for parsers; decode conformance is not the goal here.
func h264Level(mbs int) uint32 {
	switch {
	case mbs <= 99:
		return 10
	case mbs <= 1620:
		return 30
	case mbs <= 3600:
		return 31
	case mbs <= 8192:
		return 40
	default:
		return 42
	}
}

// buildSPS emits a baseline-profile sequence parameter set for the given
// geometry: progressive, pic_order_cnt_type 2 (no reordering), one reference
// frame, cropping when the size is not macroblock-aligned.
func buildSPS(width, height int) []byte {
	mbsW := (width + 15) / 16
	mbsH := (height + 15) / 16

	w := &bitWriter{buf: []byte{0x67}} // nal_ref_idc 3, type 7
	w.writeBits(66, 8)                 // profile_idc baseline
	w.writeBits(0xC0, 8)               // constraint_set0+1, reserved zeros
	w.writeBits(h264Level(mbsW*mbsH), 8)
	w.writeUE(0) // seq_parameter_set_id
	w.writeUE(0) // log2_max_frame_num_minus4
	w.writeUE(2) // pic_order_cnt_type: output order == decode order
	w.writeUE(1) // max_num_ref_frames
	w.writeBit(0)
	w.writeUE(uint32(mbsW - 1))
	w.writeUE(uint32(mbsH - 1))
	w.writeBit(1) // frame_mbs_only_flag
	w.writeBit(1) // direct_8x8_inference_flag

	cropRight := (mbsW*16 - width) / 2
	cropBottom := (mbsH*16 - height) / 2
	if cropRight > 0 || cropBottom > 0 {
		w.writeBit(1)
		w.writeUE(0)
		w.writeUE(uint32(cropRight))
		w.writeUE(0)
		w.writeUE(uint32(cropBottom))
	} else {
		w.writeBit(0)
	}
	w.writeBit(0) // vui_parameters_present_flag
	w.rbspTrailing()
	return w.buf
}

// buildPPS emits a minimal CAVLC picture parameter set pairing with buildSPS.
func buildPPS() []byte {
	w := &bitWriter{buf: []byte{0x68}} // nal_ref_idc 3, type 8
	w.writeUE(0)                       // pic_parameter_set_id
	w.writeUE(0)                       // seq_parameter_set_id
	w.writeBit(0)                      // entropy_coding_mode_flag: CAVLC
	w.writeBit(0)                      // bottom_field_pic_order_in_frame_present_flag
	w.writeUE(0)                       // num_slice_groups_minus1
	w.writeUE(0)                       // num_ref_idx_l0_default_active_minus1
	w.writeUE(0)                       // num_ref_idx_l1_default_active_minus1
	w.writeBit(0)                      // weighted_pred_flag
	w.writeBits(0, 2)                  // weighted_bipred_idc
	w.writeSE(0)                       // pic_init_qp_minus26
	w.writeSE(0)                       // pic_init_qs_minus26
	w.writeSE(0)                       // chroma_qp_index_offset
	w.writeBit(0)                      // deblocking_filter_control_present_flag
	w.writeBit(0)                      // constrained_intra_pred_flag
	w.writeBit(0)                      // redundant_pic_cnt_present_flag
	w.rbspTrailing()
	return w.buf
}

// H.264 NAL unit types this package cares about.
const (
	naluTypeNonIDR = 1
	naluTypeIDR    = 5
	naluTypeSPS    = 7
	naluTypePPS    = 8
	naluTypeAUD    = 9
	naluTypeFUA    = 28 // Fragmentation Unit A
)

func naluType(nalu []byte) int {
	if len(nalu) == 0 {
		return 0
	}
	return int(nalu[0] & 0x1F)
}

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// annexBJoin concatenates NAL units with 4-byte start codes.
func annexBJoin(nalus ...[]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += len(annexBStartCode) + len(nalu)
	}
	out := make([]byte, 0, n)
	for _, nalu := range nalus {
		out = append(out, annexBStartCode...)
		out = append(out, nalu...)
	}
	return out
}

// annexBSplit parses Annex B data into individual NAL units. Both 4-byte
// (0x00000001) and 3-byte (0x000001) start codes are accepted. The returned
// slices alias data.
func annexBSplit(data []byte) [][]byte {
	var nalUnits [][]byte
	start := -1

	flush := func(end int) {
		if start >= 0 && end > start {
			nalUnits = append(nalUnits, data[start:end])
		}
	}
	for i := 0; i < len(data); i++ {
		if i+3 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 0 && data[i+3] == 1 {
			flush(i)
			start = i + 4
			i += 3
		} else if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			flush(i)
			start = i + 3
			i += 2
		}
	}
	if start >= 0 && start < len(data) {
		flush(len(data))
	}
	return nalUnits
}

// aacSampleRateIndex maps a sample rate to its MPEG-4 sampling frequency
// index. ok is false for rates AAC does not enumerate.
func aacSampleRateIndex(rate int) (idx int, ok bool) {
	switch rate {
	case 96000:
		return 0, true
	case 88200:
		return 1, true
	case 64000:
		return 2, true
	case 48000:
		return 3, true
	case 44100:
		return 4, true
	case 32000:
		return 5, true
	case 24000:
		return 6, true
	case 22050:
		return 7, true
	case 16000:
		return 8, true
	case 12000:
		return 9, true
	case 11025:
		return 10, true
	case 8000:
		return 11, true
	case 7350:
		return 12, true
	default:
		return 0, false
	}
}

// audioSpecificConfig builds the two-byte MPEG-4 AudioSpecificConfig for
// AAC-LC at the given rate and channel count.
func audioSpecificConfig(sampleRate, channels int) ([]byte, error) {
	sfi, ok := aacSampleRateIndex(sampleRate)
	if !ok {
		return nil, errConfigf("aac.config", "unsupported AAC sample rate %d", sampleRate)
	}
	const objectType = 2 // AAC-LC
	b0 := byte(objectType<<3) | byte(sfi>>1)
	b1 := byte(sfi&1)<<7 | byte(channels&0x0F)<<3
	return []byte{b0, b1}, nil
}

const adtsHeaderLen = 7

// adtsHeader builds a 7-byte ADTS header (AAC-LC, no CRC) for one raw AAC
// frame of payloadLen bytes.
func adtsHeader(sampleRate, channels, payloadLen int) ([]byte, error) {
	sfi, ok := aacSampleRateIndex(sampleRate)
	if !ok {
		return nil, errConfigf("aac.adts", "unsupported AAC sample rate %d", sampleRate)
	}
	frameLen := adtsHeaderLen + payloadLen
	h := make([]byte, adtsHeaderLen)
	h[0] = 0xFF
	h[1] = 0xF1 // MPEG-4, layer 0, no CRC
	h[2] = 1<<6 | byte(sfi)<<2 | byte(channels>>2)&0x01
	h[3] = byte(channels&0x03)<<6 | byte(frameLen>>11)&0x03
	h[4] = byte(frameLen >> 3)
	h[5] = byte(frameLen&0x07)<<5 | 0x1F // buffer fullness high bits, all ones
	h[6] = 0xFC                          // buffer fullness low bits, one raw block
	return h, nil
}

// WrapADTS frames one raw AAC access unit with an ADTS header, producing the
// self-describing form the muxer's audio path expects. Used when AAC arrives
// without framing (RTMP/FLV remux paths).
func WrapADTS(sampleRate, channels int, payload []byte) ([]byte, error) {
	h, err := adtsHeader(sampleRate, channels, len(payload))
	if err != nil {
		return nil, err
	}
	return append(h, payload...), nil
}

// parseADTS reads one ADTS header, returning the stream parameters and frame
// extent. frame must start at a syncword.
func parseADTS(frame []byte) (sampleRate, channels, hdrLen, frameLen int, err error) {
	if len(frame) < adtsHeaderLen {
		return 0, 0, 0, 0, errOpf("aac.adts", "short ADTS frame: %d bytes", len(frame))
	}
	if frame[0] != 0xFF || frame[1]&0xF6 != 0xF0 {
		return 0, 0, 0, 0, errOpf("aac.adts", "missing ADTS syncword")
	}
	sfi := int(frame[2] >> 2 & 0x0F)
	rates := []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000, 7350}
	if sfi >= len(rates) {
		return 0, 0, 0, 0, errOpf("aac.adts", "reserved sampling frequency index %d", sfi)
	}
	sampleRate = rates[sfi]
	channels = int(frame[2]&0x01)<<2 | int(frame[3]>>6)
	hdrLen = adtsHeaderLen
	if frame[1]&0x01 == 0 { // CRC present
		hdrLen += 2
	}
	frameLen = int(frame[3]&0x03)<<11 | int(frame[4])<<3 | int(frame[5]>>5)
	if frameLen < hdrLen || frameLen > len(frame) {
		return 0, 0, 0, 0, errOpf("aac.adts", "ADTS frame length %d out of range", frameLen)
	}
	return sampleRate, channels, hdrLen, frameLen, nil
}
