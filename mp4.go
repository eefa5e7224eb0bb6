package mediarec

import (
	"os"
	"sync"
	"time"

	"github.com/nareix/joy4/av"
	"github.com/nareix/joy4/codec/aacparser"
	"github.com/nareix/joy4/codec/h264parser"
	"github.com/nareix/joy4/format/mp4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// mp4Writer turns encoded chunks into an MP4 file. Video arrives as Annex B
// or AVCC H.264, audio as ADTS-framed AAC; both are self-describing, so the
// writer learns each track's codec configuration from the stream itself
// (parameter-set chunks or in-band NAL units for video, the first ADTS header
// for audio). Packets are buffered until every expected track is configured,
// which in practice means the first chunk or two per stream, then flushed and
// written through in emission order.
//
// Push jobs for the two streams run on different runtime workers, so all
// state is mutex-guarded.
type mp4Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	mux  *mp4.Muxer

	sps            []byte
	pps            []byte
	videoCodec     h264parser.CodecData
	haveVideoCodec bool
	audioCodec     aacparser.CodecData
	haveAudioCodec bool

	headerWritten bool
	pending       []av.Packet
	videoPackets  int
	audioPackets  int
	finalized     bool
	closed        bool
}

const (
	mp4VideoIdx int8 = 0
	mp4AudioIdx int8 = 1
)

func newMP4Writer(path string) (*mp4Writer, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, errInit("mux.open", errors.Wrapf(err, "create %s", path))
	}
	logrus.WithField("path", path).Debug("mp4 output opened")
	return &mp4Writer{path: path, file: file, mux: mp4.NewMuxer(file)}, nil
}

// WriteVideo ingests one encoded video chunk. Metadata chunks contribute
// parameter sets only; picture chunks are converted to AVCC samples.
func (w *mp4Writer) WriteVideo(data []byte, pts float64, kind ChunkKind) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized || w.closed {
		return errDisposed("mux.video.write")
	}

	nalus, _ := h264parser.SplitNALUs(data)
	if len(nalus) == 0 {
		return errOpf("mux.video.write", "chunk carries no NAL units")
	}
	if err := w.absorbParameterSetsLocked(nalus); err != nil {
		return err
	}
	if kind == ChunkMetadata {
		return nil
	}

	sample := naluFilterToAVCC(nalus)
	if len(sample) == 0 {
		// Parameter sets only; nothing to write as a picture sample.
		return nil
	}
	w.videoPackets++
	return w.enqueueLocked(av.Packet{
		Idx:        mp4VideoIdx,
		IsKeyFrame: kind == ChunkKey,
		Time:       secondsToDuration(pts),
		Data:       sample,
	})
}

// WriteAudio ingests one or more back-to-back ADTS frames, stripping the
// headers down to raw AAC samples.
func (w *mp4Writer) WriteAudio(data []byte, pts float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized || w.closed {
		return errDisposed("mux.audio.write")
	}

	off := 0
	framePTS := pts
	for off < len(data) {
		rate, channels, hdrLen, frameLen, err := parseADTS(data[off:])
		if err != nil {
			return err
		}
		if !w.haveAudioCodec {
			if err := w.configureAudioLocked(rate, channels); err != nil {
				return err
			}
		}
		payload := append([]byte(nil), data[off+hdrLen:off+frameLen]...)
		w.audioPackets++
		if err := w.enqueueLocked(av.Packet{
			Idx:        mp4AudioIdx,
			IsKeyFrame: true,
			Time:       secondsToDuration(framePTS),
			Data:       payload,
		}); err != nil {
			return err
		}
		off += frameLen
		framePTS += float64(aacFrameSamples) / float64(rate)
	}
	return nil
}

// Finalize writes the header if it is still pending, flushes buffered
// packets, and writes the trailer. Exactly once.
func (w *mp4Writer) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized || w.closed {
		return errDisposed("mux.finalize")
	}
	if err := w.writeHeaderLocked(true); err != nil {
		return err
	}
	if err := w.mux.WriteTrailer(); err != nil {
		return errOp("mux.finalize", errors.Wrap(err, "write trailer"))
	}
	w.finalized = true
	err := w.file.Close()
	w.closed = true
	if err != nil {
		return errOp("mux.finalize", errors.Wrapf(err, "close %s", w.path))
	}
	logrus.WithFields(logrus.Fields{
		"path":          w.path,
		"video_packets": w.videoPackets,
		"audio_packets": w.audioPackets,
	}).Info("mp4 output finalized")
	return nil
}

// Close abandons the file without a trailer. Used on abort paths; the normal
// path is Finalize. Never fails the caller.
func (w *mp4Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("closing abandoned mp4 failed")
	} else {
		logrus.WithField("path", w.path).Debug("mp4 output abandoned without trailer")
	}
	return nil
}

func (w *mp4Writer) absorbParameterSetsLocked(nalus [][]byte) error {
	for _, nalu := range nalus {
		switch naluType(nalu) {
		case naluTypeSPS:
			w.sps = append([]byte(nil), nalu...)
		case naluTypePPS:
			w.pps = append([]byte(nil), nalu...)
		}
	}
	if !w.haveVideoCodec && w.sps != nil && w.pps != nil {
		codec, err := h264parser.NewCodecDataFromSPSAndPPS(w.sps, w.pps)
		if err != nil {
			return errOp("mux.video.codec", errors.Wrap(err, "parse SPS/PPS"))
		}
		w.videoCodec = codec
		w.haveVideoCodec = true
		logrus.WithFields(logrus.Fields{
			"width":  codec.Width(),
			"height": codec.Height(),
		}).Debug("video track configured")
	}
	return nil
}

func (w *mp4Writer) configureAudioLocked(rate, channels int) error {
	asc, err := audioSpecificConfig(rate, channels)
	if err != nil {
		return err
	}
	codec, err := aacparser.NewCodecDataFromMPEG4AudioConfigBytes(asc)
	if err != nil {
		return errOp("mux.audio.codec", errors.Wrap(err, "parse audio config"))
	}
	w.audioCodec = codec
	w.haveAudioCodec = true
	logrus.WithFields(logrus.Fields{
		"rate":     rate,
		"channels": channels,
	}).Debug("audio track configured")
	return nil
}

func (w *mp4Writer) enqueueLocked(pkt av.Packet) error {
	if !w.headerWritten {
		if w.haveVideoCodec && w.haveAudioCodec {
			if err := w.writeHeaderLocked(false); err != nil {
				return err
			}
		} else {
			w.pending = append(w.pending, pkt)
			return nil
		}
	}
	if err := w.mux.WritePacket(pkt); err != nil {
		return errOp("mux.write", errors.Wrap(err, "write packet"))
	}
	return nil
}

// writeHeaderLocked commits the track layout. When final is true, missing
// codec configuration is tolerated by dropping that track (a stream that
// finished without emitting chunks); otherwise both tracks are required.
func (w *mp4Writer) writeHeaderLocked(final bool) error {
	if w.headerWritten {
		return nil
	}
	if !final && !(w.haveVideoCodec && w.haveAudioCodec) {
		return nil
	}

	var streams []av.CodecData
	remap := map[int8]int8{}
	if w.haveVideoCodec {
		remap[mp4VideoIdx] = int8(len(streams))
		streams = append(streams, w.videoCodec)
	}
	if w.haveAudioCodec {
		remap[mp4AudioIdx] = int8(len(streams))
		streams = append(streams, w.audioCodec)
	}
	if len(streams) == 0 {
		return errOpf("mux.header", "no codec configuration received on any stream")
	}
	if err := w.mux.WriteHeader(streams); err != nil {
		return errOp("mux.header", errors.Wrap(err, "write header"))
	}
	w.headerWritten = true

	pending := w.pending
	w.pending = nil
	for _, pkt := range pending {
		idx, ok := remap[pkt.Idx]
		if !ok {
			logrus.WithField("stream", pkt.Idx).Warn("dropping packet for unconfigured track")
			continue
		}
		pkt.Idx = idx
		if err := w.mux.WritePacket(pkt); err != nil {
			return errOp("mux.write", errors.Wrap(err, "flush buffered packet"))
		}
	}
	return nil
}

// naluFilterToAVCC drops non-sample NAL units (parameter sets, AUDs) and
// length-prefixes the rest, the sample form MP4 tracks store.
func naluFilterToAVCC(nalus [][]byte) []byte {
	size := 0
	for _, n := range nalus {
		if keepSampleNALU(n) {
			size += 4 + len(n)
		}
	}
	if size == 0 {
		return nil
	}
	out := make([]byte, 0, size)
	for _, n := range nalus {
		if !keepSampleNALU(n) {
			continue
		}
		out = append(out, byte(len(n)>>24), byte(len(n)>>16), byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

func keepSampleNALU(nalu []byte) bool {
	switch naluType(nalu) {
	case 0, naluTypeSPS, naluTypePPS, naluTypeAUD:
		return false
	default:
		return true
	}
}

func secondsToDuration(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}
