package mediarec

import (
	"io"
	"math/rand"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// ChunkSink consumes encoded chunks, typically as a live preview tap beside
// the muxer. The chunk's bytes are valid only for the duration of the call;
// a sink that needs them longer must copy.
type ChunkSink interface {
	io.Closer
	WriteChunk(chunk *EncodedChunk) error
}

// H264Packetizer converts H.264 Annex B access units into RTP packets,
// fragmenting NAL units larger than the MTU with FU-A.
type H264Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	sequencer   rtp.Sequencer
	clockRate   uint32
	mu          sync.Mutex
}

// NewH264Packetizer creates an H.264 RTP packetizer. A zero mtu defaults to
// 1200 and a zero payloadType to 96.
func NewH264Packetizer(ssrc uint32, payloadType uint8, mtu int) *H264Packetizer {
	if mtu <= 0 {
		mtu = 1200
	}
	if payloadType == 0 {
		payloadType = 96
	}
	return &H264Packetizer{
		ssrc:        ssrc,
		payloadType: payloadType,
		mtu:         mtu,
		sequencer:   rtp.NewRandomSequencer(),
		clockRate:   90000,
	}
}

// Packetize converts one Annex B access unit into RTP packets. The packet
// payloads alias data.
func (p *H264Packetizer) Packetize(data []byte, pts float64) ([]*rtp.Packet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 0 {
		return nil, nil
	}
	nalUnits := annexBSplit(data)
	if len(nalUnits) == 0 {
		return nil, errOpf("packetize", "no NAL units found in access unit")
	}
	timestamp := uint32(pts * float64(p.clockRate))

	var packets []*rtp.Packet
	for i, nalu := range nalUnits {
		isLast := i == len(nalUnits)-1

		if len(nalu) <= p.mtu-12 { // RTP header is 12 bytes
			// Single NAL unit packet
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					Marker:         isLast,
					PayloadType:    p.payloadType,
					SequenceNumber: p.sequencer.NextSequenceNumber(),
					Timestamp:      timestamp,
					SSRC:           p.ssrc,
				},
				Payload: nalu,
			}
			packets = append(packets, pkt)
		} else {
			packets = append(packets, p.fragmentNALUnit(nalu, timestamp, isLast)...)
		}
	}
	return packets, nil
}

// fragmentNALUnit fragments a large NAL unit into FU-A packets.
func (p *H264Packetizer) fragmentNALUnit(nalu []byte, timestamp uint32, isLastNALU bool) []*rtp.Packet {
	if len(nalu) == 0 {
		return nil
	}

	nalHeader := nalu[0]
	nalType := nalHeader & 0x1F
	nri := nalHeader & 0x60

	// The NAL header byte is replaced by the FU indicator and header.
	payload := nalu[1:]
	maxPayload := p.mtu - 12 - 2

	var packets []*rtp.Packet
	offset := 0
	for offset < len(payload) {
		end := offset + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		isStart := offset == 0
		isEnd := end == len(payload)

		// FU indicator: F=0, NRI from original, Type=28 (FU-A)
		fuIndicator := nri | naluTypeFUA
		// FU header: S=start, E=end, R=0, Type=original NAL type
		fuHeader := nalType
		if isStart {
			fuHeader |= 0x80
		}
		if isEnd {
			fuHeader |= 0x40
		}

		pktPayload := make([]byte, 2+end-offset)
		pktPayload[0] = fuIndicator
		pktPayload[1] = fuHeader
		copy(pktPayload[2:], payload[offset:end])

		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version: 2,
				// Marker bit only on the last packet of the last NAL unit.
				Marker:         isEnd && isLastNALU,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: pktPayload,
		}
		packets = append(packets, pkt)
		offset = end
	}
	return packets
}

// RTPPreviewConfig configures a UDP RTP preview sink.
type RTPPreviewConfig struct {
	Addr        string // Destination host:port
	SSRC        uint32 // Random when zero
	PayloadType uint8  // 96 when zero
	MTU         int    // 1200 when zero
}

// RTPPreview streams encoded H.264 chunks as RTP over UDP, for inspection
// with tools that can play an RTP session from an SDP description.
type RTPPreview struct {
	conn       net.Conn
	packetizer *H264Packetizer

	mu     sync.Mutex
	closed bool
}

// NewRTPPreview dials the destination and returns a sink for encoded video
// chunks.
func NewRTPPreview(config RTPPreviewConfig) (*RTPPreview, error) {
	if config.Addr == "" {
		return nil, errConfigf("preview.rtp", "destination address is required")
	}
	if config.SSRC == 0 {
		config.SSRC = rand.Uint32()
	}
	conn, err := net.Dial("udp", config.Addr)
	if err != nil {
		return nil, errInit("preview.rtp", err)
	}
	logrus.WithFields(logrus.Fields{
		"addr": config.Addr,
		"ssrc": config.SSRC,
	}).Info("rtp preview sink started")
	return &RTPPreview{
		conn:       conn,
		packetizer: NewH264Packetizer(config.SSRC, config.PayloadType, config.MTU),
	}, nil
}

// WriteChunk packetizes one H.264 chunk and sends it. Send failures on the
// unconnected UDP path are returned but leave the sink usable.
func (p *RTPPreview) WriteChunk(chunk *EncodedChunk) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errDisposed("preview.rtp.write")
	}

	data, err := chunk.Bytes()
	if err != nil {
		return err
	}
	packets, err := p.packetizer.Packetize(data, chunk.PTS)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		raw, err := pkt.Marshal()
		if err != nil {
			return errOpf("preview.rtp.write", "marshal RTP packet: %v", err)
		}
		if _, err := p.conn.Write(raw); err != nil {
			return errOpf("preview.rtp.write", "send RTP packet: %v", err)
		}
	}
	return nil
}

func (p *RTPPreview) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.conn.Close()
}

// WebRTCPreview feeds encoded H.264 chunks into a local WebRTC track. Add
// Track to a PeerConnection to stream the recording live; writing before the
// track is bound is a no-op.
type WebRTCPreview struct {
	track      *webrtc.TrackLocalStaticRTP
	packetizer *H264Packetizer
}

// NewWebRTCPreview creates a preview around a new local H.264 track. An empty
// trackID gets a generated one.
func NewWebRTCPreview(trackID, streamID string) (*WebRTCPreview, error) {
	if trackID == "" {
		trackID = uuid.NewString()
	}
	if streamID == "" {
		streamID = "mediarec"
	}
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		trackID, streamID,
	)
	if err != nil {
		return nil, errInit("preview.webrtc", err)
	}
	return &WebRTCPreview{
		track:      track,
		packetizer: NewH264Packetizer(rand.Uint32(), 96, 1200),
	}, nil
}

// Track returns the local track to add to a PeerConnection.
func (p *WebRTCPreview) Track() *webrtc.TrackLocalStaticRTP { return p.track }

func (p *WebRTCPreview) WriteChunk(chunk *EncodedChunk) error {
	data, err := chunk.Bytes()
	if err != nil {
		return err
	}
	packets, err := p.packetizer.Packetize(data, chunk.PTS)
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if err := p.track.WriteRTP(pkt); err != nil {
			return errOpf("preview.webrtc.write", "write RTP to track: %v", err)
		}
	}
	return nil
}

func (p *WebRTCPreview) Close() error { return nil }
