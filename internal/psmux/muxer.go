package psmux

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/meshedge/gb28181agent/internal/g711"
)

// MaxPESPayloadPerPacket is the largest PES payload this agent will
// wrap in a single PS packet before splitting into further chunks.
const MaxPESPayloadPerPacket = 1300

const (
	defaultVideoBufferBound uint16 = 0x0400
	defaultAudioBufferBound uint16 = 0x0300
)

// ErrMissingParameterSets is returned (and logged) when an IDR arrives
// with neither a current nor a cached SPS/PPS.
var ErrMissingParameterSets = errors.New("psmux: IDR without SPS/PPS")

// Sender is the seam the muxer hands finished PS packets to. The RTP
// sender implements this.
type Sender interface {
	Send(psPacket []byte, isEnd bool, timestamp90k uint32) error
}

// Muxer packetizes H.264 access units and G.711 audio frames into
// MPEG-PS packets, dispatched through a Sender. A Muxer is owned by
// exactly one caller (created and released alongside one SIP dialog);
// unlike the original single global instance, nothing here is a
// package-level singleton.
type Muxer struct {
	sender Sender
	law    g711.Law
	logger *slog.Logger

	mu            sync.Mutex
	spsCache      []byte
	ppsCache      []byte
	waitingForIdr bool
	idrSent       bool
}

// New constructs a Muxer in the WaitingForIdr state, dispatching
// finished packets to sender and encoding audio with law.
func New(sender Sender, law g711.Law, logger *slog.Logger) *Muxer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Muxer{
		sender:        sender,
		law:           law,
		logger:        logger,
		waitingForIdr: true,
	}
}

// IDRSent reports whether the muxer has emitted its first IDR since
// construction or the last Release.
func (m *Muxer) IDRSent() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idrSent
}

// WriteVideoFrame accepts one H.264 access unit in Annex-B format
// with its 90kHz PTS and dispatches zero or more PS packets.
func (m *Muxer) WriteVideoFrame(annexB []byte, pts90k uint64) error {
	nalus := SplitAnnexB(annexB)
	if len(nalus) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var sps, pps []byte
	var idrs, slices [][]byte
	for _, n := range nalus {
		switch n.Type {
		case NALUTypeSPS:
			sps = n.Payload
			m.spsCache = append([]byte(nil), n.Payload...)
		case NALUTypePPS:
			pps = n.Payload
			m.ppsCache = append([]byte(nil), n.Payload...)
		case NALUTypeIDR:
			idrs = append(idrs, n.Payload)
		case NALUTypeNonIDR:
			slices = append(slices, n.Payload)
		case NALUTypeSEI:
		}
	}

	hasIDR := len(idrs) > 0
	if m.waitingForIdr && !hasIDR {
		return nil
	}

	if hasIDR {
		effectiveSPS, effectivePPS := sps, pps
		if effectiveSPS == nil {
			effectiveSPS = m.spsCache
		}
		if effectivePPS == nil {
			effectivePPS = m.ppsCache
		}
		if len(effectiveSPS) == 0 || len(effectivePPS) == 0 {
			m.logger.Warn("dropping IDR without SPS/PPS")
			return ErrMissingParameterSets
		}
		payload := make([]byte, 0, len(effectiveSPS)+len(effectivePPS)+64)
		payload = appendAnnexB(payload, effectiveSPS)
		payload = appendAnnexB(payload, effectivePPS)
		for _, idr := range idrs {
			payload = appendAnnexB(payload, idr)
		}
		if err := m.packetizeAndSend(StreamIDVideo, payload, pts90k, true); err != nil {
			return err
		}
		m.waitingForIdr = false
		m.idrSent = true
		return nil
	}

	if len(slices) == 0 {
		return nil
	}
	payload := make([]byte, 0, 256)
	for _, s := range slices {
		payload = appendAnnexB(payload, s)
	}
	return m.packetizeAndSend(StreamIDVideo, payload, pts90k, false)
}

// WriteAudioFrame accepts one frame of 8-bit unsigned linear PCM
// samples (0-255) with its 90kHz PTS, encodes it to the configured
// G.711 law, and dispatches a single PS packet. Frames arriving
// before the first IDR is emitted are silently dropped.
func (m *Muxer) WriteAudioFrame(pcm8 []byte, pts90k uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.idrSent {
		return nil
	}
	pcm16 := make([]int16, len(pcm8))
	for i, s := range pcm8 {
		pcm16[i] = int16(int(s)-128) << 8
	}
	encoded := g711.Encode(m.law, pcm16)
	return m.packetizeAndSend(StreamIDAudio, encoded, pts90k, false)
}

// Release resets the muxer to its initial WaitingForIdr state,
// dropping any cached SPS/PPS.
func (m *Muxer) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spsCache = nil
	m.ppsCache = nil
	m.waitingForIdr = true
	m.idrSent = false
}

// packetizeAndSend wraps a PES payload into one or more PS packets and
// hands each to the sender; callers must hold m.mu.
func (m *Muxer) packetizeAndSend(streamID byte, payload []byte, pts90k uint64, keyFrame bool) error {
	timestamp := uint32(pts90k & 0xFFFFFFFF)
	if len(payload) <= MaxPESPayloadPerPacket {
		pkt := m.buildPSPacket(streamID, payload, pts90k, keyFrame, keyFrame)
		return m.sender.Send(pkt, true, timestamp)
	}
	for off := 0; off < len(payload); off += MaxPESPayloadPerPacket {
		end := off + MaxPESPayloadPerPacket
		if end > len(payload) {
			end = len(payload)
		}
		isLast := end == len(payload)
		pkt := m.buildPSPacket(streamID, payload[off:end], pts90k, keyFrame, keyFrame)
		if err := m.sender.Send(pkt, isLast, timestamp); err != nil {
			return err
		}
	}
	return nil
}

// buildPSPacket assembles Pack Header (+ System Header/PSM when
// includeSysHeaders) + PES header + payload into one PS packet.
func (m *Muxer) buildPSPacket(streamID byte, chunk []byte, pts90k uint64, keyFrame, includeSysHeaders bool) []byte {
	pesHeader := BuildPESHeader(streamID, len(chunk), pts90k, keyFrame)
	packHeader := BuildPackHeader(pts90k)

	total := len(packHeader) + len(pesHeader) + len(chunk)
	var sysHeader, psm []byte
	if includeSysHeaders {
		sysHeader = BuildSystemHeader(StreamIDVideo, StreamIDAudio, defaultVideoBufferBound, defaultAudioBufferBound)
		psm = BuildProgramStreamMap([]StreamEntry{
			{StreamType: StreamTypeH264, StreamID: StreamIDVideo},
			{StreamType: StreamTypeG711, StreamID: StreamIDAudio},
		})
		total += len(sysHeader) + len(psm)
	}

	out := make([]byte, 0, total)
	out = append(out, packHeader...)
	if includeSysHeaders {
		out = append(out, sysHeader...)
		out = append(out, psm...)
	}
	out = append(out, pesHeader...)
	out = append(out, chunk...)
	return out
}

func appendAnnexB(dst, nalu []byte) []byte {
	dst = append(dst, StartCode4[:]...)
	return append(dst, nalu...)
}
