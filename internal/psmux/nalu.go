package psmux

// H.264 NALU types relevant to the muxer.
const (
	NALUTypeNonIDR byte = 1
	NALUTypeIDR    byte = 5
	NALUTypeSEI    byte = 6
	NALUTypeSPS    byte = 7
	NALUTypePPS    byte = 8
)

// StartCode4 is the 4-byte Annex-B start code prefix this agent always
// writes ahead of NALU payloads it re-packetizes into PES payloads.
var StartCode4 = [4]byte{0x00, 0x00, 0x00, 0x01}

// NALU is a view into a caller-owned Annex-B buffer: no copy is taken.
type NALU struct {
	Type    byte
	Payload []byte
}

// SplitAnnexB scans buf for every occurrence of the Annex-B start code
// (either the 3-byte or 4-byte form) and returns a NALU view for each
// span between one start code and the next. A buffer with no start
// code yields an empty, non-nil result.
func SplitAnnexB(buf []byte) []NALU {
	starts := findStartCodes(buf)
	if len(starts) == 0 {
		return []NALU{}
	}
	nalus := make([]NALU, 0, len(starts))
	for i, s := range starts {
		payloadStart := s.offset + s.length
		var payloadEnd int
		if i+1 < len(starts) {
			payloadEnd = starts[i+1].offset
		} else {
			payloadEnd = len(buf)
		}
		if payloadStart >= payloadEnd {
			continue
		}
		payload := buf[payloadStart:payloadEnd]
		nalus = append(nalus, NALU{
			Type:    payload[0] & 0x1F,
			Payload: payload,
		})
	}
	return nalus
}

type startCode struct {
	offset int
	length int
}

// findStartCodes locates every 00 00 01 (optionally preceded by an
// extra 00, making it 00 00 00 01) occurrence in buf.
func findStartCodes(buf []byte) []startCode {
	var codes []startCode
	for i := 0; i+2 < len(buf); i++ {
		if buf[i] == 0x00 && buf[i+1] == 0x00 && buf[i+2] == 0x01 {
			offset, length := i, 3
			if offset > 0 && buf[offset-1] == 0x00 {
				offset--
				length = 4
			}
			codes = append(codes, startCode{offset: offset, length: length})
			i += 2
		}
	}
	return codes
}
