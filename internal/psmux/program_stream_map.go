package psmux

import "hash/crc32"

// Elementary stream types and PES stream ids used by this agent's PS
// multiplex.
const (
	StreamTypeH264 byte = 0x1B
	StreamTypeG711 byte = 0x91

	StreamIDVideo byte = 0xE0
	StreamIDAudio byte = 0xBD
)

// StreamEntry is one elementary-stream-map row in a Program Stream Map.
type StreamEntry struct {
	StreamType byte
	StreamID   byte
}

// BuildProgramStreamMap encodes a Program Stream Map packet listing
// streams, CRC-32 protected.
func BuildProgramStreamMap(streams []StreamEntry) []byte {
	esMapLen := 4 * len(streams)
	total := 12 + esMapLen + 4
	buf := make([]byte, total)

	buf[0], buf[1], buf[2], buf[3] = 0x00, 0x00, 0x01, 0xBC
	lengthField := total - 6
	buf[4] = byte(lengthField >> 8)
	buf[5] = byte(lengthField)
	buf[6], buf[7] = 0xE0, 0xFF
	buf[8], buf[9] = 0x00, 0x00 // program info length = 0
	buf[10] = byte(esMapLen >> 8)
	buf[11] = byte(esMapLen)

	off := 12
	for _, s := range streams {
		buf[off] = s.StreamType
		buf[off+1] = s.StreamID
		buf[off+2] = 0x00
		buf[off+3] = 0x00
		off += 4
	}

	crc := crc32.ChecksumIEEE(buf[3:off])
	buf[off] = byte(crc >> 24)
	buf[off+1] = byte(crc >> 16)
	buf[off+2] = byte(crc >> 8)
	buf[off+3] = byte(crc)
	return buf
}
