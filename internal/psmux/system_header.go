package psmux

// SystemHeaderLen is the fixed length in bytes of the System Header
// this agent emits.
const SystemHeaderLen = 20

var systemHeaderTemplate = [14]byte{
	0x00, 0x00, 0x01, 0xBB,
	0x00, 0x0C,
	0x80, 0x04,
	0xFF, 0xFF,
	0xE0, 0x07,
	0xC0, 0x0F,
}

// BuildSystemHeader encodes the 20-byte System Header advertising one
// video elementary stream (videoStreamID) and one audio elementary
// stream (audioStreamID), each with the given P-STD buffer bound.
func BuildSystemHeader(videoStreamID, audioStreamID byte, videoBufferBound, audioBufferBound uint16) []byte {
	buf := make([]byte, SystemHeaderLen)
	copy(buf, systemHeaderTemplate[:])
	buf[14] = videoStreamID
	buf[15] = byte(videoBufferBound >> 8)
	buf[16] = byte(videoBufferBound)
	buf[17] = audioStreamID
	buf[18] = byte(audioBufferBound >> 8)
	buf[19] = byte(audioBufferBound)
	return buf
}
