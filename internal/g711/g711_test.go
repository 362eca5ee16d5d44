package g711

import "testing"

func TestALawRoundTripApproximate(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 10000, -10000, 32000, -32000} {
		enc := EncodeSample(ALaw, s)
		dec := DecodeSample(ALaw, enc)
		diff := int(s) - int(dec)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1200 {
			t.Errorf("a-law round trip %d -> %d -> %d, diff too large", s, enc, dec)
		}
	}
}

func TestMuLawRoundTripApproximate(t *testing.T) {
	for _, s := range []int16{0, 1, -1, 100, -100, 10000, -10000, 32000, -32000} {
		enc := EncodeSample(MuLaw, s)
		dec := DecodeSample(MuLaw, enc)
		diff := int(s) - int(dec)
		if diff < 0 {
			diff = -diff
		}
		if diff > 1200 {
			t.Errorf("mu-law round trip %d -> %d -> %d, diff too large", s, enc, dec)
		}
	}
}

func TestALawSilenceIsConventionalByte(t *testing.T) {
	// silence (0) A-law-encodes to 0xD5 under the standard even-bit inversion.
	if got := EncodeSample(ALaw, 0); got != 0xD5 {
		t.Errorf("a-law(0) = %#x, want 0xd5", got)
	}
}

func TestEncodeDecodeSliceLengthPreserved(t *testing.T) {
	pcm := make([]int16, 160)
	for i := range pcm {
		pcm[i] = int16(i * 10)
	}
	enc := Encode(ALaw, pcm)
	if len(enc) != len(pcm) {
		t.Fatalf("encode length = %d, want %d", len(enc), len(pcm))
	}
	dec := Decode(ALaw, enc)
	if len(dec) != len(pcm) {
		t.Fatalf("decode length = %d, want %d", len(dec), len(pcm))
	}
}
