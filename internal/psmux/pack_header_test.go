package psmux

import (
	"bytes"
	"testing"
)

func TestBuildPackHeaderZeroSCR(t *testing.T) {
	want := []byte{0x00, 0x00, 0x01, 0xBA, 0x44, 0x00, 0x04, 0x00, 0x04, 0x01, 0xFF, 0xFF, 0xFC, 0x00}
	got := BuildPackHeader(0)
	if !bytes.Equal(got, want) {
		t.Fatalf("BuildPackHeader(0) = % X, want % X", got, want)
	}
}

func TestBuildPackHeaderLength(t *testing.T) {
	if got := len(BuildPackHeader(90000)); got != PackHeaderLen {
		t.Fatalf("len = %d, want %d", got, PackHeaderLen)
	}
}

func TestBuildPackHeaderStartCode(t *testing.T) {
	buf := BuildPackHeader(123456789)
	if !bytes.Equal(buf[0:4], []byte{0x00, 0x00, 0x01, 0xBA}) {
		t.Fatalf("start code = % X", buf[0:4])
	}
	if buf[13] != 0x00 {
		t.Fatalf("stuffing byte = %#x, want 0x00", buf[13])
	}
}

func TestBuildPackHeaderMasksTo33Bits(t *testing.T) {
	full := BuildPackHeader((uint64(1) << 33) | 42)
	masked := BuildPackHeader(42)
	if !bytes.Equal(full, masked) {
		t.Fatalf("SCR should be masked to 33 bits: % X != % X", full, masked)
	}
}
