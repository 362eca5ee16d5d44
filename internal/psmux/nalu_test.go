package psmux

import (
	"bytes"
	"testing"
)

func TestSplitAnnexBTwoNALUs(t *testing.T) {
	input := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0A,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x01, 0xA8,
	}
	nalus := SplitAnnexB(input)
	if len(nalus) != 2 {
		t.Fatalf("got %d NALUs, want 2", len(nalus))
	}
	if nalus[0].Type != NALUTypeSPS || !bytes.Equal(nalus[0].Payload, []byte{0x67, 0x42, 0x00, 0x0A}) {
		t.Fatalf("nalu[0] = type %d payload % X", nalus[0].Type, nalus[0].Payload)
	}
	if nalus[1].Type != NALUTypePPS || !bytes.Equal(nalus[1].Payload, []byte{0x68, 0xCE, 0x01, 0xA8}) {
		t.Fatalf("nalu[1] = type %d payload % X", nalus[1].Type, nalus[1].Payload)
	}
}

func TestSplitAnnexBThreeByteStartCode(t *testing.T) {
	input := []byte{0x00, 0x00, 0x01, 0x65, 0xAA, 0xBB}
	nalus := SplitAnnexB(input)
	if len(nalus) != 1 {
		t.Fatalf("got %d NALUs, want 1", len(nalus))
	}
	if nalus[0].Type != NALUTypeIDR {
		t.Fatalf("type = %d, want %d", nalus[0].Type, NALUTypeIDR)
	}
	if !bytes.Equal(nalus[0].Payload, []byte{0x65, 0xAA, 0xBB}) {
		t.Fatalf("payload = % X", nalus[0].Payload)
	}
}

func TestSplitAnnexBNoStartCode(t *testing.T) {
	nalus := SplitAnnexB([]byte{0x01, 0x02, 0x03})
	if nalus == nil {
		t.Fatal("result must be non-nil")
	}
	if len(nalus) != 0 {
		t.Fatalf("got %d NALUs, want 0", len(nalus))
	}
}

func TestSplitAnnexBEmptyInput(t *testing.T) {
	nalus := SplitAnnexB(nil)
	if len(nalus) != 0 {
		t.Fatalf("got %d NALUs, want 0", len(nalus))
	}
}

func TestSplitAnnexBMixedStartCodeForms(t *testing.T) {
	input := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0xAA,
		0x00, 0x00, 0x01, 0x68, 0xBB,
		0x00, 0x00, 0x00, 0x01, 0x65, 0xCC, 0xDD,
	}
	nalus := SplitAnnexB(input)
	if len(nalus) != 3 {
		t.Fatalf("got %d NALUs, want 3", len(nalus))
	}
	if nalus[0].Type != NALUTypeSPS || nalus[1].Type != NALUTypePPS || nalus[2].Type != NALUTypeIDR {
		t.Fatalf("types = %d, %d, %d", nalus[0].Type, nalus[1].Type, nalus[2].Type)
	}
}
