package rtpsender

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
)

func TestParseSSRCDecimal(t *testing.T) {
	if got := ParseSSRC("108123456"); got != 108123456 {
		t.Fatalf("ParseSSRC = %d, want 108123456", got)
	}
}

func TestParseSSRCFallbackFormat(t *testing.T) {
	for _, bad := range []string{"", "not-a-number"} {
		ssrc := ParseSSRC(bad)
		s := uint64(ssrc)
		if s < 108_000_000 || s > 108_999_999 {
			t.Fatalf("ParseSSRC(%q) = %d, want a 0108NNNNNN-shaped fallback", bad, ssrc)
		}
	}
}

// listenAndAccept starts a TCP listener and returns it plus a channel
// that will receive the first accepted connection.
func listenAndAccept(t *testing.T) (net.Listener, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ch := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			ch <- conn
		}
	}()
	return ln, ch
}

func dialSender(t *testing.T, ln net.Listener) *Sender {
	t.Helper()
	addr := ln.Addr().(*net.TCPAddr)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := Dial(ctx, "127.0.0.1", addr.Port, 108000001, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return s
}

func readFramedRTP(t *testing.T, r io.Reader) *rtp.Packet {
	t.Helper()
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		t.Fatalf("read frame header: %v", err)
	}
	if header[0] != 0x24 || header[1] != 0x00 {
		t.Fatalf("frame header = % X, want 24 00 xx xx", header)
	}
	length := binary.BigEndian.Uint16(header[2:])
	raw := make([]byte, length)
	if _, err := io.ReadFull(r, raw); err != nil {
		t.Fatalf("read frame payload: %v", err)
	}
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		t.Fatalf("unmarshal RTP packet: %v", err)
	}
	return &pkt
}

func TestSendSinglePacketFraming(t *testing.T) {
	ln, accepted := listenAndAccept(t)
	defer ln.Close()
	sender := dialSender(t, ln)
	defer sender.Close()

	server := <-accepted
	defer server.Close()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := sender.Send(payload, true, 90000); err != nil {
		t.Fatalf("Send: %v", err)
	}

	pkt := readFramedRTP(t, server)
	if pkt.Version != 2 || pkt.Padding || pkt.Extension || len(pkt.CSRC) != 0 {
		t.Fatalf("unexpected RTP header shape: %+v", pkt.Header)
	}
	if pkt.PayloadType != payloadTypePS {
		t.Fatalf("payload type = %d, want %d", pkt.PayloadType, payloadTypePS)
	}
	if !pkt.Marker {
		t.Fatal("marker must be set on the only fragment of an is_end call")
	}
	if pkt.SSRC != 108000001 {
		t.Fatalf("SSRC = %d, want 108000001", pkt.SSRC)
	}
	if pkt.Timestamp != 90000 {
		t.Fatalf("timestamp = %d, want 90000", pkt.Timestamp)
	}
	if string(pkt.Payload) != string(payload) {
		t.Fatal("payload mismatch")
	}
}

func TestSendFragmentsOversizedPacketAndMarksOnlyLastFragment(t *testing.T) {
	ln, accepted := listenAndAccept(t)
	defer ln.Close()
	sender := dialSender(t, ln)
	defer sender.Close()

	server := <-accepted
	defer server.Close()

	payload := make([]byte, MaxRTPPayload*3+17)
	if err := sender.Send(payload, true, 45000); err != nil {
		t.Fatalf("Send: %v", err)
	}

	wantFragments := 4
	firstSeq := uint16(0)
	for i := 0; i < wantFragments; i++ {
		pkt := readFramedRTP(t, server)
		if i == 0 {
			firstSeq = pkt.SequenceNumber
		}
		if pkt.SequenceNumber != firstSeq+uint16(i) {
			t.Fatalf("fragment %d sequence = %d, want %d", i, pkt.SequenceNumber, firstSeq+uint16(i))
		}
		if pkt.Timestamp != 45000 {
			t.Fatalf("fragment %d timestamp = %d, want 45000 (constant across an access unit)", i, pkt.Timestamp)
		}
		wantMarker := i == wantFragments-1
		if pkt.Marker != wantMarker {
			t.Fatalf("fragment %d marker = %v, want %v", i, pkt.Marker, wantMarker)
		}
	}
}

func TestSendMarkerSuppressedWhenNotEnd(t *testing.T) {
	ln, accepted := listenAndAccept(t)
	defer ln.Close()
	sender := dialSender(t, ln)
	defer sender.Close()

	server := <-accepted
	defer server.Close()

	if err := sender.Send(make([]byte, 10), false, 0); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pkt := readFramedRTP(t, server)
	if pkt.Marker {
		t.Fatal("marker must not be set when isEnd is false")
	}
}

func TestSendSequenceMonotonicAcrossCalls(t *testing.T) {
	ln, accepted := listenAndAccept(t)
	defer ln.Close()
	sender := dialSender(t, ln)
	defer sender.Close()

	server := <-accepted
	defer server.Close()

	var last uint16
	first := true
	for i := 0; i < 5; i++ {
		if err := sender.Send([]byte{0x01, 0x02}, true, uint32(i*3000)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		pkt := readFramedRTP(t, server)
		if !first && pkt.SequenceNumber != last+1 {
			t.Fatalf("sequence %d, want %d", pkt.SequenceNumber, last+1)
		}
		last = pkt.SequenceNumber
		first = false
	}
}

func TestSendAfterCloseReturnsErrClosed(t *testing.T) {
	ln, accepted := listenAndAccept(t)
	defer ln.Close()
	sender := dialSender(t, ln)

	server := <-accepted
	defer server.Close()

	if err := sender.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sender.Send([]byte{0x01}, true, 0); err != ErrClosed {
		t.Fatalf("Send after Close = %v, want ErrClosed", err)
	}
}
