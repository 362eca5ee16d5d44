// Package rtpsender turns finished MPEG-PS packets into RTP packets
// framed for a TCP interleaved (RFC 4571-style) connection to a
// GB28181 platform, matching the wire convention this agent's PS
// muxer expects downstream of it.
package rtpsender

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// MaxRTPPayload is the largest RTP payload this sender will emit
// before fragmenting a PS packet across multiple RTP packets.
const MaxRTPPayload = 1400

const (
	payloadTypePS   = 96
	sendBufBytes    = 512 * 1024
	connectDeadline = 5 * time.Second
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("rtpsender: sender closed")

// Sender owns one TCP connection to a platform and serializes RTP
// packet transmission over it, framed with the 4-byte interleaved
// header `24 00 <lenH> <lenL>`.
type Sender struct {
	conn   net.Conn
	ssrc   uint32
	logger *slog.Logger

	mu     sync.Mutex
	seq    uint16
	closed bool
}

// ParseSSRC parses the decimal SSRC carried in an SDP `y=` field. An
// empty or unparseable value yields a synthesized 10-digit SSRC of
// the form 0108NNNNNN.
func ParseSSRC(field string) uint32 {
	if field != "" {
		if v, err := strconv.ParseUint(field, 10, 32); err == nil {
			return uint32(v)
		}
	}
	return randomSSRC()
}

func randomSSRC() uint32 {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		n = big.NewInt(0)
	}
	suffix := n.Int64()
	v, _ := strconv.ParseUint(fmt.Sprintf("0108%06d", suffix), 10, 32)
	return uint32(v)
}

func randomSeq() uint16 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<16))
	if err != nil {
		return 0
	}
	return uint16(n.Int64())
}

// Dial opens a TCP connection to host:port with a bounded connect
// deadline and a 512 KiB send buffer, and returns a Sender ready to
// transmit RTP packets carrying ssrc (see ParseSSRC).
func Dial(ctx context.Context, host string, port int, ssrc uint32, logger *slog.Logger) (*Sender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := net.Dialer{Timeout: connectDeadline}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("rtpsender: dial %s:%d: %w", host, port, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetWriteBuffer(sendBufBytes)
	}
	return &Sender{
		conn:   conn,
		ssrc:   ssrc,
		logger: logger,
		seq:    randomSeq(),
	}, nil
}

// SSRC reports the session's SSRC.
func (s *Sender) SSRC() uint32 { return s.ssrc }

// Send fragments pkt (an MPEG-PS packet) into RTP packets of at most
// MaxRTPPayload bytes, carrying timestamp90k, and writes each
// interleaved-framed to the TCP connection. The marker bit is set
// only on the last fragment, and only when isEnd is true.
func (s *Sender) Send(pkt []byte, isEnd bool, timestamp90k uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if len(pkt) == 0 {
		return nil
	}
	for off := 0; off < len(pkt); off += MaxRTPPayload {
		end := off + MaxRTPPayload
		if end > len(pkt) {
			end = len(pkt)
		}
		isLast := end == len(pkt)
		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         isLast && isEnd,
				PayloadType:    payloadTypePS,
				SequenceNumber: s.seq,
				Timestamp:      timestamp90k,
				SSRC:           s.ssrc,
			},
			Payload: pkt[off:end],
		}
		s.seq++

		raw, err := packet.Marshal()
		if err != nil {
			return fmt.Errorf("rtpsender: marshal: %w", err)
		}
		if err := s.writeFramed(raw); err != nil {
			return err
		}
	}
	return nil
}

// writeFramed prepends the RFC 4571-style interleaved header (channel
// 0) and writes header+payload with short-write resumption.
func (s *Sender) writeFramed(raw []byte) error {
	header := make([]byte, 4)
	header[0], header[1] = 0x24, 0x00
	binary.BigEndian.PutUint16(header[2:], uint16(len(raw)))

	if err := writeFull(s.conn, header); err != nil {
		return fmt.Errorf("rtpsender: write header: %w", err)
	}
	if err := writeFull(s.conn, raw); err != nil {
		return fmt.Errorf("rtpsender: write payload: %w", err)
	}
	return nil
}

// writeFull retries partial writes and net.Error-flagged temporary
// failures (the Go analogue of EAGAIN/EWOULDBLOCK retry) until buf is
// fully written or a non-temporary error occurs.
func writeFull(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if n > 0 {
			buf = buf[n:]
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return err
		}
	}
	return nil
}

// Close shuts down the TCP connection. Further Send calls return
// ErrClosed.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.conn.Close()
}
