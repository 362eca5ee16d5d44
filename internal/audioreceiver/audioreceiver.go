// Package audioreceiver implements the downstream G.711 audio ingress
// path: a TCP reader that feeds a lock-free ring buffer and a
// resynchronizing frame extractor that recovers fixed-size G.711
// frames from a platform-specific RTP-over-TCP framing.
package audioreceiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/meshedge/gb28181agent/internal/ringbuffer"
)

const (
	ringCapacity     = 256 * 1024
	scratchBufBytes  = 8 * 1024
	lowWatermark     = 2 * 1024
	discardOnDesync  = 1024
	g711FrameBytes   = 160
	frameHeaderBytes = 14 // 2-byte marker + 12-byte RTP header
	pollInterval     = 200 * time.Millisecond
	connectDeadline  = 5 * time.Second
)

// FrameMarker is the platform-specific framing marker this extractor
// resynchronizes against: two bytes of application marker followed by
// the first two bytes of an RTP header: V/P/X/CC (0x80), then the
// marker bit set with payload type 8, PCMA (0x88).
var FrameMarker = []byte{0x03, 0x2C, 0x80, 0x88}

// FrameCallback receives one 160-byte G.711 frame. It must not block.
type FrameCallback func(frame []byte)

// Receiver owns one TCP connection carrying downstream audio, its
// backing ring buffer, and the goroutine that drains the connection
// into it.
type Receiver struct {
	logger *slog.Logger
	ring   *ringbuffer.Buffer

	localPort int
	localAddr *net.TCPAddr

	mu     sync.Mutex
	conn   net.Conn
	cancel context.CancelFunc
	wg     sync.WaitGroup

	framesEmitted atomic.Uint64
}

// AllocateEphemeralPort reserves an OS-assigned local TCP port for
// advertising in a downstream SDP offer, releasing the listener
// immediately so the port can be reused for the outbound connect.
func AllocateEphemeralPort() (int, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{})
	if err != nil {
		return 0, fmt.Errorf("audioreceiver: allocate port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// New constructs a Receiver bound to localPort (see
// AllocateEphemeralPort), with a 256 KiB ring buffer.
func New(localPort int, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		logger:    logger,
		ring:      ringbuffer.New(ringCapacity),
		localPort: localPort,
		localAddr: &net.TCPAddr{Port: localPort},
	}
}

// LocalPort reports the port reserved for this receiver.
func (r *Receiver) LocalPort() int { return r.localPort }

// FramesEmitted reports the number of G.711 frames delivered to the
// callback so far.
func (r *Receiver) FramesEmitted() uint64 { return r.framesEmitted.Load() }

// Connect performs an outbound TCP connection to the platform's
// advertised host and port, sourced from the reserved local port,
// bounded by a 5-second deadline.
func (r *Receiver) Connect(ctx context.Context, host string, port int) error {
	ctx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()
	dialer := net.Dialer{LocalAddr: r.localAddr}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("audioreceiver: connect %s:%d: %w", host, port, err)
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// Start spawns the reader goroutine, invoking cb for every recovered
// G.711 frame. Start must be called after Connect.
func (r *Receiver) Start(cb FrameCallback) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("audioreceiver: Start called before Connect")
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go r.readLoop(ctx, conn, cb)
	return nil
}

func (r *Receiver) readLoop(ctx context.Context, conn net.Conn, cb FrameCallback) {
	defer r.wg.Done()
	scratch := make([]byte, scratchBufBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.ring.WritableSize() < lowWatermark {
			r.ring.Discard(r.ring.Capacity() / 4)
		}

		_ = conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, err := conn.Read(scratch)
		if n > 0 {
			r.ring.Write(scratch[:n])
			r.extractFrames(cb)
		}
		switch {
		case err == nil:
			if n == 0 {
				return
			}
		case isTimeout(err):
			continue
		case errors.Is(err, io.EOF):
			return
		case isFatal(err):
			r.logger.Debug("audio receiver read failed, stopping", "err", err)
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// isFatal reports whether err means the connection is gone and the
// read loop must stop rather than retry: our own Stop (net.ErrClosed),
// the peer closing the connection out from under us (ECONNRESET,
// EPIPE, ENOTCONN), or the socket landing in a state no retry can fix
// (EBADF, EINVAL, ENOTSOCK).
func isFatal(err error) bool {
	switch {
	case errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ENOTCONN),
		errors.Is(err, syscall.EBADF),
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.ENOTSOCK):
		return true
	default:
		return false
	}
}

// extractFrames scans the ring for FrameMarker, discards leading
// leftover audio in whole 160-byte frames (with any fractional
// remainder dropped), then consumes the marker, the 12-byte RTP
// header, and every complete 160-byte G.711 frame it can find.
func (r *Receiver) extractFrames(cb FrameCallback) {
	for {
		readable := r.ring.ReadableSize()
		if readable == 0 {
			return
		}
		window := make([]byte, readable)
		r.ring.Peek(window, 0)

		idx := bytes.Index(window, FrameMarker)
		if idx < 0 {
			if readable > lowWatermark {
				r.ring.Discard(discardOnDesync)
				continue
			}
			return
		}

		if idx > 0 {
			leading := idx
			for leading >= g711FrameBytes {
				frame := make([]byte, g711FrameBytes)
				r.ring.Read(frame)
				cb(frame)
				r.framesEmitted.Add(1)
				leading -= g711FrameBytes
			}
			if leading > 0 {
				r.ring.Discard(leading)
			}
		}

		if r.ring.ReadableSize() < frameHeaderBytes {
			return
		}
		r.ring.Discard(frameHeaderBytes)

		for r.ring.ReadableSize() >= g711FrameBytes {
			frame := make([]byte, g711FrameBytes)
			r.ring.Read(frame)
			cb(frame)
			r.framesEmitted.Add(1)
		}
		// loop back to scan for another marker in case this read
		// batch carried more than one platform frame
	}
}

// Stop shuts down the connection (unblocking any in-flight read),
// waits for the reader goroutine to exit, and clears the ring buffer.
func (r *Receiver) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	r.wg.Wait()
	r.ring.Clear()
}
