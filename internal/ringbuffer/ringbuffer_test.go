package ringbuffer

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	b := New(16)
	n := b.Write([]byte("hello"))
	if n != 5 {
		t.Fatalf("write = %d, want 5", n)
	}
	out := make([]byte, 5)
	if got := b.Read(out); got != 5 {
		t.Fatalf("read = %d, want 5", got)
	}
	if string(out) != "hello" {
		t.Fatalf("read %q, want hello", out)
	}
}

func TestCapacityInvariant(t *testing.T) {
	b := New(8)
	if b.ReadableSize()+b.WritableSize()+1 != b.Capacity() {
		t.Fatalf("invariant broken at start")
	}
	b.Write([]byte{1, 2, 3})
	if b.ReadableSize()+b.WritableSize()+1 != b.Capacity() {
		t.Fatalf("invariant broken after write")
	}
	out := make([]byte, 2)
	b.Read(out)
	if b.ReadableSize()+b.WritableSize()+1 != b.Capacity() {
		t.Fatalf("invariant broken after read")
	}
}

func TestWriteTruncatesAtWritable(t *testing.T) {
	b := New(4) // writable = 3
	n := b.Write([]byte{1, 2, 3, 4, 5})
	if n != 3 {
		t.Fatalf("write = %d, want 3 (one slot reserved)", n)
	}
}

func TestWrapAround(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3})
	out := make([]byte, 2)
	b.Read(out)
	n := b.Write([]byte{4, 5})
	if n != 2 {
		t.Fatalf("write across wrap = %d, want 2", n)
	}
	rest := make([]byte, 3)
	got := b.Read(rest)
	if got != 3 || !bytes.Equal(rest, []byte{3, 4, 5}) {
		t.Fatalf("read after wrap = %v (%d), want [3 4 5]", rest, got)
	}
}

func TestPeekDoesNotConsume(t *testing.T) {
	b := New(8)
	b.Write([]byte{1, 2, 3, 4})
	out := make([]byte, 2)
	if n := b.Peek(out, 1); n != 2 || !bytes.Equal(out, []byte{2, 3}) {
		t.Fatalf("peek = %v (%d), want [2 3]", out, n)
	}
	if b.ReadableSize() != 4 {
		t.Fatalf("peek consumed data, readable = %d", b.ReadableSize())
	}
	if n := b.Peek(out, 3); n != 0 {
		t.Fatalf("peek past readable should return 0, got %d", n)
	}
}

func TestDiscardClampsToReadable(t *testing.T) {
	b := New(8)
	b.Write([]byte{1, 2, 3})
	if n := b.Discard(100); n != 3 {
		t.Fatalf("discard = %d, want 3", n)
	}
	if b.ReadableSize() != 0 {
		t.Fatalf("readable after over-discard = %d, want 0", b.ReadableSize())
	}
}

func TestClearResets(t *testing.T) {
	b := New(8)
	b.Write([]byte{1, 2, 3})
	b.Clear()
	if b.ReadableSize() != 0 || b.WritableSize() != b.Capacity()-1 {
		t.Fatalf("clear did not reset indices")
	}
}

// TestSPSCFuzz exercises the property from spec §8: with one producer
// and one consumer goroutine, bytes_read is always a prefix of
// bytes_written.
func TestSPSCFuzz(t *testing.T) {
	const total = 1 << 20
	b := New(4096)
	src := make([]byte, total)
	rand.New(rand.NewSource(1)).Read(src)

	var wg sync.WaitGroup
	wg.Add(2)
	var readErr error
	got := make([]byte, 0, total)

	go func() {
		defer wg.Done()
		off := 0
		for off < total {
			chunk := 1 + rand.Intn(512)
			if off+chunk > total {
				chunk = total - off
			}
			for {
				n := b.Write(src[off : off+chunk])
				off += n
				if n > 0 {
					break
				}
			}
		}
	}()
	go func() {
		defer wg.Done()
		buf := make([]byte, 300)
		for len(got) < total {
			n := b.Read(buf)
			if n > 0 {
				got = append(got, buf[:n]...)
			}
		}
	}()
	wg.Wait()
	if readErr != nil {
		t.Fatal(readErr)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("read stream diverges from written stream")
	}
}
