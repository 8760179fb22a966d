package streamer_test

import (
	"sync"
	"testing"

	"github.com/vsariola/reeltime/streamer"
)

func TestPlaybackBufferSpaces(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](16)
	if b.ReadSpace() != 0 || b.WriteSpace() != 15 {
		t.Fatalf("fresh buffer: read %v write %v, want 0 and 15", b.ReadSpace(), b.WriteSpace())
	}
	if n := b.Write(make([]float32, 10)); n != 10 {
		t.Fatalf("Write wrote %v, want 10", n)
	}
	if b.ReadSpace() != 10 || b.WriteSpace() != 5 {
		t.Fatalf("after write: read %v write %v, want 10 and 5", b.ReadSpace(), b.WriteSpace())
	}
	// writing beyond the free space returns a short count instead of
	// overwriting unread data
	if n := b.Write(make([]float32, 10)); n != 5 {
		t.Fatalf("overfull Write wrote %v, want 5", n)
	}
	if b.ReadSpace()+b.WriteSpace()+1 != b.Size() {
		t.Fatal("one-slot-reserved invariant broken")
	}
}

func TestPlaybackBufferFIFO(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](8)
	src := []float32{1, 2, 3, 4, 5}
	dst := make([]float32, 5)
	for round := 0; round < 10; round++ { // enough rounds to wrap several times
		if n := b.Write(src); n != 5 {
			t.Fatalf("round %v: wrote %v", round, n)
		}
		if n := b.Read(dst); n != 5 {
			t.Fatalf("round %v: read %v", round, n)
		}
		for i := range dst {
			if dst[i] != src[i] {
				t.Fatalf("round %v: got %v, want %v", round, dst, src)
			}
		}
	}
}

func TestPlaybackBufferPeek(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](16)
	b.Write([]float32{1, 2, 3, 4, 5, 6})
	dst := make([]float32, 3)
	if n := b.PeekRead(dst, 2); n != 3 {
		t.Fatalf("PeekRead returned %v, want 3", n)
	}
	if dst[0] != 3 || dst[1] != 4 || dst[2] != 5 {
		t.Fatalf("PeekRead at offset 2 got %v", dst)
	}
	if b.ReadSpace() != 6 {
		t.Fatal("PeekRead should not consume")
	}
	if n := b.PeekRead(dst, 5); n != 1 {
		t.Fatalf("PeekRead past the tail returned %v, want 1", n)
	}
}

func TestPlaybackBufferSeek(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](16)
	b.Write(make([]float32, 10))
	if !b.CanSeek(10) || b.CanSeek(11) {
		t.Error("forward seek feasibility should equal read space")
	}
	if !b.CanSeek(0) {
		t.Error("zero-distance seek is always possible")
	}
	if n := b.IncrementReadPtr(4); n != 4 {
		t.Fatalf("IncrementReadPtr moved %v, want 4", n)
	}
	if !b.CanSeek(-4) {
		t.Error("backward seek over just-consumed history should be possible")
	}
	if n := b.DecrementReadPtr(100); n != b.Size()-1-6 {
		t.Fatalf("DecrementReadPtr moved %v, want %v", n, b.Size()-1-6)
	}
}

func TestPlaybackBufferFlushReset(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](16)
	b.Write(make([]float32, 10))
	b.ReadFlush()
	if b.ReadSpace() != 0 {
		t.Error("ReadFlush should discard all readable data")
	}
	if b.WriteSpace() != 15 {
		t.Error("ReadFlush should free the discarded slots")
	}
	b.Write(make([]float32, 3))
	b.Reset()
	if b.ReadSpace() != 0 || b.WriteSpace() != 15 {
		t.Error("Reset should fully empty the ring")
	}
}

func TestPlaybackBufferWriteZero(t *testing.T) {
	b := streamer.NewPlaybackBuffer[float32](8)
	b.Write([]float32{9, 9})
	b.Read(make([]float32, 2))
	if n := b.WriteZero(4); n != 4 {
		t.Fatalf("WriteZero wrote %v, want 4", n)
	}
	dst := make([]float32, 4)
	b.Read(dst)
	for _, v := range dst {
		if v != 0 {
			t.Fatalf("WriteZero left %v in the ring", dst)
		}
	}
}

// TestPlaybackBufferSPSC hammers the ring from one producer and one
// consumer goroutine and checks that values arrive exactly once, in FIFO
// order, and that the occupancy invariant holds at every sample point.
func TestPlaybackBufferSPSC(t *testing.T) {
	const total = 1 << 17
	b := streamer.NewPlaybackBuffer[int32](1024)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		var next int32
		chunk := make([]int32, 37)
		for next < total {
			n := int32(len(chunk))
			if total-next < n {
				n = total - next
			}
			for i := int32(0); i < n; i++ {
				chunk[i] = next + i
			}
			next += int32(b.Write(chunk[:n]))
		}
	}()
	go func() {
		defer wg.Done()
		var expect int32
		chunk := make([]int32, 53)
		for expect < total {
			// the write index may advance between the two loads, which can
			// only shrink the apparent occupancy; exceeding the capacity
			// would mean the indices ran past each other
			if rs, ws := b.ReadSpace(), b.WriteSpace(); rs+ws+1 > b.Size() {
				t.Errorf("occupancy invariant broken: %v + %v + 1 > %v", rs, ws, b.Size())
				return
			}
			n := b.Read(chunk)
			for i := int64(0); i < n; i++ {
				if chunk[i] != expect {
					t.Errorf("out of order: got %v, want %v", chunk[i], expect)
					return
				}
				expect++
			}
		}
	}()
	wg.Wait()
}
