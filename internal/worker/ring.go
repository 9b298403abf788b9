// Package worker implements C5 (Worker + RingBuffer) and C6
// (PlayerAudioSource): the decoder-draining producer and the
// normalization-applying, event-emitting consumer on the other side of
// a bounded SPSC ring of f32 samples.
package worker

import (
	"encoding/binary"

	"github.com/drgolem/ringbuffer"
)

// defaultRingBytes is the default ring capacity named in spec.md §4.5:
// "default capacity 64 KiB samples", at 4 bytes/sample (f32).
const defaultRingBytes = 64 * 1024 * 4

// sampleRing is a thin float32 framing over drgolem/ringbuffer's
// byte-oriented SPSC ring (from the drgolem-musictools example), the
// clearest direct library-to-component match in the whole retrieval
// pack for spec.md §4.5's "bounded SPSC ring of f32 samples".
type sampleRing struct {
	rb *ringbuffer.RingBuffer

	// Per-side scratch buffers, reused across calls: writeBuf belongs
	// to the single producer (the worker goroutine), readBuf to the
	// single consumer (the device callback, which must not allocate).
	writeBuf []byte
	readBuf  []byte
}

func newSampleRing(capacitySamples int) *sampleRing {
	if capacitySamples <= 0 {
		capacitySamples = defaultRingBytes / 4
	}
	return &sampleRing{
		rb:       ringbuffer.New(uint64(capacitySamples * 4)),
		writeBuf: make([]byte, capacitySamples*4),
		readBuf:  make([]byte, capacitySamples*4),
	}
}

// availableWriteSamples returns how many whole samples can currently
// be written without blocking.
func (r *sampleRing) availableWriteSamples() int {
	return int(r.rb.AvailableWrite() / 4)
}

func (r *sampleRing) availableReadSamples() int {
	return int(r.rb.AvailableRead() / 4)
}

// writeSamples attempts to write all of samples; returns false without
// writing anything if there isn't room (mirrors
// drgolem/ringbuffer.Write's all-or-nothing semantics, which spec.md
// §4.5's "if the ring cannot accept the full staging buffer" maps
// directly onto).
func (r *sampleRing) writeSamples(samples []float32) bool {
	if len(samples)*4 > len(r.writeBuf) {
		r.writeBuf = make([]byte, len(samples)*4)
	}
	buf := r.writeBuf[:len(samples)*4]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], float32bits(s))
	}
	_, err := r.rb.Write(buf)
	return err == nil
}

// readSamples reads up to len(out) samples, returning how many were
// read. Runs on the device callback path: the scratch buffer is sized
// to the full ring at construction, so asks that fit the ring never
// allocate here.
func (r *sampleRing) readSamples(out []float32) int {
	want := len(out)
	if want*4 > len(r.readBuf) {
		want = len(r.readBuf) / 4
	}
	buf := r.readBuf[:want*4]
	n, err := r.rb.Read(buf)
	if err != nil || n == 0 {
		return 0
	}
	count := n / 4
	for i := 0; i < count; i++ {
		out[i] = float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return count
}

func (r *sampleRing) clear() { r.rb.Reset() }
