package worker

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/psst-go/corestream/internal/audiofmt"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// fakeDecoder yields a fixed number of deterministic packets, then EOF.
type fakeDecoder struct {
	spec       coretypes.SignalSpec
	packetsLeft int
	packetSize  int
	nextVal     float32
}

func (f *fakeDecoder) SignalSpec() coretypes.SignalSpec { return f.spec }
func (f *fakeDecoder) TotalSamples() uint64 {
	return uint64(f.packetsLeft * f.packetSize)
}
func (f *fakeDecoder) Seek(d time.Duration) (time.Duration, error) { return d, nil }
func (f *fakeDecoder) NextPacket() (*audiofmt.Packet, error) {
	if f.packetsLeft <= 0 {
		return nil, io.EOF
	}
	f.packetsLeft--
	samples := make([]float32, f.packetSize)
	for i := range samples {
		samples[i] = f.nextVal
	}
	f.nextVal++
	return &audiofmt.Packet{Samples: samples}, nil
}

func TestWorkerFillsRingAndAudioSourceDrains(t *testing.T) {
	dec := &fakeDecoder{
		spec:        coretypes.SignalSpec{SampleRate: 44100, Channels: 2},
		packetsLeft: 4,
		packetSize:  256,
	}
	var pos atomic.Uint64
	w := NewWorker(dec, 4096, &pos, false)
	src := NewAudioSource(w, &pos, dec.TotalSamples(), 1.0, 2, 44100)

	// Give the worker goroutine a moment to drain all 4 packets into
	// the ring (1024 samples total, well under the 4096 capacity).
	deadline := time.Now().Add(time.Second)
	var total int
	out := make([]float32, 4096)
	for time.Now().Before(deadline) {
		n := src.Write(out)
		total += n
		if total >= 1024 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if total != 1024 {
		t.Fatalf("expected 1024 samples drained, got %d", total)
	}
	w.Stop()
}

func TestAudioSourceEndOfTrackLatches(t *testing.T) {
	dec := &fakeDecoder{spec: coretypes.SignalSpec{SampleRate: 1, Channels: 1}, packetsLeft: 1, packetSize: 4}
	var pos atomic.Uint64
	w := NewWorker(dec, 16, &pos, false)
	src := NewAudioSource(w, &pos, 4, 1.0, 1, 1)

	out := make([]float32, 16)
	deadline := time.Now().Add(time.Second)
	for pos.Load() < 4 && time.Now().Before(deadline) {
		src.Write(out)
		time.Sleep(time.Millisecond)
	}
	if n := src.Write(out); n != 0 && !src.endLatched {
		t.Fatalf("expected end-of-track to latch once total samples reached")
	}
	w.Stop()
}
