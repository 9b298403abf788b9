package sink

import (
	"math"
	"testing"
)

// fakeSource yields a constant value forever, used to exercise the
// callback's mixing/volume math without a real device.
type fakeSource struct{ val float32 }

func (f *fakeSource) Write(out []float32) int {
	for i := range out {
		out[i] = f.val
	}
	return len(out)
}

func newTestSink() *Sink {
	s := &Sink{
		channels:      2,
		sampleRate:    44100,
		cmds:          make(chan sinkCmd, 8),
		interleaveBuf: make([]float32, 256),
	}
	s.volume.Store(math.Float32bits(1.0))
	return s
}

func TestCallbackZerosWhenStopped(t *testing.T) {
	s := newTestSink()
	out := [][]float32{make([]float32, 64), make([]float32, 64)}
	s.callback(out)
	for ch := range out {
		for _, v := range out[ch] {
			if v != 0 {
				t.Fatalf("expected silence while stopped, got %v", v)
			}
		}
	}
}

func TestCallbackAppliesVolumeAndDeinterleaves(t *testing.T) {
	s := newTestSink()
	s.apply(sinkCmd{kind: cmdPlay, source: &fakeSource{val: 1.0}})
	s.apply(sinkCmd{kind: cmdSetVolume, volume: 0.5})

	out := [][]float32{make([]float32, 4), make([]float32, 4)}
	s.callback(out)

	for ch := range out {
		for _, v := range out[ch] {
			if v != 0.5 {
				t.Fatalf("expected 0.5 after gain, got %v", v)
			}
		}
	}
}

func TestCallbackDrainsOneCommandPerCall(t *testing.T) {
	s := newTestSink()
	s.send(sinkCmd{kind: cmdPlay, source: &fakeSource{val: 1.0}})
	s.send(sinkCmd{kind: cmdPause})

	out := [][]float32{make([]float32, 2), make([]float32, 2)}
	s.callback(out) // drains cmdPlay only
	if sinkState(s.state.Load()) != statePlaying {
		t.Fatalf("expected playing after first drained command")
	}
	s.callback(out) // drains cmdPause
	if sinkState(s.state.Load()) != statePaused {
		t.Fatalf("expected paused after second drained command")
	}
}

func TestStopClearsSource(t *testing.T) {
	s := newTestSink()
	s.apply(sinkCmd{kind: cmdPlay, source: &fakeSource{val: 1.0}})
	s.apply(sinkCmd{kind: cmdStop})
	if s.current.Load() != nil {
		t.Fatalf("expected source cleared on stop")
	}
	if sinkState(s.state.Load()) != stateStopped {
		t.Fatalf("expected stopped state")
	}
}
