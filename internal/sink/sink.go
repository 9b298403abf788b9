// Package sink implements C7 AudioSink: a single-active-source output
// actor whose real-time device callback never allocates, locks, or
// blocks (spec.md §4.7).
package sink

import (
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

// Source is the contract an AudioSink plays from (spec.md §6): pull up
// to len(out) interleaved samples, returning how many were written.
type Source interface {
	Write(out []float32) int
}

type sinkState int32

const (
	stateStopped sinkState = iota
	statePlaying
	statePaused
)

// preferredSampleRate/preferredChannels are spec.md §4.7's negotiation
// preference ("44.1 kHz / 2 ch / f32; falls back to the device
// default").
const (
	preferredSampleRate = 44100
	preferredChannels   = 2
)

type sinkCmd struct {
	kind   cmdKind
	source Source
	volume float32
}

type cmdKind int

const (
	cmdPlay cmdKind = iota
	cmdSwitch
	cmdPause
	cmdResume
	cmdStop
	cmdSetVolume
	cmdClose
)

// Sink owns the portaudio device stream (carried over from the teacher
// repo's cmd/audio/test.go smoke test, here made the real backend
// rather than a demo) and exposes the single-active-source actor
// contract of spec.md §4.7.
type Sink struct {
	stream     *portaudio.Stream
	channels   int
	sampleRate int
	debug      bool

	state   atomic.Int32           // sinkState
	volume  atomic.Uint32          // bit-punned float32, per spec.md §5
	current atomic.Pointer[Source] // loaded lock-free in the callback

	cmds chan sinkCmd

	interleaveBuf []float32 // reused scratch buffer, never reallocated on the callback path
}

// Open negotiates a device stream, preferring 44.1kHz/2ch/f32 and
// falling back on failure to one channel at the default output
// device's own sample rate, matching spec.md §4.7.
func Open(debug bool) (*Sink, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("sink: portaudio init: %w", err)
	}

	s := &Sink{
		channels:   preferredChannels,
		sampleRate: preferredSampleRate,
		debug:      debug,
		cmds:       make(chan sinkCmd, 32),
	}
	s.volume.Store(math.Float32bits(1.0))

	framesPerBuffer := int(float64(preferredSampleRate) * 0.02) // 20ms, matches the teacher's smoke test
	s.interleaveBuf = make([]float32, framesPerBuffer*s.channels)

	stream, err := portaudio.OpenDefaultStream(0, s.channels, float64(s.sampleRate), framesPerBuffer, s.callback)
	if err != nil {
		defDev, defErr := portaudio.DefaultHostApi()
		if defErr != nil || defDev.DefaultOutputDevice == nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("sink: open device: %w", err)
		}
		s.channels = 1
		s.sampleRate = int(defDev.DefaultOutputDevice.DefaultSampleRate)
		s.interleaveBuf = make([]float32, framesPerBuffer*s.channels)
		stream, err = portaudio.OpenDefaultStream(0, s.channels, float64(s.sampleRate), framesPerBuffer, s.callback)
		if err != nil {
			portaudio.Terminate()
			return nil, fmt.Errorf("sink: open device (fallback): %w", err)
		}
	}
	s.stream = stream

	if err := stream.Start(); err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("sink: start stream: %w", err)
	}

	go s.drainCommands()
	return s, nil
}

func (s *Sink) ChannelCount() int { return s.channels }
func (s *Sink) SampleRate() int  { return s.sampleRate }

// callback runs on the real-time audio thread. It must never allocate,
// lock, or block: it reads the atomic state and volume, and drains at
// most one pending command per call (spec.md §4.7: "messages are
// polled non-blockingly on the callback entry and applied in-order").
func (s *Sink) callback(out [][]float32) {
	select {
	case cmd := <-s.cmds:
		s.apply(cmd)
	default:
	}

	if sinkState(s.state.Load()) != statePlaying {
		zero(out)
		return
	}

	p := s.current.Load()
	if p == nil || *p == nil {
		zero(out)
		return
	}
	src := *p

	frames := len(out[0])
	need := frames * s.channels
	if cap(s.interleaveBuf) < need {
		need = cap(s.interleaveBuf)
	}
	buf := s.interleaveBuf[:need]
	n := src.Write(buf)

	vol := math.Float32frombits(s.volume.Load())
	framesWritten := n / s.channels
	for ch := 0; ch < s.channels; ch++ {
		for f := 0; f < framesWritten; f++ {
			out[ch][f] = buf[f*s.channels+ch] * vol
		}
		for f := framesWritten; f < frames; f++ {
			out[ch][f] = 0
		}
	}
}

func zero(out [][]float32) {
	for ch := range out {
		for f := range out[ch] {
			out[ch][f] = 0
		}
	}
}

// apply performs the actual state transition for a drained command;
// called only from the callback, and touches nothing but atomics.
func (s *Sink) apply(cmd sinkCmd) {
	switch cmd.kind {
	case cmdPlay, cmdSwitch:
		src := cmd.source
		s.current.Store(&src)
		s.state.Store(int32(statePlaying))
	case cmdPause:
		s.state.Store(int32(statePaused))
	case cmdResume:
		s.state.Store(int32(statePlaying))
	case cmdStop:
		s.current.Store(nil)
		s.state.Store(int32(stateStopped))
	case cmdSetVolume:
		s.volume.Store(math.Float32bits(cmd.volume))
	}
}

// drainCommands exists only so Close/SetVolume callers posting from a
// non-realtime goroutine never block on a full channel for long; the
// callback is the real drain point, this just logs backpressure.
func (s *Sink) drainCommands() {
	for range time.Tick(time.Second) {
		if len(s.cmds) > 16 {
			s.logf("command queue backed up (%d pending)", len(s.cmds))
		}
	}
}

func (s *Sink) logf(format string, args ...interface{}) {
	if s.debug {
		log.Printf("[SINK] "+format, args...)
	}
}

func (s *Sink) send(cmd sinkCmd) {
	select {
	case s.cmds <- cmd:
	default:
		s.logf("command dropped, queue full")
	}
}

// Play starts playing source immediately as the single active source.
func (s *Sink) Play(src Source) { s.send(sinkCmd{kind: cmdPlay, source: src}) }

// SwitchTrack atomically replaces the active source without an
// intermediate silence gap.
func (s *Sink) SwitchTrack(src Source) { s.send(sinkCmd{kind: cmdSwitch, source: src}) }

func (s *Sink) Pause()  { s.send(sinkCmd{kind: cmdPause}) }
func (s *Sink) Resume() { s.send(sinkCmd{kind: cmdResume}) }

// Stop is equivalent to Play(silence) then Pause, per spec.md §4.7: it
// clears the active source and transitions to stopped.
func (s *Sink) Stop() { s.send(sinkCmd{kind: cmdStop}) }

// SetVolume sets the atomic gain applied in the callback.
func (s *Sink) SetVolume(v float32) { s.send(sinkCmd{kind: cmdSetVolume, volume: v}) }

// Close tears the device stream down entirely.
func (s *Sink) Close() error {
	if s.stream == nil {
		return nil
	}
	if err := s.stream.Stop(); err != nil {
		s.logf("stop stream: %v", err)
	}
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}
