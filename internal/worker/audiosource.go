package worker

import (
	"io"
	"sync/atomic"
	"time"
)

// AudioSource is the consumer side of the ring (C6, spec.md §4.6): it
// pulls samples for the output device, applies the normalization gain,
// advances the shared play-head counter, and emits coarse Position /
// EndOfTrack events without ever blocking.
type AudioSource struct {
	worker       *Worker
	position     *atomic.Uint64 // shared with Worker; consumer side FETCH-ADDs
	totalSamples uint64         // 0 means unknown (e.g. streamed MP3 - see audiofmt.mp3Decoder)
	normFactor   float32
	channels     int
	rate         int

	events  chan Event
	closers []io.Closer

	lastReported uint64
	endLatched   bool
	starved      bool
}

// NewAudioSource wires a ring consumer on top of worker, reporting
// events non-blockingly on a small buffered channel the Player drains.
// Any closers (the CDN source, the storage reader) are torn down with
// the source, per spec.md §3's LoadedPlaybackItem ownership rule.
func NewAudioSource(worker *Worker, position *atomic.Uint64, totalSamples uint64, normFactor float32, channels, rate int, closers ...io.Closer) *AudioSource {
	return &AudioSource{
		worker:       worker,
		position:     position,
		totalSamples: totalSamples,
		normFactor:   normFactor,
		channels:     channels,
		rate:         rate,
		events:       make(chan Event, 16),
		closers:      closers,
	}
}

// Events exposes the event channel for Player to drain.
func (s *AudioSource) Events() <-chan Event { return s.events }

// Worker exposes the owning Worker so Player can forward Seek commands.
func (s *AudioSource) Worker() *Worker { return s.worker }

// Write implements the AudioSink source contract (spec.md §4.6/§6):
// pulls up to len(output) samples, applies gain, advances the shared
// counter, and emits Position/EndOfTrack at the reporting cadence. It
// never blocks.
func (s *AudioSource) Write(output []float32) int {
	if s.endLatched {
		return 0
	}

	n := s.worker.ring.readSamples(output)
	for i := 0; i < n; i++ {
		output[i] *= s.normFactor
	}

	newCount := s.position.Add(uint64(n))

	// Mid-track underrun: samples were requested, none were available,
	// and the track is not over. Reported once per starvation episode.
	if n == 0 && newCount > 0 && len(output) > 0 {
		if !s.starved && trySend(s.events, BlockedEvent{Position: samplesToDuration(newCount, s.rate, s.channels)}) {
			s.starved = true
		}
	} else if n > 0 {
		s.starved = false
	}

	reportEvery := uint64(s.rate) * uint64(s.channels) * uint64(reportPrecision/time.Second)
	if reportEvery > 0 && (newCount-s.lastReported) >= reportEvery {
		pos := samplesToDuration(newCount, s.rate, s.channels)
		if trySend(s.events, PositionEvent{Position: pos}) {
			s.lastReported = newCount
		}
	}

	if s.totalSamples > 0 && newCount >= s.totalSamples {
		if trySend(s.events, EndOfTrackEvent{}) {
			s.endLatched = true
		}
	}

	return n
}

// Close sends Stop to the worker, matching spec.md §4.6: "Drop of the
// source sends Stop to the worker", then tears down the attached
// storage/CDN resources.
func (s *AudioSource) Close() {
	s.worker.Stop()
	for _, c := range s.closers {
		_ = c.Close()
	}
}

func samplesToDuration(samples uint64, rate, channels int) time.Duration {
	if rate <= 0 || channels <= 0 {
		return 0
	}
	frames := samples / uint64(channels)
	return time.Duration(float64(frames) / float64(rate) * float64(time.Second))
}

// trySend is a non-blocking channel send; returns whether it succeeded.
func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}
