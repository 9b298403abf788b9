package worker

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/psst-go/corestream/internal/audiofmt"
)

// Events emitted by the AudioSource side (spec.md §6's player event
// channel, restricted here to the subset this package originates).
type Event interface{ isEvent() }

type PositionEvent struct{ Position time.Duration }
type EndOfTrackEvent struct{}

// BlockedEvent signals ring starvation mid-track: the consumer asked
// for samples and got none while the track had not ended, meaning the
// decoder is stalled waiting on not-yet-downloaded bytes.
type BlockedEvent struct{ Position time.Duration }

func (PositionEvent) isEvent()   {}
func (EndOfTrackEvent) isEvent() {}
func (BlockedEvent) isEvent()    {}

// reportPrecision is the coarse reporting interval named in spec.md
// §4.6 ("≈1s of audio"), ported from psst-core/src/player/worker.rs's
// REPORT_PRECISION.
const reportPrecision = time.Second

// suspendOnFullRing is the backpressure suspend window from spec.md
// §4.5.
const suspendOnFullRing = 500 * time.Millisecond

type msgKind int

const (
	msgRead msgKind = iota
	msgSeek
	msgStop
)

type workerMsg struct {
	kind msgKind
	seek time.Duration
}

// Worker owns a Decoder and a bounded SPSC ring, draining decoded
// packets into the ring per spec.md §4.5. Ported from
// psst-core/src/player/worker.rs's Worker/Msg/Actor::handle.
type Worker struct {
	decoder  audiofmt.Decoder
	ring     *sampleRing
	inbox    chan workerMsg
	position *atomic.Uint64 // shared with AudioSource: played-sample counter
	channels int
	rate     int
	debug    bool

	// producer-side staging state, owned exclusively by run().
	pending []float32 // samples left over from a packet that didn't fully fit
}

// NewWorker starts the worker's goroutine draining decoder into a ring
// of the given sample capacity (0 = default 64 KiB samples), sharing
// position with the consumer (internal/worker.AudioSource).
func NewWorker(decoder audiofmt.Decoder, ringCapacitySamples int, position *atomic.Uint64, debug bool) *Worker {
	spec := decoder.SignalSpec()
	w := &Worker{
		decoder:  decoder,
		ring:     newSampleRing(ringCapacitySamples),
		inbox:    make(chan workerMsg, 8),
		position: position,
		channels: spec.Channels,
		rate:     spec.SampleRate,
		debug:    debug,
	}
	go w.run()
	w.inbox <- workerMsg{kind: msgRead}
	return w
}

// Seek asks the worker to reposition the decoder (spec.md §4.5).
func (w *Worker) Seek(d time.Duration) { w.inbox <- workerMsg{kind: msgSeek, seek: d} }

// Stop terminates the worker; the ring and decoder are abandoned for
// the garbage collector, matching the Rust original's Drop semantics
// (there is no explicit close needed on either).
func (w *Worker) Stop() { w.inbox <- workerMsg{kind: msgStop} }

func (w *Worker) logf(format string, args ...interface{}) {
	if w.debug {
		log.Printf("[WORKER] "+format, args...)
	}
}

func (w *Worker) run() {
	for msg := range w.inbox {
		switch msg.kind {
		case msgRead:
			w.onRead()
		case msgSeek:
			w.onSeek(msg.seek)
		case msgStop:
			return
		}
	}
}

// onRead implements spec.md §4.5's Read handler: flush any pending
// staged samples first; otherwise pull one packet and stage it; on
// success, self-resend Read to keep the pipeline full; on a full ring,
// suspend up to 500ms and self-resend.
func (w *Worker) onRead() {
	if len(w.pending) > 0 {
		if w.ring.writeSamples(w.pending) {
			w.pending = nil
			w.selfSend(workerMsg{kind: msgRead})
			return
		}
		w.suspendThenRetry()
		return
	}

	packet, err := w.decoder.NextPacket()
	if err != nil {
		w.logf("decode error, stopping worker: %v", err)
		return
	}
	if w.ring.writeSamples(packet.Samples) {
		w.selfSend(workerMsg{kind: msgRead})
		return
	}
	w.pending = packet.Samples
	w.suspendThenRetry()
}

func (w *Worker) suspendThenRetry() {
	go func() {
		time.Sleep(suspendOnFullRing)
		w.selfSend(workerMsg{kind: msgRead})
	}()
}

func (w *Worker) selfSend(m workerMsg) {
	defer func() { recover() }() // inbox may be closed by a racing Stop
	select {
	case w.inbox <- m:
	default:
		go func() { w.selfSendBlocking(m) }()
	}
}

func (w *Worker) selfSendBlocking(m workerMsg) {
	defer func() { recover() }()
	w.inbox <- m
}

// onSeek implements spec.md §4.5's Seek handler: instruct the decoder
// to seek, discard any pending flush, atomically publish the new
// play-head sample counter, and clear the ring.
func (w *Worker) onSeek(d time.Duration) {
	landed, err := w.decoder.Seek(d)
	if err != nil {
		w.logf("seek error: %v", err)
		return
	}
	w.pending = nil
	w.ring.clear()

	sampleCount := uint64(landed.Seconds()*float64(w.rate)) * uint64(w.channels)
	w.position.Store(sampleCount)

	w.selfSend(workerMsg{kind: msgRead})
}
