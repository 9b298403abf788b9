package player

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/psst-go/corestream/pkg/coretypes"
)

type fakeSink struct {
	playing Source
	stopped bool
	volume  float32
}

func (f *fakeSink) Play(src Source) { f.playing = src; f.stopped = false }
func (f *fakeSink) Pause()          {}
func (f *fakeSink) Resume()         {}
func (f *fakeSink) Stop()           { f.playing = nil; f.stopped = true }
func (f *fakeSink) SetVolume(v float32) { f.volume = v }

type fakeSource struct{}

func (fakeSource) Write(out []float32) int { return len(out) }

// fakeLoader resolves instantly (success or failure controlled by a
// per-item map) and never actually touches internal/worker beyond
// carrying a stub *worker.AudioSource around as an opaque handle.
type fakeLoader struct {
	fail map[coretypes.ItemId]bool
}

func (f *fakeLoader) Load(ctx context.Context, item coretypes.ItemId) (LoadResult, error) {
	if f.fail[item] {
		return LoadResult{}, errors.New("load failed")
	}
	return LoadResult{Source: nil, Path: coretypes.MediaPath{ItemId: item, Duration: time.Minute}}, nil
}

func itemN(n byte) coretypes.ItemId {
	var id coretypes.ItemId
	id.Bytes[0] = n
	return id
}

func drainUntil[T Event](t *testing.T, events <-chan Event, deadline time.Time) T {
	t.Helper()
	for time.Now().Before(deadline) {
		select {
		case e := <-events:
			if v, ok := e.(T); ok {
				return v
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	var zero T
	t.Fatalf("deadline exceeded waiting for %T", zero)
	return zero
}

func TestLoadAndPlaySucceeds(t *testing.T) {
	loader := &fakeLoader{fail: map[coretypes.ItemId]bool{}}
	sk := &fakeSink{}
	p := New(loader, sk, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	item := itemN(1)
	p.Commands() <- CmdLoadAndPlay{Item: item}

	drainUntil[EvtLoading](t, p.Events(), time.Now().Add(time.Second))
	drainUntil[EvtLoaded](t, p.Events(), time.Now().Add(time.Second))
	drainUntil[EvtPlaying](t, p.Events(), time.Now().Add(time.Second))
}

func TestLoadFailureAdvancesQueueThenStopsAfterThreeFailures(t *testing.T) {
	items := []coretypes.ItemId{itemN(1), itemN(2), itemN(3)}
	loader := &fakeLoader{fail: map[coretypes.ItemId]bool{
		items[0]: true, items[1]: true, items[2]: true,
	}}
	sk := &fakeSink{}
	p := New(loader, sk, false)
	p.queue.SetBehavior(coretypes.QueueSequential)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Commands() <- CmdLoadQueue{Items: items, StartPosition: 0}

	deadline := time.Now().Add(2 * time.Second)
	var stopped bool
	for time.Now().Before(deadline) && !stopped {
		select {
		case e := <-p.Events():
			if _, ok := e.(EvtStopped); ok {
				stopped = true
			}
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !stopped {
		t.Fatalf("expected Stopped after 3 consecutive load failures")
	}
}

func TestPreviousWithinThresholdGoesToPreviousTrack(t *testing.T) {
	p := New(&fakeLoader{}, &fakeSink{}, false)
	p.queue.Fill([]coretypes.ItemId{itemN(1), itemN(2)}, 1)
	p.path = coretypes.MediaPath{ItemId: itemN(2)}
	p.position = time.Second // within the 3s threshold

	ctx := context.Background()
	p.previous(ctx)

	if p.current == nil {
		t.Fatalf("expected a load to have been spawned for the previous track")
	}
}

func TestPreviousPastThresholdSeeksToZero(t *testing.T) {
	p := New(&fakeLoader{}, &fakeSink{}, false)
	p.position = 10 * time.Second
	p.previous(context.Background())
	if p.current != nil {
		t.Fatalf("expected no load spawned when seeking to zero instead")
	}
}

func TestQueueRandomProducesPermutationBeforeRepeat(t *testing.T) {
	q := NewQueue()
	items := []coretypes.ItemId{itemN(1), itemN(2), itemN(3)}
	q.Fill(items, 0)
	q.SetBehavior(coretypes.QueueRandom)

	seen := map[coretypes.ItemId]bool{}
	for i := 0; i < len(items)-1; i++ {
		next, ok := q.SkipToNext()
		if !ok {
			t.Fatalf("expected a next item")
		}
		if seen[next] {
			t.Fatalf("item %v repeated before full cycle", next)
		}
		seen[next] = true
	}
}
