// Package player implements C8 Player: the single owning state machine
// over {Stopped, Loading, Playing, Paused} plus a parallel Preload
// slot, queue advancement, and the command/event channel contract of
// spec.md §4.8 and §6.
//
// Ported field-for-field from psst-core/src/player/mod.rs. See
// DESIGN.md for the full grounding note.
package player

import (
	"context"
	"log"
	"time"

	"github.com/psst-go/corestream/internal/worker"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// Source is the AudioSink contract's source argument (spec.md §6:
// "source satisfies write(&mut [f32]) -> usize"). *worker.AudioSource
// implements it.
type Source interface {
	Write(out []float32) int
}

// Sink is the subset of internal/sink.Sink's contract Player drives;
// declared as an interface here (rather than importing the concrete
// type) so tests can substitute a fake instead of opening a real
// device, per spec.md §6's "AudioSink contract (consumed)".
type Sink interface {
	Play(src Source)
	Pause()
	Resume()
	Stop()
	SetVolume(v float32)
}

// stopAfterConsecutiveLoadingFailures mirrors the original's constant
// of the same name (psst-core/src/player/mod.rs).
const stopAfterConsecutiveLoadingFailures = 3

// previousThreshold is spec.md §4.8's "Previous: if position < 3s,
// skip_to_previous and load; else seek to 0".
const previousThreshold = 3 * time.Second

// preloadWindow is spec.md §4.8's "if time_until_end <= 30s, issue
// Preload(following)".
const preloadWindow = 30 * time.Second

type stateKind int

const (
	stateStopped stateKind = iota
	stateLoading
	statePlaying
	statePaused
	stateInvalid // transient sentinel during a transition, per spec.md §3
)

// LoadResult is what a Loader produces for one item: a ready-to-play
// AudioSource plus the resolved media path (for Playing/Position event
// payloads).
type LoadResult struct {
	Source *worker.AudioSource
	Path   coretypes.MediaPath
}

// Loader performs the full C1-C5 pipeline (cache lookup, CDN fetch,
// decrypt, decode, worker spin-up) for one item id, returning a
// playable AudioSource. Kept as an interface so internal/player has no
// direct import-cycle onto internal/cdn/internal/auth/internal/cache,
// and so tests can substitute a fake.
type Loader interface {
	Load(ctx context.Context, item coretypes.ItemId) (LoadResult, error)
}

// Command is the input side of spec.md §6's external interface.
type Command interface{ isCommand() }

type (
	CmdLoadQueue struct {
		Items        []coretypes.ItemId
		StartPosition int
	}
	CmdLoadAndPlay      struct{ Item coretypes.ItemId }
	CmdPreload          struct{ Item coretypes.ItemId }
	CmdPause            struct{}
	CmdResume           struct{}
	CmdPauseOrResume    struct{}
	CmdPrevious         struct{}
	CmdNext             struct{}
	CmdStop             struct{}
	CmdSeek             struct{ Position time.Duration }
	CmdConfigure        struct {
		Bitrate int
		PregainDb float32
	}
	CmdSetQueueBehavior struct{ Behavior coretypes.QueueBehavior }
	CmdSetVolume        struct{ Volume float32 }
)

func (CmdLoadQueue) isCommand()        {}
func (CmdLoadAndPlay) isCommand()      {}
func (CmdPreload) isCommand()          {}
func (CmdPause) isCommand()            {}
func (CmdResume) isCommand()           {}
func (CmdPauseOrResume) isCommand()    {}
func (CmdPrevious) isCommand()         {}
func (CmdNext) isCommand()             {}
func (CmdStop) isCommand()             {}
func (CmdSeek) isCommand()             {}
func (CmdConfigure) isCommand()        {}
func (CmdSetQueueBehavior) isCommand() {}
func (CmdSetVolume) isCommand()        {}

// Event is the output side of spec.md §6's external interface.
type Event interface{ isEvent() }

type (
	EvtLoading   struct{ Item coretypes.ItemId }
	EvtLoaded    struct {
		Item coretypes.ItemId
		Err  error
	}
	EvtPreloaded struct {
		Item coretypes.ItemId
		Err  error
	}
	EvtPlaying   struct {
		Path     coretypes.MediaPath
		Position time.Duration
	}
	EvtPausing struct {
		Path     coretypes.MediaPath
		Position time.Duration
	}
	EvtResuming struct {
		Path     coretypes.MediaPath
		Position time.Duration
	}
	EvtPosition struct {
		Path     coretypes.MediaPath
		Position time.Duration
	}
	EvtBlocked struct {
		Path     coretypes.MediaPath
		Position time.Duration
	}
	EvtEndOfTrack struct{}
	EvtStopped    struct{}
)

func (EvtLoading) isEvent()     {}
func (EvtLoaded) isEvent()      {}
func (EvtPreloaded) isEvent()   {}
func (EvtPlaying) isEvent()     {}
func (EvtPausing) isEvent()     {}
func (EvtResuming) isEvent()    {}
func (EvtPosition) isEvent()    {}
func (EvtBlocked) isEvent()     {}
func (EvtEndOfTrack) isEvent()  {}
func (EvtStopped) isEvent()     {}

// loadTask tracks one in-flight Loader.Load call, whether it backs the
// active Loading state or the parallel preload slot.
type loadTask struct {
	item   coretypes.ItemId
	cancel context.CancelFunc
	result chan loadOutcome
}

type loadOutcome struct {
	item coretypes.ItemId
	res  LoadResult
	err  error
}

// preloadSlotState mirrors spec.md §3's "parallel Preload slot that
// can be promoted to the active slot without re-fetching".
type preloadSlotState int

const (
	preloadIdle preloadSlotState = iota
	preloadInFlight
	preloadReady
)

type preloadSlot struct {
	state preloadSlotState
	task  *loadTask
	ready LoadResult
	item  coretypes.ItemId
	err   error
}

// Player owns the command loop; Run must be started in its own
// goroutine and driven via Commands()<-.
type Player struct {
	loader Loader
	sink   Sink
	debug  bool

	cmds   chan Command
	events chan Event

	state       stateKind
	path        coretypes.MediaPath
	position    time.Duration
	consecutiveFailures int
	current     *loadTask
	source      *worker.AudioSource
	preload     preloadSlot
	queue       *Queue
	bitrate     int
	pregainDb   float32
}

// New constructs a Player in the Stopped state.
func New(loader Loader, sk Sink, debug bool) *Player {
	return &Player{
		loader: loader,
		sink:   sk,
		debug:  debug,
		cmds:   make(chan Command, 32),
		events: make(chan Event, 64),
		queue:  NewQueue(),
		state:  stateStopped,
		bitrate: 160,
	}
}

// Commands returns the send side of the command channel.
func (p *Player) Commands() chan<- Command { return p.cmds }

// Events returns the receive side of the event channel.
func (p *Player) Events() <-chan Event { return p.events }

func (p *Player) logf(format string, args ...interface{}) {
	if p.debug {
		log.Printf("[PLAYER] "+format, args...)
	}
}

func (p *Player) emit(e Event) {
	select {
	case p.events <- e:
	default:
		p.logf("event dropped, channel full: %T", e)
	}
}

// Run drives the command loop until ctx is cancelled.
func (p *Player) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-p.cmds:
			p.handle(ctx, cmd)
		case out := <-p.currentResultChan():
			p.handleLoaded(ctx, out, false)
		case out := <-p.preloadResultChan():
			p.handleLoaded(ctx, out, true)
		case ev := <-p.sourceEventChan():
			p.handleSourceEvent(ctx, ev)
		}
	}
}

// currentResultChan/preloadResultChan/sourceEventChan return nil
// channels (which block forever in a select) when nothing is
// in-flight, so Run's select naturally skips them.
func (p *Player) currentResultChan() chan loadOutcome {
	if p.current == nil {
		return nil
	}
	return p.current.result
}

func (p *Player) preloadResultChan() chan loadOutcome {
	if p.preload.task == nil {
		return nil
	}
	return p.preload.task.result
}

func (p *Player) sourceEventChan() <-chan worker.Event {
	if p.source == nil {
		return nil
	}
	return p.source.Events()
}

func (p *Player) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case CmdLoadQueue:
		p.queue.Fill(c.Items, c.StartPosition)
		if item, ok := p.queue.Current(); ok {
			p.loadAndPlay(ctx, item)
		}
	case CmdLoadAndPlay:
		p.loadAndPlay(ctx, c.Item)
	case CmdPreload:
		p.startPreload(ctx, c.Item)
	case CmdPause:
		p.pause()
	case CmdResume:
		p.resume()
	case CmdPauseOrResume:
		if p.state == statePlaying {
			p.pause()
		} else if p.state == statePaused {
			p.resume()
		}
	case CmdPrevious:
		p.previous(ctx)
	case CmdNext:
		if item, ok := p.queue.SkipToNext(); ok {
			p.loadAndPlay(ctx, item)
		} else {
			p.stop()
		}
	case CmdStop:
		p.stop()
	case CmdSeek:
		p.seek(c.Position)
	case CmdConfigure:
		if c.Bitrate > 0 {
			p.bitrate = c.Bitrate
		}
		p.pregainDb = c.PregainDb
		// Settings take effect on the next load; a Loader that supports
		// reconfiguration (internal/playback) picks them up here.
		if cfg, ok := p.loader.(interface{ Configure(bitrate int, pregainDb float32) }); ok {
			cfg.Configure(p.bitrate, p.pregainDb)
		}
	case CmdSetQueueBehavior:
		p.queue.SetBehavior(c.Behavior)
	case CmdSetVolume:
		if p.sink != nil {
			p.sink.SetVolume(clampVolume(c.Volume))
		}
	}
}

func clampVolume(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// loadAndPlay implements spec.md §4.8's "Load & play" policy.
func (p *Player) loadAndPlay(ctx context.Context, item coretypes.ItemId) {
	if p.sink != nil {
		p.sink.Stop()
	}

	if p.preload.state == preloadReady && p.preload.item == item {
		p.startPlaying(item, p.preload.ready)
		p.clearPreloadSlot()
		return
	}
	if p.preload.state == preloadInFlight && p.preload.item == item {
		p.current = p.preload.task
		p.preload = preloadSlot{}
		p.state = stateLoading
		p.path = coretypes.MediaPath{ItemId: item}
		p.emit(EvtLoading{Item: item})
		return
	}

	p.current = p.spawnLoad(ctx, item)
	p.state = stateLoading
	p.path = coretypes.MediaPath{ItemId: item}
	p.emit(EvtLoading{Item: item})
}

func (p *Player) spawnLoad(ctx context.Context, item coretypes.ItemId) *loadTask {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &loadTask{item: item, cancel: cancel, result: make(chan loadOutcome, 1)}
	go func() {
		res, err := p.loader.Load(taskCtx, item)
		select {
		case t.result <- loadOutcome{item: item, res: res, err: err}:
		case <-taskCtx.Done():
		}
	}()
	return t
}

func (p *Player) startPreload(ctx context.Context, item coretypes.ItemId) {
	if p.preload.item == item && p.preload.state != preloadIdle {
		return
	}
	p.clearPreloadSlot()
	p.preload.item = item
	p.preload.state = preloadInFlight
	p.preload.task = p.spawnLoad(ctx, item)
}

func (p *Player) clearPreloadSlot() {
	if p.preload.task != nil {
		p.preload.task.cancel()
	}
	p.preload = preloadSlot{}
}

// handleLoaded implements spec.md §4.8's "Loaded event" policy,
// including the stale-Preloaded-as-Loaded-completion exception.
func (p *Player) handleLoaded(ctx context.Context, out loadOutcome, fromPreload bool) {
	if fromPreload {
		if p.preload.task == nil || out.item != p.preload.item {
			return
		}
		p.preload.task = nil
		if out.err != nil {
			p.preload.state = preloadIdle
			p.emit(EvtPreloaded{Item: out.item, Err: out.err})
			return
		}
		// Stale-as-Loaded-completion exception: if the item the
		// preload just finished for IS the one we're actively
		// Loading, treat this as the Loaded event instead.
		if p.state == stateLoading && p.path.ItemId == out.item && p.current != nil && p.current.item == out.item {
			p.current = nil
			p.emit(EvtPreloaded{Item: out.item, Err: nil})
			p.onLoadSuccess(out.item, out.res)
			return
		}
		p.preload.state = preloadReady
		p.preload.ready = out.res
		p.emit(EvtPreloaded{Item: out.item, Err: nil})
		return
	}

	if p.current == nil || out.item != p.path.ItemId {
		return // stale result for a superseded Loading request
	}
	p.current = nil

	if out.err != nil {
		p.emit(EvtLoaded{Item: out.item, Err: out.err})
		p.consecutiveFailures++
		if p.consecutiveFailures < stopAfterConsecutiveLoadingFailures {
			if next, ok := p.queue.SkipToNext(); ok {
				p.loadAndPlay(ctx, next)
				return
			}
		}
		p.queue.Clear()
		p.stop()
		return
	}

	p.emit(EvtLoaded{Item: out.item, Err: nil})
	p.onLoadSuccess(out.item, out.res)
}

func (p *Player) onLoadSuccess(item coretypes.ItemId, res LoadResult) {
	p.consecutiveFailures = 0
	p.startPlaying(item, res)
}

func (p *Player) startPlaying(item coretypes.ItemId, res LoadResult) {
	p.source = res.Source
	p.path = res.Path
	p.position = 0
	p.state = statePlaying
	if p.sink != nil {
		p.sink.Play(res.Source)
	}
	p.emit(EvtPlaying{Path: p.path, Position: p.position})
}

func (p *Player) pause() {
	if p.state != statePlaying {
		return
	}
	p.state = statePaused
	if p.sink != nil {
		p.sink.Pause()
	}
	p.emit(EvtPausing{Path: p.path, Position: p.position})
}

func (p *Player) resume() {
	if p.state != statePaused {
		return
	}
	p.state = statePlaying
	if p.sink != nil {
		p.sink.Resume()
	}
	p.emit(EvtResuming{Path: p.path, Position: p.position})
}

func (p *Player) stop() {
	if p.current != nil {
		p.current.cancel()
		p.current = nil
	}
	p.clearPreloadSlot()
	if p.source != nil {
		p.source.Close()
		p.source = nil
	}
	if p.sink != nil {
		p.sink.Stop()
	}
	p.state = stateStopped
	p.position = 0
	p.emit(EvtStopped{})
}

// previous implements spec.md §4.8: "if position < 3s, skip_to_previous
// and load; else seek to 0".
func (p *Player) previous(ctx context.Context) {
	if p.position < previousThreshold {
		if item, ok := p.queue.SkipToPrevious(); ok {
			p.loadAndPlay(ctx, item)
			return
		}
	}
	p.seek(0)
}

// seek forwards to the worker and immediately emits a synthetic
// Position event (spec.md §4.8).
func (p *Player) seek(d time.Duration) {
	if p.source == nil {
		return
	}
	p.source.Worker().Seek(d)
	p.position = d
	p.emit(EvtPosition{Path: p.path, Position: d})
}

// handleSourceEvent implements spec.md §4.8's Position/EndOfTrack
// handling: position updates, the 30s preload trigger, and queue
// advance on natural end.
func (p *Player) handleSourceEvent(ctx context.Context, ev worker.Event) {
	switch e := ev.(type) {
	case worker.PositionEvent:
		p.position = e.Position
		p.emit(EvtPosition{Path: p.path, Position: p.position})
		if p.path.Duration > 0 {
			remaining := p.path.Duration - p.position
			if remaining <= preloadWindow {
				if following, ok := p.queue.GetFollowing(); ok {
					p.startPreload(ctx, following)
				}
			}
		}
	case worker.BlockedEvent:
		p.emit(EvtBlocked{Path: p.path, Position: e.Position})
	case worker.EndOfTrackEvent:
		p.emit(EvtEndOfTrack{})
		if next, ok := p.queue.SkipToFollowing(); ok {
			p.loadAndPlay(ctx, next)
		} else {
			p.stop()
		}
	}
}
