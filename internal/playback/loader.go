// Package playback glues the streaming pipeline together for one item:
// cache lookup, CDN fetch, decryption, header skip, decoding,
// resampling, and worker spin-up. It is the concrete player.Loader the
// command loop drives (spec.md §2's "Data flow for playback" chain).
package playback

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psst-go/corestream/internal/audiofmt"
	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/internal/cdn"
	"github.com/psst-go/corestream/internal/player"
	"github.com/psst-go/corestream/internal/streamstore"
	"github.com/psst-go/corestream/internal/worker"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// SessionClient is the slice of internal/session.Service the loader
// needs; an interface so tests can run the full pipeline against canned
// metadata and keys without a live access point.
type SessionClient interface {
	ResolveMediaPath(ctx context.Context, item coretypes.ItemId, preferred []coretypes.FileFormat) (coretypes.MediaPath, error)
	RequestAudioKey(ctx context.Context, file coretypes.FileId, item coretypes.ItemId) (coretypes.AudioKey, error)
	ResolveCDNURL(ctx context.Context, file coretypes.FileId) (string, time.Time, error)
}

// Loader implements player.Loader over a session, a cache, and the
// sink's negotiated output rate.
type Loader struct {
	session  SessionClient
	cache    *cache.Cache
	sinkRate int // 0 keeps each track's native rate
	ringCap  int
	debug    bool

	mu        sync.Mutex
	bitrate   int
	pregainDb float32
}

// NewLoader builds a Loader targeting sinkRate. ringCapacitySamples of
// 0 uses the worker's default.
func NewLoader(s SessionClient, c *cache.Cache, sinkRate, ringCapacitySamples int, debug bool) *Loader {
	return &Loader{
		session:  s,
		cache:    c,
		sinkRate: sinkRate,
		ringCap:  ringCapacitySamples,
		debug:    debug,
		bitrate:  160,
	}
}

// Configure updates the bitrate preference and normalization pregain
// applied to subsequent loads (spec.md §6 Configure).
func (l *Loader) Configure(bitrate int, pregainDb float32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if bitrate > 0 {
		l.bitrate = bitrate
	}
	l.pregainDb = pregainDb
}

func (l *Loader) logf(format string, args ...interface{}) {
	if l.debug {
		log.Printf("[PLAYBACK] "+format, args...)
	}
}

// Load runs the full C1-C5 pipeline for item and returns a playable
// source. The returned AudioSource owns every resource opened here;
// closing it tears the whole chain down (spec.md §3).
func (l *Loader) Load(ctx context.Context, item coretypes.ItemId) (player.LoadResult, error) {
	l.mu.Lock()
	bitrate, pregain := l.bitrate, l.pregainDb
	l.mu.Unlock()

	path, err := l.session.ResolveMediaPath(ctx, item, player.PreferredFormats(bitrate))
	if err != nil {
		return player.LoadResult{}, fmt.Errorf("playback: resolve media path: %w", err)
	}

	key, err := l.audioKey(ctx, path)
	if err != nil {
		return player.LoadResult{}, err
	}

	reader, closers, err := l.openStream(ctx, path.FileId)
	if err != nil {
		return player.LoadResult{}, err
	}
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}

	decrypted, err := audiofmt.NewDecrypt(key, reader)
	if err != nil {
		closeAll()
		return player.LoadResult{}, fmt.Errorf("playback: decrypt layer: %w", err)
	}

	norm := coretypes.NormalizationData{TrackPeak: 1, AlbumPeak: 1}
	if path.FileFormat.IsOggVorbis() {
		if n, err := audiofmt.ParseNormalization(decrypted); err == nil {
			norm = n
		} else {
			l.logf("normalization parse failed for %s, using unity gain: %v", path.FileId, err)
		}
	}

	body, err := audiofmt.NewOffsetFile(decrypted, path.FileFormat.HeaderLength())
	if err != nil {
		closeAll()
		return player.LoadResult{}, fmt.Errorf("playback: skip header: %w", err)
	}

	decoder, err := audiofmt.NewDecoder(body, path.FileFormat)
	if err != nil {
		closeAll()
		return player.LoadResult{}, fmt.Errorf("playback: open decoder: %w", err)
	}
	if l.sinkRate > 0 {
		decoder, err = audiofmt.Resampled(decoder, l.sinkRate)
		if err != nil {
			closeAll()
			return player.LoadResult{}, fmt.Errorf("playback: resample to %d Hz: %w", l.sinkRate, err)
		}
	}

	spec := decoder.SignalSpec()
	total := decoder.TotalSamples()
	if total == 0 && path.Duration > 0 {
		// Streamed MP3s report no frame count; fall back to the
		// metadata duration.
		total = uint64(path.Duration.Seconds()*float64(spec.SampleRate)) * uint64(spec.Channels)
	}

	position := new(atomic.Uint64)
	w := worker.NewWorker(decoder, l.ringCap, position, l.debug)
	source := worker.NewAudioSource(w, position, total, norm.Factor(pregain), spec.Channels, spec.SampleRate, closers...)

	l.logf("loaded %s: format %v, %d Hz, %d ch, %d total samples", item.Base62(), path.FileFormat, spec.SampleRate, spec.Channels, total)
	return player.LoadResult{Source: source, Path: path}, nil
}

// audioKey consults the key cache before asking the session, and
// back-fills it on a fetch (spec.md §2's "Player → Cache (hit?)" step
// applied to keys).
func (l *Loader) audioKey(ctx context.Context, path coretypes.MediaPath) (coretypes.AudioKey, error) {
	if l.cache != nil {
		if key, err := l.cache.GetAudioKey(path.ItemId, path.FileId); err == nil {
			return key, nil
		}
	}
	key, err := l.session.RequestAudioKey(ctx, path.FileId, path.ItemId)
	if err != nil {
		return coretypes.AudioKey{}, fmt.Errorf("playback: audio key: %w", err)
	}
	if l.cache != nil {
		l.cache.PutAudioKey(path.ItemId, path.FileId, key)
	}
	return key, nil
}

// openStream returns a seekable reader over the file's bytes: straight
// off the completed cache copy when present, otherwise a fresh CDN
// stream with its servicer running.
func (l *Loader) openStream(ctx context.Context, file coretypes.FileId) (io.ReadSeeker, []io.Closer, error) {
	if l.cache != nil && l.cache.HasAudio(file) {
		storage, err := streamstore.FromCompleteFile(l.cache.AudioPath(file), l.debug)
		if err == nil {
			r, err := storage.Reader()
			if err != nil {
				_ = storage.Close()
				return nil, nil, err
			}
			l.logf("cache hit for %s", file)
			return r, []io.Closer{r, storage}, nil
		}
		l.logf("cached audio for %s unreadable, streaming instead: %v", file, err)
	}

	src, err := cdn.Open(ctx, sessionResolver{l.session}, file, l.cache, l.debug)
	if err != nil {
		return nil, nil, fmt.Errorf("playback: open cdn stream: %w", err)
	}
	r, err := src.Storage.Reader()
	if err != nil {
		_ = src.Close()
		return nil, nil, err
	}
	return r, []io.Closer{r, src}, nil
}

// sessionResolver adapts SessionClient to cdn.Resolver.
type sessionResolver struct{ s SessionClient }

func (r sessionResolver) ResolveCDNURL(ctx context.Context, file coretypes.FileId) (string, time.Time, error) {
	return r.s.ResolveCDNURL(ctx, file)
}
