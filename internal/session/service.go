package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/internal/transport"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// Service is the session-service owner named in spec.md §4.10/§5: it
// holds the one live Session behind a mutex and lazily (re)connects on
// the next request after the connection terminates. Callers never see
// a half-dead session; they see one reconnect-then-retry handshake per
// disconnection (spec.md §8 scenario 5).
type Service struct {
	tcfg  transport.Config
	cache *cache.Cache
	debug bool

	// onReusableAuth is invoked with the fresh durable credentials blob
	// the server hands back after every successful login (spec.md §3),
	// so the caller can persist it (internal/auth.Store).
	onReusableAuth func(username string, blob []byte)

	mu      sync.Mutex
	creds   coretypes.Credentials
	current *Session
}

// NewService prepares a lazily-connecting session owner. No network
// traffic happens until the first request.
func NewService(creds coretypes.Credentials, tcfg transport.Config, c *cache.Cache, onReusableAuth func(username string, blob []byte), debug bool) *Service {
	return &Service{
		tcfg:           tcfg,
		cache:          c,
		debug:          debug,
		onReusableAuth: onReusableAuth,
		creds:          creds,
	}
}

// session returns the live Session, running the full connect/handshake
// sequence first if none exists or the previous one has terminated.
func (s *Service) session(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.current.Terminated() {
		return s.current, nil
	}
	if s.current != nil {
		_ = s.current.Shutdown()
		s.current = nil
	}

	conn, err := transport.Connect(ctx, s.creds, s.tcfg)
	if err != nil {
		return nil, fmt.Errorf("session: connect: %w", err)
	}

	// Adopt the fresh reusable blob so the next reconnect (and the next
	// process start, via onReusableAuth) skips the password path.
	if len(conn.ReusableAuth) > 0 {
		s.creds = coretypes.Credentials{
			Username: conn.CanonicalUsername,
			AuthType: coretypes.AuthTypeStoredCredentials,
			AuthData: conn.ReusableAuth,
		}
		if s.onReusableAuth != nil {
			s.onReusableAuth(conn.CanonicalUsername, conn.ReusableAuth)
		}
	}

	s.current = Open(context.Background(), conn, s.debug)
	return s.current, nil
}

// RequestAudioKey fetches the 16-byte key for (item, file) over the
// live session, connecting first if needed.
func (s *Service) RequestAudioKey(ctx context.Context, file coretypes.FileId, item coretypes.ItemId) (coretypes.AudioKey, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return coretypes.AudioKey{}, err
	}
	return sess.RequestAudioKey(ctx, file, item)
}

// ResolveMediaPath resolves item to a concrete MediaPath, consulting
// the track cache bucket before Mercury and picking the first rendition
// present in preferred order (SPEC_FULL.md's format-preference list).
func (s *Service) ResolveMediaPath(ctx context.Context, item coretypes.ItemId, preferred []coretypes.FileFormat) (coretypes.MediaPath, error) {
	payload, err := s.trackPayload(ctx, item)
	if err != nil {
		return coretypes.MediaPath{}, err
	}

	for _, want := range preferred {
		for _, f := range payload.files {
			if f.format == want {
				return coretypes.MediaPath{
					ItemId:     item,
					FileId:     f.id,
					FileFormat: f.format,
					Duration:   payload.duration,
				}, nil
			}
		}
	}
	if len(payload.files) > 0 {
		f := payload.files[0]
		return coretypes.MediaPath{ItemId: item, FileId: f.id, FileFormat: f.format, Duration: payload.duration}, nil
	}
	return coretypes.MediaPath{}, fmt.Errorf("session: no playable file for %s", item.Base62())
}

func (s *Service) trackPayload(ctx context.Context, item coretypes.ItemId) (trackPayload, error) {
	if s.cache != nil {
		if b, err := s.cache.GetTrack(item); err == nil {
			if t, err := decodeTrackPayload(b); err == nil {
				return t, nil
			}
		}
	}

	sess, err := s.session(ctx)
	if err != nil {
		return trackPayload{}, err
	}
	parts, err := sess.RequestMercury(ctx, mercuryHeader("GET", "hm://metadata/3/track/"+item.Base62()), nil)
	if err != nil {
		return trackPayload{}, fmt.Errorf("session: track metadata: %w", err)
	}
	if len(parts) == 0 {
		return trackPayload{}, fmt.Errorf("session: empty track metadata reply")
	}
	t, err := decodeTrackPayload(parts[0])
	if err != nil {
		return trackPayload{}, err
	}
	if s.cache != nil {
		s.cache.PutTrack(item, parts[0])
	}
	return t, nil
}

// ResolveCDNURL satisfies internal/cdn.Resolver: it asks Mercury's
// storage-resolve endpoint for a ranged-GET-capable URL plus its expiry.
func (s *Service) ResolveCDNURL(ctx context.Context, file coretypes.FileId) (string, time.Time, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return "", time.Time{}, err
	}
	parts, err := sess.RequestMercury(ctx, mercuryHeader("GET", "hm://storage-resolve/files/audio/interactive/"+file.ToBase16()), nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: storage resolve: %w", err)
	}
	if len(parts) == 0 {
		return "", time.Time{}, fmt.Errorf("session: empty storage resolve reply")
	}
	p, err := decodeStorageResolvePayload(parts[0])
	if err != nil {
		return "", time.Time{}, err
	}
	return p.url, p.expiresAt, nil
}

// CountryCode returns the session's two-letter country code, falling
// back to the cached copy when offline and persisting a freshly
// observed one (spec.md §4.10 "country-code cache").
func (s *Service) CountryCode(ctx context.Context) (string, error) {
	sess, err := s.session(ctx)
	if err == nil {
		if code, ok := sess.CountryCode(); ok {
			if s.cache != nil {
				s.cache.PutCountryCode(code)
			}
			return code, nil
		}
	}
	if s.cache != nil {
		if code, cacheErr := s.cache.GetCountryCode(); cacheErr == nil {
			return code, nil
		}
	}
	if err != nil {
		return "", err
	}
	return "", fmt.Errorf("session: country code not yet received")
}

// Shutdown tears down the live session, if any. The next request will
// reconnect from scratch.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		_ = s.current.Shutdown()
		s.current = nil
	}
}
