// Package cdn implements C2 FileSource: resolves a CDN URL for a file
// id, learns its total size from an initial range probe, and services
// the resulting StreamStorage's request channel with ranged HTTP GETs.
//
// Ported from psst-core/src/player/file.rs's StreamedFile /
// service_streaming. See DESIGN.md for the full grounding note.
package cdn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/internal/streamstore"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// ErrRangeExpired is returned internally by a single fetch attempt when
// the CDN URL needs re-resolving; the servicer loop catches it and
// refreshes before retrying once.
var ErrRangeExpired = errors.New("cdn: range url expired")

// initialProbe is the first range request's length, used to learn
// Content-Range's total size (spec.md §4.2: "one HTTP range request
// for the first 6 KiB").
const initialProbe = 6 * 1024

// Resolver resolves a CDN URL for a file id. In the real client this
// is backed by Mercury's storage-resolve request (internal/session);
// it is an interface here so internal/cdn has no import-cycle onto
// internal/session.
type Resolver interface {
	ResolveCDNURL(ctx context.Context, file coretypes.FileId) (url string, expiresAt time.Time, err error)
}

// Source is a fully-opened streamed file: a StreamStorage plus the
// background servicer feeding it. Callers obtain Readers from Storage.
type Source struct {
	Storage *streamstore.Storage
	file    coretypes.FileId

	resolver Resolver
	client   *retryablehttp.Client
	limiter  *rate.Limiter
	cache    *cache.Cache
	debug    bool

	urlMu     chan struct{} // 1-buffered mutex so Open stays lock-free of sync import
	url       string
	urlExpiry time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Open resolves file's CDN URL, probes its size, builds the backing
// StreamStorage, and starts the servicer goroutine (spec.md §4.2).
func Open(ctx context.Context, resolver Resolver, file coretypes.FileId, c *cache.Cache, debug bool) (*Source, error) {
	sctx, cancel := context.WithCancel(ctx)

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil

	s := &Source{
		file:     file,
		resolver: resolver,
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(8), 4), // 8 range requests/s, burst 4
		cache:    c,
		debug:    debug,
		urlMu:    make(chan struct{}, 1),
		ctx:      sctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	s.urlMu <- struct{}{}

	url, expiry, err := resolver.ResolveCDNURL(sctx, file)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cdn: resolve url: %w", err)
	}
	s.url, s.urlExpiry = url, expiry

	totalSize, initial, err := s.fetchInitial(sctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cdn: initial probe: %w", err)
	}

	storage, err := streamstore.New(totalSize, debug)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("cdn: create storage: %w", err)
	}
	w, err := storage.Writer()
	if err != nil {
		storage.Close()
		cancel()
		return nil, err
	}
	if _, err := w.Write(initial); err != nil {
		w.Close()
		storage.Close()
		cancel()
		return nil, fmt.Errorf("cdn: write initial probe: %w", err)
	}
	w.Close()

	s.Storage = storage
	go s.service()
	return s, nil
}

func (s *Source) logf(format string, args ...interface{}) {
	if s.debug {
		log.Printf("[CDN] "+format, args...)
	}
}

// currentURL returns the cached CDN URL, refreshing it first if it has
// expired, matching the SUPPLEMENTED "lazy, on pending-request-discovery"
// refresh policy from player/file.rs rather than a fixed timer.
func (s *Source) currentURL(ctx context.Context) (string, error) {
	<-s.urlMu
	defer func() { s.urlMu <- struct{}{} }()

	if time.Now().Before(s.urlExpiry) {
		return s.url, nil
	}
	return s.refreshURLLocked(ctx)
}

// forceRefreshURL re-resolves regardless of the cached expiry, used
// after a range fetch discovers the URL already rejected (403/404)
// ahead of its advertised expiry.
func (s *Source) forceRefreshURL(ctx context.Context) (string, error) {
	<-s.urlMu
	defer func() { s.urlMu <- struct{}{} }()
	return s.refreshURLLocked(ctx)
}

func (s *Source) refreshURLLocked(ctx context.Context) (string, error) {
	url, expiry, err := s.resolver.ResolveCDNURL(ctx, s.file)
	if err != nil {
		return "", err
	}
	s.url, s.urlExpiry = url, expiry
	s.logf("refreshed cdn url")
	return url, nil
}

func (s *Source) fetchInitial(ctx context.Context) (totalSize uint64, body []byte, err error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, nil, err
	}
	url, err := s.currentURL(ctx)
	if err != nil {
		return 0, nil, err
	}

	resp, err := s.rangeGet(ctx, url, 0, initialProbe)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	total, err := contentRangeTotal(resp.Header.Get("Content-Range"), resp.ContentLength)
	if err != nil {
		return 0, nil, err
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return total, buf, nil
}

func (s *Source) rangeGet(ctx context.Context, url string, offset, length uint64) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrRangeExpired
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("cdn: range get: status %d", resp.StatusCode)
	}
	return resp, nil
}

func contentRangeTotal(header string, contentLength int64) (uint64, error) {
	// Expected form "bytes 0-6143/123456".
	if idx := strings.LastIndex(header, "/"); idx >= 0 && idx+1 < len(header) {
		if total, err := strconv.ParseUint(header[idx+1:], 10, 64); err == nil {
			return total, nil
		}
	}
	if contentLength > 0 {
		return uint64(contentLength), nil
	}
	return 0, fmt.Errorf("cdn: no usable Content-Range/Content-Length")
}

// service loops over the storage's request channel, issuing range GETs
// and piping their bodies into the writer, per spec.md §4.2's servicer
// contract.
func (s *Source) service() {
	defer close(s.done)
	for req := range s.Storage.Requests() {
		if err := s.handleRequest(req); err != nil {
			s.logf("range fetch failed at %d (len %d): %v", req.Offset, req.Length, err)
			if req.Length > 0 {
				s.Storage.MarkAsNotRequested(req.Offset, req.Length)
			}
			continue
		}
		if s.Storage.IsComplete() {
			s.copyToCache()
		}
	}
}

func (s *Source) handleRequest(req streamstore.Request) error {
	length := req.Length
	if length == 0 {
		// Blocked{offset} carries no length (spec.md §4.1 step 4); fetch
		// a full prefetch window starting there.
		length = streamstore.PrefetchWindow
	}
	remaining := s.Storage.TotalSize() - req.Offset
	if length > remaining {
		length = remaining
	}
	if length == 0 {
		return nil
	}

	ctx := s.ctx
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	url, err := s.currentURL(ctx)
	if err != nil {
		return err
	}

	resp, err := s.rangeGet(ctx, url, req.Offset, length)
	if errors.Is(err, ErrRangeExpired) {
		url, err = s.forceRefreshURL(ctx)
		if err != nil {
			return err
		}
		resp, err = s.rangeGet(ctx, url, req.Offset, length)
	}
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	w, err := s.Storage.Writer()
	if err != nil {
		return err
	}
	defer w.Close()
	if _, err := w.Seek(int64(req.Offset), io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return err
	}
	return nil
}

// copyToCache atomically copies the completed backing file into the
// permanent audio cache bucket, guarded by an existence check so a
// second completion notice (e.g. a late-arriving request) never
// re-copies, per the SUPPLEMENTED cache-on-complete behavior.
func (s *Source) copyToCache() {
	if s.cache == nil || s.cache.HasAudio(s.file) {
		return
	}
	src, err := os.Open(s.Storage.Path())
	if err != nil {
		s.logf("cache copy open: %v", err)
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		s.logf("cache copy read: %v", err)
		return
	}

	tmp := s.cache.AudioPath(s.file) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logf("cache copy write: %v", err)
		return
	}
	if err := os.Rename(tmp, s.cache.AudioPath(s.file)); err != nil {
		s.logf("cache copy rename: %v", err)
	}
}

// Close cancels the servicer and closes the backing storage. The
// storage must close first: that closes the request channel the
// servicer ranges over, without which it would never exit and the
// done wait below would hang.
func (s *Source) Close() error {
	s.cancel()
	err := s.Storage.Close()
	<-s.done
	return err
}
