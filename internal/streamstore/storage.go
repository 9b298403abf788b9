// Package streamstore implements C1 StreamStorage: a sparse,
// random-access cache over a remote CDN object backed by a temporary
// file, with producer-consumer synchronization between a download
// servicer and blocking readers.
//
// Ported from psst-core/src/stream_storage.rs. See DESIGN.md for the
// full grounding note.
package streamstore

import (
	"errors"
	"io"
	"log"
	"os"
	"sync"
)

// Tunables named in spec.md §4.1. spec.md takes precedence over the
// original Rust implementation's PREFETCH_READ_LENGTH/MINIMUM_READ_LENGTH
// (256 KiB / 128 KiB) where the two differ.
const (
	PrefetchWindow = 256 * 1024
	MinChunk       = 64 * 1024
	quantum        = 4
)

var ErrClosed = errors.New("streamstore: storage closed")

// Request is emitted on the storage's request channel so a servicer
// (internal/cdn) knows what range of bytes a reader needs.
type Request struct {
	// Preload asks the servicer to fetch [Offset, Offset+Length).
	// Blocked, when true, means a reader is currently stalled waiting
	// at Offset and the servicer should treat this range as priority
	// (spec.md §4.1 "ordering and tie-breaks").
	Offset, Length uint64
	Blocked        bool
}

// dataMap is the single shared mutable cell in the streaming path: two
// interval sets (requested, downloaded) guarded by one mutex plus a
// condition variable, exactly as spec.md §5 "shared-resource policy"
// and §3 "StreamDataMap" require.
type dataMap struct {
	mu         sync.Mutex
	cond       *sync.Cond
	totalSize  uint64
	downloaded intervalSet
	requested  intervalSet
}

func newDataMap(totalSize uint64) *dataMap {
	dm := &dataMap{totalSize: totalSize}
	dm.cond = sync.NewCond(&dm.mu)
	return dm
}

func (dm *dataMap) remaining(offset uint64) uint64 {
	if offset >= dm.totalSize {
		return 0
	}
	return dm.totalSize - offset
}

// markDownloaded records [offset, offset+length) as present in the
// backing file and wakes every blocked reader.
func (dm *dataMap) markDownloaded(offset, length uint64) {
	dm.mu.Lock()
	dm.downloaded.insert(offset, offset+length)
	dm.mu.Unlock()
	dm.cond.Broadcast()
}

// markRequested records [offset, offset+length) as already requested
// from the backend, so readers don't re-request it.
func (dm *dataMap) markRequested(offset, length uint64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.requested.insert(offset, offset+length)
}

// markNotRequested reverses a failed range request (spec.md §4.1).
func (dm *dataMap) markNotRequested(offset, length uint64) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	// Rebuild the requested set without [offset, offset+length) by
	// walking existing ranges and clipping out the freed sub-range.
	// The interval set has no direct "remove" primitive (the original
	// Rust type doesn't expose one either - it only ever grows).
	var rebuilt intervalSet
	freedStart, freedEnd := offset, offset+length
	for _, r := range dm.requested.ranges {
		if r.End <= freedStart || r.Start >= freedEnd {
			rebuilt.insert(r.Start, r.End)
			continue
		}
		if r.Start < freedStart {
			rebuilt.insert(r.Start, freedStart)
		}
		if r.End > freedEnd {
			rebuilt.insert(freedEnd, r.End)
		}
	}
	dm.requested = rebuilt
}

func (dm *dataMap) notYetRequested(offset, length uint64) []byteRange {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.requested.gaps(offset, offset+length)
}

// waitFor blocks until at least one byte at offset is downloaded,
// returning how many contiguous bytes are available from offset. Calls
// onBlocked exactly once, on the first wait iteration only, matching
// spec.md §4.1 step 4 ("carries the exact blocked offset").
func (dm *dataMap) waitFor(offset uint64, debug bool, onBlocked func()) uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	announced := false
	for {
		if r, ok := dm.downloaded.overlapping(offset); ok {
			return r.End - offset
		}
		if !announced {
			if debug {
				log.Printf("[STREAM] blocked at %d", offset)
			}
			announced = true
			if onBlocked != nil {
				onBlocked()
			}
		}
		dm.cond.Wait()
	}
}

func (dm *dataMap) isComplete() bool {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.downloaded.covers(0, dm.totalSize)
}

// Storage owns the backing temporary file and the shared dataMap. It
// hands out independent Reader/Writer handles, each with a private
// seek cursor, matching spec.md §3's lifetime/ownership rules.
type Storage struct {
	path      string
	persisted bool
	dataMap   *dataMap
	reqCh     chan Request
	debug     bool

	closeOnce sync.Once
}

// New allocates a zero-filled temporary file of exactly totalSize and
// a fresh, empty dataMap (spec.md §4.1 "creation").
func New(totalSize uint64, debug bool) (*Storage, error) {
	f, err := os.CreateTemp("", "corestream-*.part")
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(int64(totalSize)); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	path := f.Name()
	f.Close()

	return &Storage{
		path:    path,
		dataMap: newDataMap(totalSize),
		reqCh:   make(chan Request, 64),
		debug:   debug,
	}, nil
}

// FromCompleteFile wraps an already-complete on-disk file, marking its
// full range as both requested and downloaded (spec.md §4.1).
func FromCompleteFile(path string, debug bool) (*Storage, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	totalSize := uint64(fi.Size())
	dm := newDataMap(totalSize)
	dm.downloaded.insert(0, totalSize)
	dm.requested.insert(0, totalSize)

	return &Storage{
		path:      path,
		persisted: true,
		dataMap:   dm,
		reqCh:     make(chan Request, 64),
		debug:     debug,
	}, nil
}

// Path returns the backing file's path on disk.
func (s *Storage) Path() string { return s.path }

// TotalSize returns the fixed total size established at creation.
func (s *Storage) TotalSize() uint64 { return s.dataMap.totalSize }

// IsComplete reports whether the whole range has been downloaded.
func (s *Storage) IsComplete() bool { return s.dataMap.isComplete() }

// Requests exposes the request channel for a servicer to range over.
// Closed once the storage is closed.
func (s *Storage) Requests() <-chan Request { return s.reqCh }

// MarkAsNotRequested reverses a failed range fetch so a later reader
// will re-request it (spec.md §4.1/§4.2).
func (s *Storage) MarkAsNotRequested(offset, length uint64) {
	s.dataMap.markNotRequested(offset, length)
}

// Close releases the backing file (if temporary) and the request
// channel. Safe to call more than once.
func (s *Storage) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.reqCh)
		if !s.persisted {
			err = os.Remove(s.path)
		}
	})
	return err
}

// Reader opens an independent read handle with its own seek cursor.
func (s *Storage) Reader() (*Reader, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	return &Reader{file: f, dataMap: s.dataMap, reqCh: s.reqCh, debug: s.debug}, nil
}

// Writer opens an independent write handle with its own seek cursor.
func (s *Storage) Writer() (*Writer, error) {
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{file: f, dataMap: s.dataMap}, nil
}

func roundDown(n, m uint64) uint64 { return n - n%m }

func roundUp(n, m uint64) uint64 {
	if n%m == 0 {
		return n
	}
	return n + (m - n%m)
}

// Reader is a blocking, seekable view over the storage's backing file.
type Reader struct {
	file    *os.File
	dataMap *dataMap
	reqCh   chan<- Request
	debug   bool

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// Read implements io.Reader per spec.md §4.1 "reader semantics".
func (r *Reader) Read(buf []byte) (int, error) {
	position, err := r.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	remaining := r.dataMap.remaining(uint64(position))
	if remaining == 0 {
		return 0, io.EOF
	}
	needed := remaining
	if uint64(len(buf)) < needed {
		needed = uint64(len(buf))
	}

	prefetch := needed
	if prefetch < PrefetchWindow {
		prefetch = PrefetchWindow
	}
	if prefetch > remaining {
		prefetch = remaining
	}

	for _, gap := range r.dataMap.notYetRequested(uint64(position), prefetch) {
		reqPos := roundDown(gap.Start, quantum)
		reqLen := roundUp(gap.End-gap.Start, quantum)
		if reqLen < MinChunk {
			reqLen = MinChunk
		}
		r.dataMap.markRequested(reqPos, reqLen)
		r.sendRequest(Request{Offset: reqPos, Length: reqLen})
	}

	readyLen := r.dataMap.waitFor(uint64(position), r.debug, func() {
		// Dispatched off the dataMap's lock: the request channel has
		// bounded capacity and must never be able to stall a writer's
		// markDownloaded->Broadcast while a reader holds the mutex.
		go r.sendRequest(Request{Offset: uint64(position), Blocked: true})
	})
	if readyLen == 0 {
		return 0, errors.New("streamstore: waitFor returned 0 bytes ready")
	}
	toRead := readyLen
	if toRead > needed {
		toRead = needed
	}
	return r.file.Read(buf[:toRead])
}

func (r *Reader) sendRequest(req Request) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	defer func() { recover() }() // reqCh may close concurrently with storage teardown
	r.reqCh <- req
}

// Seek implements io.Seeker.
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	return r.file.Seek(offset, whence)
}

// Close releases this reader's file handle. Does not affect other
// readers or the writer.
func (r *Reader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		err = r.file.Close()
	})
	return err
}

// Writer is the single producer side; only the download servicer holds
// one at a time per in-flight range, though nothing here prevents
// multiple concurrent writers at disjoint offsets.
type Writer struct {
	file    *os.File
	dataMap *dataMap
}

// Write implements io.Writer per spec.md §4.1 "writer semantics": the
// write is issued, and only the bytes that actually landed are marked
// downloaded - a partial write never marks more than it wrote.
func (w *Writer) Write(buf []byte) (int, error) {
	position, err := w.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	n, err := w.file.Write(buf)
	if n > 0 {
		w.dataMap.markDownloaded(uint64(position), uint64(n))
	}
	return n, err
}

// Seek implements io.Seeker.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	return w.file.Seek(offset, whence)
}

// IsComplete reports whether every byte of the file has been written.
func (w *Writer) IsComplete() bool { return w.dataMap.isComplete() }

// Close releases this writer's file handle.
func (w *Writer) Close() error { return w.file.Close() }
