package cdn

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/pkg/coretypes"
)

// fakeResolver always points at the same test server URL, expiring far
// in the future; tests that need expiry exercise it directly.
type fakeResolver struct{ url string }

func (f *fakeResolver) ResolveCDNURL(ctx context.Context, file coretypes.FileId) (string, time.Time, error) {
	return f.url, time.Now().Add(time.Hour), nil
}

func rangeServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHdr := r.Header.Get("Range")
		var start, end int
		if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end); err != nil {
			t.Fatalf("bad range header %q: %v", rangeHdr, err)
		}
		if end >= len(data) {
			end = len(data) - 1
		}
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : end+1])
	}))
}

func TestOpenProbesTotalSizeAndWritesInitialBytes(t *testing.T) {
	data := make([]byte, 20*1024)
	for i := range data {
		data[i] = byte(i)
	}
	srv := rangeServer(t, data)
	defer srv.Close()

	src, err := Open(context.Background(), &fakeResolver{url: srv.URL}, coretypes.FileId{}, nil, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if src.Storage.TotalSize() != uint64(len(data)) {
		t.Fatalf("expected total size %d, got %d", len(data), src.Storage.TotalSize())
	}

	r, err := src.Storage.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()

	buf := make([]byte, initialProbe)
	n, err := r.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != initialProbe {
		t.Fatalf("expected %d bytes from initial probe, got %d", initialProbe, n)
	}
	for i := 0; i < n; i++ {
		if buf[i] != data[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, buf[i], data[i])
		}
	}
}

func TestServiceCompletesAndCachesWholeFile(t *testing.T) {
	data := make([]byte, 10*1024)
	for i := range data {
		data[i] = byte(i % 251)
	}
	srv := rangeServer(t, data)
	defer srv.Close()

	dir := t.TempDir()
	c := cache.Open(dir, false)
	var file coretypes.FileId
	file[0] = 42

	src, err := Open(context.Background(), &fakeResolver{url: srv.URL}, file, c, false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	r, err := src.Storage.Reader()
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	defer r.Close()

	buf := make([]byte, len(data))
	read := 0
	deadline := time.Now().Add(5 * time.Second)
	for read < len(data) && time.Now().Before(deadline) {
		n, err := r.Read(buf[read:])
		if err != nil {
			t.Fatalf("Read at %d: %v", read, err)
		}
		read += n
	}
	if read != len(data) {
		t.Fatalf("expected to read all %d bytes, got %d", len(data), read)
	}
	if !strings.EqualFold(fmt.Sprintf("%x", buf[:4]), fmt.Sprintf("%x", data[:4])) {
		t.Fatalf("content mismatch")
	}

	deadline = time.Now().Add(2 * time.Second)
	for !c.HasAudio(file) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !c.HasAudio(file) {
		t.Fatalf("expected completed file to be copied into cache")
	}
}

func TestContentRangeTotalParsesTrailer(t *testing.T) {
	total, err := contentRangeTotal("bytes 0-6143/123456", 0)
	if err != nil || total != 123456 {
		t.Fatalf("got %d, %v", total, err)
	}
}
