package playback

import (
	"context"
	"testing"
	"time"

	"github.com/psst-go/corestream/internal/cache"
	"github.com/psst-go/corestream/internal/player"
	"github.com/psst-go/corestream/pkg/coretypes"
)

type fakeSession struct {
	keyRequests int
	key         coretypes.AudioKey
	path        coretypes.MediaPath
}

func (f *fakeSession) ResolveMediaPath(ctx context.Context, item coretypes.ItemId, preferred []coretypes.FileFormat) (coretypes.MediaPath, error) {
	return f.path, nil
}

func (f *fakeSession) RequestAudioKey(ctx context.Context, file coretypes.FileId, item coretypes.ItemId) (coretypes.AudioKey, error) {
	f.keyRequests++
	return f.key, nil
}

func (f *fakeSession) ResolveCDNURL(ctx context.Context, file coretypes.FileId) (string, time.Time, error) {
	return "http://unused.invalid", time.Now().Add(time.Hour), nil
}

func TestAudioKeyCachedAfterFirstFetch(t *testing.T) {
	c := cache.Open(t.TempDir(), false)

	var item coretypes.ItemId
	item.Bytes[0] = 1
	var file coretypes.FileId
	file[0] = 2

	sess := &fakeSession{key: coretypes.AudioKey{9, 9, 9}}
	l := NewLoader(sess, c, 0, 0, false)

	path := coretypes.MediaPath{ItemId: item, FileId: file}
	first, err := l.audioKey(context.Background(), path)
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	second, err := l.audioKey(context.Background(), path)
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}

	if first != second {
		t.Errorf("keys differ across fetches: %v vs %v", first, second)
	}
	if sess.keyRequests != 1 {
		t.Errorf("session asked %d times, want 1 (second hit must come from cache)", sess.keyRequests)
	}
}

func TestConfigureChangesFormatPreference(t *testing.T) {
	l := NewLoader(&fakeSession{}, nil, 0, 0, false)

	l.Configure(320, 0)
	l.mu.Lock()
	got := l.bitrate
	l.mu.Unlock()
	if got != 320 {
		t.Fatalf("bitrate = %d, want 320", got)
	}
	if formats := player.PreferredFormats(got); formats[0] != coretypes.FormatOggVorbis320 {
		t.Errorf("top preference at 320 = %v, want OggVorbis320", formats[0])
	}

	// A zero bitrate must not clobber the existing preference.
	l.Configure(0, -3)
	l.mu.Lock()
	got, pregain := l.bitrate, l.pregainDb
	l.mu.Unlock()
	if got != 320 {
		t.Errorf("bitrate after Configure(0) = %d, want 320", got)
	}
	if pregain != -3 {
		t.Errorf("pregain = %v, want -3", pregain)
	}
}
