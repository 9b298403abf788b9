package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/psst-go/corestream/pkg/coretypes"
)

func TestTrackRoundTrip(t *testing.T) {
	c := Open(t.TempDir(), false)
	id := coretypes.ItemId{Kind: coretypes.ItemKindTrack}
	id.Bytes[0] = 7

	if _, err := c.GetTrack(id); err != ErrMiss {
		t.Fatalf("expected ErrMiss before put, got %v", err)
	}
	c.PutTrack(id, []byte("payload"))
	got, err := c.GetTrack(id)
	if err != nil {
		t.Fatalf("GetTrack: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestAudioKeyRoundTrip(t *testing.T) {
	c := Open(t.TempDir(), false)
	item := coretypes.ItemId{Kind: coretypes.ItemKindTrack}
	var file coretypes.FileId
	file[0] = 9

	var key coretypes.AudioKey
	for i := range key {
		key[i] = byte(i)
	}
	c.PutAudioKey(item, file, key)

	got, err := c.GetAudioKey(item, file)
	if err != nil {
		t.Fatalf("GetAudioKey: %v", err)
	}
	if got != key {
		t.Fatalf("key mismatch: got %v want %v", got, key)
	}
}

func TestCountryCodeRoundTrip(t *testing.T) {
	c := Open(t.TempDir(), false)
	if _, err := c.GetCountryCode(); err != ErrMiss {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	c.PutCountryCode("US")
	got, err := c.GetCountryCode()
	if err != nil || got != "US" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestHasAudioReflectsPresence(t *testing.T) {
	c := Open(t.TempDir(), false)
	var file coretypes.FileId
	file[0] = 3
	if c.HasAudio(file) {
		t.Fatalf("expected no audio present initially")
	}
	p := c.AudioPath(file)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}
	if !c.HasAudio(file) {
		t.Fatalf("expected audio present after writing it")
	}
}
