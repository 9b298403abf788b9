package session

import (
	"testing"
	"time"

	"github.com/psst-go/corestream/pkg/coretypes"
)

func TestTrackPayloadCarriesRenditions(t *testing.T) {
	var ogg, mp3 coretypes.FileId
	ogg[0], mp3[0] = 0xaa, 0xbb

	in := trackPayload{
		duration: 3 * time.Minute,
		files: []trackFile{
			{format: coretypes.FormatOggVorbis160, id: ogg},
			{format: coretypes.FormatMp3_160, id: mp3},
		},
	}
	out, err := decodeTrackPayload(encodeTrackPayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.duration != in.duration {
		t.Errorf("duration = %v, want %v", out.duration, in.duration)
	}
	if len(out.files) != 2 || out.files[0].format != coretypes.FormatOggVorbis160 || out.files[1].id != mp3 {
		t.Errorf("files = %+v", out.files)
	}
}

func TestTrackPayloadRejectsTruncation(t *testing.T) {
	full := encodeTrackPayload(trackPayload{
		duration: time.Minute,
		files:    []trackFile{{format: coretypes.FormatOggVorbis96}},
	})
	for cut := 1; cut < len(full); cut++ {
		if _, err := decodeTrackPayload(full[:cut]); err == nil {
			t.Fatalf("decode of %d/%d bytes succeeded", cut, len(full))
		}
	}
}

func TestStorageResolvePayloadPreservesExpiry(t *testing.T) {
	expiry := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	in := storageResolvePayload{url: "https://audio.example/af/abc", expiresAt: expiry}

	out, err := decodeStorageResolvePayload(encodeStorageResolvePayload(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.url != in.url {
		t.Errorf("url = %q, want %q", out.url, in.url)
	}
	if !out.expiresAt.Equal(expiry) {
		t.Errorf("expiresAt = %v, want %v", out.expiresAt, expiry)
	}
}

func TestMercuryHeaderEncodesMethodThenURI(t *testing.T) {
	h := mercuryHeader("GET", "hm://metadata/3/track/abc")

	method, rest, err := readField(h)
	if err != nil {
		t.Fatalf("read method: %v", err)
	}
	uri, _, err := readField(rest)
	if err != nil {
		t.Fatalf("read uri: %v", err)
	}
	if string(method) != "GET" || string(uri) != "hm://metadata/3/track/abc" {
		t.Errorf("got method %q uri %q", method, uri)
	}
}
