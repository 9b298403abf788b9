// Package cache implements C12 Cache: a bucketed, flat-file,
// best-effort store for tracks, audio keys, decrypted audio, and the
// resolved country code, with no index (spec.md §4.12).
package cache

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// ErrMiss is returned by the Get* methods when no entry exists. Callers
// treat it as "fetch from origin", never as a hard failure.
var ErrMiss = errors.New("cache: miss")

const (
	bucketTracks    = "tracks"
	bucketAudioKeys = "audio-keys"
	bucketAudio     = "audio"
	countryCodeFile = "country-code"
)

// Cache is rooted at a single directory, following the GOOS-switched
// path resolution `internal/platform` already provides for the
// teacher's config/log directories.
type Cache struct {
	root  string
	debug bool
}

// Open ensures the bucket subdirectories exist under root and returns a
// ready Cache. Best-effort: directory creation failures are logged, not
// fatal, matching spec.md's "best-effort reads/writes" contract.
func Open(root string, debug bool) *Cache {
	c := &Cache{root: root, debug: debug}
	for _, bucket := range []string{bucketTracks, bucketAudioKeys, bucketAudio} {
		if err := os.MkdirAll(filepath.Join(root, bucket), 0o755); err != nil {
			c.logf("mkdir %s: %v", bucket, err)
		}
	}
	return c
}

func (c *Cache) logf(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[CACHE] "+format, args...)
	}
}

func (c *Cache) path(bucket, name string) string {
	return filepath.Join(c.root, bucket, name)
}

func readBestEffort(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return b, nil
}

// writeAtomic writes via a temp file + rename so a reader never
// observes a partial payload, matching the copy-on-complete semantics
// spec.md §4.2 asks FileSource to provide for the audio bucket.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// GetTrack/PutTrack store the raw Mercury track metadata payload,
// keyed by item id.
func (c *Cache) GetTrack(id coretypes.ItemId) ([]byte, error) {
	b, err := readBestEffort(c.path(bucketTracks, id.Base62()))
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (c *Cache) PutTrack(id coretypes.ItemId, data []byte) {
	if err := writeAtomic(c.path(bucketTracks, id.Base62()), data); err != nil {
		c.logf("put track %s: %v", id.Base62(), err)
	}
}

// GetAudioKey/PutAudioKey store a 16-byte AudioKey keyed by the
// (item id, file id) pair that produced it.
func (c *Cache) GetAudioKey(item coretypes.ItemId, file coretypes.FileId) (coretypes.AudioKey, error) {
	var key coretypes.AudioKey
	b, err := readBestEffort(c.path(bucketAudioKeys, audioKeyName(item, file)))
	if err != nil {
		return key, err
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("cache: corrupt audio key for %s:%s", item.Base62(), file.ToBase16())
	}
	copy(key[:], b)
	return key, nil
}

func (c *Cache) PutAudioKey(item coretypes.ItemId, file coretypes.FileId, key coretypes.AudioKey) {
	if err := writeAtomic(c.path(bucketAudioKeys, audioKeyName(item, file)), key[:]); err != nil {
		c.logf("put audio key %s:%s: %v", item.Base62(), file.ToBase16(), err)
	}
}

func audioKeyName(item coretypes.ItemId, file coretypes.FileId) string {
	return item.Base62() + ":" + file.ToBase16()
}

// AudioPath returns the on-disk path a completed download for file
// should live at, whether or not it exists yet. FileSource (internal/cdn)
// copies its completed StreamStorage temp file here atomically.
func (c *Cache) AudioPath(file coretypes.FileId) string {
	return c.path(bucketAudio, file.ToBase16())
}

// HasAudio reports whether a complete cached copy of file exists.
func (c *Cache) HasAudio(file coretypes.FileId) bool {
	_, err := os.Stat(c.AudioPath(file))
	return err == nil
}

// GetCountryCode/PutCountryCode persist the two-letter country code
// the server sends on the session's COUNTRY_CODE command, so later
// starts can still report it when offline.
func (c *Cache) GetCountryCode() (string, error) {
	b, err := readBestEffort(filepath.Join(c.root, countryCodeFile))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Cache) PutCountryCode(code string) {
	if err := writeAtomic(filepath.Join(c.root, countryCodeFile), []byte(code)); err != nil {
		c.logf("put country code: %v", err)
	}
}
