package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// Mercury payload codecs for the two requests the streaming core makes:
// track metadata ("hm://metadata/3/track/<id>") and CDN storage
// resolution ("hm://storage-resolve/files/audio/interactive/<id>").
// Like internal/transport's handshake messages, these use the module's
// length-prefixed field encoding in place of the service's protobuf
// wire format (no .proto schema survived in the retrieval pack - see
// DESIGN.md).

var errShortPayload = errors.New("session: truncated mercury payload")

// mercuryHeader encodes the request header part: method then URI.
func mercuryHeader(method, uri string) []byte {
	var buf []byte
	buf = appendField(buf, []byte(method))
	buf = appendField(buf, []byte(uri))
	return buf
}

func appendField(buf, field []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(field)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, field...)
}

func readField(b []byte) (field, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, errShortPayload
	}
	n := int(binary.BigEndian.Uint32(b[0:4]))
	if len(b) < 4+n {
		return nil, nil, errShortPayload
	}
	return b[4 : 4+n], b[4+n:], nil
}

// trackFile is one encoded rendition listed in a track's metadata.
type trackFile struct {
	format coretypes.FileFormat
	id     coretypes.FileId
}

// trackPayload is the decoded body of a metadata/3/track response:
// the track duration plus every (format, file id) rendition the
// service offers for it.
type trackPayload struct {
	duration time.Duration
	files    []trackFile
}

func encodeTrackPayload(t trackPayload) []byte {
	buf := make([]byte, 0, 5+len(t.files)*21)
	var ms [4]byte
	binary.BigEndian.PutUint32(ms[:], uint32(t.duration/time.Millisecond))
	buf = append(buf, ms[:]...)
	buf = append(buf, byte(len(t.files)))
	for _, f := range t.files {
		buf = append(buf, byte(f.format))
		buf = append(buf, f.id[:]...)
	}
	return buf
}

func decodeTrackPayload(b []byte) (trackPayload, error) {
	if len(b) < 5 {
		return trackPayload{}, errShortPayload
	}
	t := trackPayload{
		duration: time.Duration(binary.BigEndian.Uint32(b[0:4])) * time.Millisecond,
	}
	count := int(b[4])
	rest := b[5:]
	for i := 0; i < count; i++ {
		if len(rest) < 21 {
			return trackPayload{}, fmt.Errorf("session: track payload file %d: %w", i, errShortPayload)
		}
		var f trackFile
		f.format = coretypes.FileFormat(rest[0])
		copy(f.id[:], rest[1:21])
		t.files = append(t.files, f)
		rest = rest[21:]
	}
	return t, nil
}

// storageResolvePayload is the decoded body of a storage-resolve
// response: a CDN URL and its expiry.
type storageResolvePayload struct {
	url       string
	expiresAt time.Time
}

func encodeStorageResolvePayload(p storageResolvePayload) []byte {
	var buf []byte
	var exp [8]byte
	binary.BigEndian.PutUint64(exp[:], uint64(p.expiresAt.Unix()))
	buf = append(buf, exp[:]...)
	return appendField(buf, []byte(p.url))
}

func decodeStorageResolvePayload(b []byte) (storageResolvePayload, error) {
	if len(b) < 8 {
		return storageResolvePayload{}, errShortPayload
	}
	expiry := time.Unix(int64(binary.BigEndian.Uint64(b[0:8])), 0)
	url, _, err := readField(b[8:])
	if err != nil {
		return storageResolvePayload{}, err
	}
	return storageResolvePayload{url: string(url), expiresAt: expiry}, nil
}
