// Package coretypes holds the value types shared across the streaming
// core: item/file identifiers, the media path tuple, keys, credentials
// and the audio container formats named in the wire protocol.
package coretypes

import (
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// ItemKind distinguishes what an ItemId refers to.
type ItemKind int

const (
	ItemKindUnknown ItemKind = iota
	ItemKindTrack
	ItemKindEpisode
)

func (k ItemKind) String() string {
	switch k {
	case ItemKindTrack:
		return "track"
	case ItemKindEpisode:
		return "episode"
	default:
		return "unknown"
	}
}

// ItemId is a 16-byte opaque identifier for a playable piece of content.
type ItemId struct {
	Bytes [16]byte
	Kind  ItemKind
}

var base62Digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// Base62 encodes the id the way the service's URIs do.
func (id ItemId) Base62() string {
	var n [16]byte = id.Bytes
	// Big-endian 128-bit value treated as a byte-wise big number.
	var out []byte
	zero := true
	for _, b := range n {
		if b != 0 {
			zero = false
		}
	}
	if zero {
		return "0"
	}
	digits := make([]byte, 0, 22)
	val := n[:]
	for !allZero(val) {
		var rem int
		for i := range val {
			cur := rem*256 + int(val[i])
			val[i] = byte(cur / 62)
			rem = cur % 62
		}
		digits = append(digits, base62Digits[rem])
	}
	for i, j := 0, len(digits)-1; i < j; i, j = i+1, j-1 {
		digits[i], digits[j] = digits[j], digits[i]
	}
	out = digits
	return string(out)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// ParseBase62 decodes a base62-encoded id into a 16-byte ItemId of the
// given kind, inverting Base62.
func ParseBase62(s string, kind ItemKind) (ItemId, error) {
	if s == "" {
		return ItemId{}, fmt.Errorf("coretypes: empty base62 id")
	}
	id := ItemId{Kind: kind}
	for _, c := range []byte(s) {
		d := strings.IndexByte(base62Digits, c)
		if d < 0 {
			return ItemId{}, fmt.Errorf("coretypes: invalid base62 digit %q", c)
		}
		carry := d
		for i := 15; i >= 0; i-- {
			cur := int(id.Bytes[i])*62 + carry
			id.Bytes[i] = byte(cur & 0xff)
			carry = cur >> 8
		}
		if carry != 0 {
			return ItemId{}, fmt.Errorf("coretypes: base62 id overflows 16 bytes")
		}
	}
	return id, nil
}

// ParseURI parses a service URI of the form "spotify:<kind>:<base62>".
func ParseURI(uri string) (ItemId, error) {
	parts := strings.Split(uri, ":")
	if len(parts) != 3 || parts[0] != "spotify" {
		return ItemId{}, fmt.Errorf("coretypes: malformed uri %q", uri)
	}
	var kind ItemKind
	switch parts[1] {
	case "track":
		kind = ItemKindTrack
	case "episode":
		kind = ItemKindEpisode
	default:
		return ItemId{}, fmt.Errorf("coretypes: unknown item kind %q", parts[1])
	}
	return ParseBase62(parts[2], kind)
}

// URI renders the item as the service's canonical spotify:-style URI.
func (id ItemId) URI() string {
	return fmt.Sprintf("spotify:%s:%s", id.Kind, id.Base62())
}

func (id ItemId) String() string { return id.URI() }

// FileId is a 20-byte content hash identifying one encoded rendition.
type FileId [20]byte

func (f FileId) ToBase16() string { return hex.EncodeToString(f[:]) }

func (f FileId) String() string { return f.ToBase16() }

// FileFormat enumerates the encoded renditions named in spec.md §3.
type FileFormat int

const (
	FormatUnknown FileFormat = iota
	FormatOggVorbis96
	FormatOggVorbis160
	FormatOggVorbis320
	FormatMp3_96
	FormatMp3_160
	FormatMp3_160Enc
	FormatMp3_256
	FormatMp3_320
)

func (f FileFormat) IsOggVorbis() bool {
	switch f {
	case FormatOggVorbis96, FormatOggVorbis160, FormatOggVorbis320:
		return true
	}
	return false
}

func (f FileFormat) IsMp3() bool { return !f.IsOggVorbis() && f != FormatUnknown }

// HeaderLength is the file-format-specific prelude skipped before
// handing bytes to the codec decoder (spec.md §4.3).
func (f FileFormat) HeaderLength() int64 {
	if f.IsOggVorbis() {
		return 167
	}
	return 0
}

// MediaPath identifies one fetchable/playable audio file, immutable
// once constructed (spec.md §3).
type MediaPath struct {
	ItemId     ItemId
	FileId     FileId
	FileFormat FileFormat
	Duration   time.Duration
}

// AudioKey is the 16-byte symmetric key for one (ItemId, FileId) pair.
type AudioKey [16]byte

// AuthType enumerates how Credentials were obtained.
type AuthType int

const (
	AuthTypeUserPass AuthType = iota
	AuthTypeStoredCredentials
	AuthTypeSpotifyToken
)

// Credentials carries whatever the transport needs to authenticate,
// plus the server-issued reusable blob handed back after a successful
// login (spec.md §3).
type Credentials struct {
	Username string
	AuthType AuthType
	AuthData []byte
}

// QueueBehavior selects how Player advances the queue (spec.md §3/§4.8).
type QueueBehavior int

const (
	QueueSequential QueueBehavior = iota
	QueueRandom
	QueueLoopTrack
	QueueLoopAll
)

func (b QueueBehavior) String() string {
	switch b {
	case QueueSequential:
		return "sequential"
	case QueueRandom:
		return "random"
	case QueueLoopTrack:
		return "loop_track"
	case QueueLoopAll:
		return "loop_all"
	default:
		return "unknown"
	}
}

// SignalSpec describes a decoder's output format (spec.md §4.4).
type SignalSpec struct {
	SampleRate int
	Channels   int
}

// NormalizationData is the track/album gain parsed from the front of a
// decrypted audio stream, before the container header skip (spec.md §4.3).
type NormalizationData struct {
	TrackGainDb   float32
	TrackPeak     float32
	AlbumGainDb   float32
	AlbumPeak     float32
}

// Factor computes the normalization multiplicative gain for pregain G,
// clamped to the peak's reciprocal (spec.md §4.3).
func (n NormalizationData) Factor(pregainDb float32) float32 {
	level := n.TrackGainDb
	factor := pow10((level + pregainDb) / 20)
	if n.TrackPeak > 0 {
		maxFactor := 1 / n.TrackPeak
		if factor > maxFactor {
			factor = maxFactor
		}
	}
	return factor
}

func pow10(x float32) float32 {
	return float32(math.Pow(10, float64(x)))
}
