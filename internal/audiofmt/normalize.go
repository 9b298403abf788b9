package audiofmt

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// normalizationHeaderLen is the fixed prelude carrying track/album gain
// and peak as four little-endian float32 values, parsed before the
// container-format header skip (spec.md §4.3).
const normalizationHeaderLen = 4 * 4

// ParseNormalization reads the fixed-size normalization header from the
// front of a decrypted stream. It does not advance the reader past the
// header a second time if called again after a Seek(0) - it always
// reads exactly normalizationHeaderLen bytes from the reader's current
// position, so determinism (spec.md §8 "normalization idempotence") is
// the caller's responsibility: seek to 0 before calling again.
func ParseNormalization(r io.Reader) (coretypes.NormalizationData, error) {
	var buf [normalizationHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return coretypes.NormalizationData{}, err
	}
	return coretypes.NormalizationData{
		TrackGainDb: readFloat32(buf[0:4]),
		TrackPeak:   readFloat32(buf[4:8]),
		AlbumGainDb: readFloat32(buf[8:12]),
		AlbumPeak:   readFloat32(buf[12:16]),
	}, nil
}

func readFloat32(b []byte) float32 {
	bits := binary.LittleEndian.Uint32(b)
	return math.Float32frombits(bits)
}
