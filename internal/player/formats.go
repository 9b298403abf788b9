package player

import "github.com/psst-go/corestream/pkg/coretypes"

// PreferredFormats orders the encoded renditions to try for a
// configured bitrate: the requested bitrate's Vorbis/MP3 pair first,
// then decreasing quality, then increasing, so a file missing the
// exact format still plays at the closest available quality.
func PreferredFormats(bitrate int) []coretypes.FileFormat {
	switch {
	case bitrate >= 320:
		return []coretypes.FileFormat{
			coretypes.FormatOggVorbis320,
			coretypes.FormatMp3_320,
			coretypes.FormatMp3_256,
			coretypes.FormatOggVorbis160,
			coretypes.FormatMp3_160,
			coretypes.FormatOggVorbis96,
			coretypes.FormatMp3_96,
		}
	case bitrate >= 160:
		return []coretypes.FileFormat{
			coretypes.FormatOggVorbis160,
			coretypes.FormatMp3_160,
			coretypes.FormatOggVorbis96,
			coretypes.FormatMp3_96,
			coretypes.FormatOggVorbis320,
			coretypes.FormatMp3_256,
			coretypes.FormatMp3_320,
		}
	default:
		return []coretypes.FileFormat{
			coretypes.FormatOggVorbis96,
			coretypes.FormatMp3_96,
			coretypes.FormatOggVorbis160,
			coretypes.FormatMp3_160,
			coretypes.FormatOggVorbis320,
			coretypes.FormatMp3_256,
			coretypes.FormatMp3_320,
		}
	}
}
