package player

import (
	"testing"

	"github.com/psst-go/corestream/pkg/coretypes"
)

func TestPreferredFormatsLeadWithRequestedBitrate(t *testing.T) {
	cases := []struct {
		bitrate int
		want    coretypes.FileFormat
	}{
		{96, coretypes.FormatOggVorbis96},
		{160, coretypes.FormatOggVorbis160},
		{320, coretypes.FormatOggVorbis320},
	}
	for _, tc := range cases {
		got := PreferredFormats(tc.bitrate)
		if got[0] != tc.want {
			t.Errorf("PreferredFormats(%d)[0] = %v, want %v", tc.bitrate, got[0], tc.want)
		}
	}
}

func TestPreferredFormatsCoverEveryRendition(t *testing.T) {
	for _, bitrate := range []int{96, 160, 320} {
		seen := map[coretypes.FileFormat]bool{}
		for _, f := range PreferredFormats(bitrate) {
			if seen[f] {
				t.Errorf("PreferredFormats(%d) lists %v twice", bitrate, f)
			}
			seen[f] = true
		}
		// Mp3_160Enc is deliberately absent from every preference list:
		// the plain 160 kbps rendition is always available alongside it.
		if len(seen) != 7 {
			t.Errorf("PreferredFormats(%d) lists %d formats, want 7", bitrate, len(seen))
		}
	}
}
