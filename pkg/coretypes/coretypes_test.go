package coretypes

import "testing"

func TestItemIdURI(t *testing.T) {
	id := ItemId{Kind: ItemKindTrack}
	id.Bytes[15] = 1
	if got := id.URI(); got != "spotify:track:1" {
		t.Fatalf("URI() = %q, want spotify:track:1", got)
	}
}

func TestFileFormatHeaderLength(t *testing.T) {
	cases := []struct {
		f    FileFormat
		want int64
	}{
		{FormatOggVorbis96, 167},
		{FormatOggVorbis160, 167},
		{FormatOggVorbis320, 167},
		{FormatMp3_320, 0},
		{FormatMp3_160Enc, 0},
	}
	for _, c := range cases {
		if got := c.f.HeaderLength(); got != c.want {
			t.Errorf("%v.HeaderLength() = %d, want %d", c.f, got, c.want)
		}
	}
}

func TestNormalizationFactorClampsToPeak(t *testing.T) {
	n := NormalizationData{TrackGainDb: 20, TrackPeak: 0.1}
	factor := n.Factor(0)
	if factor > 1/n.TrackPeak+1e-6 {
		t.Fatalf("factor %v exceeds peak reciprocal %v", factor, 1/n.TrackPeak)
	}
}
