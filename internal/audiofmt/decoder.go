package audiofmt

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/imcarsen/go-mp3"
	"github.com/jfreymuth/oggvorbis"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// ErrFormatChanged is returned by Decoder.NextPacket when the
// bitstream's reported channel count or sample rate disagrees with the
// SignalSpec observed at open time. spec.md §9 flags this as an open
// question ("asserted in one code path, silently accepted in
// another") and asks implementers to make it a hard failure. The
// Vorbis decoder checks every packet and returns this error; the MP3
// decoder does not check (its rate is read once at open time and its
// output is always stereo), so it never returns it.
var ErrFormatChanged = errors.New("audiofmt: channel count or sample rate changed mid-file")

// Packet is one decoded unit of interleaved float32 samples, native
// channel order, plus the container timestamp it starts at.
type Packet struct {
	Timestamp time.Duration
	Samples   []float32
}

// Decoder is the contract wrapped by C4 (spec.md §4.4): a container
// decoder exposing signal spec, frame-accurate seek, and a packet
// stream of interleaved f32 samples.
type Decoder interface {
	SignalSpec() coretypes.SignalSpec
	TotalSamples() uint64
	// Seek repositions to the frame nearest d and returns the landing
	// timestamp.
	Seek(d time.Duration) (time.Duration, error)
	// NextPacket returns the next packet, or (nil, io.EOF) at end of
	// stream.
	NextPacket() (*Packet, error)
}

// offsetFile is an io.Reader view that skips the first `header` bytes
// of the underlying stream, so the codec decoder sees only the
// container bytes proper (spec.md §4.3 "HeaderSkip").
type offsetFile struct {
	r      io.ReadSeeker
	header int64
}

// NewOffsetFile seeks past the header once and returns a reader that
// presents the remainder as if it started at offset 0.
func NewOffsetFile(r io.ReadSeeker, header int64) (io.ReadSeeker, error) {
	if _, err := r.Seek(header, io.SeekStart); err != nil {
		return nil, err
	}
	return &offsetFile{r: r, header: header}, nil
}

func (f *offsetFile) Read(p []byte) (int, error) { return f.r.Read(p) }

func (f *offsetFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset + f.header
	case io.SeekCurrent:
		cur, err := f.r.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		abs = cur + offset
	case io.SeekEnd:
		n, err := f.r.Seek(offset, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		return n - f.header, nil
	default:
		return 0, fmt.Errorf("offsetFile: invalid whence %d", whence)
	}
	n, err := f.r.Seek(abs, io.SeekStart)
	if err != nil {
		return 0, err
	}
	return n - f.header, nil
}

// NewDecoder builds the codec-specific Decoder for format over r,
// which must already have had its header skipped (spec.md §4.4).
// Backed by github.com/jfreymuth/oggvorbis and github.com/imcarsen/go-mp3
// (both pulled from the drgolem-musictools example), matching spec.md
// §3's two file_format families.
func NewDecoder(r io.ReadSeeker, format coretypes.FileFormat) (Decoder, error) {
	switch {
	case format.IsOggVorbis():
		return newVorbisDecoder(r)
	case format.IsMp3():
		return newMp3Decoder(r)
	default:
		return nil, fmt.Errorf("audiofmt: unsupported file format %v", format)
	}
}

type vorbisDecoder struct {
	r       *oggvorbis.Reader
	spec    coretypes.SignalSpec
	frames  uint64
	samplesRead uint64 // interleaved samples consumed so far, tracked locally
}

func newVorbisDecoder(r io.ReadSeeker) (*vorbisDecoder, error) {
	vr, err := oggvorbis.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("audiofmt: open vorbis: %w", err)
	}
	return &vorbisDecoder{
		r: vr,
		spec: coretypes.SignalSpec{
			SampleRate: vr.SampleRate(),
			Channels:   vr.Channels(),
		},
		frames: uint64(vr.Length()),
	}, nil
}

func (d *vorbisDecoder) SignalSpec() coretypes.SignalSpec { return d.spec }
func (d *vorbisDecoder) TotalSamples() uint64             { return d.frames * uint64(d.spec.Channels) }

func (d *vorbisDecoder) Seek(target time.Duration) (time.Duration, error) {
	frame := int64(target.Seconds() * float64(d.spec.SampleRate))
	if err := d.r.SetPosition(frame); err != nil {
		return 0, fmt.Errorf("audiofmt: vorbis seek: %w", err)
	}
	d.samplesRead = uint64(frame) * uint64(d.spec.Channels)
	landed := time.Duration(float64(frame) / float64(d.spec.SampleRate) * float64(time.Second))
	return landed, nil
}

func (d *vorbisDecoder) NextPacket() (*Packet, error) {
	buf := make([]float32, 4096*d.spec.Channels)
	n, err := d.r.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	if d.r.SampleRate() != d.spec.SampleRate || d.r.Channels() != d.spec.Channels {
		return nil, ErrFormatChanged
	}
	framesElapsed := d.samplesRead / uint64(d.spec.Channels)
	ts := time.Duration(float64(framesElapsed) / float64(d.spec.SampleRate) * float64(time.Second))
	d.samplesRead += uint64(n)
	out := make([]float32, n)
	copy(out, buf[:n])
	return &Packet{Timestamp: ts, Samples: out}, nil
}

type mp3Decoder struct {
	r        *mp3.Decoder
	spec     coretypes.SignalSpec
	sampleTS time.Duration
}

func newMp3Decoder(r io.ReadSeeker) (*mp3Decoder, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, fmt.Errorf("audiofmt: open mp3: %w", err)
	}
	return &mp3Decoder{
		r: dec,
		spec: coretypes.SignalSpec{
			SampleRate: dec.SampleRate(),
			Channels:   2, // go-mp3 always decodes to interleaved stereo
		},
	}, nil
}

func (d *mp3Decoder) SignalSpec() coretypes.SignalSpec { return d.spec }

// TotalSamples is not known up front for a streamed MP3 (no container
// frame count); callers fall back to duration-derived estimates from
// MediaPath, matching how a live CDN stream behaves in the original.
func (d *mp3Decoder) TotalSamples() uint64 { return 0 }

func (d *mp3Decoder) Seek(target time.Duration) (time.Duration, error) {
	byteOffset := int64(target.Seconds() * float64(d.spec.SampleRate) * 4) // 16-bit stereo PCM-equivalent estimate
	landed, err := d.r.Seek(byteOffset, io.SeekStart)
	if err != nil {
		return 0, fmt.Errorf("audiofmt: mp3 seek: %w", err)
	}
	d.sampleTS = time.Duration(float64(landed) / 4 / float64(d.spec.SampleRate) * float64(time.Second))
	return d.sampleTS, nil
}

func (d *mp3Decoder) NextPacket() (*Packet, error) {
	buf := make([]byte, 4096*4)
	n, err := d.r.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	samples := bytesToFloat32PCM16(buf[:n-n%4])
	ts := d.sampleTS
	d.sampleTS += time.Duration(float64(len(samples)/2) / float64(d.spec.SampleRate) * float64(time.Second))
	return &Packet{Timestamp: ts, Samples: samples}, nil
}

func bytesToFloat32PCM16(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(v) / 32768
	}
	return out
}
