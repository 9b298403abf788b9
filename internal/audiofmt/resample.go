package audiofmt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zaf/resample"

	"github.com/psst-go/corestream/pkg/coretypes"
)

// resampledDecoder converts a decoder's native sample rate to the
// sink's negotiated rate, so the ring buffer always carries samples the
// device can play without the callback doing any conversion. Backed by
// github.com/zaf/resample's SoXR binding, the same resampler
// drgolem-musictools uses in its transform pipeline.
type resampledDecoder struct {
	inner   Decoder
	outRate int

	buf *bytes.Buffer
	rs  *resample.Resampler
}

// Resampled wraps inner so SignalSpec reports outRate and every packet
// is converted on the way through. If the rates already match, inner is
// returned unchanged.
func Resampled(inner Decoder, outRate int) (Decoder, error) {
	spec := inner.SignalSpec()
	if spec.SampleRate == outRate {
		return inner, nil
	}
	d := &resampledDecoder{inner: inner, outRate: outRate}
	if err := d.reset(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *resampledDecoder) reset() error {
	spec := d.inner.SignalSpec()
	d.buf = &bytes.Buffer{}
	rs, err := resample.New(d.buf, float64(spec.SampleRate), float64(d.outRate), spec.Channels, resample.F32, resample.MediumQ)
	if err != nil {
		return fmt.Errorf("audiofmt: create resampler: %w", err)
	}
	d.rs = rs
	return nil
}

func (d *resampledDecoder) SignalSpec() coretypes.SignalSpec {
	spec := d.inner.SignalSpec()
	spec.SampleRate = d.outRate
	return spec
}

func (d *resampledDecoder) TotalSamples() uint64 {
	total := d.inner.TotalSamples()
	inRate := d.inner.SignalSpec().SampleRate
	if total == 0 || inRate == 0 {
		return 0
	}
	return uint64(float64(total) * float64(d.outRate) / float64(inRate))
}

// Seek flushes the resampler's internal state so no pre-seek samples
// bleed into the post-seek stream, then delegates.
func (d *resampledDecoder) Seek(target time.Duration) (time.Duration, error) {
	landed, err := d.inner.Seek(target)
	if err != nil {
		return 0, err
	}
	if err := d.reset(); err != nil {
		return 0, err
	}
	return landed, nil
}

func (d *resampledDecoder) NextPacket() (*Packet, error) {
	packet, err := d.inner.NextPacket()
	if err != nil {
		return nil, err
	}

	in := make([]byte, len(packet.Samples)*4)
	for i, s := range packet.Samples {
		binary.LittleEndian.PutUint32(in[i*4:], math.Float32bits(s))
	}
	if _, err := d.rs.Write(in); err != nil {
		return nil, fmt.Errorf("audiofmt: resample: %w", err)
	}

	out := d.buf.Bytes()
	samples := make([]float32, len(out)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(out[i*4:]))
	}
	d.buf.Reset()

	return &Packet{Timestamp: packet.Timestamp, Samples: samples}, nil
}
