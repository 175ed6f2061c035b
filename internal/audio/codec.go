package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pion/opus"
)

const (
	MimeTypeOpus = "audio/opus"
	MimeTypePCMU = "audio/PCMU"

	// PCMURate is the G.711 clock rate.
	PCMURate = 8000
)

var ErrUnsupportedCodec = errors.New("unsupported audio codec")

// Decoder turns one RTP payload into samples at the returned rate.
type Decoder interface {
	Decode(payload []byte) ([]float32, int, error)
}

// NewDecoder picks a decoder for an RTP codec mime type.
func NewDecoder(mimeType string) (Decoder, error) {
	switch {
	case strings.EqualFold(mimeType, MimeTypeOpus):
		return NewOpusDecoder(), nil
	case strings.EqualFold(mimeType, MimeTypePCMU):
		return MulawDecoder{}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, mimeType)
	}
}

// MulawDecoder decodes G.711 µ-law payloads.
type MulawDecoder struct{}

func (MulawDecoder) Decode(payload []byte) ([]float32, int, error) {
	return DecodeMulaw(payload), PCMURate, nil
}

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// EncodeMulaw converts samples to G.711 µ-law bytes.
func EncodeMulaw(samples []float32) []byte {
	out := make([]byte, len(samples))
	for i, v := range samples {
		out[i] = mulawByte(floatToPCM(v))
	}
	return out
}

// DecodeMulaw converts G.711 µ-law bytes to samples.
func DecodeMulaw(payload []byte) []float32 {
	out := make([]float32, len(payload))
	for i, b := range payload {
		out[i] = float32(mulawSample(b)) / 32768
	}
	return out
}

func mulawByte(s int16) byte {
	v := int32(s)
	var sign byte
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}

func mulawSample(b byte) int16 {
	b = ^b
	exponent := (b >> 4) & 0x07
	mantissa := int32(b & 0x0F)
	v := ((mantissa << 3) + mulawBias) << exponent
	v -= mulawBias
	if b&0x80 != 0 {
		return int16(-v)
	}
	return int16(v)
}

func floatToPCM(v float32) int16 {
	v = clamp(v)
	return int16(math.Round(float64(v) * 32767))
}

// OpusDecoder decodes Opus payloads with the pure Go pion decoder.
type OpusDecoder struct {
	dec opus.Decoder
	out []byte
}

// maxOpusSamples is 120 ms of stereo at 48 kHz.
const maxOpusSamples = 5760 * 2

func NewOpusDecoder() *OpusDecoder {
	return &OpusDecoder{
		dec: opus.NewDecoder(),
		out: make([]byte, maxOpusSamples*2),
	}
}

func (d *OpusDecoder) Decode(payload []byte) ([]float32, int, error) {
	if len(payload) == 0 {
		return nil, 0, errors.New("empty opus payload")
	}
	bandwidth, stereo, err := d.dec.Decode(payload, d.out)
	if err != nil {
		return nil, 0, fmt.Errorf("opus decode failed: %w", err)
	}
	rate := bandwidth.SampleRate()

	channels := 1
	if stereo {
		channels = 2
	}
	n := opusSamples(payload, rate) * channels
	if n <= 0 || n*2 > len(d.out) {
		n = len(d.out) / 2
	}

	pcm := make([]float32, n/channels)
	for i := range pcm {
		// downmix stereo by taking the left channel
		s := int16(binary.LittleEndian.Uint16(d.out[i*channels*2:]))
		pcm[i] = float32(s) / 32768
	}
	return pcm, rate, nil
}

// opusSamples derives the per-channel sample count of a packet from its TOC byte.
func opusSamples(packet []byte, rate int) int {
	toc := packet[0]
	config := toc >> 3

	var frameMicros int
	switch {
	case config < 12:
		frameMicros = [...]int{10000, 20000, 40000, 60000}[config%4]
	case config < 16:
		frameMicros = [...]int{10000, 20000}[config%2]
	default:
		frameMicros = [...]int{2500, 5000, 10000, 20000}[config%4]
	}

	frames := 1
	switch toc & 0x03 {
	case 1, 2:
		frames = 2
	case 3:
		if len(packet) < 2 {
			return 0
		}
		frames = int(packet[1] & 0x3F)
	}
	return rate * frameMicros / 1_000_000 * frames
}

// Resample converts samples between rates with linear interpolation.
func Resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 || from <= 0 || to <= 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * ratio
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
