package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/birddigital/voice-relay/pkg/relay"
)

// Format describes a raw audio stream.
type Format struct {
	SampleRate int    `json:"sample_rate"` // 8000 for telephony
	Channels   int    `json:"channels"`    // 1 for mono
	Encoding   string `json:"encoding"`    // "mulaw" or "pcm"
	BitDepth   int    `json:"bit_depth"`   // 8 for mulaw
}

// Common audio formats
var (
	FormatMulaw8k = Format{SampleRate: 8000, Channels: 1, Encoding: EncodingMulaw, BitDepth: 8}
	FormatPCM24k  = Format{SampleRate: 24000, Channels: 1, Encoding: EncodingPCM, BitDepth: 16}
)

const (
	EncodingMulaw = "mulaw"
	EncodingPCM   = "pcm"
)

// ============================================
// AUDIO FORMAT CONVERSION
// ============================================
// Converts caller audio to the backend codec and back
//
// Supported conversions:
// - mulaw 8kHz → PCM16 at any rate (for pcm16 realtime sessions)
// - PCM16 at any rate → mulaw 8kHz (for telephony playback)
// - PCM16 sample rate conversion
// ============================================

// Converter transcodes payloads from one format to another. It is stateless
// and safe for concurrent use. Each payload is resampled on its own, so a
// continuous call should use NewStream instead.
type Converter struct {
	from Format
	to   Format
}

// NewConverter validates a conversion and returns a converter for it.
func NewConverter(from, to Format) (*Converter, error) {
	for _, f := range []Format{from, to} {
		if f.Channels != 1 {
			return nil, fmt.Errorf("unsupported channel count %d: only mono is supported", f.Channels)
		}
		if f.SampleRate <= 0 {
			return nil, fmt.Errorf("invalid sample rate %d", f.SampleRate)
		}
		if f.Encoding != EncodingMulaw && f.Encoding != EncodingPCM {
			return nil, fmt.Errorf("unsupported encoding %q", f.Encoding)
		}
	}
	return &Converter{from: from, to: to}, nil
}

// Transcode converts one payload.
func (c *Converter) Transcode(data []byte) ([]byte, error) {
	if c.from == c.to {
		return data, nil
	}

	pcm := data
	if c.from.Encoding == EncodingMulaw {
		pcm = DecodeMulaw(data)
	} else if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	if c.from.SampleRate != c.to.SampleRate {
		var err error
		pcm, err = ResamplePCM16(pcm, c.from.SampleRate, c.to.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to resample: %w", err)
		}
	}

	if c.to.Encoding == EncodingMulaw {
		out, err := EncodeMulaw(pcm)
		if err != nil {
			return nil, fmt.Errorf("failed to encode mulaw: %w", err)
		}
		return out, nil
	}
	return pcm, nil
}

// NewStream returns a transcoder for one continuous audio stream. Unlike
// Transcode it carries the resampling position and last sample across
// payloads, so chunk boundaries neither drop samples nor click.
func (c *Converter) NewStream() relay.Transcoder {
	return &Stream{from: c.from, to: c.to}
}

// Stream is the stateful transcoder returned by Converter.NewStream. It is
// not safe for concurrent use.
type Stream struct {
	from Format
	to   Format

	// pos is the next output position relative to the start of the next
	// payload, in units of 1/to.SampleRate input samples. It is negative
	// while the next output falls between last and the payload's first
	// sample.
	pos  int64
	last int16
}

// Transcode converts the next payload of the stream.
func (s *Stream) Transcode(data []byte) ([]byte, error) {
	if s.from == s.to {
		return data, nil
	}

	pcm := data
	if s.from.Encoding == EncodingMulaw {
		pcm = DecodeMulaw(data)
	} else if len(data)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}

	if s.from.SampleRate != s.to.SampleRate {
		pcm = s.resample(pcm)
	}

	if s.to.Encoding == EncodingMulaw {
		out, err := EncodeMulaw(pcm)
		if err != nil {
			return nil, fmt.Errorf("failed to encode mulaw: %w", err)
		}
		return out, nil
	}
	return pcm, nil
}

func (s *Stream) resample(pcmData []byte) []byte {
	numInput := int64(len(pcmData) / 2)
	if numInput == 0 {
		return nil
	}

	unit := int64(s.to.SampleRate)
	step := int64(s.from.SampleRate)
	sampleAt := func(i int64) int64 {
		if i < 0 {
			return int64(s.last)
		}
		return int64(int16(binary.LittleEndian.Uint16(pcmData[i*2:])))
	}

	out := make([]byte, 0, (numInput*unit/step+2)*2)
	end := (numInput - 1) * unit
	for ; s.pos <= end; s.pos += step {
		index := floorDiv(s.pos, unit)
		frac := s.pos - index*unit

		value := sampleAt(index)
		if frac != 0 {
			mixed := value*(unit-frac) + sampleAt(index+1)*frac
			value = int64(math.Round(float64(mixed) / float64(unit)))
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(value)))
	}

	s.pos -= numInput * unit
	s.last = int16(binary.LittleEndian.Uint16(pcmData[(numInput-1)*2:]))
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// ============================================
// G.711 μ-LAW
// ============================================

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToLinear expands one μ-law byte to a 16-bit linear sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// LinearToMulaw compresses a 16-bit linear sample to μ-law.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulaw decodes μ-law bytes to little-endian 16-bit PCM.
func DecodeMulaw(mulawData []byte) []byte {
	pcmData := make([]byte, len(mulawData)*2)
	for i, b := range mulawData {
		binary.LittleEndian.PutUint16(pcmData[i*2:], uint16(MulawToLinear(b)))
	}
	return pcmData
}

// EncodeMulaw encodes little-endian 16-bit PCM to μ-law.
func EncodeMulaw(pcmData []byte) ([]byte, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	mulawData := make([]byte, len(pcmData)/2)
	for i := range mulawData {
		mulawData[i] = LinearToMulaw(int16(binary.LittleEndian.Uint16(pcmData[i*2:])))
	}
	return mulawData, nil
}

// ResamplePCM16 resamples one self-contained buffer of 16-bit PCM audio
// using linear interpolation (good enough for telephony). Output past the
// last input sample holds that sample.
func ResamplePCM16(pcmData []byte, fromRate, toRate int) ([]byte, error) {
	if len(pcmData)%2 != 0 {
		return nil, fmt.Errorf("PCM data length must be even (16-bit samples)")
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates %d -> %d", fromRate, toRate)
	}
	if fromRate == toRate {
		return pcmData, nil
	}

	numInput := len(pcmData) / 2
	numOutput := numInput * toRate / fromRate
	outputData := make([]byte, numOutput*2)
	if numInput == 0 {
		return outputData, nil
	}

	sampleAt := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcmData[i*2:])))
	}
	ratio := float64(fromRate) / float64(toRate)

	for i := 0; i < numOutput; i++ {
		srcPos := float64(i) * ratio
		srcIndex := int(srcPos)

		var value float64
		if srcIndex >= numInput-1 {
			// Hold the last sample past the end of the input.
			value = sampleAt(numInput - 1)
		} else {
			fraction := srcPos - float64(srcIndex)
			value = sampleAt(srcIndex)*(1-fraction) + sampleAt(srcIndex+1)*fraction
		}

		if value > math.MaxInt16 {
			value = math.MaxInt16
		} else if value < math.MinInt16 {
			value = math.MinInt16
		}
		binary.LittleEndian.PutUint16(outputData[i*2:], uint16(int16(math.Round(value))))
	}

	return outputData, nil
}
