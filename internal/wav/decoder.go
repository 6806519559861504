// Package wav turns canonical waveform files into the normalized float samples the
// recognition engine consumes.
//
// The decoder deliberately assumes a fixed layout: a 44-byte header followed by
// 16-bit little-endian PCM. Only the sample rate at header offset 24 is read; chunk
// tags, channel count and bit depth are not checked unless strict mode is enabled.
// Multi-channel input is returned as a flat interleaved stream.
package wav

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	gowav "github.com/go-audio/wav"
)

const (
	// HeaderSize is the length of the canonical RIFF/WAVE header.
	HeaderSize       = 44
	sampleRateOffset = 24
	bytesPerSample   = 2
	pcmScale         = 32768.0
	wavFormatPCM     = 1
)

var (
	// ErrShortHeader is returned when the stream cannot hold a full header.
	ErrShortHeader = errors.New("wav: stream shorter than header")
	// ErrInvalidFormat is returned in strict mode for anything but 16-bit PCM RIFF/WAVE.
	ErrInvalidFormat = errors.New("wav: not a 16-bit PCM RIFF/WAVE container")
)

// Buffer holds decoded mono samples in roughly [-1, 1] and their sample rate.
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Len returns the number of samples.
func (b Buffer) Len() int { return len(b.Samples) }

// Empty reports whether the buffer carries no samples. A successful decode can
// still produce an empty buffer.
func (b Buffer) Empty() bool { return len(b.Samples) == 0 }

// Duration returns the playback length, or zero when the rate is not positive.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

// Decoder converts waveform bytes into a Buffer. The zero value is permissive.
type Decoder struct {
	// Strict rejects streams whose RIFF/WAVE/fmt chunks do not describe 16-bit PCM.
	Strict bool
}

// Decode parses data with the permissive decoder.
func Decode(data []byte) (Buffer, error) { return Decoder{}.Decode(data) }

// DecodeReader reads r to the end and decodes it with the permissive decoder.
func DecodeReader(r io.Reader) (Buffer, error) { return Decoder{}.DecodeReader(r) }

// DecodeFile decodes the file at path with the permissive decoder.
func DecodeFile(path string) (Buffer, error) { return Decoder{}.DecodeFile(path) }

// DecodeFile opens path and decodes its contents.
func (d Decoder) DecodeFile(path string) (Buffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return Buffer{}, fmt.Errorf("wav: open %s: %w", path, err)
	}
	defer f.Close()
	return d.DecodeReader(f)
}

// DecodeReader consumes r and decodes the bytes read.
func (d Decoder) DecodeReader(r io.Reader) (Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Buffer{}, fmt.Errorf("wav: read stream: %w", err)
	}
	return d.Decode(data)
}

// Decode parses the header and converts every whole 16-bit sample after it.
// A trailing odd byte is ignored.
func (d Decoder) Decode(data []byte) (Buffer, error) {
	if len(data) < HeaderSize {
		return Buffer{}, fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(data))
	}
	if d.Strict {
		if err := validate(data); err != nil {
			return Buffer{}, err
		}
	}

	rate := int(int32(binary.LittleEndian.Uint32(data[sampleRateOffset:])))

	body := data[HeaderSize:]
	n := len(body) / bytesPerSample
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(body[i*bytesPerSample:]))
		samples[i] = float32(s) / pcmScale
	}
	return Buffer{Samples: samples, SampleRate: rate}, nil
}

func validate(data []byte) error {
	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("%w: missing WAVE tag", ErrInvalidFormat)
	}
	dec := gowav.NewDecoder(bytes.NewReader(data))
	dec.ReadInfo()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if dec.WavAudioFormat != wavFormatPCM {
		return fmt.Errorf("%w: audio format %d", ErrInvalidFormat, dec.WavAudioFormat)
	}
	if dec.BitDepth != 16 {
		return fmt.Errorf("%w: bit depth %d", ErrInvalidFormat, dec.BitDepth)
	}
	return nil
}
