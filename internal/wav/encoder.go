package wav

import (
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// Quantize maps a normalized sample to 16-bit PCM using round(f*32768), clamped.
func Quantize(f float32) int16 {
	v := math.Round(float64(f) * pcmScale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

// Encode writes samples as a canonical 16-bit mono PCM file.
func Encode(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("wav: invalid sample rate %d", sampleRate)
	}
	data := make([]int, len(samples))
	for i, f := range samples {
		data[i] = int(Quantize(f))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := gowav.NewEncoder(w, sampleRate, 16, 1, wavFormatPCM)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("wav: write samples: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wav: close encoder: %w", err)
	}
	return nil
}

// WriteFile encodes samples into a new file at path.
func WriteFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("wav: create %s: %w", path, err)
	}
	if err := Encode(f, samples, sampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
