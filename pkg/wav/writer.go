package wav

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// Writer streams 16-bit PCM samples into a WAV file. The RIFF and data
// sizes are filled in by Close.
type Writer struct {
	f          *os.File
	enc        *gowav.Encoder
	buf        *audio.IntBuffer
	sampleRate int
	channels   int
	dataBytes  int64
}

// Create truncates or creates path and writes a placeholder header.
func Create(path string, sampleRate, channels int) (*Writer, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("wav: invalid format %d Hz, %d channels", sampleRate, channels)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("wav: create %s: %w", path, err)
	}

	w := &Writer{
		f:          f,
		enc:        gowav.NewEncoder(f, sampleRate, bitDepth, channels, formatPCM),
		sampleRate: sampleRate,
		channels:   channels,
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
		},
	}
	// An empty write emits the RIFF, fmt and data headers.
	if err := w.enc.Write(w.buf); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("wav: write header: %w", err)
	}
	return w, nil
}

// WriteBlock appends interleaved samples.
func (w *Writer) WriteBlock(samples []int16) error {
	if w.f == nil {
		return fmt.Errorf("wav: write to closed file")
	}
	size := int64(len(samples) * bytesPerValue)
	if w.dataBytes+size > math.MaxUint32-headerSize {
		return ErrTooLarge
	}

	if cap(w.buf.Data) < len(samples) {
		w.buf.Data = make([]int, len(samples))
	}
	w.buf.Data = w.buf.Data[:len(samples)]
	for i, s := range samples {
		w.buf.Data[i] = int(s)
	}
	if err := w.enc.Write(w.buf); err != nil {
		return fmt.Errorf("wav: write samples: %w", err)
	}
	w.dataBytes += size
	return nil
}

// Duration returns the playing time written so far.
func (w *Writer) Duration() time.Duration {
	return duration(w.dataBytes/int64(bytesPerValue*w.channels), w.sampleRate)
}

// Close patches the header sizes and closes the file. It is safe to call
// more than once.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil

	if err := w.enc.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wav: patch header: %w", err)
	}
	return f.Close()
}
