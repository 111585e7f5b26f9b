package wav

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	gowav "github.com/go-audio/wav"
)

// Reader yields fixed-size blocks of interleaved samples from a WAV file.
type Reader struct {
	f         *os.File
	dec       *gowav.Decoder
	buf       *audio.IntBuffer
	blockSize int

	sampleRate    int
	channels      int
	bitsPerSample int
	dataSize      int64
	remaining     int64 // bytes of the data chunk not yet read
}

// Open parses the header of path and positions the reader at the start of
// the sample data. blockSize is the number of sample frames per block.
func Open(path string, blockSize int) (*Reader, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("wav: block size must be positive, got %d", blockSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wav: open %s: %w", path, err)
	}

	r := &Reader{
		f:         f,
		dec:       gowav.NewDecoder(f),
		blockSize: blockSize,
	}
	if err := r.parse(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// parse reads the fmt chunk and forwards the decoder to the data chunk.
func (r *Reader) parse() error {
	// IsValidFile would also reject a file with no samples, which is a
	// valid, empty input here.
	r.dec.ReadInfo()
	if err := r.dec.Err(); err != nil || r.dec.NumChans == 0 {
		return ErrNotWAV
	}

	format := r.dec.WavAudioFormat
	r.channels = int(r.dec.NumChans)
	r.sampleRate = int(r.dec.SampleRate)
	r.bitsPerSample = int(r.dec.BitDepth)

	if format != formatPCM && format != formatExtensible {
		return fmt.Errorf("%w: audio format %#04x (only PCM is supported)", ErrUnsupportedFormat, format)
	}
	if r.bitsPerSample != bitDepth {
		return fmt.Errorf("%w: %d bits per sample (only 16-bit is supported)", ErrUnsupportedFormat, r.bitsPerSample)
	}

	if err := r.dec.FwdToPCM(); err != nil || r.dec.PCMChunk == nil {
		return fmt.Errorf("%w: missing data chunk", ErrNotWAV)
	}
	r.dataSize = r.dec.PCMLen()
	r.remaining = r.dataSize

	r.buf = &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: r.channels, SampleRate: r.sampleRate},
		SourceBitDepth: bitDepth,
	}
	return nil
}

// SampleRate returns the sample rate in Hz.
func (r *Reader) SampleRate() int { return r.sampleRate }

// Channels returns the number of interleaved channels.
func (r *Reader) Channels() int { return r.channels }

// BitsPerSample returns the sample width.
func (r *Reader) BitsPerSample() int { return r.bitsPerSample }

// Duration returns the playing time declared by the data chunk.
func (r *Reader) Duration() time.Duration {
	frameBytes := int64(r.channels * bytesPerValue)
	if frameBytes == 0 {
		return 0
	}
	return duration(r.dataSize/frameBytes, r.sampleRate)
}

// ReadBlock returns the next block of blockSize×channels samples. The
// final block is zero-padded; after it ReadBlock returns io.EOF. A data
// chunk that is cut short by the end of the file ends the stream early.
func (r *Reader) ReadBlock() ([]int16, error) {
	samples := make([]int16, r.blockSize*r.channels)
	got := 0

	// Reads are capped at the declared data size so chunks after the
	// sample data are never decoded as audio.
	for got < len(samples) && r.remaining >= bytesPerValue {
		want := min(len(samples)-got, int(r.remaining/bytesPerValue))
		if cap(r.buf.Data) < want {
			r.buf.Data = make([]int, want)
		}
		r.buf.Data = r.buf.Data[:want]

		n, err := r.dec.PCMBuffer(r.buf)
		if err != nil {
			return nil, fmt.Errorf("wav: read samples: %w", err)
		}
		if n == 0 {
			r.remaining = 0
			break
		}
		for i := 0; i < n; i++ {
			samples[got+i] = int16(r.buf.Data[i])
		}
		got += n
		r.remaining -= int64(n * bytesPerValue)
	}

	if got == 0 {
		r.remaining = 0
		return nil, io.EOF
	}
	return samples, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
