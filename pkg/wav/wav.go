// Package wav reads and writes 16-bit PCM RIFF/WAVE files a block of
// samples at a time, on top of github.com/go-audio/wav.
package wav

import (
	"errors"
	"time"
)

// Errors returned while parsing or writing WAV files
var (
	ErrNotWAV            = errors.New("wav: not a RIFF/WAVE file")
	ErrUnsupportedFormat = errors.New("wav: unsupported format")
	ErrTooLarge          = errors.New("wav: data exceeds 4 GiB")
)

const (
	formatPCM        = 0x0001
	formatExtensible = 0xFFFE

	bitDepth      = 16
	bytesPerValue = bitDepth / 8

	// RIFF + fmt + data chunk headers as written by Writer
	headerSize = 44
)

// duration converts a sample frame count at rate into wall time.
func duration(frames int64, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(rate)
}
