// Package ambefile reads and writes raw AMBE voice frame files: an optional
// signature followed by back-to-back frames of a fixed size.
package ambefile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

var (
	// ErrBadSignature reports a file that does not start with the expected
	// signature.
	ErrBadSignature = errors.New("ambefile: signature mismatch")

	// ErrShortFrame reports trailing bytes that do not make a whole frame.
	ErrShortFrame = errors.New("ambefile: short frame")
)

// Reader yields frames from an AMBE file.
type Reader struct {
	f         *os.File
	r         *bufio.Reader
	frameSize int
	frames    int
}

// Open opens path, checks that it begins with signature and prepares to
// read frames of frameSize bytes. An empty signature skips the check.
func Open(path string, signature string, frameSize int) (*Reader, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("ambefile: frame size must be positive, got %d", frameSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ambefile: open %s: %w", path, err)
	}
	r := &Reader{f: f, r: bufio.NewReader(f), frameSize: frameSize}

	if signature != "" {
		got := make([]byte, len(signature))
		n, err := io.ReadFull(r.r, got)
		if err != nil || !bytes.Equal(got, []byte(signature)) {
			_ = f.Close()
			return nil, fmt.Errorf("%w: %s: expected %q, found %q", ErrBadSignature, path, signature, got[:n])
		}
	}
	return r, nil
}

// ReadFrame returns the next frame, or io.EOF after the last one.
func (r *Reader) ReadFrame() ([]byte, error) {
	frame := make([]byte, r.frameSize)
	n, err := io.ReadFull(r.r, frame)
	switch {
	case err == nil:
		r.frames++
		return frame, nil
	case errors.Is(err, io.EOF):
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %d of %d bytes after frame %d", ErrShortFrame, n, r.frameSize, r.frames)
	default:
		return nil, fmt.Errorf("ambefile: read frame: %w", err)
	}
}

// Frames returns the number of frames read so far.
func (r *Reader) Frames() int { return r.frames }

// Close closes the file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}

// Writer appends frames to an AMBE file.
type Writer struct {
	f         *os.File
	w         *bufio.Writer
	frameSize int
	frames    int
}

// Create truncates or creates path and writes signature.
func Create(path string, signature string, frameSize int) (*Writer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("ambefile: frame size must be positive, got %d", frameSize)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("ambefile: create %s: %w", path, err)
	}
	w := &Writer{f: f, w: bufio.NewWriter(f), frameSize: frameSize}

	if _, err := w.w.WriteString(signature); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("ambefile: write signature: %w", err)
	}
	return w, nil
}

// WriteFrame appends one frame, which must be exactly the configured size.
func (w *Writer) WriteFrame(frame []byte) error {
	if w.f == nil {
		return fmt.Errorf("ambefile: write to closed file")
	}
	if len(frame) != w.frameSize {
		return fmt.Errorf("ambefile: frame of %d bytes, expected %d", len(frame), w.frameSize)
	}
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("ambefile: write frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int { return w.frames }

// Close flushes and closes the file. It is safe to call more than once.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	f := w.f
	w.f = nil
	if err := w.w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("ambefile: flush: %w", err)
	}
	return f.Close()
}
