package dv3000

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// maxFrameLength bounds the length field the reader will wait for. Real
// packets are far smaller; anything larger is line noise that happened to
// contain a start byte.
const maxFrameLength = 1024

// TimeoutReader is the read side of a serial port. A Read that returns no
// bytes and no error means the read timeout elapsed.
type TimeoutReader interface {
	io.Reader
	SetReadTimeout(t time.Duration) error
}

// Reader pulls packets off a byte stream, discarding anything that is not
// part of a valid packet.
type Reader struct {
	src       TimeoutReader
	from      Origin
	chunk     []byte
	pending   []byte
	discarded uint64
}

// NewReader creates a packet reader. from names the side that writes to src.
func NewReader(src TimeoutReader, from Origin) *Reader {
	return &Reader{
		src:   src,
		from:  from,
		chunk: make([]byte, 512),
	}
}

// ReadPacket returns the next valid packet, waiting at most timeout in total.
//
// Bytes before a start byte are dropped. When a candidate frame fails its
// parity or structure check only its start byte is dropped and the scan
// continues, so a valid packet behind garbage is still found. If nothing
// valid turns up, the first checksum or framing error is returned; after
// that error no further bytes are waited for. If the wait ran out with
// nothing to report, ErrTimeout is returned and any partial frame is
// discarded.
func (r *Reader) ReadPacket(timeout time.Duration) (*Packet, error) {
	deadline := time.Now().Add(timeout)
	var firstErr error

	for {
		if err := r.seekStart(deadline); err != nil {
			if firstErr != nil && errors.Is(err, ErrTimeout) {
				return nil, firstErr
			}
			return nil, err
		}

		pkt, err := r.candidate(deadline)
		if err == nil {
			return pkt, nil
		}
		if errors.Is(err, ErrPort) {
			return nil, err
		}

		r.consume(1)

		if errors.Is(err, ErrTimeout) {
			if bytes.IndexByte(r.pending, StartByte) < 0 {
				r.Discard()
				if firstErr != nil {
					return nil, firstErr
				}
				return nil, err
			}
			continue
		}

		if firstErr == nil {
			firstErr = err
			// Start bytes inside a corrupt frame carry garbage lengths. Only
			// what is already buffered is scanned from here on.
			deadline = time.Now()
		}
		if bytes.IndexByte(r.pending, StartByte) < 0 {
			r.Discard()
			return nil, firstErr
		}
	}
}

// Discard drops any buffered bytes.
func (r *Reader) Discard() {
	r.discarded += uint64(len(r.pending))
	r.pending = r.pending[:0]
}

// Discarded returns the number of bytes thrown away while hunting for packets.
func (r *Reader) Discarded() uint64 {
	return r.discarded
}

// Buffered returns the number of bytes read from the port but not yet consumed.
func (r *Reader) Buffered() int {
	return len(r.pending)
}

// seekStart leaves a start byte at the head of the pending buffer.
func (r *Reader) seekStart(deadline time.Time) error {
	for {
		if i := bytes.IndexByte(r.pending, StartByte); i >= 0 {
			r.consume(i)
			return nil
		}
		r.Discard()
		if err := r.fill(deadline); err != nil {
			return err
		}
	}
}

// candidate tries to decode a frame starting at the head of the buffer. The
// frame is consumed only when it decodes.
func (r *Reader) candidate(deadline time.Time) (*Packet, error) {
	if err := r.need(headerSize, deadline); err != nil {
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(r.pending[1:3]))
	typ := r.pending[3]
	if _, ok := typeNames[typ]; !ok {
		return nil, fmt.Errorf("%w: unknown packet type %#02x", ErrFraming, typ)
	}
	if length < paritySize || length > maxFrameLength {
		return nil, fmt.Errorf("%w: implausible length %d", ErrFraming, length)
	}

	total := headerSize + length
	if err := r.need(total, deadline); err != nil {
		return nil, err
	}

	pkt, err := Unmarshal(r.pending[:total], r.from)
	if err != nil {
		return nil, err
	}
	r.advance(total)
	return pkt, nil
}

// need blocks until n bytes are buffered or the deadline passes.
func (r *Reader) need(n int, deadline time.Time) error {
	for len(r.pending) < n {
		if err := r.fill(deadline); err != nil {
			return err
		}
	}
	return nil
}

// fill performs one bounded read from the port.
func (r *Reader) fill(deadline time.Time) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimeout
	}
	if err := r.src.SetReadTimeout(remaining); err != nil {
		return fmt.Errorf("%w: set read timeout: %v", ErrPort, err)
	}
	n, err := r.src.Read(r.chunk)
	if n > 0 {
		r.pending = append(r.pending, r.chunk[:n]...)
	}
	if err != nil {
		return fmt.Errorf("%w: read: %v", ErrPort, err)
	}
	if n == 0 {
		return ErrTimeout
	}
	return nil
}

// consume drops n bytes of noise.
func (r *Reader) consume(n int) {
	r.discarded += uint64(n)
	r.advance(n)
}

func (r *Reader) advance(n int) {
	r.pending = append(r.pending[:0], r.pending[n:]...)
}
