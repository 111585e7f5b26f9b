package pump

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dbehnke/ambetools/pkg/dv3000"
	"github.com/dbehnke/ambetools/pkg/logger"
)

// Directions reported to Metrics
const (
	DirectionEncode = "encode"
	DirectionDecode = "decode"
)

// Exchanger submits one packet to the vocoder and returns its reply.
// *dv3000.Session implements it.
type Exchanger interface {
	Exchange(req *dv3000.Packet) (*dv3000.Packet, error)
}

// AudioSource yields PCM blocks until it returns io.EOF.
type AudioSource interface {
	ReadBlock() ([]int16, error)
}

// AudioSink accepts PCM blocks.
type AudioSink interface {
	WriteBlock(samples []int16) error
}

// VoiceSource yields encoded voice frames until it returns io.EOF.
type VoiceSource interface {
	ReadFrame() ([]byte, error)
}

// VoiceSink accepts encoded voice frames.
type VoiceSink interface {
	WriteFrame(frame []byte) error
}

// Metrics counts converted units.
type Metrics interface {
	FrameConverted(direction string)
}

// Pump moves units from a source through the vocoder into a sink, one
// request and one reply at a time. It never closes its source or sink.
type Pump struct {
	Exchanger Exchanger
	// Amplitude scales PCM on the audio side: the input when encoding, the
	// output when decoding. Zero means 1.0.
	Amplitude float64
	// Bits is the expected voice frame size. Zero accepts any size.
	Bits    int
	Logger  *logger.Logger
	Metrics Metrics
}

// Encode converts audio blocks to voice frames. It returns the number of
// frames written. Exhausting the source is success; cancellation is
// checked once per frame and returns ctx.Err().
func (p *Pump) Encode(ctx context.Context, src AudioSource, dst VoiceSink) (int, error) {
	log := p.logger()
	frames := 0

	for {
		if err := ctx.Err(); err != nil {
			log.Info("Encode cancelled", logger.Int("frames", frames))
			return frames, err
		}

		block, err := src.ReadBlock()
		if errors.Is(err, io.EOF) {
			log.Info("Encode complete", logger.Int("frames", frames))
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("read audio block %d: %w", frames+1, err)
		}

		req, err := dv3000.SpeechPacket(Scale(block, p.amplitude()))
		if err != nil {
			return frames, fmt.Errorf("audio block %d: %w", frames+1, err)
		}

		resp, err := p.Exchanger.Exchange(req)
		if err != nil {
			return frames, fmt.Errorf("frame %d: %w", frames+1, err)
		}

		bits, data, err := resp.Channel()
		if err != nil {
			return frames, fmt.Errorf("frame %d: %w", frames+1, err)
		}
		if p.Bits != 0 && bits != p.Bits {
			return frames, fmt.Errorf("frame %d: %w: device produced %d bits, expected %d", frames+1, dv3000.ErrFraming, bits, p.Bits)
		}

		if err := dst.WriteFrame(data); err != nil {
			return frames, fmt.Errorf("write frame %d: %w", frames+1, err)
		}

		frames++
		p.converted(DirectionEncode)
		log.Debug("Frame encoded", logger.Int("frame", frames), logger.Int("bits", bits))
	}
}

// Decode converts voice frames to audio blocks. It returns the number of
// blocks written.
func (p *Pump) Decode(ctx context.Context, src VoiceSource, dst AudioSink) (int, error) {
	log := p.logger()
	if p.Bits <= 0 {
		return 0, fmt.Errorf("decode needs the frame size in bits, got %d", p.Bits)
	}
	blocks := 0

	for {
		if err := ctx.Err(); err != nil {
			log.Info("Decode cancelled", logger.Int("blocks", blocks))
			return blocks, err
		}

		frame, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			log.Info("Decode complete", logger.Int("blocks", blocks))
			return blocks, nil
		}
		if err != nil {
			return blocks, fmt.Errorf("read frame %d: %w", blocks+1, err)
		}

		req, err := dv3000.ChannelPacket(p.Bits, frame)
		if err != nil {
			return blocks, fmt.Errorf("frame %d: %w", blocks+1, err)
		}

		resp, err := p.Exchanger.Exchange(req)
		if err != nil {
			return blocks, fmt.Errorf("frame %d: %w", blocks+1, err)
		}

		samples, err := resp.Speech()
		if err != nil {
			return blocks, fmt.Errorf("frame %d: %w", blocks+1, err)
		}

		if err := dst.WriteBlock(Scale(samples, p.amplitude())); err != nil {
			return blocks, fmt.Errorf("write audio block %d: %w", blocks+1, err)
		}

		blocks++
		p.converted(DirectionDecode)
		log.Debug("Frame decoded", logger.Int("frame", blocks), logger.Int("samples", len(samples)))
	}
}

func (p *Pump) amplitude() float64 {
	if p.Amplitude == 0 {
		return 1.0
	}
	return p.Amplitude
}

func (p *Pump) logger() *logger.Logger {
	if p.Logger == nil {
		return logger.Nop()
	}
	return p.Logger
}

func (p *Pump) converted(direction string) {
	if p.Metrics != nil {
		p.Metrics.FrameConverted(direction)
	}
}
