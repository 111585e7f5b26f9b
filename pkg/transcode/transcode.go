// Package transcode runs one file conversion through a DV3000: it opens
// the input, creates the output, brings the vocoder up and pumps every
// unit across before tearing everything down again.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbehnke/ambetools/pkg/ambefile"
	"github.com/dbehnke/ambetools/pkg/config"
	"github.com/dbehnke/ambetools/pkg/database"
	"github.com/dbehnke/ambetools/pkg/dv3000"
	"github.com/dbehnke/ambetools/pkg/logger"
	"github.com/dbehnke/ambetools/pkg/metrics"
	"github.com/dbehnke/ambetools/pkg/pump"
	"github.com/dbehnke/ambetools/pkg/wav"
)

// ErrIncompatibleAudio reports a WAV input that is not 8 kHz mono 16-bit.
var ErrIncompatibleAudio = errors.New("transcode: input must be 8000 Hz mono 16-bit PCM")

// Direction selects which way a run converts
type Direction int

const (
	ToAMBE Direction = iota // wav2ambe
	ToWAV                   // ambe2wav
)

// String returns the pump direction name used in logs, metrics and history.
func (d Direction) String() string {
	if d == ToWAV {
		return pump.DirectionDecode
	}
	return pump.DirectionEncode
}

// Options describes one run.
type Options struct {
	Direction Direction
	Input     string
	Output    string
	Config    *config.Config

	// Opener opens the serial device; nil uses dv3000.OpenSerial.
	Opener dv3000.Opener
	Logger *logger.Logger
	// Metrics and History are optional.
	Metrics *metrics.Collector
	History *database.ConversionRepository
}

// Result summarises a run. Frames is valid even when Run fails.
type Result struct {
	Frames    int
	ProductID string
	Version   string
	Duration  time.Duration
}

// Run performs one conversion. Everything opened is closed on every path;
// output written before a failure is kept.
func Run(ctx context.Context, opts Options) (Result, error) {
	if opts.Config == nil {
		return Result{}, errors.New("transcode: no configuration")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	start := time.Now()
	res, err := run(ctx, opts)
	res.Duration = time.Since(start)

	record(opts, start, res, err)
	return res, err
}

func run(ctx context.Context, opts Options) (res Result, err error) {
	log := opts.Logger
	cfg := opts.Config

	sessionCfg, err := cfg.Session()
	if err != nil {
		return res, err
	}
	profile, err := dv3000.Resolve(sessionCfg.Mode, sessionCfg.FEC)
	if err != nil {
		return res, err
	}

	var (
		closeSource func() error
		closeSink   func() error
		convert     func(p *pump.Pump) (int, error)
	)

	switch opts.Direction {
	case ToAMBE:
		src, err := openAudio(opts.Input)
		if err != nil {
			return res, err
		}
		closeSource = src.Close
		defer closeQuietly(log, "input", closeSource)

		dst, err := ambefile.Create(opts.Output, cfg.Vocoder.Signature, profile.FrameSize())
		if err != nil {
			return res, err
		}
		closeSink = dst.Close
		convert = func(p *pump.Pump) (int, error) { return p.Encode(ctx, src, dst) }

	case ToWAV:
		src, err := ambefile.Open(opts.Input, cfg.Vocoder.Signature, profile.FrameSize())
		if err != nil {
			return res, err
		}
		closeSource = src.Close
		defer closeQuietly(log, "input", closeSource)

		dst, err := wav.Create(opts.Output, dv3000.SampleRate, 1)
		if err != nil {
			return res, err
		}
		closeSink = dst.Close
		convert = func(p *pump.Pump) (int, error) { return p.Decode(ctx, src, dst) }

	default:
		return res, fmt.Errorf("transcode: unknown direction %d", int(opts.Direction))
	}

	// A sink that fails to close has lost data, so its error counts.
	defer func() {
		if cerr := closeSink(); cerr != nil && err == nil {
			err = fmt.Errorf("close output %s: %w", opts.Output, cerr)
		}
	}()

	var sessionMetrics dv3000.Metrics
	var pumpMetrics pump.Metrics
	if opts.Metrics != nil {
		sessionMetrics = opts.Metrics
		pumpMetrics = opts.Metrics
	}

	session, err := dv3000.NewSession(sessionCfg, opts.Opener, log.WithComponent("dv3000"), sessionMetrics)
	if err != nil {
		return res, err
	}
	if err := session.Open(ctx); err != nil {
		return res, err
	}
	defer closeQuietly(log, "device", session.Close)

	res.ProductID = session.ProductID()
	res.Version = session.Version()

	log.Info("Converting",
		logger.String("direction", opts.Direction.String()),
		logger.String("mode", profile.Mode.String()),
		logger.Bool("fec", profile.FEC),
		logger.Int("bits", profile.Bits),
		logger.String("product", res.ProductID))

	p := &pump.Pump{
		Exchanger: session,
		Amplitude: cfg.Vocoder.Amplitude,
		Bits:      profile.Bits,
		Logger:    log.WithComponent("pump"),
		Metrics:   pumpMetrics,
	}
	res.Frames, err = convert(p)
	return res, err
}

// openAudio opens a WAV input and checks it matches the vocoder's PCM format.
func openAudio(path string) (*wav.Reader, error) {
	r, err := wav.Open(path, dv3000.SamplesPerBlock)
	if err != nil {
		return nil, err
	}
	if r.SampleRate() != dv3000.SampleRate || r.Channels() != 1 || r.BitsPerSample() != 16 {
		_ = r.Close()
		return nil, fmt.Errorf("%w: %s is %d Hz, %d channel(s), %d-bit",
			ErrIncompatibleAudio, path, r.SampleRate(), r.Channels(), r.BitsPerSample())
	}
	return r, nil
}

func closeQuietly(log *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		log.Warn("Close failed", logger.String("what", what), logger.Error(err))
	}
}

// record stores the outcome in the history database and the metrics. Neither
// can change the result of the run.
func record(opts Options, start time.Time, res Result, runErr error) {
	log := opts.Logger
	direction := opts.Direction.String()

	if opts.Metrics != nil {
		opts.Metrics.RunFinished(direction, runErr == nil, res.Duration)
		if path := opts.Config.Metrics.Textfile; path != "" {
			if err := opts.Metrics.WriteTextfile(path); err != nil {
				log.Warn("Failed to write metrics textfile", logger.String("path", path), logger.Error(err))
			}
		}
	}

	if opts.History != nil {
		mode := opts.Config.Vocoder.Mode
		if m, err := opts.Config.Mode(); err == nil {
			mode = m.String()
		}
		row := &database.Conversion{
			Direction: direction,
			Mode:      mode,
			FEC:       opts.Config.Vocoder.FEC,
			Input:     opts.Input,
			Output:    opts.Output,
			Frames:    res.Frames,
			ProductID: res.ProductID,
			Version:   res.Version,
			Duration:  res.Duration.Seconds(),
			Success:   runErr == nil,
			StartTime: start,
			EndTime:   start.Add(res.Duration),
		}
		if runErr != nil {
			row.Error = runErr.Error()
		}
		if err := opts.History.Create(row); err != nil {
			log.Warn("Failed to record conversion", logger.Error(err))
		}
	}
}
