// Package cli is the shared body of the wav2ambe and ambe2wav commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/pflag"

	"github.com/dbehnke/ambetools/pkg/config"
	"github.com/dbehnke/ambetools/pkg/database"
	"github.com/dbehnke/ambetools/pkg/dv3000"
	"github.com/dbehnke/ambetools/pkg/logger"
	"github.com/dbehnke/ambetools/pkg/metrics"
	"github.com/dbehnke/ambetools/pkg/transcode"
)

// Exit codes
const (
	ExitOK      = 0
	ExitFailure = 1
)

// App is one command line program.
type App struct {
	Name      string
	Direction transcode.Direction
	Version   string
	GitCommit string
	BuildTime string

	// Opener opens the serial device; nil uses dv3000.OpenSerial.
	Opener dv3000.Opener
	Stdout io.Writer
	Stderr io.Writer
}

// Run parses args, converts the input file and returns the exit code.
// Cancelling ctx stops the conversion between frames.
func (a *App) Run(ctx context.Context, args []string) int {
	stdout, stderr := a.Stdout, a.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	flags := config.Flags(a.Name)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "Usage: %s [options] <input> <output>\n\nOptions:\n", a.Name)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintf(stderr, "%s: %v\n", a.Name, err)
		flags.Usage()
		return ExitFailure
	}

	if v, _ := flags.GetBool("version"); v {
		fmt.Fprintf(stdout, "%s %s\n", a.Name, a.Version)
		fmt.Fprintf(stdout, "Git Commit: %s\n", a.GitCommit)
		fmt.Fprintf(stdout, "Built: %s\n", a.BuildTime)
		return ExitOK
	}

	if list, _ := flags.GetBool("list-ports"); list {
		ports, err := dv3000.ListPorts()
		if err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", a.Name, err)
			return ExitFailure
		}
		for _, p := range ports {
			fmt.Fprintln(stdout, p)
		}
		return ExitOK
	}

	if flags.NArg() != 2 {
		flags.Usage()
		return ExitFailure
	}
	input, output := flags.Arg(0), flags.Arg(1)

	// Startup logger until the configured one exists
	log := logger.New(logger.Config{Level: "info", Format: "text", Output: stderr})

	if err := config.BindFlags(flags); err != nil {
		log.Error("Failed to bind flags", logger.Error(err))
		return ExitFailure
	}
	configFile, _ := flags.GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Error("Failed to load configuration", logger.Error(err))
		return ExitFailure
	}

	log, closeLog, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", a.Name, err)
		return ExitFailure
	}
	defer closeLog()

	log.Debug("Configuration loaded",
		logger.String("config_file", config.ConfigFileUsed()),
		logger.String("version", a.Version))

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		if cfg.Metrics.Prometheus.Enabled {
			server := metrics.NewPrometheusServer(
				metrics.PrometheusConfig{
					Enabled: cfg.Metrics.Prometheus.Enabled,
					Port:    cfg.Metrics.Prometheus.Port,
					Path:    cfg.Metrics.Prometheus.Path,
				},
				collector,
				log,
			)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error("Prometheus metrics server error", logger.Error(err))
				}
			}()
		}
	}

	var history *database.ConversionRepository
	if cfg.History.Enabled {
		db, err := database.NewDB(database.Config{Path: cfg.History.Path}, log.WithComponent("database"))
		if err != nil {
			log.Error("Failed to open history database", logger.Error(err))
			return ExitFailure
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Error("Failed to close history database", logger.Error(err))
			}
		}()
		history = db.Conversions()
	}

	res, err := transcode.Run(ctx, transcode.Options{
		Direction: a.Direction,
		Input:     input,
		Output:    output,
		Config:    cfg,
		Opener:    a.Opener,
		Logger:    log,
		Metrics:   collector,
		History:   history,
	})
	if err != nil {
		log.Error("Conversion failed",
			logger.String("input", input),
			logger.Int("frames", res.Frames),
			logger.Error(err))
		return ExitFailure
	}

	log.Info("Conversion complete",
		logger.String("input", input),
		logger.String("output", output),
		logger.Int("frames", res.Frames),
		logger.Duration("elapsed", res.Duration))
	return ExitOK
}

// newLogger builds the configured logger. A log file is appended to.
func newLogger(cfg config.LoggingConfig, stderr io.Writer) (*logger.Logger, func(), error) {
	out := stderr
	closeFn := func() {}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		closeFn = func() { _ = f.Close() }
	}
	log := logger.New(logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: out,
	})
	return log, closeFn, nil
}
