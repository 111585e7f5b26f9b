package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dbehnke/ambetools/pkg/config"
	"github.com/dbehnke/ambetools/pkg/dv3000"
	"github.com/dbehnke/ambetools/pkg/logger"
	"github.com/dbehnke/ambetools/pkg/wav"
)

// Suite bundles what a conversion test needs: a scratch directory, a
// logger, a bounded context and a device to talk to.
type Suite struct {
	T      *testing.T
	Dir    string
	Logger *logger.Logger
	Ctx    context.Context
	Cancel context.CancelFunc
	Device *FakeDevice
}

// NewSuite creates a suite with a well-behaved FakeDevice. Everything is
// released when the test ends.
func NewSuite(t *testing.T) *Suite {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	level := "error"
	if testing.Verbose() {
		level = "debug"
	}

	return &Suite{
		T:      t,
		Dir:    t.TempDir(),
		Logger: logger.New(logger.Config{Level: level, Format: "text"}),
		Ctx:    ctx,
		Cancel: cancel,
		Device: NewFakeDevice(),
	}
}

// Opener hands the suite's device to a session.
func (s *Suite) Opener() dv3000.Opener {
	return func(string, int) (dv3000.Port, error) {
		return s.Device.Port(), nil
	}
}

// Path returns name inside the scratch directory.
func (s *Suite) Path(name string) string {
	return filepath.Join(s.Dir, name)
}

// Config returns a valid configuration for mode with short device waits.
func (s *Suite) Config(mode string, fec bool) *config.Config {
	return &config.Config{
		Device: config.DeviceConfig{
			Port:         "/dev/ttyTEST",
			Speed:        dv3000.DefaultSpeed,
			Timeout:      20 * time.Millisecond,
			ResetTimeout: 50 * time.Millisecond,
		},
		Vocoder: config.VocoderConfig{Mode: mode, FEC: fec, Amplitude: 1},
		Logging: config.LoggingConfig{Level: "error", Format: "text"},
	}
}

// WriteWAV writes samples as a mono 16-bit WAV at rate and returns its path.
func (s *Suite) WriteWAV(name string, rate int, samples []int16) string {
	s.T.Helper()
	path := s.Path(name)
	w, err := wav.Create(path, rate, 1)
	if err != nil {
		s.T.Fatalf("create %s: %v", name, err)
	}
	if len(samples) > 0 {
		if err := w.WriteBlock(samples); err != nil {
			s.T.Fatalf("write %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		s.T.Fatalf("close %s: %v", name, err)
	}
	return path
}

// WriteFile writes raw bytes into the scratch directory.
func (s *Suite) WriteFile(name string, data []byte) string {
	s.T.Helper()
	path := s.Path(name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.T.Fatalf("write %s: %v", name, err)
	}
	return path
}

// Blocks returns n vocoder blocks where block i holds the value i+1.
func Blocks(n int) []int16 {
	out := make([]int16, 0, n*dv3000.SamplesPerBlock)
	for i := 0; i < n; i++ {
		for j := 0; j < dv3000.SamplesPerBlock; j++ {
			out = append(out, int16(i+1))
		}
	}
	return out
}

// WaitFor waits for a condition to be true
func (s *Suite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}
