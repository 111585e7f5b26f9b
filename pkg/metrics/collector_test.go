package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dbehnke/ambetools/pkg/dv3000"
	"github.com/dbehnke/ambetools/pkg/pump"
)

// Compile-time checks that the collector plugs into the session and pump.
var (
	_ dv3000.Metrics = (*Collector)(nil)
	_ pump.Metrics   = (*Collector)(nil)
)

// TestNewCollector tests creating a new metrics collector
func TestNewCollector(t *testing.T) {
	collector := NewCollector()
	if collector == nil {
		t.Fatal("Expected non-nil collector")
	}
	if collector.Registry() == nil {
		t.Fatal("Expected non-nil registry")
	}
}

// TestCollector_PacketMetrics tests packet and byte counters
func TestCollector_PacketMetrics(t *testing.T) {
	c := NewCollector()

	c.PacketSent("speech", 328)
	c.PacketSent("speech", 328)
	c.PacketSent("control", 7)
	c.PacketReceived("channel", 17)

	if got := testutil.ToFloat64(c.packetsSent.WithLabelValues("speech")); got != 2 {
		t.Errorf("Expected 2 speech packets sent, got %v", got)
	}
	if got := testutil.ToFloat64(c.packetsSent.WithLabelValues("control")); got != 1 {
		t.Errorf("Expected 1 control packet sent, got %v", got)
	}
	if got := testutil.ToFloat64(c.bytesSent); got != 663 {
		t.Errorf("Expected 663 bytes sent, got %v", got)
	}
	if got := testutil.ToFloat64(c.bytesReceived); got != 17 {
		t.Errorf("Expected 17 bytes received, got %v", got)
	}
}

// TestCollector_LinkErrors tests timeout, retry and resync counters
func TestCollector_LinkErrors(t *testing.T) {
	c := NewCollector()

	c.ExchangeTimeout()
	c.ExchangeRetried("timeout")
	c.ExchangeRetried("checksum")
	c.Resynced(12)
	c.Resynced(3)
	c.DeviceReset()

	if got := testutil.ToFloat64(c.timeouts); got != 1 {
		t.Errorf("Expected 1 timeout, got %v", got)
	}
	if got := testutil.ToFloat64(c.retries.WithLabelValues("checksum")); got != 1 {
		t.Errorf("Expected 1 checksum retry, got %v", got)
	}
	if got := testutil.ToFloat64(c.resyncs); got != 2 {
		t.Errorf("Expected 2 resyncs, got %v", got)
	}
	if got := testutil.ToFloat64(c.discardedBytes); got != 15 {
		t.Errorf("Expected 15 discarded bytes, got %v", got)
	}
	if got := testutil.ToFloat64(c.deviceResets); got != 1 {
		t.Errorf("Expected 1 device reset, got %v", got)
	}
}

// TestCollector_Conversion tests frame and run counters
func TestCollector_Conversion(t *testing.T) {
	c := NewCollector()

	c.FrameConverted(pump.DirectionEncode)
	c.FrameConverted(pump.DirectionEncode)
	c.ExchangeCompleted(15 * time.Millisecond)
	c.RunFinished(pump.DirectionEncode, true, 2*time.Second)
	c.RunFinished(pump.DirectionDecode, false, time.Second)

	if got := testutil.ToFloat64(c.frames.WithLabelValues(pump.DirectionEncode)); got != 2 {
		t.Errorf("Expected 2 encoded frames, got %v", got)
	}
	if got := testutil.ToFloat64(c.runs.WithLabelValues(pump.DirectionDecode, "failure")); got != 1 {
		t.Errorf("Expected 1 failed decode run, got %v", got)
	}
	if got := testutil.CollectAndCount(c.exchangeDuration); got != 1 {
		t.Errorf("Expected exchange histogram to be collected, got %d series", got)
	}
}

// TestCollector_WriteTextfile tests exporting to a textfile
func TestCollector_WriteTextfile(t *testing.T) {
	c := NewCollector()
	c.FrameConverted(pump.DirectionDecode)

	path := filepath.Join(t.TempDir(), "ambe.prom")
	if err := c.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !strings.Contains(string(data), `ambe_frames_converted_total{direction="decode"} 1`) {
		t.Errorf("Textfile missing frame counter:\n%s", data)
	}
}

// TestCollector_WriteTextfile_BadPath tests the error path
func TestCollector_WriteTextfile_BadPath(t *testing.T) {
	c := NewCollector()
	if err := c.WriteTextfile(filepath.Join(t.TempDir(), "missing", "ambe.prom")); err == nil {
		t.Error("Expected error for a missing directory")
	}
}
