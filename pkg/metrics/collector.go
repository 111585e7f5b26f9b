package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ambe"

// Collector records vocoder link and conversion metrics in its own
// Prometheus registry. It satisfies dv3000.Metrics and pump.Metrics.
type Collector struct {
	registry *prometheus.Registry

	// Link metrics
	packetsSent      *prometheus.CounterVec
	packetsReceived  *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	timeouts         prometheus.Counter
	retries          *prometheus.CounterVec
	resyncs          prometheus.Counter
	discardedBytes   prometheus.Counter
	deviceResets     prometheus.Counter
	exchangeDuration prometheus.Histogram

	// Conversion metrics
	frames      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
}

// NewCollector creates a collector with a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		packetsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets written to the vocoder, by packet type",
		}, []string{"type"}),
		packetsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Valid packets read from the vocoder, by packet type",
		}, []string{"type"}),
		bytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to the serial port",
		}),
		bytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes of valid packets read from the serial port",
		}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_timeouts_total",
			Help:      "Exchanges that saw no reply within the timeout",
		}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exchange_retries_total",
			Help:      "Exchanges resent after a recoverable error, by reason",
		}, []string{"reason"}),
		resyncs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resyncs_total",
			Help:      "Input buffer flushes after a corrupt or unexpected reply",
		}),
		discardedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discarded_bytes_total",
			Help:      "Bytes dropped while resynchronizing",
		}),
		deviceResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_resets_total",
			Help:      "Vocoder resets, requested or unsolicited",
		}),
		exchangeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "exchange_duration_seconds",
			Help:      "Time from request to converted reply",
			Buckets:   []float64{0.005, 0.01, 0.02, 0.03, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_converted_total",
			Help:      "Units converted by the vocoder, by direction",
		}, []string{"direction"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed conversion runs, by direction and result",
		}, []string{"direction", "result"}),
		runDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a conversion run",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// PacketSent records a packet written to the device
func (c *Collector) PacketSent(packetType string, bytes int) {
	c.packetsSent.WithLabelValues(packetType).Inc()
	c.bytesSent.Add(float64(bytes))
}

// PacketReceived records a valid packet read from the device
func (c *Collector) PacketReceived(packetType string, bytes int) {
	c.packetsReceived.WithLabelValues(packetType).Inc()
	c.bytesReceived.Add(float64(bytes))
}

// ExchangeTimeout records a missing reply
func (c *Collector) ExchangeTimeout() {
	c.timeouts.Inc()
}

// ExchangeRetried records a resend
func (c *Collector) ExchangeRetried(reason string) {
	c.retries.WithLabelValues(reason).Inc()
}

// Resynced records an input flush and the bytes it threw away
func (c *Collector) Resynced(discarded uint64) {
	c.resyncs.Inc()
	c.discardedBytes.Add(float64(discarded))
}

// DeviceReset records a vocoder reset
func (c *Collector) DeviceReset() {
	c.deviceResets.Inc()
}

// ExchangeCompleted records the latency of a successful exchange
func (c *Collector) ExchangeCompleted(d time.Duration) {
	c.exchangeDuration.Observe(d.Seconds())
}

// FrameConverted records one converted unit
func (c *Collector) FrameConverted(direction string) {
	c.frames.WithLabelValues(direction).Inc()
}

// RunFinished records the outcome of a conversion run
func (c *Collector) RunFinished(direction string, success bool, d time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.runs.WithLabelValues(direction, result).Inc()
	c.runDuration.Observe(d.Seconds())
}

// WriteTextfile writes the registry in the text exposition format, for
// node_exporter's textfile collector. The file is replaced atomically.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}
