package dv3000

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbehnke/ambetools/pkg/logger"
)

// Default timeouts
const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultResetTimeout = 2 * time.Second
)

// Config holds the settings for one Session. It is read-only once the
// session has been created.
type Config struct {
	Mode         Mode
	FEC          bool
	Reset        bool
	Port         string
	Speed        int
	Timeout      time.Duration // per request/response wait
	ResetTimeout time.Duration // wait for READY after RESET
}

// DefaultConfig returns the settings the command line tools start from.
func DefaultConfig() Config {
	return Config{
		Mode:         ModeDStar,
		FEC:          true,
		Port:         DefaultPort,
		Speed:        DefaultSpeed,
		Timeout:      DefaultTimeout,
		ResetTimeout: DefaultResetTimeout,
	}
}

// Metrics receives session events. pkg/metrics.Collector implements it.
type Metrics interface {
	PacketSent(packetType string, bytes int)
	PacketReceived(packetType string, bytes int)
	ExchangeTimeout()
	ExchangeRetried(reason string)
	Resynced(discarded uint64)
	DeviceReset()
	ExchangeCompleted(d time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) PacketSent(string, int)          {}
func (nopMetrics) PacketReceived(string, int)      {}
func (nopMetrics) ExchangeTimeout()                {}
func (nopMetrics) ExchangeRetried(string)          {}
func (nopMetrics) Resynced(uint64)                 {}
func (nopMetrics) DeviceReset()                    {}
func (nopMetrics) ExchangeCompleted(time.Duration) {}

// Session drives one DV3000 device through open, configuration, streaming
// and close. It owns the serial port exclusively and is not safe for
// concurrent use: the device protocol is strictly one request, one reply.
type Session struct {
	cfg     Config
	profile Profile
	opener  Opener
	log     *logger.Logger
	metrics Metrics

	state     State
	port      Port
	reader    *Reader
	productID string
	version   string
	lastErr   error
}

// NewSession validates the mode/FEC pair and prepares a session. No I/O
// happens until Open. A nil opener uses OpenSerial; nil log and metrics are
// replaced by no-ops.
func NewSession(cfg Config, opener Opener, log *logger.Logger, m Metrics) (*Session, error) {
	profile, err := Resolve(cfg.Mode, cfg.FEC)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultResetTimeout
	}
	if opener == nil {
		opener = OpenSerial
	}
	if log == nil {
		log = logger.Nop()
	}
	if m == nil {
		m = nopMetrics{}
	}

	return &Session{
		cfg:     cfg,
		profile: profile,
		opener:  opener,
		log:     log,
		metrics: m,
		state:   StateClosed,
	}, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state
}

// Profile returns the resolved mode/FEC profile.
func (s *Session) Profile() Profile {
	return s.profile
}

// ProductID returns the product string reported by the device.
func (s *Session) ProductID() string {
	return s.productID
}

// Version returns the version string reported by the device.
func (s *Session) Version() string {
	return s.version
}

// Err returns the error that faulted the session, if any.
func (s *Session) Err() error {
	return s.lastErr
}

func (s *Session) transition(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: cannot move from %s to %s", ErrInvalidState, s.state, to)
	}
	s.log.Debug("State change", logger.String("from", s.state.String()), logger.String("to", to.String()))
	s.state = to
	return nil
}

func (s *Session) fault(err error) {
	s.lastErr = err
	if CanTransition(s.state, StateFaulted) {
		s.state = StateFaulted
	}
}

// Open opens the serial port and runs the handshake: optional reset,
// product and version query, then the mode configuration. On any failure
// the port is closed before Open returns and the session is Faulted.
func (s *Session) Open(ctx context.Context) (err error) {
	if err := s.transition(StateOpening); err != nil {
		return err
	}

	defer func() {
		if err != nil {
			s.fault(err)
			s.closePort()
		}
	}()

	s.log.Info("Opening vocoder",
		logger.String("port", s.cfg.Port),
		logger.Int("speed", s.cfg.Speed),
		logger.String("mode", s.profile.Mode.String()),
		logger.Bool("fec", s.profile.FEC))

	port, err := s.opener(s.cfg.Port, s.cfg.Speed)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPort, err)
	}
	s.port = port
	s.reader = NewReader(port, FromDevice)

	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("%w: flush input: %v", ErrPort, err)
	}

	if s.cfg.Reset {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.transition(StateResetting); err != nil {
			return err
		}
		if err := s.reset(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.transition(StateConfiguring); err != nil {
		return err
	}
	if err := s.identify(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.configure(); err != nil {
		return err
	}

	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.log.Info("Vocoder ready",
		logger.String("product", s.productID),
		logger.String("version", s.version),
		logger.Int("frame_bits", s.profile.Bits))
	return nil
}

// reset sends RESET and waits for READY. Noise before READY is expected
// while the device reboots and is skipped.
func (s *Session) reset() error {
	if err := s.send(ControlPacket(Field{ID: FieldReset})); err != nil {
		return err
	}
	s.metrics.DeviceReset()

	deadline := time.Now().Add(s.cfg.ResetTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("%w: no READY within %s", ErrDeviceNotResponding, s.cfg.ResetTimeout)
		}

		pkt, err := s.reader.ReadPacket(remaining)
		switch {
		case err == nil && pkt.IsReady():
			s.observe(pkt)
			s.log.Info("Vocoder reset complete")
			return nil
		case err == nil:
			s.log.Debug("Ignoring packet while waiting for READY", logger.String("packet", pkt.String()))
		case errors.Is(err, ErrTimeout):
			return fmt.Errorf("%w: no READY within %s", ErrDeviceNotResponding, s.cfg.ResetTimeout)
		case errors.Is(err, ErrPort):
			return err
		default:
			s.log.Debug("Ignoring noise while waiting for READY", logger.Error(err))
		}
	}
}

// identify asks the device for its product and version strings.
func (s *Session) identify() error {
	prod, err := s.query(FieldProdID)
	if err != nil {
		return err
	}
	ver, err := s.query(FieldVerString)
	if err != nil {
		return err
	}
	s.productID = prod
	s.version = ver
	return nil
}

func (s *Session) query(id byte) (string, error) {
	resp, err := s.request(ControlPacket(Field{ID: id}))
	if err != nil {
		return "", err
	}
	f, ok := resp.Field(id)
	if !ok {
		return "", fmt.Errorf("%w: %s reply missing from %s", ErrConfigurationRejected, fieldName(TypeControl, id), resp)
	}
	return string(bytes.TrimRight(f.Payload, "\x00")), nil
}

// configure sends the profile packets one at a time; each must be answered
// with its own field id and a zero status byte.
func (s *Session) configure() error {
	for _, pkt := range s.profile.Packets {
		id := pkt.Fields[0].ID
		resp, err := s.request(pkt)
		if err != nil {
			return err
		}
		f, ok := resp.Field(id)
		if !ok {
			return fmt.Errorf("%w: %s reply missing from %s", ErrConfigurationRejected, fieldName(TypeControl, id), resp)
		}
		if len(f.Payload) != 1 || f.Payload[0] != 0x00 {
			return fmt.Errorf("%w: %s NAK, status % x", ErrConfigurationRejected, fieldName(TypeControl, id), f.Payload)
		}
		s.log.Debug("Configuration accepted", logger.String("field", fieldName(TypeControl, id)))
	}
	return nil
}

// request performs one control round trip without retry.
func (s *Session) request(req *Packet) (*Packet, error) {
	if err := s.send(req); err != nil {
		return nil, err
	}
	resp, err := s.reader.ReadPacket(s.cfg.Timeout)
	if err != nil {
		if errors.Is(err, ErrPort) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigurationRejected, req, err)
	}
	s.observe(resp)
	if resp.Type != TypeControl {
		return nil, fmt.Errorf("%w: expected control reply to %s, got %s", ErrConfigurationRejected, req, resp)
	}
	return resp, nil
}

// Exchange sends one speech or channel packet and returns the device's
// converted reply of the opposite kind. A timeout is retried once with the
// same packet; a checksum or framing failure resynchronizes the stream and
// is retried once; an unexpected READY means the device reset itself, so
// the configuration is replayed before the retry. Failure after the retry
// is ErrLinkStalled and faults the session.
func (s *Session) Exchange(req *Packet) (*Packet, error) {
	var want byte
	switch req.Type {
	case TypeSpeech:
		want = TypeChannel
	case TypeChannel:
		want = TypeSpeech
	default:
		return nil, fmt.Errorf("%w: cannot stream %s packets", ErrInvalidState, typeName(req.Type))
	}

	if err := s.transition(StateStreaming); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.exchange(req, want)
	if err != nil {
		s.fault(err)
		return nil, err
	}
	s.metrics.ExchangeCompleted(time.Since(start))

	if err := s.transition(StateReady); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Session) exchange(req *Packet, want byte) (*Packet, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			s.metrics.ExchangeRetried(retryReason(lastErr))
			s.log.Warn("Retrying exchange", logger.String("packet", req.String()), logger.Error(lastErr))
		}

		// A reply that missed its deadline may still land; it must not be
		// read as the answer to this send.
		s.drain()
		if err := s.send(req); err != nil {
			return nil, err
		}

		resp, err := s.reader.ReadPacket(s.cfg.Timeout)
		switch {
		case err == nil && resp.Type == want:
			s.observe(resp)
			return resp, nil

		case err == nil && resp.IsReady():
			s.observe(resp)
			s.metrics.DeviceReset()
			s.log.Warn("Vocoder reset during streaming, reconfiguring")
			if err := s.configure(); err != nil {
				return nil, err
			}
			lastErr = errDeviceReset

		case err == nil:
			s.observe(resp)
			lastErr = fmt.Errorf("%w: expected %s reply, got %s", ErrFraming, typeName(want), resp)
			s.resync()

		case errors.Is(err, ErrTimeout):
			s.metrics.ExchangeTimeout()
			lastErr = err

		case errors.Is(err, ErrChecksum), errors.Is(err, ErrFraming):
			lastErr = err
			s.resync()

		default:
			return nil, err
		}
	}

	if errors.Is(lastErr, ErrTimeout) {
		return nil, fmt.Errorf("%w: two consecutive timeouts", ErrLinkStalled)
	}
	return nil, fmt.Errorf("%w: %w", ErrLinkStalled, lastErr)
}

var errDeviceReset = errors.New("dv3000: device reset during streaming")

func retryReason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrChecksum):
		return "checksum"
	case errors.Is(err, errDeviceReset):
		return "reset"
	default:
		return "framing"
	}
}

// resync drops everything buffered so the next read starts on fresh bytes.
func (s *Session) resync() {
	before := s.reader.Discarded()
	s.drain()
	s.metrics.Resynced(s.reader.Discarded() - before)
}

// drain empties both the reader's buffer and the port's input queue.
func (s *Session) drain() {
	s.reader.Discard()
	if err := s.port.ResetInputBuffer(); err != nil {
		s.log.Warn("Failed to flush serial input", logger.Error(err))
	}
}

func (s *Session) send(p *Packet) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if s.log.Enabled(logger.DebugLevel) {
		s.log.Debug("TX", logger.String("packet", p.String()), logger.Hex("data", data))
	}
	if _, err := s.port.Write(data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrPort, err)
	}
	s.metrics.PacketSent(typeName(p.Type), len(data))
	return nil
}

func (s *Session) observe(p *Packet) {
	if s.log.Enabled(logger.DebugLevel) {
		s.log.Debug("RX", logger.String("packet", p.String()))
	}
	s.metrics.PacketReceived(typeName(p.Type), p.Size())
}

// Close releases the serial port. It is safe to call in any state and more
// than once.
func (s *Session) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosing
	err := s.closePort()
	s.state = StateClosed
	s.log.Info("Vocoder closed")
	return err
}

func (s *Session) closePort() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrPort, err)
	}
	return nil
}
