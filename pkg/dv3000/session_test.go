package dv3000_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dbehnke/ambetools/internal/testhelpers"
	"github.com/dbehnke/ambetools/pkg/dv3000"
)

func newTestSession(t *testing.T, dev *testhelpers.FakeDevice, mode dv3000.Mode, fec, reset bool) (*dv3000.Session, *testhelpers.MockPort) {
	t.Helper()

	port := dev.Port()
	opener := func(name string, speed int) (dv3000.Port, error) {
		return port, nil
	}

	cfg := dv3000.DefaultConfig()
	cfg.Mode = mode
	cfg.FEC = fec
	cfg.Reset = reset
	cfg.Timeout = 20 * time.Millisecond
	cfg.ResetTimeout = 50 * time.Millisecond

	s, err := dv3000.NewSession(cfg, opener, nil, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s, port
}

func openSession(t *testing.T, dev *testhelpers.FakeDevice, mode dv3000.Mode, fec bool) (*dv3000.Session, *testhelpers.MockPort) {
	t.Helper()
	s, port := newTestSession(t, dev, mode, fec, false)
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s, port
}

func speechBlock(value int16) *dv3000.Packet {
	samples := make([]int16, dv3000.SamplesPerBlock)
	for i := range samples {
		samples[i] = value
	}
	pkt, _ := dv3000.SpeechPacket(samples)
	return pkt
}

func TestSession_OpenHandshake(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Bits = 49
	s, port := openSession(t, dev, dv3000.ModeDMR, false)
	defer func() { _ = s.Close() }()

	if s.State() != dv3000.StateReady {
		t.Errorf("Expected ready, got %s", s.State())
	}
	if s.ProductID() != "AMBE3000R" {
		t.Errorf("Expected product AMBE3000R, got %q", s.ProductID())
	}
	if s.Version() != dev.Version {
		t.Errorf("Expected version %q, got %q", dev.Version, s.Version())
	}
	if s.Profile().Bits != 49 {
		t.Errorf("Expected 49-bit profile, got %d", s.Profile().Bits)
	}

	wantOrder := []byte{dv3000.FieldProdID, dv3000.FieldVerString, dv3000.FieldChanFmt, dv3000.FieldRateP}
	received := dev.Received()
	if len(received) != len(wantOrder) {
		t.Fatalf("Expected %d requests, got %d", len(wantOrder), len(received))
	}
	for i, id := range wantOrder {
		if _, ok := received[i].Field(id); !ok {
			t.Errorf("Request %d: expected field %#02x, got %s", i, id, received[i])
		}
	}
	if port.Flushes() == 0 {
		t.Error("Expected the input buffer to be flushed on open")
	}
}

func TestSession_OpenWithReset(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.ResetNoise = []byte{0x00, 0xFF, 0x61}
	s, _ := newTestSession(t, dev, dv3000.ModeDStar, true, true)
	defer func() { _ = s.Close() }()

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if dev.Resets() != 1 {
		t.Errorf("Expected 1 reset, got %d", dev.Resets())
	}
	if _, ok := dev.Received()[0].Field(dv3000.FieldReset); !ok {
		t.Errorf("Expected RESET to be sent first, got %s", dev.Received()[0])
	}
}

func TestSession_ResetTimeout(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.IgnoreReset = true
	s, port := newTestSession(t, dev, dv3000.ModeDStar, true, true)

	err := s.Open(context.Background())
	if !errors.Is(err, dv3000.ErrDeviceNotResponding) {
		t.Fatalf("Expected ErrDeviceNotResponding, got %v", err)
	}
	if s.State() != dv3000.StateFaulted {
		t.Errorf("Expected faulted, got %s", s.State())
	}
	if !port.Closed() {
		t.Error("Expected port to be closed after a failed open")
	}
	if !errors.Is(s.Err(), dv3000.ErrDeviceNotResponding) {
		t.Errorf("Expected Err() to report the failure, got %v", s.Err())
	}
}

func TestSession_ConfigurationRejected(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Reject[dv3000.FieldRateP] = true
	s, port := newTestSession(t, dev, dv3000.ModeDMR, true, false)

	err := s.Open(context.Background())
	if !errors.Is(err, dv3000.ErrConfigurationRejected) {
		t.Fatalf("Expected ErrConfigurationRejected, got %v", err)
	}
	if !dv3000.IsFatal(err) {
		t.Error("Configuration rejection must be fatal")
	}
	if !port.Closed() {
		t.Error("Expected port to be closed after a failed open")
	}
	if s.State() != dv3000.StateFaulted {
		t.Errorf("Expected faulted, got %s", s.State())
	}
}

func TestSession_OpenPortFailure(t *testing.T) {
	cfg := dv3000.DefaultConfig()
	opener := func(name string, speed int) (dv3000.Port, error) {
		return nil, errors.New("no such device")
	}
	s, err := dv3000.NewSession(cfg, opener, nil, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if err := s.Open(context.Background()); !errors.Is(err, dv3000.ErrPort) {
		t.Fatalf("Expected ErrPort, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close after failed open returned %v", err)
	}
	if s.State() != dv3000.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSession_OpenCanceled(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, port := newTestSession(t, dev, dv3000.ModeDMR, true, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := s.Open(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if !port.Closed() {
		t.Error("Expected port to be closed")
	}
}

func TestSession_OpenTwice(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	if err := s.Open(context.Background()); !errors.Is(err, dv3000.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestNewSession_Unsupported(t *testing.T) {
	cfg := dv3000.DefaultConfig()
	cfg.Mode = dv3000.ModeYSF
	cfg.FEC = false
	if _, err := dv3000.NewSession(cfg, nil, nil, nil); !errors.Is(err, dv3000.ErrUnsupportedCombination) {
		t.Errorf("Expected ErrUnsupportedCombination, got %v", err)
	}
}

func TestSession_ExchangeBeforeOpen(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, _ := newTestSession(t, dev, dv3000.ModeDMR, true, false)

	if _, err := s.Exchange(speechBlock(1)); !errors.Is(err, dv3000.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if dev.Streamed() != 0 {
		t.Errorf("Expected nothing sent, device saw %d packets", dev.Streamed())
	}
}

func TestSession_ExchangeRejectsControl(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	if _, err := s.Exchange(dv3000.ControlPacket(dv3000.Field{ID: dv3000.FieldProdID})); !errors.Is(err, dv3000.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
	if s.State() != dv3000.StateReady {
		t.Errorf("Expected session to stay ready, got %s", s.State())
	}
}

func TestSession_ExchangeEncode(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, _ := openSession(t, dev, dv3000.ModeDStar, true)
	defer func() { _ = s.Close() }()

	resp, err := s.Exchange(speechBlock(5))
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	bits, data, err := resp.Channel()
	if err != nil {
		t.Fatalf("Expected channel reply: %v", err)
	}
	if bits != 72 {
		t.Errorf("Expected 72 bits, got %d", bits)
	}
	if !bytes.Equal(data, bytes.Repeat([]byte{5}, 9)) {
		t.Errorf("Unexpected frame % x", data)
	}
	if s.State() != dv3000.StateReady {
		t.Errorf("Expected ready after exchange, got %s", s.State())
	}
}

func TestSession_ExchangeDecode(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	req, _ := dv3000.ChannelPacket(72, bytes.Repeat([]byte{3}, 9))
	resp, err := s.Exchange(req)
	if err != nil {
		t.Fatalf("Exchange failed: %v", err)
	}
	samples, err := resp.Speech()
	if err != nil {
		t.Fatalf("Expected speech reply: %v", err)
	}
	if len(samples) != dv3000.SamplesPerBlock || samples[0] != 300 {
		t.Errorf("Unexpected speech reply: %d samples, first %d", len(samples), samples[0])
	}
}

func TestSession_SingleTimeoutRecovers(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Drop[1] = true
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	if _, err := s.Exchange(speechBlock(1)); err != nil {
		t.Fatalf("Expected retry to succeed, got %v", err)
	}
	if dev.Streamed() != 2 {
		t.Errorf("Expected the packet to be sent twice, device saw %d", dev.Streamed())
	}
}

func TestSession_TwoTimeoutsStall(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Drop[1] = true
	dev.Drop[2] = true
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	_, err := s.Exchange(speechBlock(1))
	if !errors.Is(err, dv3000.ErrLinkStalled) {
		t.Fatalf("Expected ErrLinkStalled, got %v", err)
	}
	if !dv3000.IsFatal(err) {
		t.Error("Link stall must be fatal")
	}
	if s.State() != dv3000.StateFaulted {
		t.Errorf("Expected faulted, got %s", s.State())
	}
	if dev.Streamed() != 2 {
		t.Errorf("Expected exactly one retry, device saw %d packets", dev.Streamed())
	}

	if _, err := s.Exchange(speechBlock(2)); !errors.Is(err, dv3000.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after fault, got %v", err)
	}
}

func TestSession_ChecksumResync(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Corrupt[1] = true
	s, port := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	flushes := port.Flushes()
	resp, err := s.Exchange(speechBlock(7))
	if err != nil {
		t.Fatalf("Expected resync and retry to succeed, got %v", err)
	}
	if _, data, _ := resp.Channel(); data[0] != 7 {
		t.Errorf("Expected reply to the retried packet, got % x", data)
	}
	// One flush before each of the two sends, one for the resync.
	if port.Flushes() != flushes+3 {
		t.Errorf("Expected three input flushes, got %d", port.Flushes()-flushes)
	}
}

func TestSession_ChecksumTwiceStalls(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.Corrupt[1] = true
	dev.Corrupt[2] = true
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	_, err := s.Exchange(speechBlock(7))
	if !errors.Is(err, dv3000.ErrLinkStalled) {
		t.Fatalf("Expected ErrLinkStalled, got %v", err)
	}
	if !errors.Is(err, dv3000.ErrChecksum) {
		t.Errorf("Expected the checksum cause to be kept, got %v", err)
	}
}

func TestSession_UnsolicitedReadyReconfigures(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	dev.ResetAt[2] = true
	s, _ := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	if _, err := s.Exchange(speechBlock(1)); err != nil {
		t.Fatalf("First exchange failed: %v", err)
	}
	if _, err := s.Exchange(speechBlock(2)); err != nil {
		t.Fatalf("Exchange after device reset failed: %v", err)
	}
	if dev.Configured() != 2 {
		t.Errorf("Expected the configuration to be replayed, RATEP accepted %d times", dev.Configured())
	}
	if s.State() != dv3000.StateReady {
		t.Errorf("Expected ready, got %s", s.State())
	}
}

func TestSession_CloseIdempotent(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, port := openSession(t, dev, dv3000.ModeDMR, true)

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
	if !port.Closed() {
		t.Error("Expected port to be closed")
	}
	if s.State() != dv3000.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
	if _, err := s.Exchange(speechBlock(1)); !errors.Is(err, dv3000.ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState after close, got %v", err)
	}
}

func TestSession_WriteFailure(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	s, port := openSession(t, dev, dv3000.ModeDMR, true)
	defer func() { _ = s.Close() }()

	port.WriteErr = errors.New("i/o error")
	if _, err := s.Exchange(speechBlock(1)); !errors.Is(err, dv3000.ErrPort) {
		t.Errorf("Expected ErrPort, got %v", err)
	}
	if s.State() != dv3000.StateFaulted {
		t.Errorf("Expected faulted, got %s", s.State())
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{dv3000.ErrChecksum, false},
		{dv3000.ErrFraming, false},
		{dv3000.ErrTimeout, false},
		{dv3000.ErrLinkStalled, true},
		{dv3000.ErrPort, true},
		{dv3000.ErrConfigurationRejected, true},
		{errors.New("something else"), true},
	}
	for _, tt := range tests {
		if got := dv3000.IsFatal(tt.err); got != tt.want {
			t.Errorf("IsFatal(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

// slowReplyPort holds back the device's answer to one write and delivers it
// only after the read that was waiting for it has timed out.
type slowReplyPort struct {
	*testhelpers.MockPort

	mu   sync.Mutex
	hold bool
	late []byte
}

func newSlowReplyPort(dev *testhelpers.FakeDevice) *slowReplyPort {
	p := &slowReplyPort{}
	p.MockPort = testhelpers.NewMockPort(func(written []byte) []byte {
		reply := dev.Respond(written)
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.hold {
			p.hold = false
			p.late = reply
			return nil
		}
		return reply
	})
	return p
}

func (p *slowReplyPort) holdNext() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hold = true
}

func (p *slowReplyPort) Read(buf []byte) (int, error) {
	n, err := p.MockPort.Read(buf)
	if n == 0 && err == nil {
		p.mu.Lock()
		late := p.late
		p.late = nil
		p.mu.Unlock()
		if late != nil {
			p.Inject(late)
		}
	}
	return n, err
}

func TestSession_LateReplyDoesNotShiftStream(t *testing.T) {
	dev := testhelpers.NewFakeDevice()
	port := newSlowReplyPort(dev)
	opener := func(name string, speed int) (dv3000.Port, error) {
		return port, nil
	}

	cfg := dv3000.DefaultConfig()
	cfg.Mode = dv3000.ModeDMR
	cfg.FEC = true
	cfg.Timeout = 20 * time.Millisecond

	s, err := dv3000.NewSession(cfg, opener, nil, nil)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	port.holdNext()
	for _, value := range []int16{1, 2, 3} {
		resp, err := s.Exchange(speechBlock(value))
		if err != nil {
			t.Fatalf("Exchange(%d) failed: %v", value, err)
		}
		_, data, err := resp.Channel()
		if err != nil || len(data) == 0 {
			t.Fatalf("Exchange(%d): expected channel data, got %s (%v)", value, resp, err)
		}
		if data[0] != byte(value) {
			t.Errorf("Exchange(%d): got reply for %d", value, data[0])
		}
	}
	if dev.Streamed() != 4 {
		t.Errorf("Expected one retry, device saw %d packets", dev.Streamed())
	}
}
