package testhelpers

import (
	"sync"

	"github.com/dbehnke/ambetools/pkg/dv3000"
)

// FakeDevice simulates a DV3000 behind a MockPort. It answers control
// requests, converts speech packets to channel packets and back, and can be
// scripted to misbehave on chosen streaming writes. Streaming writes are
// numbered from 1 and retries count as new writes.
type FakeDevice struct {
	mu sync.Mutex

	ProductID string
	Version   string
	Bits      int // bits in channel replies

	// Reject NAKs the listed configuration fields.
	Reject map[byte]bool
	// IgnoreReset leaves RESET unanswered.
	IgnoreReset bool
	// ResetNoise is sent ahead of READY after a RESET.
	ResetNoise []byte
	// Drop leaves the listed streaming writes unanswered.
	Drop map[int]bool
	// Corrupt flips the parity byte of the listed replies.
	Corrupt map[int]bool
	// ResetAt answers the listed streaming writes with READY, as if the
	// device had rebooted.
	ResetAt map[int]bool

	received   []*dv3000.Packet
	streamed   int
	resets     int
	configured int
}

// NewFakeDevice returns a well-behaved device producing 72-bit frames.
func NewFakeDevice() *FakeDevice {
	return &FakeDevice{
		ProductID: "AMBE3000R",
		Version:   "V120.E100.XXXX.C106.G514.R009.B0010411.C0020208",
		Bits:      72,
		Reject:    make(map[byte]bool),
		Drop:      make(map[int]bool),
		Corrupt:   make(map[int]bool),
		ResetAt:   make(map[int]bool),
	}
}

// Port returns a MockPort wired to this device.
func (d *FakeDevice) Port() *MockPort {
	return NewMockPort(d.Respond)
}

// Respond produces the device's reply to one host write.
func (d *FakeDevice) Respond(written []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	req, err := dv3000.Unmarshal(written, dv3000.FromHost)
	if err != nil {
		return nil
	}
	d.received = append(d.received, req)

	switch req.Type {
	case dv3000.TypeControl:
		return d.control(req)
	case dv3000.TypeSpeech, dv3000.TypeChannel:
		return d.stream(req)
	}
	return nil
}

func (d *FakeDevice) control(req *dv3000.Packet) []byte {
	var fields []dv3000.Field
	for _, f := range req.Fields {
		switch f.ID {
		case dv3000.FieldReset:
			d.resets++
			if d.IgnoreReset {
				return nil
			}
			ready := marshal(dv3000.ControlPacket(dv3000.Field{ID: dv3000.FieldReady}))
			return append(append([]byte{}, d.ResetNoise...), ready...)
		case dv3000.FieldProdID:
			fields = append(fields, dv3000.Field{ID: f.ID, Payload: append([]byte(d.ProductID), 0x00)})
		case dv3000.FieldVerString:
			fields = append(fields, dv3000.Field{ID: f.ID, Payload: append([]byte(d.Version), 0x00)})
		case dv3000.FieldRateT, dv3000.FieldRateP, dv3000.FieldChanFmt:
			status := byte(0x00)
			if d.Reject[f.ID] {
				status = 0x01
			} else if f.ID == dv3000.FieldRateP {
				d.configured++
			}
			fields = append(fields, dv3000.Field{ID: f.ID, Payload: []byte{status}})
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return marshal(dv3000.ControlPacket(fields...))
}

func (d *FakeDevice) stream(req *dv3000.Packet) []byte {
	d.streamed++
	n := d.streamed

	if d.ResetAt[n] {
		return marshal(dv3000.ControlPacket(dv3000.Field{ID: dv3000.FieldReady}))
	}
	if d.Drop[n] {
		return nil
	}

	var reply *dv3000.Packet
	var err error
	if req.Type == dv3000.TypeSpeech {
		samples, serr := req.Speech()
		if serr != nil {
			return nil
		}
		reply, err = dv3000.ChannelPacket(d.Bits, EncodeFrame(samples, d.Bits))
	} else {
		_, data, cerr := req.Channel()
		if cerr != nil {
			return nil
		}
		reply, err = dv3000.SpeechPacket(DecodeFrame(data))
	}
	if err != nil {
		return nil
	}

	out := marshal(reply)
	if d.Corrupt[n] {
		out[len(out)-1] ^= 0xFF
	}
	return out
}

// EncodeFrame is the fake codec's speech to channel mapping: every byte of
// the frame carries the low byte of the first sample.
func EncodeFrame(samples []int16, bits int) []byte {
	data := make([]byte, (bits+7)/8)
	for i := range data {
		data[i] = byte(samples[0])
	}
	return data
}

// DecodeFrame is the fake codec's channel to speech mapping: a full block
// of samples equal to 100 times the first frame byte.
func DecodeFrame(data []byte) []int16 {
	samples := make([]int16, dv3000.SamplesPerBlock)
	for i := range samples {
		samples[i] = int16(data[0]) * 100
	}
	return samples
}

// Received returns every packet the device decoded, in order.
func (d *FakeDevice) Received() []*dv3000.Packet {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*dv3000.Packet, len(d.received))
	copy(out, d.received)
	return out
}

// Streamed returns the number of speech and channel packets received.
func (d *FakeDevice) Streamed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streamed
}

// Resets returns the number of RESET requests received.
func (d *FakeDevice) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Configured returns the number of accepted RATEP requests.
func (d *FakeDevice) Configured() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

func marshal(p *dv3000.Packet) []byte {
	data, err := dv3000.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}
