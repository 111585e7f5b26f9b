package dv3000

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Packet framing
const (
	StartByte byte = 0x61

	TypeControl byte = 0x00
	TypeChannel byte = 0x01
	TypeSpeech  byte = 0x02
)

// Field identifiers
const (
	FieldSpeechData  byte = 0x00
	FieldChannelData byte = 0x01
	FieldRateT       byte = 0x09
	FieldRateP       byte = 0x0A
	FieldChanFmt     byte = 0x15
	FieldParity      byte = 0x2F
	FieldProdID      byte = 0x30
	FieldVerString   byte = 0x31
	FieldReset       byte = 0x33
	FieldReady       byte = 0x39
)

// Audio constants for the speech side of the device
const (
	SampleRate      = 8000
	SamplesPerBlock = 160 // one 20 ms vocoder frame
)

const (
	headerSize = 4 // start byte, 16-bit length, type
	paritySize = 2 // parity field id + parity byte

	// MaxPacketLength is the largest value the length field can carry.
	MaxPacketLength = 0xFFFF
)

var (
	typeNames = map[byte]string{
		TypeControl: "control",
		TypeChannel: "channel",
		TypeSpeech:  "speech",
	}
	fieldNames = map[byte]string{
		FieldRateT:     "RATET",
		FieldRateP:     "RATEP",
		FieldChanFmt:   "CHANFMT",
		FieldParity:    "PARITY",
		FieldProdID:    "PRODID",
		FieldVerString: "VERSTRING",
		FieldReset:     "RESET",
		FieldReady:     "READY",
	}
)

// Origin tells the decoder which side produced a packet. Control field
// payload sizes differ between requests and replies.
type Origin int

const (
	FromHost Origin = iota
	FromDevice
)

// Field is one (id, payload) element of a packet.
type Field struct {
	ID      byte
	Payload []byte
}

// Packet is a decoded DV3000 packet. The parity field is not part of Fields;
// Marshal appends it and Unmarshal verifies and strips it.
type Packet struct {
	Type   byte
	Fields []Field
}

// ControlPacket builds a control packet from the given fields.
func ControlPacket(fields ...Field) *Packet {
	return &Packet{Type: TypeControl, Fields: fields}
}

// SpeechPacket wraps one block of PCM samples in a speech packet.
func SpeechPacket(samples []int16) (*Packet, error) {
	if len(samples) == 0 || len(samples) > 0xFF {
		return nil, fmt.Errorf("dv3000: speech block of %d samples out of range 1-255", len(samples))
	}
	payload := make([]byte, 1+2*len(samples))
	payload[0] = byte(len(samples))
	for i, s := range samples {
		binary.BigEndian.PutUint16(payload[1+2*i:], uint16(s))
	}
	return &Packet{Type: TypeSpeech, Fields: []Field{{ID: FieldSpeechData, Payload: payload}}}, nil
}

// ChannelPacket wraps one encoded voice frame of the given bit count.
func ChannelPacket(bits int, data []byte) (*Packet, error) {
	if bits <= 0 || bits > 0xFF {
		return nil, fmt.Errorf("dv3000: channel frame of %d bits out of range 1-255", bits)
	}
	if len(data) != (bits+7)/8 {
		return nil, fmt.Errorf("dv3000: channel frame of %d bits needs %d bytes, got %d", bits, (bits+7)/8, len(data))
	}
	payload := make([]byte, 1+len(data))
	payload[0] = byte(bits)
	copy(payload[1:], data)
	return &Packet{Type: TypeChannel, Fields: []Field{{ID: FieldChannelData, Payload: payload}}}, nil
}

// Field returns the first field with the given id.
func (p *Packet) Field(id byte) (Field, bool) {
	for _, f := range p.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// IsReady reports whether p is the device's READY indication.
func (p *Packet) IsReady() bool {
	if p.Type != TypeControl {
		return false
	}
	_, ok := p.Field(FieldReady)
	return ok
}

// Speech extracts the PCM samples of a speech packet.
func (p *Packet) Speech() ([]int16, error) {
	if p.Type != TypeSpeech {
		return nil, fmt.Errorf("%w: expected speech packet, got %s", ErrFraming, typeName(p.Type))
	}
	f, ok := p.Field(FieldSpeechData)
	if !ok {
		return nil, fmt.Errorf("%w: speech packet without SPEECHD field", ErrFraming)
	}
	if len(f.Payload) < 1 || len(f.Payload) < 1+2*int(f.Payload[0]) {
		return nil, fmt.Errorf("%w: SPEECHD payload truncated", ErrFraming)
	}
	n := int(f.Payload[0])
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.BigEndian.Uint16(f.Payload[1+2*i:]))
	}
	return samples, nil
}

// Channel extracts the bit count and bytes of a channel packet.
func (p *Packet) Channel() (int, []byte, error) {
	if p.Type != TypeChannel {
		return 0, nil, fmt.Errorf("%w: expected channel packet, got %s", ErrFraming, typeName(p.Type))
	}
	f, ok := p.Field(FieldChannelData)
	if !ok {
		return 0, nil, fmt.Errorf("%w: channel packet without CHAND field", ErrFraming)
	}
	if len(f.Payload) < 1 {
		return 0, nil, fmt.Errorf("%w: CHAND payload truncated", ErrFraming)
	}
	data := make([]byte, len(f.Payload)-1)
	copy(data, f.Payload[1:])
	return int(f.Payload[0]), data, nil
}

// String returns a short human-readable description of the packet
func (p *Packet) String() string {
	names := make([]string, 0, len(p.Fields))
	for _, f := range p.Fields {
		names = append(names, fmt.Sprintf("%s(%d)", fieldName(p.Type, f.ID), len(f.Payload)))
	}
	return fmt.Sprintf("Packet{Type:%s, Fields:[%s]}", typeName(p.Type), strings.Join(names, " "))
}

// Equal reports whether two packets have the same type and fields.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.Type != o.Type || len(p.Fields) != len(o.Fields) {
		return false
	}
	for i := range p.Fields {
		if p.Fields[i].ID != o.Fields[i].ID || !bytes.Equal(p.Fields[i].Payload, o.Fields[i].Payload) {
			return false
		}
	}
	return true
}

// Size returns the encoded size of the packet in bytes.
func (p *Packet) Size() int {
	return headerSize + p.bodyLength()
}

// bodyLength is the value carried in the length field.
func (p *Packet) bodyLength() int {
	length := paritySize
	for _, f := range p.Fields {
		length += 1 + len(f.Payload)
	}
	return length
}

// Marshal serializes a packet, appending the parity field.
func Marshal(p *Packet) ([]byte, error) {
	length := p.bodyLength()
	if length > MaxPacketLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLong, length)
	}

	buf := make([]byte, 0, headerSize+length)
	buf = append(buf, StartByte, byte(length>>8), byte(length), p.Type)
	for _, f := range p.Fields {
		buf = append(buf, f.ID)
		buf = append(buf, f.Payload...)
	}
	buf = append(buf, FieldParity)
	buf = append(buf, parity(buf[1:]))
	return buf, nil
}

// Unmarshal decodes one complete frame. The parity is verified before the
// structure so that any corrupted byte after the start byte is reported as
// ErrChecksum.
func Unmarshal(frame []byte, from Origin) (*Packet, error) {
	if len(frame) < headerSize+paritySize {
		return nil, fmt.Errorf("%w: frame too short: %d bytes", ErrFraming, len(frame))
	}
	if frame[0] != StartByte {
		return nil, fmt.Errorf("%w: bad start byte %#02x", ErrFraming, frame[0])
	}

	last := len(frame) - 1
	if got, want := frame[last], parity(frame[1:last]); got != want {
		return nil, fmt.Errorf("%w: got %#02x want %#02x", ErrChecksum, got, want)
	}

	length := int(binary.BigEndian.Uint16(frame[1:3]))
	if headerSize+length != len(frame) {
		return nil, fmt.Errorf("%w: length field %d does not match frame of %d bytes", ErrFraming, length, len(frame))
	}
	if frame[last-1] != FieldParity {
		return nil, fmt.Errorf("%w: missing parity field", ErrFraming)
	}

	p := &Packet{Type: frame[3]}
	if _, ok := typeNames[p.Type]; !ok {
		return nil, fmt.Errorf("%w: unknown packet type %#02x", ErrFraming, p.Type)
	}

	body := frame[headerSize : last-1]
	for len(body) > 0 {
		id := body[0]
		n, err := payloadSize(p.Type, id, from, body[1:])
		if err != nil {
			return nil, err
		}
		if n > len(body)-1 {
			return nil, fmt.Errorf("%w: field %s truncated: need %d bytes, have %d", ErrFraming, fieldName(p.Type, id), n, len(body)-1)
		}
		payload := make([]byte, n)
		copy(payload, body[1:1+n])
		p.Fields = append(p.Fields, Field{ID: id, Payload: payload})
		body = body[1+n:]
	}
	return p, nil
}

// payloadSize returns how many payload bytes follow a field id.
func payloadSize(typ, id byte, from Origin, rest []byte) (int, error) {
	switch typ {
	case TypeSpeech:
		if id != FieldSpeechData {
			break
		}
		if len(rest) < 1 {
			return 0, fmt.Errorf("%w: SPEECHD without sample count", ErrFraming)
		}
		return 1 + 2*int(rest[0]), nil

	case TypeChannel:
		if id != FieldChannelData {
			break
		}
		if len(rest) < 1 {
			return 0, fmt.Errorf("%w: CHAND without bit count", ErrFraming)
		}
		return 1 + (int(rest[0])+7)/8, nil

	case TypeControl:
		if from == FromHost {
			switch id {
			case FieldReset, FieldProdID, FieldVerString:
				return 0, nil
			case FieldRateT:
				return 1, nil
			case FieldChanFmt:
				return 2, nil
			case FieldRateP:
				return 12, nil
			}
			break
		}
		switch id {
		case FieldReady:
			return 0, nil
		case FieldProdID, FieldVerString:
			end := bytes.IndexByte(rest, 0x00)
			if end < 0 {
				return 0, fmt.Errorf("%w: unterminated %s string", ErrFraming, fieldName(typ, id))
			}
			return end + 1, nil
		case FieldRateT, FieldRateP, FieldChanFmt:
			return 1, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown field %#02x in %s packet", ErrFraming, id, typeName(typ))
}

// parity is the XOR of every byte from the length field through the parity
// field id.
func parity(data []byte) byte {
	var x byte
	for _, b := range data {
		x ^= b
	}
	return x
}

func typeName(t byte) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#02x)", t)
}

func fieldName(typ, id byte) string {
	switch {
	case typ == TypeSpeech && id == FieldSpeechData:
		return "SPEECHD"
	case typ == TypeChannel && id == FieldChannelData:
		return "CHAND"
	}
	if name, ok := fieldNames[id]; ok {
		return name
	}
	return fmt.Sprintf("%#02x", id)
}
