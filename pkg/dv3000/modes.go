package dv3000

import (
	"fmt"
	"strings"
)

// Mode is the digital radio mode the vocoder is configured for
type Mode int

const (
	ModeUnknown Mode = iota
	ModeDStar
	ModeDMR
	ModeYSF
	ModeP25
)

var modeNames = map[Mode]string{
	ModeDStar: "dstar",
	ModeDMR:   "dmr",
	ModeYSF:   "ysf",
	ModeP25:   "p25",
}

// String returns the lower-case mode name accepted by ParseMode
func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "unknown"
}

// ParseMode parses dstar, dmr, ysf or p25 (case-insensitive).
func ParseMode(s string) (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for m, n := range modeNames {
		if n == name {
			return m, nil
		}
	}
	return ModeUnknown, fmt.Errorf("dv3000: unknown mode %q (must be dstar, dmr, ysf or p25)", s)
}

// RequiresFEC reports whether the mode can only run with FEC enabled.
func (m Mode) RequiresFEC() bool {
	return m == ModeDStar || m == ModeYSF
}

// Profile is the resolved device setup for one mode/FEC pair.
type Profile struct {
	Mode    Mode
	FEC     bool
	Bits    int       // bits per encoded voice frame
	Packets []*Packet // configuration packets, sent in order
}

// FrameSize returns the number of bytes in one encoded voice frame.
func (p Profile) FrameSize() int {
	return (p.Bits + 7) / 8
}

type rateEntry struct {
	bits  int
	rateP [6]uint16
}

// Rate parameter words per mode/FEC pair.
var (
	rateDStar = rateEntry{
		bits:  72,
		rateP: [6]uint16{0x0130, 0x0763, 0x4000, 0x0000, 0x0000, 0x0048},
	}
	rateAMBE2FEC = rateEntry{
		bits:  72,
		rateP: [6]uint16{0x0431, 0x0754, 0x2400, 0x0000, 0x0000, 0x6F48},
	}
	rateAMBE2NoFEC = rateEntry{
		bits:  49,
		rateP: [6]uint16{0x0431, 0x0751, 0x0000, 0x0000, 0x0000, 0x6F48},
	}
)

// channel format word: no companding, no ECMODE flags
var chanFmt = []byte{0x00, 0x00}

// Resolve returns the configuration packets for a mode/FEC pair. DSTAR and
// YSF without FEC fail with ErrUnsupportedCombination, as does an unknown
// mode. Each call returns freshly allocated packets.
func Resolve(mode Mode, fec bool) (Profile, error) {
	var entry rateEntry
	switch mode {
	case ModeDStar:
		if !fec {
			return Profile{}, fmt.Errorf("%w: %s requires FEC", ErrUnsupportedCombination, mode)
		}
		entry = rateDStar
	case ModeYSF:
		if !fec {
			return Profile{}, fmt.Errorf("%w: %s requires FEC", ErrUnsupportedCombination, mode)
		}
		entry = rateAMBE2FEC
	case ModeDMR, ModeP25:
		if fec {
			entry = rateAMBE2FEC
		} else {
			entry = rateAMBE2NoFEC
		}
	default:
		return Profile{}, fmt.Errorf("%w: unknown mode %d", ErrUnsupportedCombination, int(mode))
	}

	rateP := make([]byte, 0, 12)
	for _, w := range entry.rateP {
		rateP = append(rateP, byte(w>>8), byte(w))
	}
	fmtWord := make([]byte, len(chanFmt))
	copy(fmtWord, chanFmt)

	return Profile{
		Mode: mode,
		FEC:  fec,
		Bits: entry.bits,
		Packets: []*Packet{
			ControlPacket(Field{ID: FieldChanFmt, Payload: fmtWord}),
			ControlPacket(Field{ID: FieldRateP, Payload: rateP}),
		},
	}, nil
}
