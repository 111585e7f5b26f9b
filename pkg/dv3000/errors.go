package dv3000

import "errors"

// Errors returned by the codec and the session. Callers match them with
// errors.Is; the session wraps them with context.
var (
	// ErrPort reports that the serial device could not be opened, configured,
	// read or written.
	ErrPort = errors.New("dv3000: serial port error")

	// ErrDeviceNotResponding reports that the device did not signal READY
	// after a reset.
	ErrDeviceNotResponding = errors.New("dv3000: device not responding")

	// ErrConfigurationRejected reports a NAK, a wrong reply or a timeout
	// while identifying or configuring the device.
	ErrConfigurationRejected = errors.New("dv3000: configuration rejected")

	// ErrChecksum reports a packet whose parity byte does not match.
	ErrChecksum = errors.New("dv3000: checksum mismatch")

	// ErrFraming reports a structurally invalid packet.
	ErrFraming = errors.New("dv3000: framing error")

	// ErrTimeout reports that no complete packet arrived within the wait.
	ErrTimeout = errors.New("dv3000: timeout waiting for reply")

	// ErrLinkStalled reports that an exchange failed after its retry.
	ErrLinkStalled = errors.New("dv3000: link stalled")

	// ErrUnsupportedCombination reports a mode/FEC pair the device cannot run.
	ErrUnsupportedCombination = errors.New("dv3000: unsupported mode/FEC combination")

	// ErrInvalidState reports an operation attempted in the wrong session state.
	ErrInvalidState = errors.New("dv3000: invalid session state")

	// ErrPacketTooLong reports a packet that does not fit the 16-bit length field.
	ErrPacketTooLong = errors.New("dv3000: packet too long")
)

// IsFatal reports whether err ends a session. Checksum, framing and single
// timeouts are handled inside the session and are not fatal on their own.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrLinkStalled),
		errors.Is(err, ErrPort),
		errors.Is(err, ErrDeviceNotResponding),
		errors.Is(err, ErrConfigurationRejected),
		errors.Is(err, ErrUnsupportedCombination),
		errors.Is(err, ErrInvalidState):
		return true
	case errors.Is(err, ErrChecksum), errors.Is(err, ErrFraming), errors.Is(err, ErrTimeout):
		return false
	default:
		return true
	}
}
