package dv3000

import (
	"fmt"
	"io"
	"slices"
	"time"

	"go.bug.st/serial"
)

// Port is the serial transport the session owns. go.bug.st/serial's Port
// satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens the named serial device at the given speed.
type Opener func(name string, speed int) (Port, error)

// ValidSpeeds lists the baud rates the DV3000 family is used with.
var ValidSpeeds = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800}

// Default serial settings
const (
	DefaultPort  = "/dev/ttyUSB0"
	DefaultSpeed = 230400
)

// IsValidSpeed reports whether speed is one of ValidSpeeds.
func IsValidSpeed(speed int) bool {
	return slices.Contains(ValidSpeeds, speed)
}

// OpenSerial opens a serial device at 8N1 with no flow control.
func OpenSerial(name string, speed int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: speed,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s at %d baud: %w", name, speed, err)
	}
	return p, nil
}

// ListPorts returns the serial devices present on this machine.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: list ports: %v", ErrPort, err)
	}
	slices.Sort(ports)
	return ports, nil
}
