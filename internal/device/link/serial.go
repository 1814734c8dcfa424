package link

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial.v1"
)

// Serial line defaults of the bridge firmware.
const (
	DefaultBaudRate = 921600
	DefaultDataBits = 8
)

// OpenSerial opens a serial port and wraps it in a Link.
func OpenSerial(path string, baudRate int, log *logrus.Logger) (*Link, error) {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate
	}

	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: DefaultDataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}

	return New(port, path, log), nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
