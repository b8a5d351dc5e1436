package coin

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// SerialOpener opens real devices through go.bug.st/serial. An empty port name selects the
// first enumerated device.
type SerialOpener struct{}

// ListPorts enumerates serial devices.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return ports, nil
}

// Open implements Opener.
func (SerialOpener) Open(cfg PortConfig) (Port, error) {
	cfg = cfg.WithDefaults()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		ports, err := ListPorts()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("%w: no serial ports available", ErrDeviceNotFound)
		}
		name = ports[0]
	}

	mode, err := serialMode(cfg)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(name, mode)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) && portErr.Code() == serial.PortNotFound {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, name, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("%w: %s: set read timeout: %v", ErrConnectionFailed, name, err)
	}
	return &serialPort{Port: port, name: name}, nil
}

func serialMode(cfg PortConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}
	switch cfg.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("%w: unsupported stop bits %d", ErrInvalidConfig, cfg.StopBits)
	}
	switch strings.ToLower(cfg.Parity) {
	case "none", "":
		mode.Parity = serial.NoParity
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("%w: unsupported parity %q", ErrInvalidConfig, cfg.Parity)
	}
	return mode, nil
}

type serialPort struct {
	serial.Port
	name string
}

func (p *serialPort) Name() string {
	return p.name
}
