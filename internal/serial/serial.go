// Package serial opens the modem's serial port.
package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"

	"github.com/postalsys/aether-gateway/internal/config"
)

// readTimeout bounds a blocking read so Close is noticed.
const readTimeout = 100 * time.Millisecond

// ParseParity maps a config value to a parity setting.
func ParseParity(s string) (serial.Parity, error) {
	switch strings.ToLower(s) {
	case "", "none", "n":
		return serial.ParityNone, nil
	case "odd", "o":
		return serial.ParityOdd, nil
	case "even", "e":
		return serial.ParityEven, nil
	default:
		return 0, fmt.Errorf("unknown parity %q", s)
	}
}

// ParseStopBits maps a config value to a stop bit setting.
func ParseStopBits(s string) (serial.StopBits, error) {
	switch s {
	case "", "1":
		return serial.Stop1, nil
	case "2":
		return serial.Stop2, nil
	default:
		return 0, fmt.Errorf("unknown stop bits %q", s)
	}
}

// PortConfig converts cfg to a port configuration.
func PortConfig(cfg config.SerialConfig) (*serial.Config, error) {
	parity, err := ParseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	stop, err := ParseStopBits(cfg.StopBits)
	if err != nil {
		return nil, err
	}
	return &serial.Config{
		Name:        cfg.Port,
		Baud:        cfg.Baud,
		ReadTimeout: readTimeout,
		Parity:      parity,
		StopBits:    stop,
	}, nil
}

// Port is an open serial port. Reads block until data arrives or the port
// is closed.
type Port struct {
	name   string
	port   *serial.Port
	closed atomic.Bool
}

// Open opens the port described by cfg.
func Open(cfg config.SerialConfig) (*Port, error) {
	pc, err := PortConfig(cfg)
	if err != nil {
		return nil, err
	}
	p, err := serial.OpenPort(pc)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return &Port{name: cfg.Port, port: p}, nil
}

// Name returns the device path.
func (p *Port) Name() string {
	return p.name
}

func (p *Port) Read(b []byte) (int, error) {
	for {
		n, err := p.port.Read(b)
		if n > 0 {
			return n, nil
		}
		if p.closed.Load() {
			return 0, io.EOF
		}
		// an expired read timeout surfaces as EOF
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (p *Port) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return p.port.Write(b)
}

// Close closes the port. Pending reads return io.EOF.
func (p *Port) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.port.Close()
}
