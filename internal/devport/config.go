package devport

import (
	"time"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// Device ID ranges.
const (
	FirstDevice    protocol.DeviceID = 1
	LastDevice     protocol.DeviceID = 127
	LoRaDeviceBase protocol.DeviceID = 128
)

// Router is the gateway side of a device port.
type Router interface {
	Input(device protocol.DeviceID, data []byte)
	Output() event.Source[gateway.DeviceData]
}

// Config holds UDP device port settings.
type Config struct {
	// Listen is the UDP address devices send to.
	Listen string

	// IdleTimeout is how long a device address keeps its ID once all IDs
	// are taken. 0 means IDs are never reclaimed.
	IdleTimeout time.Duration

	// MaxDatagramSize is the largest datagram read from a device.
	MaxDatagramSize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Listen:          "127.0.0.1:9700",
		IdleTimeout:     10 * time.Minute,
		MaxDatagramSize: 1472,
	}
}

// FromConfig converts the devices config section.
func FromConfig(c config.DevicesConfig) Config {
	cfg := DefaultConfig()
	cfg.Listen = c.UDPListen
	if c.IdleTimeout > 0 {
		cfg.IdleTimeout = c.IdleTimeout
	}
	if c.MaxDatagramSize > 0 {
		cfg.MaxDatagramSize = c.MaxDatagramSize
	}
	return cfg
}
