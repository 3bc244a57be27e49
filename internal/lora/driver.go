// Package lora drives LoRa gateway modems over an AT command link.
package lora

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

var (
	// ErrNotSupported is returned for operations the module cannot perform.
	ErrNotSupported = errors.New("lora: operation not supported")

	// ErrChannelOutOfRange is returned for a channel above MaxChannel.
	ErrChannelOutOfRange = fmt.Errorf("lora: channel out of range (max %d)", MaxChannel)

	// ErrUnknownDriver is returned by NewDriver for an unrecognized kind.
	ErrUnknownDriver = errors.New("lora: unknown driver")

	// ErrUnsupportedProtocol is returned by OpenNetwork for protocols the
	// modem has no socket type for.
	ErrUnsupportedProtocol = errors.New("lora: unsupported protocol")

	// ErrUnknownConnection is returned for a handle that is not open.
	ErrUnknownConnection = errors.New("lora: unknown connection")

	// ErrPacketTooLarge is returned for payloads above MTU.
	ErrPacketTooLarge = fmt.Errorf("lora: packet exceeds %d bytes", MTU)
)

// DriverDxSmartLR02 selects the DX-Smart LR02 module.
const DriverDxSmartLR02 = "dx-smart-lr02"

// Packet is data received on a modem connection.
type Packet struct {
	Conn ConnectionIndex
	Data []byte
}

// Driver is a LoRa gateway modem. Every operation is asynchronous and runs
// in submission order.
type Driver interface {
	Start() *action.Action[struct{}]
	Stop() *action.Action[struct{}]
	OpenNetwork(proto protocol.Protocol, host string, port uint16) *action.Action[ConnectionIndex]
	CloseNetwork(conn ConnectionIndex) *action.Action[struct{}]
	WritePacket(conn ConnectionIndex, data []byte) *action.Action[struct{}]
	DataEvent() event.Source[Packet]
	SetPowerSaveParam(psp PowerSaveParam) *action.Action[struct{}]
	PowerOff() *action.Action[struct{}]
	Close() error
}

// NewDriver creates the driver named by kind on link.
func NewDriver(kind string, link io.ReadWriter, settings Settings, logger *slog.Logger, m *metrics.Metrics) (Driver, error) {
	switch kind {
	case DriverDxSmartLR02, "":
		return NewDxSmartLR02(link, settings, logger, m), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, kind)
	}
}
