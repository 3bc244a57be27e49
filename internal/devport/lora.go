package devport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/lora"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// LoRaDevice returns the device ID of a modem connection.
func LoRaDevice(conn lora.ConnectionIndex) protocol.DeviceID {
	return LoRaDeviceBase + protocol.DeviceID(conn)
}

// LoRaBridge forwards packets between a LoRa modem and a router. Each open
// modem connection is one device.
type LoRaBridge struct {
	drv    lora.Driver
	router Router
	logger *slog.Logger

	mu    sync.Mutex
	conns map[lora.ConnectionIndex]protocol.Endpoint
	subs  event.Group
}

// NewLoRaBridge connects drv to router.
func NewLoRaBridge(drv lora.Driver, router Router, logger *slog.Logger) *LoRaBridge {
	b := &LoRaBridge{
		drv:    drv,
		router: router,
		logger: logging.Component(logger, "devport.lora"),
		conns:  make(map[lora.ConnectionIndex]protocol.Endpoint),
	}
	b.subs.Add(
		drv.DataEvent().Subscribe(b.fromModem),
		router.Output().Subscribe(b.toModem),
	)
	return b
}

// Open opens a modem connection to each endpoint. Failures are joined;
// connections that opened stay open.
func (b *LoRaBridge) Open(ctx context.Context, endpoints []protocol.Endpoint) error {
	var errs []error
	for _, ep := range endpoints {
		conn, err := b.drv.OpenNetwork(ep.Protocol, ep.Host, ep.Port).Wait(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("open %s: %w", ep, err))
			continue
		}
		b.mu.Lock()
		b.conns[conn] = ep
		b.mu.Unlock()
		b.logger.Info("modem connection mapped to device",
			logging.KeyConnIdx, conn,
			logging.KeyDeviceID, LoRaDevice(conn),
			logging.KeyEndpoints, ep.String())
	}
	return errors.Join(errs...)
}

// Connections returns the number of connections opened through the bridge.
func (b *LoRaBridge) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Close detaches the bridge and closes the connections it opened.
func (b *LoRaBridge) Close() {
	b.subs.Reset()

	b.mu.Lock()
	conns := make([]lora.ConnectionIndex, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	clear(b.conns)
	b.mu.Unlock()

	for _, c := range conns {
		b.drv.CloseNetwork(c).OnError(func(err error) {
			b.logger.Debug("closing modem connection", logging.KeyConnIdx, c, logging.KeyError, err)
		})
	}
}

func (b *LoRaBridge) fromModem(p lora.Packet) {
	if p.Conn < 0 {
		return
	}
	b.router.Input(LoRaDevice(p.Conn), p.Data)
}

func (b *LoRaBridge) toModem(d gateway.DeviceData) {
	if d.DeviceID < LoRaDeviceBase {
		return
	}
	conn := lora.ConnectionIndex(d.DeviceID - LoRaDeviceBase)
	b.drv.WritePacket(conn, d.Data).OnError(func(err error) {
		b.logger.Warn("modem write failed",
			logging.KeyConnIdx, conn,
			logging.KeyBytes, len(d.Data),
			logging.KeyError, err)
	})
}
