package devport

import (
	"log/slog"
	"sync"

	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// Bus is an in-process link between simulated devices and a gateway.
type Bus struct {
	mu      sync.Mutex
	next    protocol.DeviceID
	devices map[protocol.DeviceID]func([]byte)

	fromDevices event.Event[gateway.DeviceData]
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		next:    FirstDevice,
		devices: make(map[protocol.DeviceID]func([]byte)),
	}
}

// AttachDevice registers fn to receive gateway data and returns the new
// device's ID.
func (b *Bus) AttachDevice(fn func(data []byte)) (protocol.DeviceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.next > LastDevice {
		return 0, ErrNoDeviceIDs
	}
	id := b.next
	b.next++
	b.devices[id] = fn
	return id, nil
}

// DetachDevice stops delivery to id.
func (b *Bus) DetachDevice(id protocol.DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

// PublishDeviceData sends data from a device to the gateways on the bus.
func (b *Bus) PublishDeviceData(from protocol.DeviceID, data []byte) {
	b.fromDevices.Emit(gateway.DeviceData{DeviceID: from, Data: data})
}

// PublishGatewayData delivers data to device to. Unknown devices are ignored.
func (b *Bus) PublishGatewayData(to protocol.DeviceID, data []byte) {
	b.mu.Lock()
	fn := b.devices[to]
	b.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// DeviceData emits everything devices publish.
func (b *Bus) DeviceData() event.Source[gateway.DeviceData] {
	return &b.fromDevices
}

// BusPort attaches a router to a Bus.
type BusPort struct {
	subs event.Group
}

// NewBusPort feeds bus device data into router and router output back onto
// the bus.
func NewBusPort(bus *Bus, router Router, logger *slog.Logger) *BusPort {
	logger = logging.Component(logger, "devport.bus")
	p := &BusPort{}
	p.subs.Add(
		bus.DeviceData().Subscribe(func(d gateway.DeviceData) {
			logger.Debug("device data", logging.KeyDeviceID, d.DeviceID, logging.KeyBytes, len(d.Data))
			router.Input(d.DeviceID, d.Data)
		}),
		router.Output().Subscribe(func(d gateway.DeviceData) {
			logger.Debug("gateway data", logging.KeyDeviceID, d.DeviceID, logging.KeyBytes, len(d.Data))
			bus.PublishGatewayData(d.DeviceID, d.Data)
		}),
	)
	return p
}

// Close detaches the port.
func (p *BusPort) Close() {
	p.subs.Reset()
}
