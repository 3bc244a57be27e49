package gateway

import (
	"bytes"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/stream"
)

// DeviceData is an envelope addressed to a local device.
type DeviceData struct {
	DeviceID protocol.DeviceID
	Data     []byte
}

// LocalPortConfig tunes a LocalPort.
type LocalPortConfig struct {
	IdleTimeout      time.Duration // zero keeps idle routes forever
	WriteBufferLimit int
}

// LocalPort routes device envelopes to per-route server streams and
// server replies back to devices.
type LocalPort struct {
	streams StreamSource
	cfg     LocalPortConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	routes *routeStore
	closed bool

	output event.Event[DeviceData]
}

// NewLocalPort creates a router resolving streams through streams.
func NewLocalPort(streams StreamSource, cfg LocalPortConfig, logger *slog.Logger, m *metrics.Metrics) *LocalPort {
	if cfg.WriteBufferLimit <= 0 {
		cfg.WriteBufferLimit = 64
	}
	return &LocalPort{
		streams: streams,
		cfg:     cfg,
		logger:  logging.Component(logger, "local-port"),
		metrics: m,
		now:     time.Now,
		routes:  newRouteStore(),
	}
}

// Output emits re-enveloped server replies for devices.
func (p *LocalPort) Output() event.Source[DeviceData] {
	return &p.output
}

// Input handles data received from a device. Malformed envelopes are
// dropped; envelopes decoded before a malformed one are still delivered.
func (p *LocalPort) Input(device protocol.DeviceID, data []byte) {
	envs, err := protocol.DecodeAll(data)
	if err != nil {
		p.metrics.RecordEnvelopeDrop("malformed")
		p.logger.Debug("dropping malformed device data",
			logging.KeyDeviceID, device,
			logging.KeyBytes, len(data),
			logging.KeyError, err)
	}

	for _, env := range envs {
		target, err := env.Target()
		if err != nil {
			p.metrics.RecordEnvelopeDrop("not_inbound")
			p.logger.Debug("dropping envelope",
				logging.KeyDeviceID, device,
				logging.KeyError, err)
			continue
		}
		p.metrics.RecordEnvelopeIn(env.Type.String(), len(env.Payload))

		key := RouteKey{DeviceID: device, ClientID: env.ClientID, ServerIdentity: target.Identity()}
		gw := p.OpenStream(key, target)
		if gw == nil {
			return
		}
		gw.Write(bytes.Clone(env.Payload)).OnError(func(err error) {
			p.metrics.RecordEnvelopeDrop("write_failed")
			p.logger.Debug("route write failed",
				logging.KeyDeviceID, key.DeviceID,
				logging.KeyClientID, key.ClientID,
				logging.KeyServerID, target.String(),
				logging.KeyError, err)
		})
	}
}

// OpenStream returns the stream for key, creating it for target when the
// route is new. Every call refreshes the route's last use. It returns nil
// once the port is closed.
func (p *LocalPort) OpenStream(key RouteKey, target protocol.Target) *GwStream {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	if e, ok := p.routes.get(key); ok {
		e.lastUsed = p.now()
		return e.stream
	}

	e := &routeEntry{
		key:      key,
		target:   target,
		stream:   NewGwStream(p.streams, target, p.cfg.WriteBufferLimit, p.logger),
		lastUsed: p.now(),
	}
	e.subs.Add(
		e.stream.DataEvent().Subscribe(func(data []byte) { p.outData(e, data) }),
		e.stream.UpdateEvent().Subscribe(func(info stream.Info) { p.streamState(e, info) }),
	)
	p.routes.insert(e)
	p.metrics.RecordRouteOpen()

	p.logger.Debug("route opened",
		logging.KeyDeviceID, key.DeviceID,
		logging.KeyClientID, key.ClientID,
		logging.KeyServerID, target.String())
	return e.stream
}

// outData re-envelopes data from e's stream for its device. Data for an
// evicted route is ignored.
func (p *LocalPort) outData(e *routeEntry, data []byte) {
	p.mu.Lock()
	cur, ok := p.routes.get(e.key)
	if !ok || cur != e {
		p.mu.Unlock()
		return
	}
	e.lastUsed = p.now()
	p.mu.Unlock()

	env := protocol.FromServer(e.key.ClientID, e.target, data)
	out, err := env.Encode()
	if err != nil {
		p.metrics.RecordEnvelopeDrop("encode")
		p.logger.Debug("dropping server reply",
			logging.KeyDeviceID, e.key.DeviceID,
			logging.KeyBytes, len(data),
			logging.KeyError, err)
		return
	}

	p.metrics.RecordEnvelopeOut(env.Type.String(), len(data))
	p.output.Emit(DeviceData{DeviceID: e.key.DeviceID, Data: out})
}

// streamState evicts e when its stream reports a link error.
func (p *LocalPort) streamState(e *routeEntry, info stream.Info) {
	if info.LinkState != stream.LinkError {
		return
	}

	p.mu.Lock()
	removed := p.routes.remove(e)
	p.mu.Unlock()
	if !removed {
		return
	}

	p.metrics.RecordRouteEvict("link_error")
	p.logger.Debug("route evicted",
		logging.KeyDeviceID, e.key.DeviceID,
		logging.KeyClientID, e.key.ClientID,
		logging.KeyServerID, e.target.String())
	p.drop(e)
}

func (p *LocalPort) drop(e *routeEntry) {
	e.subs.Reset()
	e.stream.Close()
}

// SweepIdle evicts routes unused since now minus the idle timeout and
// returns how many were removed.
func (p *LocalPort) SweepIdle(now time.Time) int {
	if p.cfg.IdleTimeout <= 0 {
		return 0
	}

	p.mu.Lock()
	idle := p.routes.removeIdle(now.Add(-p.cfg.IdleTimeout))
	p.mu.Unlock()

	for _, e := range idle {
		p.metrics.RecordRouteEvict("idle")
		p.drop(e)
	}
	if len(idle) > 0 {
		p.logger.Debug("idle routes evicted", logging.KeyCount, len(idle))
	}
	return len(idle)
}

// Len returns the number of open routes.
func (p *LocalPort) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routes.len()
}

// Routes returns the open route keys in order.
func (p *LocalPort) Routes() []RouteKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.routes.keys()
}

// Close evicts every route. Later input is ignored.
func (p *LocalPort) Close() {
	p.mu.Lock()
	p.closed = true
	all := p.routes.removeAll()
	p.mu.Unlock()

	for _, e := range all {
		p.drop(e)
	}
}
