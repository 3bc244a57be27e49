// Package agent wires the gateway core, device ports, LoRa modem and
// health server into one running process.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/devport"
	"github.com/postalsys/aether-gateway/internal/directory"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/health"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/lora"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/serial"
	"github.com/postalsys/aether-gateway/internal/server"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// loraStartTimeout bounds modem start and the initial socket opens.
const loraStartTimeout = 30 * time.Second

// Agent is the gateway process. It owns every component and starts and
// stops them in order.
type Agent struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	gather  prometheus.Gatherer

	servers    *server.Registry
	transports *transport.Registry
	dirConn    *nats.Conn
	gw         *gateway.Gateway

	// Device side
	bus       *devport.Bus
	busPort   *devport.BusPort
	udpPort   *devport.UDPPort
	loraDrv   lora.Driver
	bridge    *devport.LoRaBridge
	healthSrv *health.Server

	startedAt time.Time

	// State
	running  atomic.Bool
	stopOnce sync.Once
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger replaces the logger built from the config.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithMetricsRegistry registers metrics on reg instead of the default
// registry. /metrics serves reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(a *Agent) {
		a.metrics = metrics.NewMetricsWithRegistry(reg)
		a.gather = reg
	}
}

// WithBus attaches an in-process device bus to the router.
func WithBus(bus *devport.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// New creates a new agent with the given configuration.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = logging.NewLogger(cfg.Gateway.LogLevel, cfg.Gateway.LogFormat)
	}
	if a.metrics == nil {
		a.metrics = metrics.Default()
	}

	if err := a.initComponents(); err != nil {
		return nil, err
	}
	return a, nil
}

// initComponents builds the gateway core. Device ports and the modem are
// opened by Start.
func (a *Agent) initComponents() error {
	transports, err := transport.RegistryFromConfig(a.cfg.Channels)
	if err != nil {
		return fmt.Errorf("transports: %w", err)
	}
	a.transports = transports

	a.servers = server.NewRegistry()
	for _, sc := range a.cfg.Servers {
		endpoints := make(protocol.EndpointSet, 0, len(sc.Endpoints))
		for _, raw := range sc.Endpoints {
			ep, err := protocol.ParseEndpoint(raw)
			if err != nil {
				return fmt.Errorf("server %d: %w", sc.ID, err)
			}
			endpoints = append(endpoints, ep)
		}
		a.servers.Add(server.New(protocol.ServerID(sc.ID), endpoints))
	}

	var dir directory.Client = directory.Disabled{}
	if a.cfg.Directory.Enabled {
		nc, err := directory.Connect(a.cfg.Directory, a.logger)
		if err != nil {
			return err
		}
		a.dirConn = nc
		dir = directory.NewNATSClient(nc, a.cfg.Directory.Subject, a.cfg.Directory.Timeout, a.logger)
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.RouteIdleTimeout = a.cfg.Gateway.RouteIdleTimeout
	gwCfg.SweepInterval = a.cfg.Gateway.SweepInterval
	gwCfg.WriteBufferLimit = a.cfg.Gateway.WriteBufferLimit
	gwCfg.Select.DialTimeout = a.cfg.Channels.DialTimeout
	gwCfg.Select.RedialRate = a.cfg.Channels.RedialRate
	gwCfg.Select.RedialBurst = a.cfg.Channels.RedialBurst
	if a.cfg.Channels.ReadBuffer > 0 {
		gwCfg.Select.ReadBuffer = a.cfg.Channels.ReadBuffer
	}
	a.gw = gateway.New(gwCfg, a.servers, a.transports, dir, a.logger, a.metrics)

	if a.cfg.Health.Enabled {
		hc := health.ServerConfigFrom(a.cfg.Health)
		hc.Gatherer = a.gather
		a.healthSrv = health.NewServer(hc, &agentStatsProvider{agent: a}, a.logger)
	}
	return nil
}

// Start starts all agent components. A component that fails to start
// stops the ones already running.
func (a *Agent) Start() error {
	if a.running.Load() {
		return fmt.Errorf("agent already running")
	}
	a.running.Store(true)
	a.startedAt = time.Now()

	a.logger.Info("starting agent",
		logging.KeyComponent, "agent",
		logging.KeyCount, a.servers.Len())

	a.gw.Start()
	router := a.gw.LocalPort()

	if a.bus != nil {
		a.busPort = devport.NewBusPort(a.bus, router, a.logger)
	}

	if a.cfg.Devices.UDPListen != "" {
		port, err := devport.ListenUDP(devport.FromConfig(a.cfg.Devices), router, a.logger, a.metrics)
		if err != nil {
			a.logger.Error("failed to start device port",
				logging.KeyAddress, a.cfg.Devices.UDPListen,
				logging.KeyError, err)
			a.abortStart()
			return fmt.Errorf("start device port: %w", err)
		}
		a.udpPort = port
	}

	if a.cfg.LoRa.Enabled {
		if err := a.startLoRa(router); err != nil {
			a.logger.Error("failed to start lora modem",
				logging.KeyAddress, a.cfg.LoRa.Serial.Port,
				logging.KeyError, err)
			a.abortStart()
			return fmt.Errorf("start lora: %w", err)
		}
	}

	if a.healthSrv != nil {
		if err := a.healthSrv.Start(); err != nil {
			a.logger.Error("failed to start HTTP server",
				logging.KeyAddress, a.cfg.Health.Address,
				logging.KeyError, err)
			a.abortStart()
			return fmt.Errorf("start HTTP server: %w", err)
		}
		a.logger.Info("HTTP server started",
			logging.KeyAddress, a.healthSrv.Address())
	}

	a.logger.Info("agent started",
		"servers", a.servers.Len(),
		"udp", a.udpPort != nil,
		"lora", a.loraDrv != nil)
	return nil
}

func (a *Agent) startLoRa(router devport.Router) error {
	settings, err := lora.SettingsFromConfig(a.cfg.LoRa)
	if err != nil {
		return err
	}
	endpoints := make([]protocol.Endpoint, 0, len(a.cfg.LoRa.Connect))
	for _, raw := range a.cfg.LoRa.Connect {
		ep, err := protocol.ParseEndpoint(raw)
		if err != nil {
			return err
		}
		endpoints = append(endpoints, ep)
	}

	port, err := serial.Open(a.cfg.LoRa.Serial)
	if err != nil {
		return err
	}
	drv, err := lora.NewDriver(a.cfg.LoRa.Driver, port, settings, a.logger, a.metrics)
	if err != nil {
		port.Close()
		return err
	}
	a.loraDrv = drv
	a.bridge = devport.NewLoRaBridge(drv, router, a.logger)

	ctx, cancel := context.WithTimeout(context.Background(), loraStartTimeout)
	defer cancel()
	if _, err := drv.Start().Wait(ctx); err != nil {
		return err
	}
	if err := a.bridge.Open(ctx, endpoints); err != nil {
		// Connections that opened keep serving.
		a.logger.Warn("some lora connections failed", logging.KeyError, err)
	}
	a.logger.Info("lora modem started",
		logging.KeyAddress, port.Name(),
		logging.KeyCount, a.bridge.Connections())
	return nil
}

// abortStart tears down whatever Start brought up before failing.
func (a *Agent) abortStart() {
	a.shutdown()
	a.running.Store(false)
}

// Stop gracefully stops the agent.
func (a *Agent) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.logger.Info("stopping agent")
		a.running.Store(false)
		err = a.shutdown()
		a.logger.Info("agent stopped")
	})
	return err
}

// shutdown stops components in reverse start order.
func (a *Agent) shutdown() error {
	var errs []error

	if a.healthSrv != nil {
		if err := a.healthSrv.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop HTTP server: %w", err))
		}
	}

	if a.loraDrv != nil {
		a.bridge.Close()
		ctx, cancel := context.WithTimeout(context.Background(), loraStartTimeout)
		if _, err := a.loraDrv.Stop().Wait(ctx); err != nil {
			a.logger.Warn("lora stop failed", logging.KeyError, err)
		}
		cancel()
		if err := a.loraDrv.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close lora: %w", err))
		}
		a.loraDrv = nil
	}

	if a.udpPort != nil {
		if err := a.udpPort.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close device port: %w", err))
		}
	}

	if a.busPort != nil {
		a.busPort.Close()
	}

	a.gw.Stop()

	if a.dirConn != nil {
		a.dirConn.Close()
	}
	return errors.Join(errs...)
}

// StopWithContext stops with a timeout.
func (a *Agent) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- a.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the agent is running.
func (a *Agent) IsRunning() bool {
	return a.running.Load()
}

// Gateway returns the gateway core.
func (a *Agent) Gateway() *gateway.Gateway {
	return a.gw
}

// DeviceAddr returns the UDP device port address, or "" when it is not
// listening.
func (a *Agent) DeviceAddr() string {
	if a.udpPort == nil {
		return ""
	}
	return a.udpPort.Addr().String()
}

// HealthServerAddress returns the bound health server address, or "".
func (a *Agent) HealthServerAddress() string {
	if a.healthSrv == nil || a.healthSrv.Address() == nil {
		return ""
	}
	return a.healthSrv.Address().String()
}

// loraStatus is implemented by drivers that report their lifecycle.
type loraStatus interface {
	State() string
	ATMode() lora.ATMode
}

// Stats returns health statistics for the health.StatsProvider interface.
func (a *Agent) Stats() health.Stats {
	gs := a.gw.Stats()
	s := health.Stats{
		StartedAt:     a.startedAt,
		Routes:        gs.Routes,
		CachedStreams: gs.CachedStreams,
		KnownServers:  gs.KnownServers,
	}
	if a.udpPort != nil {
		s.UDPDevices = a.udpPort.Devices()
	}
	if a.bridge != nil {
		s.LoRaConnections = a.bridge.Connections()
	}
	if st, ok := a.loraDrv.(loraStatus); ok {
		s.LoRaState = st.State()
		s.LoRaATMode = st.ATMode().String()
	}
	return s
}

// Routes lists the live routes for /routes.
func (a *Agent) Routes() []string {
	keys := a.gw.LocalPort().Routes()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

// agentStatsProvider adapts Agent to health.StatsProvider interface.
type agentStatsProvider struct {
	agent *Agent
}

// IsRunning implements health.StatsProvider.
func (p *agentStatsProvider) IsRunning() bool {
	return p.agent.IsRunning()
}

// Stats implements health.StatsProvider.
func (p *agentStatsProvider) Stats() health.Stats {
	return p.agent.Stats()
}

// Routes implements health.RouteLister.
func (p *agentStatsProvider) Routes() []string {
	return p.agent.Routes()
}
