// Package gateway routes local device traffic to servers over shared,
// lazily resolved streams.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/directory"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/recovery"
	"github.com/postalsys/aether-gateway/internal/server"
	"github.com/postalsys/aether-gateway/internal/stream"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// Config holds the gateway core settings.
type Config struct {
	RouteIdleTimeout time.Duration
	SweepInterval    time.Duration
	WriteBufferLimit int
	Select           server.SelectConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RouteIdleTimeout: 10 * time.Minute,
		SweepInterval:    30 * time.Second,
		WriteBufferLimit: 64,
		Select:           server.DefaultSelectConfig(),
	}
}

// Stats is a snapshot of the gateway core.
type Stats struct {
	Routes        int
	CachedStreams int
	KnownServers  int
}

// Gateway owns the local port and the server stream manager. Both are
// created on first use.
type Gateway struct {
	cfg        Config
	servers    *server.Registry
	transports *transport.Registry
	directory  directory.Client
	factory    StreamFactory
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	localPort *LocalPort
	manager   *ServerStreamManager
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithStreamFactory replaces the factory building server streams.
func WithStreamFactory(f StreamFactory) Option {
	return func(g *Gateway) { g.factory = f }
}

// New creates a gateway. servers holds the statically known servers.
func New(cfg Config, servers *server.Registry, transports *transport.Registry, dir directory.Client, logger *slog.Logger, m *metrics.Metrics, opts ...Option) *Gateway {
	if servers == nil {
		servers = server.NewRegistry()
	}
	g := &Gateway{
		cfg:        cfg,
		servers:    servers,
		transports: transports,
		directory:  dir,
		logger:     logging.Component(logger, "gateway"),
		metrics:    m,
	}
	g.factory = g.newServerStream
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) newServerStream(srv *server.Server) stream.ByteStream {
	return NewServerStream(srv, g.transports, g.cfg.Select, g.cfg.WriteBufferLimit, g.logger, g.metrics)
}

// StreamManager returns the server stream manager.
func (g *Gateway) StreamManager() *ServerStreamManager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.streamManagerLocked()
}

func (g *Gateway) streamManagerLocked() *ServerStreamManager {
	if g.manager == nil {
		g.manager = NewServerStreamManager(g.servers, g.directory, g.factory, g.logger, g.metrics)
	}
	return g.manager
}

// LocalPort returns the device router.
func (g *Gateway) LocalPort() *LocalPort {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.localPort == nil {
		g.localPort = NewLocalPort(g.streamManagerLocked(), LocalPortConfig{
			IdleTimeout:      g.cfg.RouteIdleTimeout,
			WriteBufferLimit: g.cfg.WriteBufferLimit,
		}, g.logger, g.metrics)
	}
	return g.localPort
}

// Start runs the idle route sweep until Stop.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil || g.cfg.RouteIdleTimeout <= 0 || g.cfg.SweepInterval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer recovery.RecoverWithLog(g.logger, "gateway.sweep")
		g.sweepLoop(ctx)
	}()
}

func (g *Gateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.LocalPort().SweepIdle(now)
		}
	}
}

// Stop ends the sweep and closes every route.
func (g *Gateway) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.cancel = nil
	lp := g.localPort
	g.mu.Unlock()

	if cancel != nil {
		cancel()
		g.wg.Wait()
	}
	if lp != nil {
		lp.Close()
	}
}

// Stats returns a snapshot of the gateway.
func (g *Gateway) Stats() Stats {
	return Stats{
		Routes:        g.LocalPort().Len(),
		CachedStreams: g.StreamManager().Cached(),
		KnownServers:  g.servers.Len(),
	}
}
