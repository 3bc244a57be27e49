package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/directory"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/recovery"
	"github.com/postalsys/aether-gateway/internal/server"
	"github.com/postalsys/aether-gateway/internal/stream"
)

// ErrNoEndpoints is returned when a resolved server has no usable endpoint.
var ErrNoEndpoints = errors.New("server has no usable endpoints")

// StreamFactory builds the stream for a server.
type StreamFactory func(srv *server.Server) stream.ByteStream

// sharedStream is a server stream shared by every StreamRef to it.
type sharedStream struct {
	id     protocol.ServerID
	stream stream.ByteStream
	refs   int
}

// StreamRef is a strong handle to a shared server stream. The stream is
// closed when the last reference is released.
type StreamRef struct {
	mgr    *ServerStreamManager
	shared *sharedStream
	once   sync.Once
}

// Stream returns the referenced stream.
func (r *StreamRef) Stream() stream.ByteStream {
	return r.shared.stream
}

// Release drops the reference. Extra calls are ignored.
func (r *StreamRef) Release() {
	r.once.Do(func() { r.mgr.release(r.shared) })
}

// ServerStreamManager maps server targets to streams. Streams resolved by
// id are cached for reuse while someone holds a reference to them; the
// cache itself never keeps a stream open.
type ServerStreamManager struct {
	servers   *server.Registry
	directory directory.Client
	factory   StreamFactory
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	cache map[protocol.ServerID]*sharedStream
}

// NewServerStreamManager creates a manager. A nil directory disables
// network resolution.
func NewServerStreamManager(servers *server.Registry, dir directory.Client, factory StreamFactory, logger *slog.Logger, m *metrics.Metrics) *ServerStreamManager {
	if dir == nil {
		dir = directory.Disabled{}
	}
	return &ServerStreamManager{
		servers:   servers,
		directory: dir,
		factory:   factory,
		logger:    logging.Component(logger, "server-streams"),
		metrics:   m,
		cache:     make(map[protocol.ServerID]*sharedStream),
	}
}

// openCache prunes entries nobody references or whose link has failed and
// returns the cache. Caller holds m.mu.
func (m *ServerStreamManager) openCache() map[protocol.ServerID]*sharedStream {
	for id, s := range m.cache {
		if s.refs == 0 || s.stream.Info().LinkState == stream.LinkError {
			delete(m.cache, id)
		}
	}
	return m.cache
}

// GetStream resolves id to a stream. With cache set, a live cached stream
// is returned at once. Otherwise the server registry is consulted, then
// the directory. A directory failure rejects the action; there is no
// retry.
func (m *ServerStreamManager) GetStream(id protocol.ServerID, cache bool) *action.Action[*StreamRef] {
	if cache {
		m.mu.Lock()
		if s, ok := m.openCache()[id]; ok {
			s.refs++
			m.mu.Unlock()
			m.metrics.RecordCacheLookup(true)
			return action.Resolved(&StreamRef{mgr: m, shared: s})
		}
		m.mu.Unlock()
		m.metrics.RecordCacheLookup(false)
	}

	result := action.New[*StreamRef]()
	go func() {
		var (
			ref *StreamRef
			err error
		)
		if perr := recovery.Call("resolve-server", func() { ref, err = m.resolve(id, cache) }); perr != nil {
			m.logger.Error("server resolution panicked", logging.KeyServerID, id, logging.KeyError, perr)
			err = perr
		}
		result.Complete(ref, err)
	}()
	return result
}

// resolve runs check-server-exists then request-server.
func (m *ServerStreamManager) resolve(id protocol.ServerID, cache bool) (*StreamRef, error) {
	start := time.Now()
	var srv *server.Server

	p := action.NewPipeline(fmt.Sprintf("resolve-server-%d", id),
		action.Stage{Name: "check_server_exists", Run: func(context.Context) error {
			srv, _ = m.servers.Get(id)
			return nil
		}},
		action.Stage{Name: "request_server", Run: func(ctx context.Context) error {
			if srv != nil {
				return nil
			}
			descs, err := m.directory.GetServers(ctx, []protocol.ServerID{id})
			if err != nil {
				return err
			}
			d, ok := pickDescriptor(descs, id)
			if !ok {
				return directory.ErrNotFound
			}
			eps := d.Endpoints()
			if len(eps) == 0 {
				return ErrNoEndpoints
			}
			srv = m.BuildServer(d.ServerID, eps)
			return nil
		}},
	)

	if err := p.Run(context.Background()); err != nil {
		var se *action.StageError
		if errors.As(err, &se) {
			m.metrics.RecordResolveError(se.Stage)
		}
		m.logger.Warn("server resolution failed",
			logging.KeyServerID, id,
			logging.KeyError, err)
		return nil, err
	}

	ref := m.adopt(id, srv, cache)
	m.metrics.RecordResolve(time.Since(start).Seconds())
	m.logger.Debug("server resolved",
		logging.KeyServerID, id,
		logging.KeyEndpoints, srv.Endpoints.String(),
		logging.KeyDuration, time.Since(start))
	return ref, nil
}

// adopt builds the stream for srv and records it in the cache under id.
// When cache is set and a live stream for id appeared meanwhile, that one
// is used instead.
func (m *ServerStreamManager) adopt(id protocol.ServerID, srv *server.Server, cache bool) *StreamRef {
	m.mu.Lock()
	if cache {
		if s, ok := m.openCache()[id]; ok {
			s.refs++
			m.mu.Unlock()
			return &StreamRef{mgr: m, shared: s}
		}
	}
	m.mu.Unlock()

	s := &sharedStream{id: id, stream: m.factory(srv), refs: 1}

	m.mu.Lock()
	if cache {
		if won, ok := m.openCache()[id]; ok {
			won.refs++
			m.mu.Unlock()
			if err := s.stream.Close(); err != nil {
				m.logger.Debug("close duplicate server stream", logging.KeyError, err)
			}
			return &StreamRef{mgr: m, shared: won}
		}
	}
	if _, ok := m.openCache()[id]; !ok {
		m.cache[id] = s
	}
	m.mu.Unlock()
	return &StreamRef{mgr: m, shared: s}
}

// pickDescriptor returns the descriptor for id from a directory answer.
func pickDescriptor(descs []directory.ServerDescriptor, id protocol.ServerID) (directory.ServerDescriptor, bool) {
	for _, d := range descs {
		if d.ServerID == id {
			return d, true
		}
	}
	return directory.ServerDescriptor{}, false
}

// GetStreamByEndpoints builds a fresh uncached stream. Distinct calls
// never share a stream.
func (m *ServerStreamManager) GetStreamByEndpoints(endpoints protocol.EndpointSet) *action.Action[*StreamRef] {
	if len(endpoints) == 0 {
		return action.Failed[*StreamRef](ErrNoEndpoints)
	}
	srv := m.BuildServer(0, endpoints)
	s := &sharedStream{stream: m.factory(srv), refs: 1}
	return action.Resolved(&StreamRef{mgr: m, shared: s})
}

// BuildServer returns the registered server for a nonzero id, or creates
// one from endpoints. New servers with a nonzero id are registered.
func (m *ServerStreamManager) BuildServer(id protocol.ServerID, endpoints protocol.EndpointSet) *server.Server {
	if id != 0 {
		if srv, ok := m.servers.Get(id); ok {
			return srv
		}
	}
	srv := server.New(id, endpoints)
	if id != 0 {
		m.servers.Add(srv)
	}
	return srv
}

func (m *ServerStreamManager) release(s *sharedStream) {
	m.mu.Lock()
	s.refs--
	last := s.refs == 0
	if last && m.cache[s.id] == s {
		delete(m.cache, s.id)
	}
	m.mu.Unlock()

	if last {
		if err := s.stream.Close(); err != nil {
			m.logger.Debug("close server stream", logging.KeyError, err)
		}
	}
}

// Cached returns the number of live cache entries.
func (m *ServerStreamManager) Cached() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openCache())
}
