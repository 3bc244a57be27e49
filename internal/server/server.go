// Package server models cloud servers, their candidate channels and the
// channel-selecting stream used to reach them.
package server

import (
	"fmt"
	"slices"
	"sync"

	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// Server is a cloud server known by id and/or endpoints.
type Server struct {
	ID        protocol.ServerID
	Endpoints protocol.EndpointSet
}

// New creates a server. The endpoint slice is copied.
func New(id protocol.ServerID, endpoints protocol.EndpointSet) *Server {
	return &Server{ID: id, Endpoints: slices.Clone(endpoints)}
}

// String returns a short description for logs.
func (s *Server) String() string {
	if s.ID != 0 {
		return fmt.Sprintf("server:%d", s.ID)
	}
	return fmt.Sprintf("server:[%s]", s.Endpoints)
}

// Registry holds servers with known ids.
type Registry struct {
	mu      sync.RWMutex
	servers map[protocol.ServerID]*Server
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[protocol.ServerID]*Server)}
}

// Get returns the server registered under id.
func (r *Registry) Get(id protocol.ServerID) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[id]
	return s, ok
}

// Add registers s under its id. Servers without an id are ignored.
func (r *Registry) Add(s *Server) {
	if s == nil || s.ID == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID] = s
}

// Remove forgets the server registered under id.
func (r *Registry) Remove(id protocol.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

// Len returns the number of registered servers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []protocol.ServerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.ServerID, 0, len(r.servers))
	for id := range r.servers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Channel is one dialable path to a server.
type Channel struct {
	Endpoint protocol.Endpoint
	Dialer   transport.Dialer
}

// String returns the channel endpoint.
func (c Channel) String() string {
	return c.Endpoint.String()
}

// ChannelManager enumerates the channels usable for a server given the
// registered transports.
type ChannelManager struct {
	server     *Server
	transports *transport.Registry
}

// NewChannelManager creates a channel manager for srv.
func NewChannelManager(srv *Server, transports *transport.Registry) *ChannelManager {
	return &ChannelManager{server: srv, transports: transports}
}

// Server returns the managed server.
func (m *ChannelManager) Server() *Server {
	return m.server
}

// Channels returns one channel per endpoint with a registered transport,
// in endpoint order.
func (m *ChannelManager) Channels() []Channel {
	var out []Channel
	for _, ep := range m.server.Endpoints {
		d, ok := m.transports.Lookup(ep.Protocol)
		if !ok {
			continue
		}
		out = append(out, Channel{Endpoint: ep, Dialer: d})
	}
	return out
}
