// Package directory resolves server ids to network endpoints.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

var (
	// ErrNotFound is returned when the directory knows none of the requested servers.
	ErrNotFound = errors.New("server not found in directory")

	// ErrDisabled is returned by a client that has no directory configured.
	ErrDisabled = errors.New("directory disabled")
)

// ProtocolPort is one listening port of a server address.
type ProtocolPort struct {
	Protocol string `json:"protocol"`
	Port     uint16 `json:"port"`
}

// IPEntry is one address of a server with the ports served on it.
type IPEntry struct {
	IP               string         `json:"ip"`
	ProtocolAndPorts []ProtocolPort `json:"protocol_and_ports"`
}

// ServerDescriptor describes how a server can be reached.
type ServerDescriptor struct {
	ServerID protocol.ServerID `json:"server_id"`
	IPs      []IPEntry         `json:"ips"`
}

// Endpoints expands the descriptor into one endpoint per address and port.
// Entries with an unknown protocol are skipped.
func (d ServerDescriptor) Endpoints() protocol.EndpointSet {
	var out protocol.EndpointSet
	for _, ip := range d.IPs {
		for _, pp := range ip.ProtocolAndPorts {
			proto, err := protocol.ParseProtocol(pp.Protocol)
			if err != nil || pp.Port == 0 || ip.IP == "" {
				continue
			}
			out = append(out, protocol.Endpoint{Protocol: proto, Host: ip.IP, Port: pp.Port})
		}
	}
	return out
}

// Client queries server descriptors by id.
type Client interface {
	GetServers(ctx context.Context, ids []protocol.ServerID) ([]ServerDescriptor, error)
}

type getServersRequest struct {
	IDs []protocol.ServerID `json:"ids"`
}

type getServersResponse struct {
	Servers []ServerDescriptor `json:"servers"`
	Error   string             `json:"error,omitempty"`
}

// Requester is the request/reply part of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NATSClient resolves servers with a request/reply exchange on a subject.
type NATSClient struct {
	req     Requester
	subject string
	timeout time.Duration
	logger  *slog.Logger
}

// NewNATSClient creates a client sending requests through req.
func NewNATSClient(req Requester, subject string, timeout time.Duration, logger *slog.Logger) *NATSClient {
	return &NATSClient{
		req:     req,
		subject: subject,
		timeout: timeout,
		logger:  logging.Component(logger, "directory"),
	}
}

// Connect dials the NATS server described by cfg.
func Connect(cfg config.DirectoryConfig, logger *slog.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("aether-gateway"),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(-1),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if logger != nil {
		opts = append(opts,
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					logger.Warn("directory disconnected", logging.KeyError, err)
				}
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Info("directory reconnected", logging.KeyAddress, nc.ConnectedUrl())
			}),
		)
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect directory %s: %w", cfg.URL, err)
	}
	return nc, nil
}

// GetServers requests descriptors for ids.
func (c *NATSClient) GetServers(ctx context.Context, ids []protocol.ServerID) ([]ServerDescriptor, error) {
	data, err := json.Marshal(getServersRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	msg, err := c.req.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, fmt.Errorf("directory request: %w", err)
	}

	var resp getServersResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("directory: %s", resp.Error)
	}
	if len(resp.Servers) == 0 {
		return nil, ErrNotFound
	}

	c.logger.Debug("servers resolved",
		logging.KeyCount, len(resp.Servers),
		logging.KeyServerID, ids)
	return resp.Servers, nil
}

// Static serves descriptors from a fixed table.
type Static struct {
	mu      sync.RWMutex
	servers map[protocol.ServerID]ServerDescriptor
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{servers: make(map[protocol.ServerID]ServerDescriptor)}
}

// Add stores or replaces a descriptor.
func (s *Static) Add(d ServerDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[d.ServerID] = d
}

// GetServers returns the known descriptors among ids.
func (s *Static) GetServers(ctx context.Context, ids []protocol.ServerID) ([]ServerDescriptor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ServerDescriptor
	for _, id := range ids {
		if d, ok := s.servers[id]; ok {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Disabled is a client that always fails.
type Disabled struct{}

// GetServers implements Client.
func (Disabled) GetServers(context.Context, []protocol.ServerID) ([]ServerDescriptor, error) {
	return nil, ErrDisabled
}

// Descriptor builds a descriptor from an endpoint set, grouping ports by host.
func Descriptor(id protocol.ServerID, endpoints protocol.EndpointSet) ServerDescriptor {
	d := ServerDescriptor{ServerID: id}
	index := make(map[string]int)
	for _, ep := range endpoints {
		i, ok := index[ep.Host]
		if !ok {
			i = len(d.IPs)
			index[ep.Host] = i
			d.IPs = append(d.IPs, IPEntry{IP: ep.Host})
		}
		d.IPs[i].ProtocolAndPorts = append(d.IPs[i].ProtocolAndPorts,
			ProtocolPort{Protocol: ep.Protocol.String(), Port: ep.Port})
	}
	return d
}
