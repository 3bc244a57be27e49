// Package transport provides the physical channels a server stream can dial:
// TCP, UDP, WebSocket and QUIC.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// ErrNoDialer is returned when no dialer is registered for a protocol.
var ErrNoDialer = errors.New("no dialer for protocol")

// Conn is a dialed channel. Each Write sends one element; Read returns
// whatever the channel delivered next.
type Conn interface {
	io.ReadWriteCloser

	// RemoteAddr returns the dialed address.
	RemoteAddr() string

	// Protocol returns the transport protocol of the channel.
	Protocol() protocol.Protocol
}

// Dialer opens channels of one protocol.
type Dialer interface {
	Protocol() protocol.Protocol
	Dial(ctx context.Context, ep protocol.Endpoint) (Conn, error)
}

// DialOptions contains options shared by the dialers.
type DialOptions struct {
	// Timeout bounds each dial. Zero means no timeout beyond ctx.
	Timeout time.Duration

	// TLSConfig is used by QUIC. A nil config dials without verification.
	TLSConfig *tls.Config

	// ALPNProtocol is the QUIC ALPN identifier.
	ALPNProtocol string

	// WSPath is the HTTP path used for WebSocket channels.
	WSPath string

	// WSSubprotocol is the WebSocket subprotocol. Empty disables it.
	WSSubprotocol string

	// ReadLimit caps a single received WebSocket message.
	ReadLimit int64
}

// DefaultDialOptions returns DialOptions with sensible defaults.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		Timeout:       10 * time.Second,
		ALPNProtocol:  "aether",
		WSPath:        "/",
		WSSubprotocol: "aether",
		ReadLimit:     64 * 1024,
	}
}

func (o DialOptions) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return context.WithCancel(ctx)
}

// Registry maps protocols to dialers.
type Registry struct {
	mu      sync.RWMutex
	dialers map[protocol.Protocol]Dialer
}

// NewRegistry creates a registry holding dialers.
func NewRegistry(dialers ...Dialer) *Registry {
	r := &Registry{dialers: make(map[protocol.Protocol]Dialer)}
	for _, d := range dialers {
		r.Register(d)
	}
	return r
}

// DefaultRegistry returns a registry with every built-in dialer, or only
// the named ones when enabled is non-empty.
func DefaultRegistry(opts DialOptions, enabled []string) (*Registry, error) {
	all := []Dialer{
		NewTCPDialer(opts),
		NewUDPDialer(opts),
		NewWebSocketDialer(opts),
		NewQUICDialer(opts),
	}
	if len(enabled) == 0 {
		return NewRegistry(all...), nil
	}

	r := NewRegistry()
	for _, name := range enabled {
		p, err := protocol.ParseProtocol(name)
		if err != nil {
			return nil, err
		}
		for _, d := range all {
			if d.Protocol() == p {
				r.Register(d)
			}
		}
	}
	return r, nil
}

// RegistryFromConfig builds the registry described by the channels section.
func RegistryFromConfig(c config.ChannelsConfig) (*Registry, error) {
	opts := DefaultDialOptions()
	opts.Timeout = c.DialTimeout
	if c.WSPath != "" {
		opts.WSPath = c.WSPath
	}
	if c.QUICALPN != "" {
		opts.ALPNProtocol = c.QUICALPN
	}
	return DefaultRegistry(opts, c.Transports)
}

// Register adds or replaces the dialer for its protocol.
func (r *Registry) Register(d Dialer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[d.Protocol()] = d
}

// Lookup returns the dialer for p.
func (r *Registry) Lookup(p protocol.Protocol) (Dialer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.dialers[p]
	return d, ok
}

// Protocols returns the registered protocols in ascending order.
func (r *Registry) Protocols() []protocol.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.Protocol, 0, len(r.dialers))
	for p := range r.dialers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Dial dials ep with the matching dialer.
func (r *Registry) Dial(ctx context.Context, ep protocol.Endpoint) (Conn, error) {
	d, ok := r.Lookup(ep.Protocol)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDialer, ep.Protocol)
	}
	return d.Dial(ctx, ep)
}
