package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/postalsys/aether-gateway/internal/protocol"
)

// netConn adapts a net.Conn.
type netConn struct {
	net.Conn
	proto protocol.Protocol
}

func (c *netConn) RemoteAddr() string          { return c.Conn.RemoteAddr().String() }
func (c *netConn) Protocol() protocol.Protocol { return c.proto }

// NetDialer dials TCP or UDP channels with net.Dialer.
type NetDialer struct {
	proto protocol.Protocol
	opts  DialOptions
}

// NewTCPDialer creates a TCP dialer.
func NewTCPDialer(opts DialOptions) *NetDialer {
	return &NetDialer{proto: protocol.ProtocolTCP, opts: opts}
}

// NewUDPDialer creates a UDP dialer. Each Write is one datagram.
func NewUDPDialer(opts DialOptions) *NetDialer {
	return &NetDialer{proto: protocol.ProtocolUDP, opts: opts}
}

// Protocol returns the dialer's protocol.
func (d *NetDialer) Protocol() protocol.Protocol {
	return d.proto
}

// Dial connects to ep.
func (d *NetDialer) Dial(ctx context.Context, ep protocol.Endpoint) (Conn, error) {
	if ep.Protocol != d.proto {
		return nil, fmt.Errorf("%s dialer cannot dial %s", d.proto, ep)
	}

	ctx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	var nd net.Dialer
	c, err := nd.DialContext(ctx, d.proto.String(), ep.Address())
	if err != nil {
		return nil, fmt.Errorf("%s dial failed: %w", d.proto, err)
	}
	return &netConn{Conn: c, proto: d.proto}, nil
}
