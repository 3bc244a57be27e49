package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/postalsys/aether-gateway/internal/protocol"
)

// Default QUIC configuration values
const (
	DefaultMaxIdleTimeout  = 60 * time.Second
	DefaultKeepAlivePeriod = 30 * time.Second
)

// QUICDialer dials QUIC channels. Each channel is one bidirectional stream
// on its own connection.
type QUICDialer struct {
	opts DialOptions
}

// NewQUICDialer creates a QUIC dialer.
func NewQUICDialer(opts DialOptions) *QUICDialer {
	return &QUICDialer{opts: opts}
}

// Protocol returns ProtocolQUIC.
func (d *QUICDialer) Protocol() protocol.Protocol {
	return protocol.ProtocolQUIC
}

// Dial connects to ep and opens a stream.
func (d *QUICDialer) Dial(ctx context.Context, ep protocol.Endpoint) (Conn, error) {
	tlsConfig := d.opts.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{d.opts.ALPNProtocol},
			MinVersion:         tls.VersionTLS13,
		}
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        DefaultMaxIdleTimeout,
		KeepAlivePeriod:       DefaultKeepAlivePeriod,
		MaxIncomingUniStreams: -1,
	}

	ctx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	conn, err := quic.DialAddr(ctx, ep.Address(), tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("QUIC dial failed: %w", err)
	}

	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("QUIC stream open failed: %w", err)
	}

	return &quicConn{conn: conn, stream: st, addr: ep.Address()}, nil
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
	addr   string

	closeOnce sync.Once
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) RemoteAddr() string          { return c.addr }
func (c *quicConn) Protocol() protocol.Protocol { return protocol.ProtocolQUIC }

func (c *quicConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		err = c.stream.Close()
		c.conn.CloseWithError(0, "channel closed")
	})
	return err
}
