package transport

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"github.com/postalsys/aether-gateway/internal/protocol"
)

// WebSocketDialer dials ws:// channels carrying binary messages.
type WebSocketDialer struct {
	opts DialOptions
}

// NewWebSocketDialer creates a WebSocket dialer.
func NewWebSocketDialer(opts DialOptions) *WebSocketDialer {
	return &WebSocketDialer{opts: opts}
}

// Protocol returns ProtocolWS.
func (d *WebSocketDialer) Protocol() protocol.Protocol {
	return protocol.ProtocolWS
}

// Dial connects to ep.
func (d *WebSocketDialer) Dial(ctx context.Context, ep protocol.Endpoint) (Conn, error) {
	dialCtx, cancel := d.opts.withTimeout(ctx)
	defer cancel()

	var dialOpts websocket.DialOptions
	if d.opts.WSSubprotocol != "" {
		dialOpts.Subprotocols = []string{d.opts.WSSubprotocol}
	}

	url := websocketURL(ep, d.opts.WSPath)
	conn, _, err := websocket.Dial(dialCtx, url, &dialOpts)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial failed: %w", err)
	}
	if d.opts.ReadLimit > 0 {
		conn.SetReadLimit(d.opts.ReadLimit)
	}

	// the connection outlives the dial context
	connCtx, connCancel := context.WithCancel(context.Background())
	return &wsConn{conn: conn, ctx: connCtx, cancel: connCancel, addr: url}, nil
}

func websocketURL(ep protocol.Endpoint, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "ws://" + ep.Address() + path
}

// wsConn reads one binary message at a time and writes each element as
// one binary message.
type wsConn struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	addr   string

	readMu sync.Mutex
	reader io.Reader
	closed atomic.Bool
}

func (c *wsConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			msgType, r, err := c.conn.Reader(c.ctx)
			if err != nil {
				return 0, err
			}
			if msgType != websocket.MessageBinary {
				return 0, fmt.Errorf("unexpected message type: %v", msgType)
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, fmt.Errorf("channel closed")
	}
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	defer c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "channel closed")
}

func (c *wsConn) RemoteAddr() string          { return c.addr }
func (c *wsConn) Protocol() protocol.Protocol { return protocol.ProtocolWS }
