package gateway

import (
	"log/slog"
	"sync"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/stream"
)

// StreamSource resolves server targets to shared streams.
type StreamSource interface {
	GetStream(id protocol.ServerID, cache bool) *action.Action[*StreamRef]
	GetStreamByEndpoints(endpoints protocol.EndpointSet) *action.Action[*StreamRef]
}

// GwStream is a stable stream handle for a route. The server stream behind
// it is resolved on the first write; until then writes are buffered. A
// failed resolution puts the handle into LinkError.
type GwStream struct {
	src    StreamSource
	target protocol.Target
	buf    *stream.BufferStream
	logger *slog.Logger

	resolveOnce sync.Once

	mu     sync.Mutex
	ref    *StreamRef
	closed bool
}

// NewGwStream creates an unresolved handle for target.
func NewGwStream(src StreamSource, target protocol.Target, bufferLimit int, logger *slog.Logger) *GwStream {
	buf := stream.NewBufferStream(bufferLimit)
	buf.SetLinkState(stream.Linking)
	return &GwStream{
		src:    src,
		target: target,
		buf:    buf,
		logger: logger,
	}
}

// Target returns the server target the handle was built for.
func (g *GwStream) Target() protocol.Target {
	return g.target
}

func (g *GwStream) resolve() {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		return
	}

	var pending *action.Action[*StreamRef]
	switch t := g.target.(type) {
	case protocol.ByID:
		pending = g.src.GetStream(t.ID, true)
	case protocol.ByEndpoints:
		pending = g.src.GetStreamByEndpoints(t.Endpoints)
	default:
		panic("gateway: unknown target type")
	}

	pending.OnResult(func(ref *StreamRef) {
		g.mu.Lock()
		if g.closed {
			g.mu.Unlock()
			ref.Release()
			return
		}
		g.ref = ref
		g.mu.Unlock()
		g.buf.Tie(ref.Stream())
	})
	pending.OnError(func(err error) {
		g.logger.Debug("server stream resolution failed",
			logging.KeyServerID, g.target.String(),
			logging.KeyError, err)
		g.buf.SetLinkState(stream.LinkError)
	})
}

// Write queues data and starts resolution on first use.
func (g *GwStream) Write(data []byte) *action.Action[struct{}] {
	done := g.buf.Write(data)
	g.resolveOnce.Do(g.resolve)
	return done
}

func (g *GwStream) Info() stream.Info {
	return g.buf.Info()
}

func (g *GwStream) DataEvent() event.Source[[]byte] {
	return g.buf.DataEvent()
}

func (g *GwStream) UpdateEvent() event.Source[stream.Info] {
	return g.buf.UpdateEvent()
}

// Restream forwards to the resolved server stream.
func (g *GwStream) Restream() {
	g.buf.Restream()
}

// Close drops buffered writes and releases the server stream reference.
// A reference resolved after Close is released on arrival.
func (g *GwStream) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	ref := g.ref
	g.ref = nil
	g.mu.Unlock()

	g.buf.Close()
	if ref != nil {
		ref.Release()
	}
	return nil
}
