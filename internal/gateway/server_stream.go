package gateway

import (
	"log/slog"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/server"
	"github.com/postalsys/aether-gateway/internal/stream"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// ServerStream is the byte stream to one server. It selects among the
// server's channels and buffers writes while no channel is linked.
type ServerStream struct {
	srv *server.Server
	sel *server.ChannelSelectStream
	buf *stream.BufferStream
	m   *metrics.Metrics
}

// NewServerStream starts linking to srv over the transports registered in
// transports.
func NewServerStream(srv *server.Server, transports *transport.Registry, cfg server.SelectConfig, bufferLimit int, logger *slog.Logger, m *metrics.Metrics) *ServerStream {
	sel := server.NewChannelSelectStream(server.NewChannelManager(srv, transports), cfg, logger, m)
	buf := stream.NewBufferStream(bufferLimit)
	buf.Tie(sel)
	m.RecordServerStreamOpen()
	return &ServerStream{srv: srv, sel: sel, buf: buf, m: m}
}

// Server returns the server this stream connects to.
func (s *ServerStream) Server() *server.Server {
	return s.srv
}

func (s *ServerStream) Write(data []byte) *action.Action[struct{}] {
	return s.buf.Write(data)
}

func (s *ServerStream) Info() stream.Info {
	return s.buf.Info()
}

func (s *ServerStream) DataEvent() event.Source[[]byte] {
	return s.buf.DataEvent()
}

func (s *ServerStream) UpdateEvent() event.Source[stream.Info] {
	return s.buf.UpdateEvent()
}

// Restream forces a new channel selection. The stream keeps its identity.
func (s *ServerStream) Restream() {
	s.sel.Restream()
}

// Close closes the buffer and the selected channel.
func (s *ServerStream) Close() error {
	s.buf.Close()
	err := s.sel.Close()
	s.m.RecordServerStreamClose()
	return err
}
