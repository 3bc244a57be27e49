package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/recovery"
	"github.com/postalsys/aether-gateway/internal/stream"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// SelectConfig tunes a ChannelSelectStream.
type SelectConfig struct {
	DialTimeout time.Duration
	RedialRate  float64 // dial attempts per second
	RedialBurst int
	ReadBuffer  int
}

// DefaultSelectConfig returns sensible defaults.
func DefaultSelectConfig() SelectConfig {
	return SelectConfig{
		DialTimeout: 10 * time.Second,
		RedialRate:  1,
		RedialBurst: 3,
		ReadBuffer:  4096,
	}
}

// ChannelSelectStream keeps one live channel to a server. It dials the
// candidate channels in order and fails over to the next one when a
// channel cannot be dialed or breaks. When every channel fails the stream
// reports stream.LinkError. Dial attempts are throttled by a token bucket.
type ChannelSelectStream struct {
	logger   *slog.Logger
	metrics  *metrics.Metrics
	channels *ChannelManager
	cfg      SelectConfig
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	info    stream.Info
	conn    transport.Conn
	current int
	gen     uint64
	closed  bool

	writeMu  sync.Mutex
	dataEv   event.Event[[]byte]
	updateEv event.Event[stream.Info]
}

// NewChannelSelectStream creates the stream and starts linking.
func NewChannelSelectStream(cm *ChannelManager, cfg SelectConfig, logger *slog.Logger, m *metrics.Metrics) *ChannelSelectStream {
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = DefaultSelectConfig().ReadBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultSelectConfig().DialTimeout
	}
	if cfg.RedialBurst < 1 {
		cfg.RedialBurst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &ChannelSelectStream{
		logger:   logging.Component(logger, "channel-select").With("server", cm.Server().String()),
		metrics:  m,
		channels: cm,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RedialRate), cfg.RedialBurst),
		ctx:      ctx,
		cancel:   cancel,
		info:     stream.Info{LinkState: stream.Unlinked, MaxElementSize: protocol.MaxPayload},
	}
	s.relink("initial link", false)
	return s
}

// relink drops the current channel and starts dialing again. With
// skipCurrent the search starts at the channel after the current one.
func (s *ChannelSelectStream) relink(reason string, skipCurrent bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	old := s.conn
	s.conn = nil
	start := s.current
	if skipCurrent {
		start++
	}
	s.info.LinkState = stream.Linking
	s.info.Channel = ""
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	s.logger.Debug("linking", "reason", reason)
	s.emitCurrent(gen)

	recovery.Go(s.logger, "channel-connect", func() { s.connect(gen, start) })
}

// emitCurrent publishes the current info unless gen has been superseded.
// Subscribers needing the exact state read Info when notified.
func (s *ChannelSelectStream) emitCurrent(gen uint64) {
	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	info := s.info
	s.mu.Unlock()
	s.updateEv.Emit(info)
}

// stale reports whether a goroutine started for gen has been superseded.
func (s *ChannelSelectStream) stale(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.gen != gen
}

func (s *ChannelSelectStream) connect(gen uint64, start int) {
	channels := s.channels.Channels()

	for i := 0; i < len(channels); i++ {
		idx := (start + i) % len(channels)
		ch := channels[idx]

		if err := s.limiter.Wait(s.ctx); err != nil {
			return
		}
		if s.stale(gen) {
			return
		}

		dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
		conn, err := ch.Dialer.Dial(dialCtx, ch.Endpoint)
		cancel()
		s.metrics.RecordChannelDial(ch.Endpoint.Protocol.String(), err == nil)
		if err != nil {
			s.logger.Debug("channel dial failed", logging.KeyChannel, ch.String(), logging.KeyError, err)
			continue
		}

		s.mu.Lock()
		if s.closed || s.gen != gen {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.current = idx
		s.info.LinkState = stream.Linked
		s.info.Channel = ch.String()
		s.mu.Unlock()

		s.logger.Info("channel linked", logging.KeyChannel, ch.String())
		s.emitCurrent(gen)
		recovery.Go(s.logger, "channel-read", func() { s.readLoop(gen, conn) })
		return
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		return
	}
	s.info.LinkState = stream.LinkError
	s.info.Channel = ""
	s.mu.Unlock()

	s.logger.Warn("all channels failed", logging.KeyCount, len(channels))
	s.emitCurrent(gen)
}

func (s *ChannelSelectStream) readLoop(gen uint64, conn transport.Conn) {
	buf := make([]byte, s.cfg.ReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.dataEv.Emit(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if s.stale(gen) {
				return
			}
			s.logger.Debug("channel read failed", logging.KeyError, err)
			s.relink("read failed", true)
			return
		}
	}
}

// Write sends data on the current channel.
func (s *ChannelSelectStream) Write(data []byte) *action.Action[struct{}] {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return action.Failed[struct{}](stream.ErrClosed)
	}
	if s.info.LinkState == stream.LinkError {
		s.mu.Unlock()
		return action.Failed[struct{}](stream.ErrLinkError)
	}
	conn, gen := s.conn, s.gen
	s.mu.Unlock()

	if conn == nil {
		return action.Failed[struct{}](stream.ErrNotLinked)
	}

	s.writeMu.Lock()
	_, err := conn.Write(data)
	s.writeMu.Unlock()

	if err != nil {
		if !s.stale(gen) {
			s.relink("write failed", true)
		}
		return action.Failed[struct{}](fmt.Errorf("channel write: %w", err))
	}
	return action.Resolved(struct{}{})
}

// Info returns the current stream info.
func (s *ChannelSelectStream) Info() stream.Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// DataEvent emits received elements.
func (s *ChannelSelectStream) DataEvent() event.Source[[]byte] {
	return &s.dataEv
}

// UpdateEvent emits link state changes.
func (s *ChannelSelectStream) UpdateEvent() event.Source[stream.Info] {
	return &s.updateEv
}

// Restream drops the current channel and selects the next one. It also
// revives a stream in LinkError.
func (s *ChannelSelectStream) Restream() {
	s.relink("restream", true)
}

// Close closes the active channel and stops linking.
func (s *ChannelSelectStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
