package devport

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/metrics"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/recovery"
)

// ErrNoDeviceIDs is returned when every device ID is held by an active address.
var ErrNoDeviceIDs = errors.New("devport: no free device ids")

// UDPPort serves devices over UDP. The first datagram from an address
// assigns it a device ID; replies go back to that address.
type UDPPort struct {
	cfg     Config
	router  Router
	logger  *slog.Logger
	metrics *metrics.Metrics
	conn    *net.UDPConn
	now     func() time.Time
	sub     *event.Subscription

	mu     sync.Mutex
	byID   map[protocol.DeviceID]*association
	byAddr map[string]*association
	closed bool
	done   chan struct{}
}

// ListenUDP binds cfg.Listen and starts serving devices into router.
func ListenUDP(cfg Config, router Router, logger *slog.Logger, m *metrics.Metrics) (*UDPPort, error) {
	if cfg.MaxDatagramSize <= 0 {
		cfg.MaxDatagramSize = DefaultConfig().MaxDatagramSize
	}
	addr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", cfg.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	p := &UDPPort{
		cfg:     cfg,
		router:  router,
		logger:  logging.Component(logger, "devport.udp"),
		metrics: m,
		conn:    conn,
		now:     time.Now,
		byID:    make(map[protocol.DeviceID]*association),
		byAddr:  make(map[string]*association),
		done:    make(chan struct{}),
	}
	p.sub = router.Output().Subscribe(p.deliver)
	recovery.Go(p.logger, "devport.udp.read", p.readLoop)

	p.logger.Info("device port listening", logging.KeyAddress, conn.LocalAddr().String())
	return p, nil
}

// Addr returns the bound address.
func (p *UDPPort) Addr() net.Addr {
	return p.conn.LocalAddr()
}

// Devices returns the number of associated device addresses.
func (p *UDPPort) Devices() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// Close stops serving. Device associations are forgotten.
func (p *UDPPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.sub.Unsubscribe()
	err := p.conn.Close()
	<-p.done

	p.mu.Lock()
	clear(p.byID)
	clear(p.byAddr)
	p.mu.Unlock()
	return err
}

func (p *UDPPort) readLoop() {
	defer close(p.done)

	buf := make([]byte, p.cfg.MaxDatagramSize)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Debug("device read failed", logging.KeyError, err)
			continue
		}

		a, err := p.associate(addr)
		if err != nil {
			p.metrics.RecordEnvelopeDrop("no_device_id")
			p.logger.Warn("dropping datagram",
				logging.KeyRemoteAddr, addr.String(),
				logging.KeyError, err)
			continue
		}
		p.router.Input(a.id, bytes.Clone(buf[:n]))
	}
}

// associate returns the association for addr, creating one if needed. When
// every ID is taken the longest idle expired association is reclaimed.
func (p *UDPPort) associate(addr *net.UDPAddr) (*association, error) {
	now := p.now()
	key := addr.String()

	p.mu.Lock()
	defer p.mu.Unlock()

	if a, ok := p.byAddr[key]; ok {
		a.touch(now)
		return a, nil
	}

	id, ok := p.freeIDLocked()
	if !ok {
		victim := p.oldestExpiredLocked(now)
		if victim == nil {
			return nil, ErrNoDeviceIDs
		}
		delete(p.byAddr, victim.addr.String())
		delete(p.byID, victim.id)
		p.logger.Debug("reclaimed idle device id",
			logging.KeyDeviceID, victim.id,
			logging.KeyRemoteAddr, victim.addr.String())
		id = victim.id
	}

	a := newAssociation(id, addr, now)
	p.byID[id] = a
	p.byAddr[key] = a
	p.logger.Debug("device associated", logging.KeyDeviceID, id, logging.KeyRemoteAddr, key)
	return a, nil
}

func (p *UDPPort) freeIDLocked() (protocol.DeviceID, bool) {
	for id := FirstDevice; id <= LastDevice; id++ {
		if _, used := p.byID[id]; !used {
			return id, true
		}
	}
	return 0, false
}

func (p *UDPPort) oldestExpiredLocked(now time.Time) *association {
	var oldest *association
	for _, a := range p.byID {
		if !a.expired(now, p.cfg.IdleTimeout) {
			continue
		}
		if oldest == nil || a.idleSince().Before(oldest.idleSince()) {
			oldest = a
		}
	}
	return oldest
}

func (p *UDPPort) deliver(d gateway.DeviceData) {
	p.mu.Lock()
	a, ok := p.byID[d.DeviceID]
	closed := p.closed
	p.mu.Unlock()
	if !ok || closed {
		return
	}

	if _, err := p.conn.WriteToUDP(d.Data, a.addr); err != nil {
		p.logger.Debug("device write failed",
			logging.KeyDeviceID, d.DeviceID,
			logging.KeyRemoteAddr, a.addr.String(),
			logging.KeyError, err)
	}
}
