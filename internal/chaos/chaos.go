// Package chaos injects faults into transport channels for failover tests.
package chaos

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/transport"
)

// ErrInjected is returned by operations failed on purpose.
var ErrInjected = errors.New("chaos: injected fault")

// FaultType represents the type of fault to inject.
type FaultType int

const (
	// FaultDisconnect closes the channel on its next write.
	FaultDisconnect FaultType = iota
	// FaultDelay adds latency to dials.
	FaultDelay
	// FaultDialError fails a dial.
	FaultDialError
)

func (t FaultType) String() string {
	switch t {
	case FaultDisconnect:
		return "disconnect"
	case FaultDelay:
		return "delay"
	case FaultDialError:
		return "dial_error"
	default:
		return "none"
	}
}

// FaultConfig configures fault injection behavior.
type FaultConfig struct {
	// Probability is the chance of fault injection (0.0 to 1.0).
	Probability float64

	// Type is the type of fault to inject.
	Type FaultType

	// MinDelay and MaxDelay bound the latency added by FaultDelay.
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FaultInjector decides when faults fire.
type FaultInjector struct {
	mu        sync.Mutex
	configs   []FaultConfig
	enabled   bool
	rng       *rand.Rand
	faultHits map[FaultType]int64
}

// NewFaultInjector creates an enabled injector. A zero seed uses the clock.
func NewFaultInjector(seed int64, configs ...FaultConfig) *FaultInjector {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &FaultInjector{
		configs:   configs,
		enabled:   true,
		rng:       rand.New(rand.NewSource(seed)),
		faultHits: make(map[FaultType]int64),
	}
}

// Enable enables fault injection.
func (f *FaultInjector) Enable() {
	f.mu.Lock()
	f.enabled = true
	f.mu.Unlock()
}

// Disable disables fault injection.
func (f *FaultInjector) Disable() {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
}

// IsEnabled returns whether fault injection is enabled.
func (f *FaultInjector) IsEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// maybe reports whether a fault of type t fires and, for FaultDelay, how
// long to wait.
func (f *FaultInjector) maybe(t FaultType) (bool, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return false, 0
	}
	for _, c := range f.configs {
		if c.Type != t || f.rng.Float64() >= c.Probability {
			continue
		}
		f.faultHits[t]++
		delay := c.MinDelay
		if c.MaxDelay > c.MinDelay {
			delay += time.Duration(f.rng.Int63n(int64(c.MaxDelay - c.MinDelay)))
		}
		return true, delay
	}
	return false, 0
}

// Stats returns how often each fault fired.
func (f *FaultInjector) Stats() map[FaultType]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := make(map[FaultType]int64, len(f.faultHits))
	for k, v := range f.faultHits {
		stats[k] = v
	}
	return stats
}

// Reset clears the statistics.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	f.faultHits = make(map[FaultType]int64)
	f.mu.Unlock()
}

// Dialer wraps a transport.Dialer and injects faults into its dials and
// the channels it returns.
type Dialer struct {
	inner    transport.Dialer
	injector *FaultInjector
}

// WrapDialer wraps inner with injector.
func WrapDialer(inner transport.Dialer, injector *FaultInjector) *Dialer {
	return &Dialer{inner: inner, injector: injector}
}

// Protocol implements transport.Dialer.
func (d *Dialer) Protocol() protocol.Protocol {
	return d.inner.Protocol()
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, ep protocol.Endpoint) (transport.Conn, error) {
	if ok, delay := d.injector.maybe(FaultDelay); ok && delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if ok, _ := d.injector.maybe(FaultDialError); ok {
		return nil, ErrInjected
	}
	conn, err := d.inner.Dial(ctx, ep)
	if err != nil {
		return nil, err
	}
	return &faultConn{Conn: conn, injector: d.injector}, nil
}

type faultConn struct {
	transport.Conn
	injector *FaultInjector
}

func (c *faultConn) Write(p []byte) (int, error) {
	if ok, _ := c.injector.maybe(FaultDisconnect); ok {
		c.Conn.Close()
		return 0, ErrInjected
	}
	return c.Conn.Write(p)
}
