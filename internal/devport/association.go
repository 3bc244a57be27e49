package devport

import (
	"net"
	"sync"
	"time"

	"github.com/postalsys/aether-gateway/internal/protocol"
)

// association binds a remote UDP address to a device ID.
type association struct {
	id   protocol.DeviceID
	addr *net.UDPAddr

	mu           sync.Mutex
	createdAt    time.Time
	lastActivity time.Time
}

func newAssociation(id protocol.DeviceID, addr *net.UDPAddr, now time.Time) *association {
	return &association{
		id:           id,
		addr:         addr,
		createdAt:    now,
		lastActivity: now,
	}
}

func (a *association) touch(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = now
}

func (a *association) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// expired reports whether the association has been idle longer than timeout.
// A zero timeout never expires.
func (a *association) expired(now time.Time, timeout time.Duration) bool {
	if timeout == 0 {
		return false
	}
	return now.Sub(a.idleSince()) > timeout
}
