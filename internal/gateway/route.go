package gateway

import (
	"cmp"
	"fmt"
	"time"

	rb "github.com/glycerine/rbtree"

	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

// RouteKey identifies one multiplexed path between a local device, one of
// its clients and a server.
type RouteKey struct {
	DeviceID       protocol.DeviceID
	ClientID       protocol.ClientID
	ServerIdentity uint32
}

// Compare orders keys lexicographically on (device, client, server).
func (k RouteKey) Compare(o RouteKey) int {
	if c := cmp.Compare(k.DeviceID, o.DeviceID); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ClientID, o.ClientID); c != 0 {
		return c
	}
	return cmp.Compare(k.ServerIdentity, o.ServerIdentity)
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%d/%d/%08x", k.DeviceID, k.ClientID, k.ServerIdentity)
}

// routeEntry is the per-route state owned by LocalPort.
type routeEntry struct {
	key      RouteKey
	target   protocol.Target
	stream   *GwStream
	subs     event.Group
	lastUsed time.Time
}

// routeStore is an ordered map of routes. Callers serialize access.
type routeStore struct {
	tree *rb.Tree
}

func newRouteStore() *routeStore {
	return &routeStore{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return a.(*routeEntry).key.Compare(b.(*routeEntry).key)
		}),
	}
}

func (s *routeStore) get(key RouteKey) (*routeEntry, bool) {
	it, found := s.tree.FindGE_isEqual(&routeEntry{key: key})
	if !found {
		return nil, false
	}
	return it.Item().(*routeEntry), true
}

// insert adds e unless its key is already present.
func (s *routeStore) insert(e *routeEntry) bool {
	added, _ := s.tree.InsertGetIt(e)
	return added
}

// remove deletes the entry stored under key if it is e.
func (s *routeStore) remove(e *routeEntry) bool {
	it, found := s.tree.FindGE_isEqual(e)
	if !found || it.Item().(*routeEntry) != e {
		return false
	}
	s.tree.DeleteWithIterator(it)
	return true
}

func (s *routeStore) len() int {
	return s.tree.Len()
}

// removeIdle deletes and returns every entry last used before cutoff.
func (s *routeStore) removeIdle(cutoff time.Time) []*routeEntry {
	var idle []*routeEntry
	for it := s.tree.Min(); !it.Limit(); {
		e := it.Item().(*routeEntry)
		if e.lastUsed.Before(cutoff) {
			next := it.Next()
			s.tree.DeleteWithIterator(it)
			idle = append(idle, e)
			it = next
			continue
		}
		it = it.Next()
	}
	return idle
}

// removeAll empties the store and returns what it held.
func (s *routeStore) removeAll() []*routeEntry {
	var all []*routeEntry
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		all = append(all, it.Item().(*routeEntry))
	}
	s.tree.DeleteAll()
	return all
}

func (s *routeStore) keys() []RouteKey {
	keys := make([]RouteKey, 0, s.tree.Len())
	for it := s.tree.Min(); !it.Limit(); it = it.Next() {
		keys = append(keys, it.Item().(*routeEntry).key)
	}
	return keys
}
