// Package protocol defines gateway identifiers, server targets and the
// device envelope codec.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DeviceID addresses a local device within one gateway.
type DeviceID uint8

// ClientID identifies a client on a device.
type ClientID uint32

// ServerID identifies a cloud server. Zero means "no id yet".
type ServerID uint32

// Protocol is the transport protocol of an endpoint.
type Protocol uint8

const (
	ProtocolTCP  Protocol = 1
	ProtocolUDP  Protocol = 2
	ProtocolWS   Protocol = 3
	ProtocolQUIC Protocol = 4
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolWS:
		return "ws"
	case ProtocolQUIC:
		return "quic"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Valid reports whether p is a known protocol.
func (p Protocol) Valid() bool {
	return p >= ProtocolTCP && p <= ProtocolQUIC
}

// ParseProtocol parses a protocol name.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtocolTCP, nil
	case "udp":
		return ProtocolUDP, nil
	case "ws", "websocket":
		return ProtocolWS, nil
	case "quic":
		return ProtocolQUIC, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
	}
}

// Endpoint is one network address of a server.
type Endpoint struct {
	Protocol Protocol
	Host     string
	Port     uint16
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// String returns proto://host:port.
func (e Endpoint) String() string {
	return e.Protocol.String() + "://" + e.Address()
}

// ParseEndpoint parses proto://host:port.
func ParseEndpoint(s string) (Endpoint, error) {
	proto, addr, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("%w: missing protocol in %q", ErrInvalidEndpoint, s)
	}
	p, err := ParseProtocol(proto)
	if err != nil {
		return Endpoint{}, err
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return Endpoint{}, fmt.Errorf("%w: bad port in %q", ErrInvalidEndpoint, s)
	}
	if host == "" || len(host) > MaxHostLen {
		return Endpoint{}, fmt.Errorf("%w: bad host in %q", ErrInvalidEndpoint, s)
	}
	return Endpoint{Protocol: p, Host: host, Port: uint16(port)}, nil
}

func compareEndpoints(a, b Endpoint) int {
	if a.Protocol != b.Protocol {
		if a.Protocol < b.Protocol {
			return -1
		}
		return 1
	}
	if c := strings.Compare(a.Host, b.Host); c != 0 {
		return c
	}
	switch {
	case a.Port < b.Port:
		return -1
	case a.Port > b.Port:
		return 1
	}
	return 0
}

// EndpointSet is an unordered set of endpoints.
type EndpointSet []Endpoint

// Canonical returns a sorted, de-duplicated copy with lower-cased hosts.
func (s EndpointSet) Canonical() EndpointSet {
	out := make(EndpointSet, len(s))
	for i, e := range s {
		e.Host = strings.ToLower(e.Host)
		out[i] = e
	}
	slices.SortFunc(out, compareEndpoints)
	return slices.CompactFunc(out, func(a, b Endpoint) bool { return compareEndpoints(a, b) == 0 })
}

// Hash returns a stable 32-bit identity for the set. Order and duplicates
// do not affect the result.
func (s EndpointSet) Hash() uint32 {
	d := xxhash.New()
	var port [2]byte
	for _, e := range s.Canonical() {
		d.Write([]byte{byte(e.Protocol), byte(len(e.Host))})
		d.WriteString(e.Host)
		binary.BigEndian.PutUint16(port[:], e.Port)
		d.Write(port[:])
	}
	sum := d.Sum64()
	return uint32(sum) ^ uint32(sum>>32)
}

// String returns a comma-separated list.
func (s EndpointSet) String() string {
	parts := make([]string, len(s))
	for i, e := range s {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// Target selects a server either by id or by a raw endpoint set.
// Implemented by ByID and ByEndpoints only.
type Target interface {
	// Identity is the 32-bit key used for routing: the id itself for ByID,
	// the endpoint set hash for ByEndpoints.
	Identity() uint32
	String() string
	isTarget()
}

// ByID targets a known server id.
type ByID struct {
	ID ServerID
}

func (t ByID) Identity() uint32 { return uint32(t.ID) }
func (t ByID) String() string   { return fmt.Sprintf("server:%d", t.ID) }
func (ByID) isTarget()          {}

// ByEndpoints targets a server that has no id yet.
type ByEndpoints struct {
	Endpoints EndpointSet
}

func (t ByEndpoints) Identity() uint32 { return t.Endpoints.Hash() }
func (t ByEndpoints) String() string {
	return fmt.Sprintf("endpoints:%08x[%s]", t.Identity(), t.Endpoints)
}
func (ByEndpoints) isTarget() {}
