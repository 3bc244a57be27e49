package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrInvalidEnvelope is returned when an envelope is malformed.
	ErrInvalidEnvelope = errors.New("invalid envelope")

	// ErrPayloadTooLarge is returned when a payload exceeds MaxPayload.
	ErrPayloadTooLarge = errors.New("envelope payload exceeds maximum size")

	// ErrUnknownType is returned for unrecognised envelope types.
	ErrUnknownType = errors.New("unknown envelope type")

	// ErrUnknownProtocol is returned for unrecognised endpoint protocols.
	ErrUnknownProtocol = errors.New("unknown protocol")

	// ErrInvalidEndpoint is returned for unparsable endpoints.
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)

const (
	// MaxPayload is the largest payload carried in one envelope.
	MaxPayload = 400

	// MaxHostLen is the longest endpoint host an envelope can carry.
	MaxHostLen = 255

	// MaxEndpoints is the most endpoints a ToServer envelope can carry.
	MaxEndpoints = 255

	headerSize = 5 // type + client id
)

// MsgType identifies an envelope.
type MsgType uint8

const (
	MsgToServerID   MsgType = 0x01
	MsgToServer     MsgType = 0x02
	MsgFromServerID MsgType = 0x11
	MsgFromServer   MsgType = 0x12
)

// String returns the metric-friendly name of the type.
func (t MsgType) String() string {
	switch t {
	case MsgToServerID:
		return "to_server_id"
	case MsgToServer:
		return "to_server"
	case MsgFromServerID:
		return "from_server_id"
	case MsgFromServer:
		return "from_server"
	default:
		return fmt.Sprintf("type(0x%02x)", uint8(t))
	}
}

// Inbound reports whether the type travels from device to server.
func (t MsgType) Inbound() bool {
	return t == MsgToServerID || t == MsgToServer
}

// Envelope is the dispatch wrapper exchanged with local devices.
//
// Wire format, big-endian:
//
//	Type        [1 byte]
//	ClientID    [4 bytes]
//	Target      ToServerID/FromServerID: server id [4 bytes]
//	            FromServer: endpoint hash [4 bytes]
//	            ToServer: count [1 byte], then per endpoint
//	                      protocol [1], host length [1], host, port [2]
//	PayloadLen  [2 bytes]
//	Payload     [PayloadLen bytes]
type Envelope struct {
	Type      MsgType
	ClientID  ClientID
	ServerID  ServerID    // ToServerID, FromServerID
	Endpoints EndpointSet // ToServer
	Hash      uint32      // FromServer
	Payload   []byte
}

// ToServer builds the inbound envelope addressing target.
func ToServer(client ClientID, target Target, payload []byte) Envelope {
	switch t := target.(type) {
	case ByID:
		return Envelope{Type: MsgToServerID, ClientID: client, ServerID: t.ID, Payload: payload}
	case ByEndpoints:
		return Envelope{Type: MsgToServer, ClientID: client, Endpoints: t.Endpoints, Payload: payload}
	default:
		panic(fmt.Sprintf("protocol: unknown target %T", target))
	}
}

// FromServer builds the outbound envelope tagged the way target was addressed.
func FromServer(client ClientID, target Target, payload []byte) Envelope {
	switch t := target.(type) {
	case ByID:
		return Envelope{Type: MsgFromServerID, ClientID: client, ServerID: t.ID, Payload: payload}
	case ByEndpoints:
		return Envelope{Type: MsgFromServer, ClientID: client, Hash: t.Identity(), Payload: payload}
	default:
		panic(fmt.Sprintf("protocol: unknown target %T", target))
	}
}

// Target returns the server target of an inbound envelope.
func (e Envelope) Target() (Target, error) {
	switch e.Type {
	case MsgToServerID:
		return ByID{ID: e.ServerID}, nil
	case MsgToServer:
		return ByEndpoints{Endpoints: e.Endpoints}, nil
	default:
		return nil, fmt.Errorf("%w: %s has no server target", ErrInvalidEnvelope, e.Type)
	}
}

// SourceTag returns the server id or endpoint hash of an outbound envelope.
func (e Envelope) SourceTag() uint32 {
	if e.Type == MsgFromServer {
		return e.Hash
	}
	return uint32(e.ServerID)
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return e.AppendTo(nil)
}

// AppendTo appends the encoded envelope to dst.
func (e Envelope) AppendTo(dst []byte) ([]byte, error) {
	if len(e.Payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}

	dst = append(dst, byte(e.Type))
	dst = binary.BigEndian.AppendUint32(dst, uint32(e.ClientID))

	switch e.Type {
	case MsgToServerID, MsgFromServerID:
		dst = binary.BigEndian.AppendUint32(dst, uint32(e.ServerID))
	case MsgFromServer:
		dst = binary.BigEndian.AppendUint32(dst, e.Hash)
	case MsgToServer:
		if len(e.Endpoints) == 0 || len(e.Endpoints) > MaxEndpoints {
			return nil, fmt.Errorf("%w: endpoint count %d", ErrInvalidEnvelope, len(e.Endpoints))
		}
		dst = append(dst, byte(len(e.Endpoints)))
		for _, ep := range e.Endpoints {
			if len(ep.Host) == 0 || len(ep.Host) > MaxHostLen {
				return nil, fmt.Errorf("%w: host length %d", ErrInvalidEnvelope, len(ep.Host))
			}
			dst = append(dst, byte(ep.Protocol), byte(len(ep.Host)))
			dst = append(dst, ep.Host...)
			dst = binary.BigEndian.AppendUint16(dst, ep.Port)
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, uint8(e.Type))
	}

	dst = binary.BigEndian.AppendUint16(dst, uint16(len(e.Payload)))
	return append(dst, e.Payload...), nil
}

// Decode parses one envelope from the front of buf and returns the number
// of bytes consumed. The payload aliases buf.
func Decode(buf []byte) (Envelope, int, error) {
	if len(buf) < headerSize {
		return Envelope{}, 0, fmt.Errorf("%w: header too short", ErrInvalidEnvelope)
	}

	e := Envelope{
		Type:     MsgType(buf[0]),
		ClientID: ClientID(binary.BigEndian.Uint32(buf[1:5])),
	}
	off := headerSize

	need := func(n int) error {
		if len(buf)-off < n {
			return fmt.Errorf("%w: truncated %s", ErrInvalidEnvelope, e.Type)
		}
		return nil
	}

	switch e.Type {
	case MsgToServerID, MsgFromServerID, MsgFromServer:
		if err := need(4); err != nil {
			return Envelope{}, 0, err
		}
		v := binary.BigEndian.Uint32(buf[off:])
		if e.Type == MsgFromServer {
			e.Hash = v
		} else {
			e.ServerID = ServerID(v)
		}
		off += 4
	case MsgToServer:
		if err := need(1); err != nil {
			return Envelope{}, 0, err
		}
		count := int(buf[off])
		off++
		if count == 0 {
			return Envelope{}, 0, fmt.Errorf("%w: empty endpoint list", ErrInvalidEnvelope)
		}
		e.Endpoints = make(EndpointSet, 0, count)
		for i := 0; i < count; i++ {
			if err := need(2); err != nil {
				return Envelope{}, 0, err
			}
			proto := Protocol(buf[off])
			hostLen := int(buf[off+1])
			off += 2
			if !proto.Valid() {
				return Envelope{}, 0, fmt.Errorf("%w: endpoint %d: %v", ErrInvalidEnvelope, i, proto)
			}
			if hostLen == 0 {
				return Envelope{}, 0, fmt.Errorf("%w: endpoint %d: empty host", ErrInvalidEnvelope, i)
			}
			if err := need(hostLen + 2); err != nil {
				return Envelope{}, 0, err
			}
			host := string(buf[off : off+hostLen])
			off += hostLen
			port := binary.BigEndian.Uint16(buf[off:])
			off += 2
			e.Endpoints = append(e.Endpoints, Endpoint{Protocol: proto, Host: host, Port: port})
		}
	default:
		return Envelope{}, 0, fmt.Errorf("%w: 0x%02x", ErrUnknownType, buf[0])
	}

	if err := need(2); err != nil {
		return Envelope{}, 0, err
	}
	n := int(binary.BigEndian.Uint16(buf[off:]))
	off += 2
	if n > MaxPayload {
		return Envelope{}, 0, ErrPayloadTooLarge
	}
	if err := need(n); err != nil {
		return Envelope{}, 0, err
	}
	e.Payload = buf[off : off+n]
	off += n

	return e, off, nil
}

// DecodeAll parses consecutive envelopes. On error it returns the envelopes
// decoded before the malformed one.
func DecodeAll(buf []byte) ([]Envelope, error) {
	var out []Envelope
	for len(buf) > 0 {
		e, n, err := Decode(buf)
		if err != nil {
			return out, err
		}
		out = append(out, e)
		buf = buf[n:]
	}
	return out, nil
}
