package protocol

import (
	"errors"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{"tcp://10.0.0.1:9000", Endpoint{ProtocolTCP, "10.0.0.1", 9000}, false},
		{"quic://relay.example.net:443", Endpoint{ProtocolQUIC, "relay.example.net", 443}, false},
		{"ws://[::1]:8080", Endpoint{ProtocolWS, "::1", 8080}, false},
		{"udp://host:0", Endpoint{}, true},
		{"sctp://host:1", Endpoint{}, true},
		{"host:1", Endpoint{}, true},
		{"tcp://host", Endpoint{}, true},
	}

	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseEndpoint(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseEndpoint() error = %v, wantErr %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("ParseEndpoint() = %+v, want %+v", got, tc.want)
			}
		})
	}

	if _, err := ParseEndpoint("sctp://h:1"); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("error = %v, want ErrUnknownProtocol", err)
	}
}

func TestEndpoint_String(t *testing.T) {
	ep := Endpoint{Protocol: ProtocolWS, Host: "::1", Port: 80}
	if got := ep.String(); got != "ws://[::1]:80" {
		t.Errorf("String() = %q", got)
	}
}

func TestEndpointSet_HashStable(t *testing.T) {
	a := EndpointSet{
		{ProtocolTCP, "10.0.0.1", 9000},
		{ProtocolUDP, "10.0.0.1", 9001},
	}
	b := EndpointSet{
		{ProtocolUDP, "10.0.0.1", 9001},
		{ProtocolTCP, "10.0.0.1", 9000},
		{ProtocolTCP, "10.0.0.1", 9000},
	}
	c := EndpointSet{
		{ProtocolTCP, "10.0.0.1", 9000},
	}

	if a.Hash() != b.Hash() {
		t.Error("order and duplicates must not change the hash")
	}
	if a.Hash() != a.Hash() {
		t.Error("hash must be deterministic")
	}
	if a.Hash() == c.Hash() {
		t.Error("different sets should hash differently")
	}
	if len(b.Canonical()) != 2 {
		t.Errorf("Canonical() = %v, want 2 entries", b.Canonical())
	}
	if len(b) != 3 {
		t.Error("Canonical() must not modify the receiver")
	}
}

func TestTarget_Identity(t *testing.T) {
	set := EndpointSet{{ProtocolTCP, "a", 1}}

	var tgt Target = ByID{ID: 42}
	if tgt.Identity() != 42 {
		t.Errorf("ByID identity = %d, want 42", tgt.Identity())
	}
	tgt = ByEndpoints{Endpoints: set}
	if tgt.Identity() != set.Hash() {
		t.Errorf("ByEndpoints identity = %x, want %x", tgt.Identity(), set.Hash())
	}
}

func TestProtocol_String(t *testing.T) {
	for _, name := range []string{"tcp", "udp", "ws", "quic"} {
		p, err := ParseProtocol(name)
		if err != nil {
			t.Fatalf("ParseProtocol(%q) error = %v", name, err)
		}
		if p.String() != name {
			t.Errorf("String() = %q, want %q", p.String(), name)
		}
	}
	if Protocol(0).Valid() || Protocol(9).Valid() {
		t.Error("unknown protocols must not be valid")
	}
}
