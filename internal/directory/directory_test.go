package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

type fakeRequester struct {
	subject string
	request getServersRequest
	reply   any
	err     error
	delay   time.Duration
}

func (f *fakeRequester) RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error) {
	f.subject = subj
	if err := json.Unmarshal(data, &f.request); err != nil {
		return nil, err
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	out, err := json.Marshal(f.reply)
	if err != nil {
		return nil, err
	}
	return &nats.Msg{Subject: subj, Data: out}, nil
}

func TestServerDescriptor_Endpoints(t *testing.T) {
	d := ServerDescriptor{
		ServerID: 42,
		IPs: []IPEntry{
			{IP: "10.0.0.1", ProtocolAndPorts: []ProtocolPort{
				{Protocol: "tcp", Port: 9000},
				{Protocol: "quic", Port: 9001},
				{Protocol: "smoke-signal", Port: 1},
			}},
			{IP: "10.0.0.2", ProtocolAndPorts: []ProtocolPort{{Protocol: "ws", Port: 80}}},
		},
	}

	got := d.Endpoints()
	want := []string{"tcp://10.0.0.1:9000", "quic://10.0.0.1:9001", "ws://10.0.0.2:80"}
	if len(got) != len(want) {
		t.Fatalf("Endpoints() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("Endpoints()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDescriptor_GroupsByHost(t *testing.T) {
	eps := protocol.EndpointSet{
		{Protocol: protocol.ProtocolTCP, Host: "a", Port: 1},
		{Protocol: protocol.ProtocolUDP, Host: "b", Port: 2},
		{Protocol: protocol.ProtocolWS, Host: "a", Port: 3},
	}
	d := Descriptor(7, eps)
	if len(d.IPs) != 2 || len(d.IPs[0].ProtocolAndPorts) != 2 {
		t.Fatalf("Descriptor() = %+v", d)
	}
	if got := d.Endpoints(); len(got) != 3 {
		t.Errorf("round trip lost endpoints: %v", got)
	}
}

func TestNATSClient_GetServers(t *testing.T) {
	req := &fakeRequester{reply: getServersResponse{Servers: []ServerDescriptor{
		{ServerID: 42, IPs: []IPEntry{{IP: "127.0.0.1", ProtocolAndPorts: []ProtocolPort{{Protocol: "tcp", Port: 7000}}}}},
	}}}
	c := NewNATSClient(req, "aether.directory.servers", time.Second, logging.NopLogger())

	got, err := c.GetServers(context.Background(), []protocol.ServerID{42})
	if err != nil {
		t.Fatalf("GetServers() error = %v", err)
	}
	if req.subject != "aether.directory.servers" {
		t.Errorf("subject = %q", req.subject)
	}
	if len(req.request.IDs) != 1 || req.request.IDs[0] != 42 {
		t.Errorf("request ids = %v, want [42]", req.request.IDs)
	}
	if len(got) != 1 || got[0].ServerID != 42 {
		t.Errorf("GetServers() = %+v", got)
	}
}

func TestNATSClient_Errors(t *testing.T) {
	boom := errors.New("no responders")

	tests := []struct {
		name  string
		req   *fakeRequester
		check func(error) bool
	}{
		{
			name:  "transport error",
			req:   &fakeRequester{err: boom},
			check: func(err error) bool { return errors.Is(err, boom) },
		},
		{
			name:  "empty result",
			req:   &fakeRequester{reply: getServersResponse{}},
			check: func(err error) bool { return errors.Is(err, ErrNotFound) },
		},
		{
			name:  "remote error",
			req:   &fakeRequester{reply: getServersResponse{Error: "denied"}},
			check: func(err error) bool { return err != nil && err.Error() == "directory: denied" },
		},
		{
			name:  "bad payload",
			req:   &fakeRequester{reply: "not an object"},
			check: func(err error) bool { return err != nil },
		},
		{
			name:  "timeout",
			req:   &fakeRequester{delay: time.Second},
			check: func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewNATSClient(tt.req, "subj", 20*time.Millisecond, logging.NopLogger())
			_, err := c.GetServers(context.Background(), []protocol.ServerID{1})
			if !tt.check(err) {
				t.Errorf("GetServers() error = %v", err)
			}
		})
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	s.Add(ServerDescriptor{ServerID: 1})
	s.Add(ServerDescriptor{ServerID: 2})

	got, err := s.GetServers(context.Background(), []protocol.ServerID{2, 3})
	if err != nil || len(got) != 1 || got[0].ServerID != 2 {
		t.Errorf("GetServers(2,3) = %v, %v", got, err)
	}
	if _, err := s.GetServers(context.Background(), []protocol.ServerID{9}); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetServers(9) error = %v, want ErrNotFound", err)
	}
	if _, err := (Disabled{}).GetServers(context.Background(), nil); !errors.Is(err, ErrDisabled) {
		t.Errorf("Disabled error = %v", err)
	}
}
