package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/directory"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/server"
	"github.com/postalsys/aether-gateway/internal/stream"
)

// fakeServerStream stands in for a server connection.
type fakeServerStream struct {
	srv *server.Server

	mu       sync.Mutex
	info     stream.Info
	writes   []string
	closed   bool
	restream int

	dataEv   event.Event[[]byte]
	updateEv event.Event[stream.Info]
}

func (f *fakeServerStream) Write(data []byte) *action.Action[struct{}] {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return action.Failed[struct{}](stream.ErrClosed)
	}
	f.writes = append(f.writes, string(data))
	return action.Resolved(struct{}{})
}

func (f *fakeServerStream) Info() stream.Info {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info
}

func (f *fakeServerStream) DataEvent() event.Source[[]byte]        { return &f.dataEv }
func (f *fakeServerStream) UpdateEvent() event.Source[stream.Info] { return &f.updateEv }

func (f *fakeServerStream) Restream() {
	f.mu.Lock()
	f.restream++
	f.mu.Unlock()
}

func (f *fakeServerStream) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeServerStream) setState(s stream.LinkState) {
	f.mu.Lock()
	f.info.LinkState = s
	info := f.info
	f.mu.Unlock()
	f.updateEv.Emit(info)
}

func (f *fakeServerStream) reply(data string) {
	f.dataEv.Emit([]byte(data))
}

func (f *fakeServerStream) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeServerStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// fakeFactory builds linked fake streams and remembers them in order.
type fakeFactory struct {
	mu      sync.Mutex
	streams []*fakeServerStream
}

func (f *fakeFactory) build(srv *server.Server) stream.ByteStream {
	s := &fakeServerStream{srv: srv, info: stream.Info{LinkState: stream.Linked}}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeFactory) get(i int) *fakeServerStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func newTestManager(dir directory.Client, servers ...*server.Server) (*ServerStreamManager, *fakeFactory) {
	reg := server.NewRegistry()
	for _, s := range servers {
		reg.Add(s)
	}
	f := &fakeFactory{}
	return NewServerStreamManager(reg, dir, f.build, logging.NopLogger(), nil), f
}

func tcpEndpoints(hosts ...string) protocol.EndpointSet {
	var out protocol.EndpointSet
	for _, h := range hosts {
		out = append(out, protocol.Endpoint{Protocol: protocol.ProtocolTCP, Host: h, Port: 7000})
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func encode(t *testing.T, env protocol.Envelope) []byte {
	t.Helper()
	b, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}
