package gateway

import (
	"context"
	"errors"
	"testing"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/logging"
	"github.com/postalsys/aether-gateway/internal/protocol"
	"github.com/postalsys/aether-gateway/internal/stream"
)

// pendingSource hands out one action that the test completes.
type pendingSource struct {
	pending *action.Action[*StreamRef]
	calls   int
	byID    bool
}

func (s *pendingSource) GetStream(protocol.ServerID, bool) *action.Action[*StreamRef] {
	s.calls++
	s.byID = true
	return s.pending
}

func (s *pendingSource) GetStreamByEndpoints(protocol.EndpointSet) *action.Action[*StreamRef] {
	s.calls++
	return s.pending
}

func TestGwStream_BuffersUntilResolved(t *testing.T) {
	src := &pendingSource{pending: action.New[*StreamRef]()}
	g := NewGwStream(src, protocol.ByID{ID: 42}, 8, logging.NopLogger())
	defer g.Close()

	if src.calls != 0 {
		t.Fatal("resolution should wait for the first write")
	}
	if g.Info().LinkState != stream.Linking {
		t.Errorf("LinkState = %v, want linking", g.Info().LinkState)
	}

	w1 := g.Write([]byte("a"))
	w2 := g.Write([]byte("b"))
	if src.calls != 1 || !src.byID {
		t.Fatalf("resolution started %d times", src.calls)
	}

	m, f := newTestManager(nil)
	src.pending.Resolve(mustRef(t, m.GetStreamByEndpoints(tcpEndpoints("x"))))

	for _, w := range []*action.Action[struct{}]{w1, w2} {
		if _, err := w.Wait(context.Background()); err != nil {
			t.Fatalf("buffered write error = %v", err)
		}
	}
	if got := f.get(0).written(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("flushed %q, want [a b]", got)
	}

	g.Write([]byte("c"))
	if got := f.get(0).written(); len(got) != 3 {
		t.Errorf("write after resolution not passed through: %q", got)
	}
}

func TestGwStream_ResolutionFailure(t *testing.T) {
	src := &pendingSource{pending: action.New[*StreamRef]()}
	g := NewGwStream(src, protocol.ByEndpoints{Endpoints: tcpEndpoints("x")}, 8, logging.NopLogger())
	defer g.Close()

	var states []stream.LinkState
	g.UpdateEvent().Subscribe(func(info stream.Info) { states = append(states, info.LinkState) })

	w := g.Write([]byte("a"))
	src.pending.Reject(errors.New("directory down"))

	if _, err := w.Wait(context.Background()); !errors.Is(err, stream.ErrLinkError) {
		t.Errorf("pending write error = %v, want ErrLinkError", err)
	}
	if len(states) != 1 || states[0] != stream.LinkError {
		t.Errorf("update events = %v, want [link_error]", states)
	}
	if _, err := g.Write([]byte("b")).Wait(context.Background()); !errors.Is(err, stream.ErrLinkError) {
		t.Errorf("write after failure error = %v", err)
	}
}

func TestGwStream_BoundedBuffer(t *testing.T) {
	src := &pendingSource{pending: action.New[*StreamRef]()}
	g := NewGwStream(src, protocol.ByID{ID: 1}, 2, logging.NopLogger())
	defer g.Close()

	g.Write([]byte("1"))
	g.Write([]byte("2"))
	if _, err := g.Write([]byte("3")).Wait(context.Background()); !errors.Is(err, stream.ErrBufferFull) {
		t.Errorf("overflow error = %v, want ErrBufferFull", err)
	}
}

func TestGwStream_CloseReleasesLateReference(t *testing.T) {
	src := &pendingSource{pending: action.New[*StreamRef]()}
	g := NewGwStream(src, protocol.ByID{ID: 1}, 2, logging.NopLogger())

	w := g.Write([]byte("x"))
	g.Close()
	if _, err := w.Wait(context.Background()); !errors.Is(err, stream.ErrClosed) {
		t.Errorf("pending write error = %v, want ErrClosed", err)
	}

	m, f := newTestManager(nil)
	src.pending.Resolve(mustRef(t, m.GetStreamByEndpoints(tcpEndpoints("x"))))
	if !f.get(0).isClosed() {
		t.Error("reference resolved after Close was not released")
	}
}

func TestGwStream_CloseReleasesReference(t *testing.T) {
	m, f := newTestManager(nil)
	g := NewGwStream(m, protocol.ByEndpoints{Endpoints: tcpEndpoints("x")}, 2, logging.NopLogger())
	g.Write([]byte("x"))

	if f.count() != 1 || f.get(0).isClosed() {
		t.Fatal("stream should be open while the handle is")
	}
	g.Close()
	if !f.get(0).isClosed() {
		t.Error("Close did not release the server stream")
	}
}
