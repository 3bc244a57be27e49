package devport

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/postalsys/aether-gateway/internal/action"
	"github.com/postalsys/aether-gateway/internal/event"
	"github.com/postalsys/aether-gateway/internal/gateway"
	"github.com/postalsys/aether-gateway/internal/lora"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

type fakeRouter struct {
	in  chan gateway.DeviceData
	out event.Event[gateway.DeviceData]
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{in: make(chan gateway.DeviceData, 16)}
}

func (r *fakeRouter) Input(device protocol.DeviceID, data []byte) {
	r.in <- gateway.DeviceData{DeviceID: device, Data: bytes.Clone(data)}
}

func (r *fakeRouter) Output() event.Source[gateway.DeviceData] {
	return &r.out
}

func (r *fakeRouter) reply(device protocol.DeviceID, data string) {
	r.out.Emit(gateway.DeviceData{DeviceID: device, Data: []byte(data)})
}

func (r *fakeRouter) next(t *testing.T) gateway.DeviceData {
	t.Helper()
	select {
	case d := <-r.in:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no router input")
		return gateway.DeviceData{}
	}
}

func (r *fakeRouter) none(t *testing.T) {
	t.Helper()
	select {
	case d := <-r.in:
		t.Fatalf("unexpected router input %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

type written struct {
	conn lora.ConnectionIndex
	data []byte
}

type fakeDriver struct {
	data event.Event[lora.Packet]

	mu      sync.Mutex
	next    lora.ConnectionIndex
	refuse  map[string]bool
	writes  []written
	closed  []lora.ConnectionIndex
	started bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{refuse: make(map[string]bool)}
}

func (d *fakeDriver) Start() *action.Action[struct{}] {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
	return action.Resolved(struct{}{})
}

func (d *fakeDriver) Stop() *action.Action[struct{}] {
	return action.Resolved(struct{}{})
}

func (d *fakeDriver) OpenNetwork(_ protocol.Protocol, host string, _ uint16) *action.Action[lora.ConnectionIndex] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse[host] {
		return action.Failed[lora.ConnectionIndex](lora.ErrUnknownConnection)
	}
	c := d.next
	d.next++
	return action.Resolved(c)
}

func (d *fakeDriver) CloseNetwork(conn lora.ConnectionIndex) *action.Action[struct{}] {
	d.mu.Lock()
	d.closed = append(d.closed, conn)
	d.mu.Unlock()
	return action.Resolved(struct{}{})
}

func (d *fakeDriver) WritePacket(conn lora.ConnectionIndex, data []byte) *action.Action[struct{}] {
	d.mu.Lock()
	d.writes = append(d.writes, written{conn: conn, data: bytes.Clone(data)})
	d.mu.Unlock()
	return action.Resolved(struct{}{})
}

func (d *fakeDriver) DataEvent() event.Source[lora.Packet] {
	return &d.data
}

func (d *fakeDriver) SetPowerSaveParam(lora.PowerSaveParam) *action.Action[struct{}] {
	return action.Resolved(struct{}{})
}

func (d *fakeDriver) PowerOff() *action.Action[struct{}] {
	return action.Failed[struct{}](lora.ErrNotSupported)
}

func (d *fakeDriver) Close() error {
	return nil
}

func (d *fakeDriver) writesSnapshot() []written {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]written(nil), d.writes...)
}

func (d *fakeDriver) closedSnapshot() []lora.ConnectionIndex {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]lora.ConnectionIndex(nil), d.closed...)
}
