package devport

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/postalsys/aether-gateway/internal/lora"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

func endpoints(t *testing.T, specs ...string) []protocol.Endpoint {
	t.Helper()
	var out []protocol.Endpoint
	for _, s := range specs {
		ep, err := protocol.ParseEndpoint(s)
		if err != nil {
			t.Fatalf("ParseEndpoint(%q) error = %v", s, err)
		}
		out = append(out, ep)
	}
	return out
}

func TestLoRaBridge_Open(t *testing.T) {
	drv := newFakeDriver()
	drv.refuse["10.0.0.9"] = true
	b := NewLoRaBridge(drv, newFakeRouter(), nil)
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := b.Open(ctx, endpoints(t, "udp://10.0.0.1:4000", "udp://10.0.0.9:4000", "tcp://10.0.0.2:4001"))
	if !errors.Is(err, lora.ErrUnknownConnection) {
		t.Fatalf("Open() error = %v, want the refused endpoint's error", err)
	}
	if got := b.Connections(); got != 2 {
		t.Errorf("Connections() = %d, want 2", got)
	}
}

func TestLoRaBridge_Forwarding(t *testing.T) {
	drv := newFakeDriver()
	router := newFakeRouter()
	b := NewLoRaBridge(drv, router, nil)
	defer b.Close()

	drv.data.Emit(lora.Packet{Conn: 1, Data: []byte("uplink")})
	d := router.next(t)
	if d.DeviceID != LoRaDeviceBase+1 || string(d.Data) != "uplink" {
		t.Fatalf("router input = %+v, want device %d", d, LoRaDeviceBase+1)
	}

	router.reply(LoRaDeviceBase+1, "downlink")
	router.reply(FirstDevice, "udp device")

	writes := drv.writesSnapshot()
	if len(writes) != 1 {
		t.Fatalf("modem writes = %+v, want one", writes)
	}
	if writes[0].conn != 1 || string(writes[0].data) != "downlink" {
		t.Errorf("modem write = %+v", writes[0])
	}
}

func TestLoRaBridge_CloseReleasesConnections(t *testing.T) {
	drv := newFakeDriver()
	router := newFakeRouter()
	b := NewLoRaBridge(drv, router, nil)

	if err := b.Open(context.Background(), endpoints(t, "udp://10.0.0.1:1", "udp://10.0.0.2:2")); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	b.Close()

	closed := drv.closedSnapshot()
	slices.Sort(closed)
	if !slices.Equal(closed, []lora.ConnectionIndex{0, 1}) {
		t.Errorf("closed = %v, want [0 1]", closed)
	}

	drv.data.Emit(lora.Packet{Conn: 0, Data: []byte("late")})
	router.none(t)
}

func TestLoRaDevice(t *testing.T) {
	if got := LoRaDevice(0); got != LoRaDeviceBase {
		t.Errorf("LoRaDevice(0) = %d", got)
	}
	if got := LoRaDevice(127); got != 255 {
		t.Errorf("LoRaDevice(127) = %d", got)
	}
}
