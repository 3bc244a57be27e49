package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/aether-gateway/internal/config"
	"github.com/postalsys/aether-gateway/internal/protocol"
)

func endpointFor(t *testing.T, proto protocol.Protocol, addr string) protocol.Endpoint {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q) error = %v", addr, err)
	}
	port, _ := strconv.Atoi(portStr)
	return protocol.Endpoint{Protocol: proto, Host: host, Port: uint16(port)}
}

func TestTCPDialer_Echo(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(c, c)
	}()

	d := NewTCPDialer(DefaultDialOptions())
	conn, err := d.Dial(context.Background(), endpointFor(t, protocol.ProtocolTCP, ln.Addr().String()))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if conn.Protocol() != protocol.ProtocolTCP {
		t.Errorf("Protocol() = %v, want tcp", conn.Protocol())
	}
	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Errorf("Read() = %q, %v", buf, err)
	}
}

func TestUDPDialer_Datagram(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket() error = %v", err)
	}
	defer pc.Close()

	go func() {
		buf := make([]byte, 64)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pc.WriteTo(append([]byte("re:"), buf[:n]...), addr)
	}()

	d := NewUDPDialer(DefaultDialOptions())
	conn, err := d.Dial(context.Background(), endpointFor(t, protocol.ProtocolUDP, pc.LocalAddr().String()))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hi"))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "re:hi" {
		t.Errorf("Read() = %q, %v", buf[:n], err)
	}
}

func TestNetDialer_WrongProtocol(t *testing.T) {
	d := NewTCPDialer(DefaultDialOptions())
	_, err := d.Dial(context.Background(), protocol.Endpoint{Protocol: protocol.ProtocolUDP, Host: "127.0.0.1", Port: 1})
	if err == nil {
		t.Error("TCP dialer should refuse a UDP endpoint")
	}
}

func TestTCPDialer_Refused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().String()
	ln.Close()

	opts := DefaultDialOptions()
	opts.Timeout = time.Second
	_, err := NewTCPDialer(opts).Dial(context.Background(), endpointFor(t, protocol.ProtocolTCP, addr))
	if err == nil || !strings.Contains(err.Error(), "tcp dial failed") {
		t.Errorf("Dial() error = %v, want tcp dial failure", err)
	}
}

func TestWebSocketDialer_Echo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"aether"}})
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")
		for {
			typ, data, err := c.Read(r.Context())
			if err != nil {
				return
			}
			if err := c.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ep := endpointFor(t, protocol.ProtocolWS, strings.TrimPrefix(srv.URL, "http://"))
	conn, err := NewWebSocketDialer(DefaultDialOptions()).Dial(context.Background(), ep)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("element")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	buf := make([]byte, 32)
	n, err := conn.Read(buf)
	if err != nil || string(buf[:n]) != "element" {
		t.Errorf("Read() = %q, %v", buf[:n], err)
	}
	if !strings.HasPrefix(conn.RemoteAddr(), "ws://") {
		t.Errorf("RemoteAddr() = %q", conn.RemoteAddr())
	}
}

func TestRegistry(t *testing.T) {
	r, err := DefaultRegistry(DefaultDialOptions(), []string{"tcp", "quic"})
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	got := r.Protocols()
	if len(got) != 2 || got[0] != protocol.ProtocolTCP || got[1] != protocol.ProtocolQUIC {
		t.Errorf("Protocols() = %v, want [tcp quic]", got)
	}
	if _, ok := r.Lookup(protocol.ProtocolUDP); ok {
		t.Error("udp should not be registered")
	}

	_, err = r.Dial(context.Background(), protocol.Endpoint{Protocol: protocol.ProtocolUDP, Host: "h", Port: 1})
	if !errors.Is(err, ErrNoDialer) {
		t.Errorf("Dial() error = %v, want ErrNoDialer", err)
	}

	all, _ := DefaultRegistry(DefaultDialOptions(), nil)
	if len(all.Protocols()) != 4 {
		t.Errorf("default registry has %d protocols, want 4", len(all.Protocols()))
	}

	if _, err := DefaultRegistry(DefaultDialOptions(), []string{"smoke"}); err == nil {
		t.Error("unknown transport name should fail")
	}
}

func TestRegistryFromConfig(t *testing.T) {
	c := config.Default().Channels
	c.Transports = []string{"ws", "udp"}
	r, err := RegistryFromConfig(c)
	if err != nil {
		t.Fatalf("RegistryFromConfig() error = %v", err)
	}
	got := r.Protocols()
	if len(got) != 2 || got[0] != protocol.ProtocolUDP || got[1] != protocol.ProtocolWS {
		t.Errorf("Protocols() = %v, want [udp ws]", got)
	}

	c.Transports = []string{"pigeon"}
	if _, err := RegistryFromConfig(c); err == nil {
		t.Error("unknown transport name should fail")
	}
}

func TestWebsocketURL(t *testing.T) {
	ep := protocol.Endpoint{Protocol: protocol.ProtocolWS, Host: "10.0.0.1", Port: 80}
	if got := websocketURL(ep, "gw"); got != "ws://10.0.0.1:80/gw" {
		t.Errorf("websocketURL() = %q", got)
	}
}
