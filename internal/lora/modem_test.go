package lora

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/aether-gateway/internal/metrics"
)

var testTimeouts = timeouts{
	normal:  100 * time.Millisecond,
	slow:    100 * time.Millisecond,
	connect: 200 * time.Millisecond,
}

// fakeModem answers AT commands the way an LR02 does. Outside AT mode
// plain AT commands go unanswered; socket commands always answer.
type fakeModem struct {
	conn net.Conn

	mu            sync.Mutex
	inAT          bool
	log           []string
	drop          map[string]int
	fail          map[string]bool
	connectStatus string
	nextHandle    int
	pending       map[int][]byte
	sent          map[int][][]byte
}

func newFakeModem(t *testing.T) (*fakeModem, net.Conn) {
	t.Helper()
	driverSide, modemSide := net.Pipe()
	m := &fakeModem{
		conn:          modemSide,
		drop:          make(map[string]int),
		fail:          make(map[string]bool),
		connectStatus: "1",
		pending:       make(map[int][]byte),
		sent:          make(map[int][][]byte),
	}
	go m.serve()
	t.Cleanup(func() { modemSide.Close() })
	return m, driverSide
}

func (m *fakeModem) serve() {
	r := bufio.NewReader(m.conn)
	for {
		cmd, err := readCommand(r)
		if err != nil {
			return
		}
		for _, line := range m.handle(cmd) {
			if _, err := m.conn.Write([]byte(line + "\r\n")); err != nil {
				return
			}
		}
	}
}

func readCommand(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		buf = append(buf, b)
		if string(buf) == "+++" {
			return "+++", nil
		}
		if b == '\n' {
			return strings.TrimSpace(string(buf)), nil
		}
	}
}

func (m *fakeModem) handle(cmd string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.log = append(m.log, cmd)
	if m.drop[cmd] > 0 {
		m.drop[cmd]--
		return nil
	}
	if cmd == "+++" {
		if m.inAT {
			m.inAT = false
			return []string{"Exit AT", "Power on"}
		}
		m.inAT = true
		return []string{"Entry AT"}
	}
	if m.fail[cmd] {
		return []string{"ERROR"}
	}

	switch {
	case strings.HasPrefix(cmd, "AT#XSOCKET="):
		h := m.nextHandle
		m.nextHandle++
		return []string{fmt.Sprintf("#XSOCKET: %d,1,0,6", h), "OK"}
	case strings.HasPrefix(cmd, "AT#XCONNECT="):
		h, _, _ := strings.Cut(strings.TrimPrefix(cmd, "AT#XCONNECT="), ",")
		return []string{fmt.Sprintf("#XCONNECT: %s,%s", h, m.connectStatus), "OK"}
	case strings.HasPrefix(cmd, "AT#XPOLL=0,"):
		var out []string
		for _, f := range strings.Split(strings.TrimPrefix(cmd, "AT#XPOLL=0,"), ",") {
			h, _ := strconv.Atoi(f)
			flags := 0
			if len(m.pending[h]) > 0 {
				flags = 1
			}
			out = append(out, fmt.Sprintf("#XPOLL: %d,%d", h, flags))
		}
		return append(out, "OK")
	case strings.HasPrefix(cmd, "AT#XRECV="):
		h, _ := strconv.Atoi(strings.TrimPrefix(cmd, "AT#XRECV="))
		data := m.pending[h]
		delete(m.pending, h)
		return []string{fmt.Sprintf(`#XRECV: %d,"%s"`, h, hex.EncodeToString(data)), "OK"}
	case strings.HasPrefix(cmd, "AT#XSEND="):
		h, payload, _ := strings.Cut(strings.TrimPrefix(cmd, "AT#XSEND="), ",")
		n, _ := strconv.Atoi(h)
		data, _ := hex.DecodeString(strings.Trim(payload, `"`))
		m.sent[n] = append(m.sent[n], data)
		return []string{"OK"}
	case strings.HasPrefix(cmd, "AT#XCLOSE="):
		return []string{"OK"}
	case strings.HasPrefix(cmd, "AT"):
		if m.inAT {
			return []string{"OK"}
		}
	}
	return nil
}

func (m *fakeModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}

// commandsSince returns the commands after the first n, without polls.
func (m *fakeModem) commandsSince(n int) []string {
	var out []string
	for _, c := range m.commands()[n:] {
		if strings.HasPrefix(c, "AT#XPOLL=") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (m *fakeModem) setInAT(on bool) {
	m.mu.Lock()
	m.inAT = on
	m.mu.Unlock()
}

func (m *fakeModem) queueData(h int, data []byte) {
	m.mu.Lock()
	m.pending[h] = data
	m.mu.Unlock()
}

func (m *fakeModem) sentData(h int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.sent[h])
}

func testSettings() Settings {
	s := DefaultSettings()
	s.PollInterval = 10 * time.Millisecond
	return s
}

func newTestDriver(t *testing.T, modem *fakeModem, link net.Conn) (*DxSmartLR02, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	d := newDxSmartLR02(link, testSettings(), nil, m, testTimeouts)
	t.Cleanup(func() { d.Close() })
	if _, err := d.Ready().Wait(testContext(t)); err != nil {
		t.Fatalf("init failed: %v (commands %q)", err, modem.commands())
	}
	return d, m
}
