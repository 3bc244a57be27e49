package main

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/postalsys/aether-gateway/internal/lora"
)

const sampleMetrics = `# HELP aether_gateway_routes_opened_total Total number of device routes opened
# TYPE aether_gateway_routes_opened_total counter
aether_gateway_routes_opened_total 1234
# HELP aether_gateway_bytes_to_server_total Payload bytes forwarded from devices to servers
# TYPE aether_gateway_bytes_to_server_total counter
aether_gateway_bytes_to_server_total 2048
# HELP aether_gateway_envelopes_dropped_total Device envelopes dropped by reason
# TYPE aether_gateway_envelopes_dropped_total counter
aether_gateway_envelopes_dropped_total{reason="malformed"} 3
aether_gateway_envelopes_dropped_total{reason="no_device_id"} 2
`

func TestParseMetrics(t *testing.T) {
	families, err := parseMetrics([]byte(sampleMetrics))
	if err != nil {
		t.Fatalf("parseMetrics() error = %v", err)
	}
	if got := metricSum(families, "routes_opened_total"); got != 1234 {
		t.Errorf("routes_opened_total = %v, want 1234", got)
	}
	if got := metricSum(families, "missing_total"); got != 0 {
		t.Errorf("missing family = %v, want 0", got)
	}
	drops := metricByLabel(families, "envelopes_dropped_total", "reason")
	if drops["malformed"] != 3 || drops["no_device_id"] != 2 {
		t.Errorf("drops = %v", drops)
	}

	if _, err := parseMetrics([]byte("not a metric line {")); err == nil {
		t.Error("parseMetrics() should fail on garbage")
	}
}

func TestPrintStatus(t *testing.T) {
	families, err := parseMetrics([]byte(sampleMetrics))
	if err != nil {
		t.Fatalf("parseMetrics() error = %v", err)
	}
	now := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	hz := healthzBody{Status: "healthy", Running: true}
	hz.StartedAt = now.Add(-2 * time.Hour)
	hz.Routes = 12
	hz.LoRaState = "started"
	hz.LoRaATMode = "off"
	hz.LoRaConnections = 2

	var buf bytes.Buffer
	printStatus(&buf, hz, families, now)
	out := buf.String()

	for _, want := range []string{
		"Status:          healthy",
		"2 hours ago",
		"Routes opened:   1,234",
		"To servers:      2.0 kB",
		"LoRa:            started (AT mode off, 2 connections)",
		"malformed:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestStatusCommand(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","running":true,"route_count":4,"known_server_count":2}`))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMetrics))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"status", "--address", srv.URL})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("status error = %v", err)
	}
	if !strings.Contains(out.String(), "Routes:          4") {
		t.Errorf("output:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "Known servers:   2") {
		t.Errorf("output:\n%s", out.String())
	}
}

func TestStatusCommandUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	cmd := rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "--address", srv.URL, "--timeout", "1s"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("status should fail when the gateway is down")
	}
}

func TestProbeCommand(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"probe", "tcp://" + ln.Addr().String(), "--timeout", "2s"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("probe error = %v\n%s", err, out.String())
	}
	if !strings.HasPrefix(out.String(), "OK") {
		t.Errorf("output:\n%s", out.String())
	}

	cmd = rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"probe", "sctp://127.0.0.1:1"})
	if err := cmd.Execute(); err == nil {
		t.Error("probe should reject an unknown protocol")
	}
}

func TestCheckConfigCommand(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte("directory:\n  token: s3cret\n"), 0644); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("gateway:\n  log_level: loud\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "-c", good})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check-config error = %v", err)
	}
	if strings.Contains(out.String(), "s3cret") {
		t.Errorf("check-config leaked the token:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "is valid") {
		t.Errorf("output:\n%s", out.String())
	}

	cmd = rootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "-c", bad})
	if err := cmd.Execute(); err == nil {
		t.Error("check-config should fail on an invalid file")
	}
}

func TestOverridePSP(t *testing.T) {
	base := lora.DefaultPowerSaveParam()

	got, err := overridePSP(base, "", "", "20dbm", "250k", "", "sf12")
	if err != nil {
		t.Fatalf("overridePSP() error = %v", err)
	}
	want := base
	want.Power = 20
	want.Bandwidth = lora.Bandwidth250K
	want.SpreadingFactor = 12
	if got != want {
		t.Errorf("overridePSP() = %+v, want %+v", got, want)
	}

	if _, err := overridePSP(base, "sideways", "", "", "", "", ""); err == nil {
		t.Error("overridePSP() should reject an unknown mode")
	}
}

func TestParseOnOff(t *testing.T) {
	tests := []struct {
		in      string
		want    bool
		wantErr bool
	}{
		{"on", true, false},
		{"1", true, false},
		{"off", false, false},
		{"false", false, false},
		{"maybe", false, true},
	}
	for _, tc := range tests {
		got, err := parseOnOff(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseOnOff(%q) = %v, %v", tc.in, got, err)
		}
	}
}
