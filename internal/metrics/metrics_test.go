package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.RoutesActive == nil {
		t.Error("RoutesActive metric is nil")
	}
	if m.ATCommands == nil {
		t.Error("ATCommands metric is nil")
	}
}

func TestRecordRoutes(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordRouteOpen()
	m.RecordRouteOpen()
	m.RecordRouteOpen()
	m.RecordRouteEvict("link_error")

	if got := testutil.ToFloat64(m.RoutesActive); got != 2 {
		t.Errorf("RoutesActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.RoutesOpened); got != 3 {
		t.Errorf("RoutesOpened = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.RoutesEvicted.WithLabelValues("link_error")); got != 1 {
		t.Errorf("RoutesEvicted{link_error} = %v, want 1", got)
	}
}

func TestRecordEnvelopes(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordEnvelopeIn("to_server_id", 5)
	m.RecordEnvelopeIn("to_server", 10)
	m.RecordEnvelopeDrop("malformed")
	m.RecordEnvelopeOut("from_server_id", 7)

	if got := testutil.ToFloat64(m.BytesToServer); got != 15 {
		t.Errorf("BytesToServer = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.BytesToDevice); got != 7 {
		t.Errorf("BytesToDevice = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.EnvelopesDropped.WithLabelValues("malformed")); got != 1 {
		t.Errorf("EnvelopesDropped = %v, want 1", got)
	}
}

func TestRecordCache(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	if got := testutil.ToFloat64(m.CacheHits); got != 1 {
		t.Errorf("CacheHits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses); got != 2 {
		t.Errorf("CacheMisses = %v, want 2", got)
	}
}

func TestRecordChannelDial(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordChannelDial("tcp", true)
	m.RecordChannelDial("tcp", false)
	m.RecordChannelDial("quic", false)

	if got := testutil.ToFloat64(m.ChannelDials.WithLabelValues("tcp", "error")); got != 1 {
		t.Errorf("ChannelDials{tcp,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ChannelDials.WithLabelValues("quic", "error")); got != 1 {
		t.Errorf("ChannelDials{quic,error} = %v, want 1", got)
	}
}

func TestRecordLoRa(t *testing.T) {
	m := NewMetricsWithRegistry(prometheus.NewRegistry())

	m.RecordATCommand("ok", 0.01)
	m.RecordATCommand("timeout", 1)
	m.RecordATModeResync()
	m.SetQueueDepth(4)
	m.SetLoRaConnections(2)
	m.RecordLoRaPacket("rx")

	if got := testutil.ToFloat64(m.ATCommands.WithLabelValues("timeout")); got != 1 {
		t.Errorf("ATCommands{timeout} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 4 {
		t.Errorf("QueueDepth = %v, want 4", got)
	}
	if got := testutil.ToFloat64(m.LoRaConnections); got != 2 {
		t.Errorf("LoRaConnections = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ATModeResyncs); got != 1 {
		t.Errorf("ATModeResyncs = %v, want 1", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.RecordRouteOpen()
	m.RecordEnvelopeDrop("malformed")
	m.RecordATCommand("ok", 0)
	m.SetQueueDepth(1)
}
