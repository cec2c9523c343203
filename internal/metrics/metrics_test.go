package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	// Create a new registry for isolated testing
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.BytesSent == nil {
		t.Error("BytesSent metric is nil")
	}
}

func TestRecordPunch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordPunch("established", 1.2)
	m.RecordPunch("established", 0.4)
	m.RecordPunch("timeout", 20)

	if got := testutil.ToFloat64(m.PunchAttempts.WithLabelValues("established")); got != 2 {
		t.Errorf("PunchAttempts[established] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.PunchAttempts.WithLabelValues("timeout")); got != 1 {
		t.Errorf("PunchAttempts[timeout] = %v, want 1", got)
	}
}

func TestRecordSessionUpDown(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionUp(0.01)
	m.RecordSessionUp(0.02)
	m.RecordSessionDown("keepalive_timeout")

	if got := testutil.ToFloat64(m.SessionsActive); got != 1 {
		t.Errorf("SessionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal); got != 2 {
		t.Errorf("SessionsTotal = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionEnds.WithLabelValues("keepalive_timeout")); got != 1 {
		t.Errorf("SessionEnds[keepalive_timeout] = %v, want 1", got)
	}
}

func TestRecordFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordFrameSent("TUNNEL_REQUEST")
	m.RecordFrameSent("TUNNEL_REQUEST")
	m.RecordFrameReceived("TUNNEL_ACCEPT")

	if got := testutil.ToFloat64(m.FramesSent.WithLabelValues("TUNNEL_REQUEST")); got != 2 {
		t.Errorf("FramesSent[TUNNEL_REQUEST] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.FramesReceived.WithLabelValues("TUNNEL_ACCEPT")); got != 1 {
		t.Errorf("FramesReceived[TUNNEL_ACCEPT] = %v, want 1", got)
	}
}

func TestRecordKeepalive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordKeepaliveSent()
	m.RecordKeepaliveSent()
	m.RecordKeepaliveRTT(0.005)

	if got := testutil.ToFloat64(m.KeepalivesSent); got != 2 {
		t.Errorf("KeepalivesSent = %v, want 2", got)
	}
}

func TestRecordTunnels(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTunnelUp()
	m.RecordTunnelUp()
	m.RecordTunnelDown()
	m.RecordTunnelRejected("bind_failed")

	if got := testutil.ToFloat64(m.TunnelsActive); got != 1 {
		t.Errorf("TunnelsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TunnelsRejected.WithLabelValues("bind_failed")); got != 1 {
		t.Errorf("TunnelsRejected[bind_failed] = %v, want 1", got)
	}
}

func TestRecordConnections(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnOpen(0.01)
	m.RecordConnOpen(0.02)
	m.RecordConnClose(1000, 2000)
	m.RecordConnFailure("refused")

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionsOpened); got != 2 {
		t.Errorf("ConnectionsOpened = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BytesSent); got != 1000 {
		t.Errorf("BytesSent = %v, want 1000", got)
	}
	if got := testutil.ToFloat64(m.BytesReceived); got != 2000 {
		t.Errorf("BytesReceived = %v, want 2000", got)
	}
	if got := testutil.ToFloat64(m.ConnectionFailures.WithLabelValues("refused")); got != 1 {
		t.Errorf("ConnectionFailures[refused] = %v, want 1", got)
	}
}

func TestRecordSOCKS(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSOCKSHandshake("5")
	m.RecordSOCKSHandshake("4")
	m.RecordSOCKSHandshake("5")
	m.RecordSOCKSFailure("auth")

	if got := testutil.ToFloat64(m.SOCKSHandshakes.WithLabelValues("5")); got != 2 {
		t.Errorf("SOCKSHandshakes[5] = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SOCKSFailures.WithLabelValues("auth")); got != 1 {
		t.Errorf("SOCKSFailures[auth] = %v, want 1", got)
	}
}

func TestRecordExit(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordExitDial()
	m.RecordExitError("REFUSED")

	if got := testutil.ToFloat64(m.ExitDials); got != 1 {
		t.Errorf("ExitDials = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ExitErrors.WithLabelValues("REFUSED")); got != 1 {
		t.Errorf("ExitErrors[REFUSED] = %v, want 1", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return same instance")
	}
	if m1 == nil {
		t.Error("Default() returned nil")
	}
}
