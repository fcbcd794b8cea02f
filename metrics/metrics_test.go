package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsIsIdempotent(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()
}

func TestRecorders(t *testing.T) {
	before := testutil.ToFloat64(commands.WithLabelValues("TCP", "command"))
	RecordCommand("TCP", "command", 3*time.Millisecond)
	after := testutil.ToFloat64(commands.WithLabelValues("TCP", "command"))
	if after-before != 1 {
		t.Errorf("commands delta = %v, want 1", after-before)
	}

	before = testutil.ToFloat64(transferred.WithLabelValues("UDP", DirectionIn))
	RecordBytes("UDP", DirectionIn, 1400)
	RecordBytes("UDP", DirectionIn, 0)
	RecordBytes("UDP", DirectionIn, -5)
	after = testutil.ToFloat64(transferred.WithLabelValues("UDP", DirectionIn))
	if after-before != 1400 {
		t.Errorf("bytes delta = %v, want 1400", after-before)
	}

	active := testutil.ToFloat64(activeSessions.WithLabelValues("TCP"))
	SessionOpened("TCP")
	if got := testutil.ToFloat64(activeSessions.WithLabelValues("TCP")); got != active+1 {
		t.Errorf("active sessions = %v, want %v", got, active+1)
	}
	SessionClosed("TCP")
	if got := testutil.ToFloat64(activeSessions.WithLabelValues("TCP")); got != active {
		t.Errorf("active sessions = %v, want %v", got, active)
	}

	RecordDrop("checksum")
	if got := testutil.ToFloat64(dropped.WithLabelValues("checksum")); got < 1 {
		t.Errorf("dropped = %v, want >= 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	RecordCommand("UDP", "upload", time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	if !strings.Contains(body, "sshcompare_server_commands_total") {
		t.Errorf("metrics output missing commands counter:\n%s", body)
	}
}
