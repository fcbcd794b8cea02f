// Package metrics exposes Prometheus instrumentation for the TCP and UDP
// shell servers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "sessions_total",
			Help:      "Sessions opened by clients.",
		},
		[]string{"protocol"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "active_sessions",
			Help:      "Sessions currently open.",
		},
		[]string{"protocol"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "commands_total",
			Help:      "Command lines and uploads handled.",
		},
		[]string{"protocol", "kind"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "command_duration_seconds",
			Help:      "Time spent handling a command, including the reply write.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"protocol", "kind"},
	)
	transferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "bytes_total",
			Help:      "Bytes read from and written to clients.",
		},
		[]string{"protocol", "direction"},
	)
	dropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sshcompare",
			Subsystem: "server",
			Name:      "dropped_packets_total",
			Help:      "Datagrams discarded by the UDP server.",
		},
		[]string{"reason"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessions, activeSessions, commands, commandDuration,
			transferred, dropped,
		)
	})
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func SessionOpened(protocol string) {
	RegisterMetrics()
	sessions.WithLabelValues(protocol).Inc()
	activeSessions.WithLabelValues(protocol).Inc()
}

func SessionClosed(protocol string) {
	RegisterMetrics()
	activeSessions.WithLabelValues(protocol).Dec()
}

// RecordCommand counts one handled command; kind is "command" or "upload".
func RecordCommand(protocol, kind string, duration time.Duration) {
	RegisterMetrics()
	commands.WithLabelValues(protocol, kind).Inc()
	commandDuration.WithLabelValues(protocol, kind).Observe(duration.Seconds())
}

func RecordBytes(protocol, direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	transferred.WithLabelValues(protocol, direction).Add(float64(n))
}

func RecordDrop(reason string) {
	RegisterMetrics()
	dropped.WithLabelValues(reason).Inc()
}
