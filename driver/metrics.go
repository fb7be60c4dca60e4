package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the driver's collectors. Each Metrics has its own registry so several drivers,
// or several tests, don't collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	SpawnAttempts  *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	CommandSeconds prometheus.Histogram
	State          prometheus.Gauge
	Restarts       prometheus.Counter
	DroppedEvents  *prometheus.CounterVec
}

// Command outcomes.
const (
	outcomeOK      = "ok"
	outcomeTimeout = "timeout"
	outcomeOffline = "offline"
)

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		SpawnAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_spawn_attempts_total",
			Help: "Worker spawn attempts by result",
		}, []string{"result"}),
		Commands: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_commands_total",
			Help: "Executed commands by outcome",
		}, []string{"outcome"}),
		CommandSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "driverlink_command_duration_seconds",
			Help:    "Time from sending a command to receiving its reply",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		State: f.NewGauge(prometheus.GaugeOpts{
			Name: "driverlink_state",
			Help: "Current driver state (0 closed, 1 running, 2 connected, 3 closing)",
		}),
		Restarts: f.NewCounter(prometheus.CounterOpts{
			Name: "driverlink_worker_exits_total",
			Help: "Worker processes that exited while the driver was online",
		}),
		DroppedEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "driverlink_dropped_events_total",
			Help: "Events not delivered because a subscriber's buffer was full",
		}, []string{"kind"}),
	}
}
