package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgekv",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "dispatch",
			Name:      "commands_total",
			Help:      "Commands dispatched, by command and handler result.",
		},
		[]string{"command", "result"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgekv",
			Subsystem: "dispatch",
			Name:      "command_duration_seconds",
			Help:      "Time spent in the handler on the event loop.",
			Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
		[]string{"command"},
	)
	connectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgekv",
			Subsystem: "server",
			Name:      "connections_open",
			Help:      "Connections currently attached to the event loop.",
		},
		[]string{"listener"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "server",
			Name:      "connections_total",
			Help:      "Connections accepted.",
		},
		[]string{"listener"},
	)
	disconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "server",
			Name:      "disconnects_total",
			Help:      "Connections torn down, by cause.",
		},
		[]string{"listener", "cause"},
	)
	rejectedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "server",
			Name:      "rejected_lines_total",
			Help:      "Input lines dropped before dispatch.",
		},
		[]string{"reason"},
	)
	loopTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "edgekv",
			Subsystem: "server",
			Name:      "loop_ticks_total",
			Help:      "Dispatch ticks run by the event loop.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			commandsTotal, commandDuration,
			connectionsOpen, connectionsTotal, disconnectsTotal,
			rejectedLines, loopTicks,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordCommand(command, result string, duration time.Duration) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(command, result).Inc()
	commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordConnOpened(listener string) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(listener).Inc()
	connectionsOpen.WithLabelValues(listener).Inc()
}

func RecordConnClosed(listener, cause string) {
	RegisterMetrics()
	connectionsOpen.WithLabelValues(listener).Dec()
	disconnectsTotal.WithLabelValues(listener, cause).Inc()
}

func RecordRejectedLine(reason string) {
	RegisterMetrics()
	rejectedLines.WithLabelValues(reason).Inc()
}

func RecordTick() {
	RegisterMetrics()
	loopTicks.Inc()
}
