// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PacketsTotal counts packets handed to the engine
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spooftcp_packets_total",
			Help: "Total number of packets seen by the spoof engine",
		},
		[]string{"family"},
	)

	// SkippedTotal counts packets that did not lead to an injection
	SkippedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spooftcp_skipped_total",
			Help: "Total number of packets passed through without injection, by reason",
		},
		[]string{"family", "reason"},
	)

	// InjectedTotal counts synthesized packets accepted by the output path
	InjectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spooftcp_injected_total",
			Help: "Total number of synthesized packets transmitted",
		},
		[]string{"family"},
	)

	// InjectErrorsTotal counts synthesized packets rejected by the output path
	InjectErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spooftcp_inject_errors_total",
			Help: "Total number of synthesized packets the output path rejected",
		},
		[]string{"family"},
	)

	// InjectLatencySeconds measures route lookup, synthesis and hand-off, without the delay
	InjectLatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spooftcp_inject_latency_seconds",
			Help:    "Latency of building and handing off a synthesized packet in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
		[]string{"family"},
	)

	// QueueWorkers tracks running NFQUEUE workers
	QueueWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spooftcp_queue_workers",
			Help: "Number of running queue workers",
		},
	)

	// QueueErrorsTotal counts netlink errors reported by a queue
	QueueErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spooftcp_queue_errors_total",
			Help: "Total number of errors reported by the netfilter queue socket",
		},
		[]string{"queue"},
	)
)
