package monitor

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uart_probe",
			Subsystem: "exchange",
			Name:      "total",
			Help:      "Command exchanges by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "uart_probe",
			Subsystem: "exchange",
			Name:      "duration_seconds",
			Help:      "Time from command write to classified outcome.",
			Buckets:   []float64{.001, .002, .005, .01, .02, .05, .1, .2, .5, 1},
		},
		[]string{"mode"},
	)
	modeTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "uart_probe",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Orchestrator state transitions.",
		},
		[]string{"from", "to"},
	)
)

// RegisterMetrics 注册到默认Registry（只执行一次）
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(exchangesTotal, exchangeDuration, modeTransitions)
	})
}

// RecordExchange 记录一次交换
func RecordExchange(mode, outcome string, elapsed time.Duration) {
	RegisterMetrics()
	exchangesTotal.WithLabelValues(mode, outcome).Inc()
	exchangeDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// RecordTransition 记录一次状态转换
func RecordTransition(from, to string) {
	RegisterMetrics()
	modeTransitions.WithLabelValues(from, to).Inc()
}
