package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engage_api_requests_total",
		Help: "Requests sent to the platform API, by method and outcome",
	}, []string{"method", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engage_api_request_duration_seconds",
		Help:    "Platform API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engage_api_circuit_breaker_state",
		Help: "Platform API circuit breaker state (0=closed, 1=half-open, 2=open)",
	})
)

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
