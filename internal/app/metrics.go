package app

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "engage_gateway_requests_total",
	Help: "Local gateway requests by route pattern and status class",
}, []string{"method", "route", "status"})

func statusClass(status int) string {
	return strconv.Itoa(status/100) + "xx"
}
