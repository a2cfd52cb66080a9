package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of live price ticks ingested"},
		[]string{"symbol"},
	)
	CyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "cycles_total", Help: "Evaluation cycles completed"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "type"},
	)
	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "exchange_retries_total", Help: "Retried exchange calls"},
		[]string{"op"},
	)
	ReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "stream_reconnects_total", Help: "Live price stream reconnections"},
	)
	CompositeScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "composite_score", Help: "Latest composite signal total"},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, CyclesTotal, OrdersTotal, RetriesTotal, ReconnectsTotal, CompositeScore)
}

// Serve starts the /metrics endpoint in the background and returns the
// server so the caller can shut it down.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
