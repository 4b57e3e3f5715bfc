package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsHandler builds a /metrics endpoint sampling the live service
// counters: polling cycles, buffer state and subscriber count.
func (s *Server) metricsHandler() http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pyromon_polling_running",
		Help: "1 while the polling scheduler is in the Running state.",
	}, func() float64 {
		if s.poller.GetStats().IsRunning {
			return 1
		}
		return 0
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pyromon_polling_cycles_total",
		Help: "Completed polling cycles across all buses.",
	}, func() float64 {
		return float64(s.poller.GetStats().CycleCount)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pyromon_readings_flushed_total",
		Help: "Readings persisted by the write-back buffer.",
	}, func() float64 {
		return float64(s.buf.GetStats().TotalFlushed)
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pyromon_readings_dropped_total",
		Help: "Readings dropped after exhausting flush retries or on back-pressure.",
	}, func() float64 {
		return float64(s.buf.GetStats().TotalDropped)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pyromon_buffer_pending",
		Help: "Readings waiting in the write-back buffer slots.",
	}, func() float64 {
		st := s.buf.GetStats()
		return float64(st.ActiveSize + st.StandbySize)
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "pyromon_live_subscribers",
		Help: "Connected live-stream subscribers.",
	}, func() float64 {
		return float64(s.hub.SubscriberCount())
	}))
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "pyromon_live_events_displaced_total",
		Help: "Events displaced from full subscriber queues.",
	}, func() float64 {
		return float64(s.hub.Dropped())
	}))

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
