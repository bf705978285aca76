// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package backend

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relabs-tech/architect/core/logger"
)

type metrics struct {
	requests     *prometheus.SummaryVec
	installs     *prometheus.CounterVec
	configWrites *prometheus.CounterVec
}

func newMetrics(b *Backend) *metrics {
	m := &metrics{
		requests: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "architect_http_request_duration_seconds",
			Help:       "Duration of HTTP requests by route template.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}, []string{"route", "method", "status"}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "architect_package_installs_total",
			Help: "Package installs by result.",
		}, []string{"result"}),
		configWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "architect_config_writes_total",
			Help: "Configuration writes by kind and whether they changed the stored records.",
		}, []string{"kind", "changed"}),
	}
	b.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.installs,
		m.configWrites,
		b.cache.Collector(),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "architect_tenant_pools",
			Help: "Number of open tenant database pools.",
		}, func() float64 { return float64(b.resolver.PoolCount()) }),
	)
	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (b *Backend) handleMetrics(router *mux.Router) {
	logger.Default().Debugln("metrics")
	logger.Default().Debugln("  handle metrics route: /metrics GET")
	router.Handle("/metrics", promhttp.HandlerFor(b.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := "unknown"
			if current := mux.CurrentRoute(r); current != nil {
				if template, err := current.GetPathTemplate(); err == nil {
					route = template
				}
			}
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(seconds float64) {
				b.metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Observe(seconds)
			}))
			defer timer.ObserveDuration()
			h.ServeHTTP(recorder, r)
		})
	})
}
