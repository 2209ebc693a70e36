// Package metrics registers the Prometheus collectors shared across
// Portcullis's components, following the prometheusCollectors pattern in
// lib/srv/authhandlers.go and lib/srv/regular/proxy.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics bundles every counter/gauge the gateway exposes.
type Metrics struct {
	Admits         *prometheus.CounterVec
	Denies         *prometheus.CounterVec
	ActiveStays    prometheus.Gauge
	TranscodeDepth *prometheus.GaugeVec
}

// New constructs and registers every collector. Registration failures are
// logged, not fatal, matching lib/srv's own
// metrics.RegisterPrometheusCollectors tolerance for duplicate
// registration across repeated test setup.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Admits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portcullis_admissions_total",
			Help: "Number of admitted connections by protocol.",
		}, []string{"protocol"}),
		Denies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portcullis_denials_total",
			Help: "Number of denied connections by protocol and reason.",
		}, []string{"protocol", "reason"}),
		ActiveStays: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "portcullis_active_stays",
			Help: "Number of currently active stays.",
		}),
		TranscodeDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "portcullis_transcode_queue_depth",
			Help: "Number of transcode jobs by status.",
		}, []string{"status"}),
	}

	for _, c := range []prometheus.Collector{m.Admits, m.Denies, m.ActiveStays, m.TranscodeDepth} {
		if err := registerer.Register(c); err != nil {
			logrus.WithField("component", "metrics").WithError(err).Warn("failed to register collector")
		}
	}
	return m
}
