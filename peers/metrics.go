// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package peers

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// registryMetrics are the Prometheus collectors maintained by a Registry.
type registryMetrics struct {
	live     prometheus.Gauge
	total    prometheus.Counter
	hsFailed prometheus.Counter
	aggCalls *prometheus.CounterVec // by outcome
}

func newRegistryMetrics(reg prometheus.Registerer) *registryMetrics {
	m := &registryMetrics{
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jrpc_sessions_live",
			Help: "Number of sessions currently registered.",
		}),
		total: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrpc_sessions_total",
			Help: "Number of sessions ever registered.",
		}),
		hsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jrpc_handshake_failures_total",
			Help: "Number of capability handshakes that failed.",
		}),
		aggCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jrpc_aggregate_calls_total",
			Help: "Number of aggregate calls, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		m.live = register(reg, m.live)
		m.total = register(reg, m.total)
		m.hsFailed = register(reg, m.hsFailed)
		m.aggCalls = register(reg, m.aggCalls)
	}
	return m
}

func (m *registryMetrics) aggregateDone(err error) {
	if err != nil {
		m.aggCalls.WithLabelValues("error").Inc()
	} else {
		m.aggCalls.WithLabelValues("ok").Inc()
	}
}

// register registers c with reg. If an equivalent collector is already
// registered, that collector is returned instead.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if old, ok := are.ExistingCollector.(C); ok {
				return old
			}
		}
		panic(err)
	}
	return c
}
