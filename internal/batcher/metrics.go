package batcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_batcher_flushes_total",
		Help: "Total committed trust batch flushes.",
	})

	keysFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_batcher_keys_flushed_total",
		Help: "Total (entity, organization) keys committed across all flushes.",
	})
)
