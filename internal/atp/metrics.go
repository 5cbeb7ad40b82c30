package atp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	refundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_atp_refunds_total",
		Help: "Number of sequence finalizations that went through refund accounting.",
	})
	refundATP = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tessera_atp_refund_atp_total",
		Help: "Total ATP refunded to entities.",
	})
)
