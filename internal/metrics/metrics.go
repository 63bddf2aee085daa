package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SettlementOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lstapp_settlement_outcomes_total",
			Help: "Deposit notifications handled, by outcome",
		},
		[]string{"status"},
	)

	IntentFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lstapp_settlement_intent_fallbacks_total",
		Help: "Deposits settled at the default ratio because no live intent was found",
	})

	TokensMinted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lstapp_tokens_minted_total",
		Help: "Derivative token base units minted",
	})

	PendingIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lstapp_intents_pending",
		Help: "Live stake intents in the ledger",
	})

	Redemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lstapp_redemptions_total",
			Help: "Redemption phase calls, by phase and result",
		},
		[]string{"phase", "result"},
	)

	LamportsPaidOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lstapp_lamports_paid_out_total",
		Help: "Native lamports paid to holders on redemption",
	})

	ChainCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lstapp_chain_call_duration_seconds",
			Help:    "Latency of chain client calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)
