package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics, exported on /metrics.

var (
	TransactionsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxoracle_transactions_ingested_total",
		Help: "Mempool transactions accepted into the cache.",
	})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxoracle_cache_evictions_total",
		Help: "Cache evictions by reason.",
	}, []string{"reason"}) // capacity, confirmed, expired

	CacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "utxoracle_cache_size",
		Help: "Transactions currently cached.",
	})

	AdapterReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxoracle_adapter_reconnects_total",
		Help: "Upstream adapter reconnect attempts by adapter.",
	}, []string{"adapter"})

	MalformedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxoracle_malformed_frames_total",
		Help: "Discarded malformed or unfetchable upstream events.",
	}, []string{"adapter"})

	PriceTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxoracle_price_ticks_total",
		Help: "Price estimates emitted by the aggregator.",
	})

	PriceEstimate = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "utxoracle_price_usd",
		Help: "Latest emitted price estimate in USD.",
	})

	PriceConfidence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "utxoracle_price_confidence",
		Help: "Confidence of the latest emitted price estimate.",
	})

	WhaleAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxoracle_whale_alerts_total",
		Help: "Whale alerts broadcast by flow type.",
	}, []string{"flow_type"})

	PredictionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "utxoracle_prediction_outcomes_total",
		Help: "Resolved prediction outcomes by status.",
	}, []string{"status"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "utxoracle_ws_subscribers",
		Help: "Connected websocket subscribers.",
	})

	SubscriberEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxoracle_ws_evictions_total",
		Help: "Subscribers evicted for backpressure.",
	})

	DroppedBroadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "utxoracle_broadcast_dropped_total",
		Help: "Events dropped at the broadcast dispatcher.",
	})
)
