package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	placeLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_place_order_latency_seconds",
		Help:    "Latency of place_order in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	ordersPlaced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_placed_total",
			Help: "Total number of orders accepted, by ticker and final status.",
		},
		[]string{"ticker", "status"},
	)
	ordersRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_rejected_total",
			Help: "Total number of orders rejected, by error code.",
		},
		[]string{"code"},
	)
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"ticker"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_orderbook_depth",
			Help: "Current orderbook depth (resting orders).",
		},
		[]string{"ticker", "side"},
	)
	botQuotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bot_quotes_total",
			Help: "Total number of quotes placed by the liquidity bot.",
		},
		[]string{"ticker"},
	)
	broadcastPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_broadcast_published_total",
		Help: "Total number of trade events published.",
	})
	broadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_broadcast_dropped_total",
		Help: "Total number of trade events dropped because the queue was full.",
	})
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			placeLatency,
			ordersPlaced,
			ordersRejected,
			tradesCreated,
			orderbookDepth,
			botQuotes,
			broadcastPublished,
			broadcastDropped,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObservePlaceLatency records a place_order latency duration.
func ObservePlaceLatency(d time.Duration) {
	Init()
	placeLatency.Observe(d.Seconds())
}

// IncOrdersPlaced increments the accepted-order counter.
func IncOrdersPlaced(ticker, status string) {
	Init()
	ordersPlaced.WithLabelValues(ticker, status).Inc()
}

// IncOrdersRejected increments the rejected-order counter.
func IncOrdersRejected(code string) {
	Init()
	ordersRejected.WithLabelValues(code).Inc()
}

// AddTradesCreated increments the trade counter for a ticker by n.
func AddTradesCreated(ticker string, n int) {
	Init()
	if n <= 0 {
		return
	}
	tradesCreated.WithLabelValues(ticker).Add(float64(n))
}

// SetOrderbookDepth sets the current orderbook depth for a ticker and side.
func SetOrderbookDepth(ticker, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(ticker, side).Set(depth)
}

// IncBotQuotes increments the liquidity bot quote counter.
func IncBotQuotes(ticker string) {
	Init()
	botQuotes.WithLabelValues(ticker).Inc()
}

// IncBroadcastPublished increments the published trade-event counter.
func IncBroadcastPublished() {
	Init()
	broadcastPublished.Inc()
}

// IncBroadcastDropped increments the dropped trade-event counter.
func IncBroadcastDropped() {
	Init()
	broadcastDropped.Inc()
}
