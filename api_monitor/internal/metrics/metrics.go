package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"shadmission/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the lookout service
type Metrics struct {
	// Collector
	Ticks          *prometheus.CounterVec
	TickDuration   *prometheus.HistogramVec
	LastSample     *prometheus.GaugeVec
	StoreFailures  *prometheus.CounterVec
	PrunedRows     *prometheus.CounterVec
	ClampedSamples *prometheus.CounterVec

	// Live fan-out
	Subscribers        *prometheus.GaugeVec
	DroppedSubscribers *prometheus.CounterVec
	WSConnections      *prometheus.GaugeVec
	RelayMessages      *prometheus.CounterVec

	// Store
	DBQueries  *prometheus.CounterVec
	DBDuration *prometheus.HistogramVec

	// GeoIP cache
	GeoLookups *prometheus.CounterVec
}

// New registers the lookout metric set on mc
func New(mc *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		Ticks:          mc.NewCounter("collector_ticks_total", "Collector ticks by outcome", []string{"outcome"}),
		TickDuration:   mc.NewHistogram("collector_tick_duration_seconds", "Time spent in one collector tick", []string{}, []float64{.005, .01, .025, .05, .1, .25, .5, .8, 1, 2}),
		LastSample:     mc.NewGauge("collector_last_sample_timestamp_ms", "Timestamp of the last recorded snapshot", []string{"source_state"}),
		StoreFailures:  mc.NewCounter("collector_store_failures_total", "Store operations that failed inside the collector", []string{"operation"}),
		PrunedRows:     mc.NewCounter("collector_pruned_rows_total", "Snapshots removed by the retention sweep", []string{}),
		ClampedSamples: mc.NewCounter("collector_clamped_timestamps_total", "Samples whose timestamp was raised to keep the sequence monotonic", []string{}),

		Subscribers:        mc.NewGauge("live_subscribers", "Live stream subscribers", []string{}),
		DroppedSubscribers: mc.NewCounter("live_subscribers_dropped_total", "Live subscribers evicted for not keeping up", []string{}),
		WSConnections:      mc.NewGauge("websocket_connections_active", "Open live WebSocket connections", []string{}),
		RelayMessages:      mc.NewCounter("relay_messages_total", "Snapshots forwarded to Redis", []string{"status"}),

		GeoLookups: mc.NewCounter("geoip_lookups_total", "Peer country lookups by cache result", []string{"result"}),
	}
	m.DBQueries, m.DBDuration = mc.CreateDatabaseMetrics()
	return m
}
