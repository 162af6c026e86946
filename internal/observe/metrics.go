package observe

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bt_active_connections",
		Help: "Number of live device connections",
	})

	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_connections_total",
			Help: "Total connection outcomes",
		},
		[]string{"result"}, // established|failed|lost
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_messages_total",
			Help: "Total messages by direction",
		},
		[]string{"direction"}, // sent|received
	)

	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bt_heartbeats_total",
		Help: "Total heartbeat probes sent",
	})

	transfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_transfers_total",
			Help: "Total file transfers by terminal outcome",
		},
		[]string{"outcome"}, // completed|failed|cancelled
	)

	transferBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bt_transfer_bytes_total",
		Help: "Total bytes moved by completed transfers",
	})

	reconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_reconnects_total",
			Help: "Total reconnect outcomes",
		},
		[]string{"outcome"}, // success|failed|aborted
	)

	scansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bt_scans_total",
		Help: "Total discovery scans started",
	})

	devicesDiscoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bt_devices_discovered_total",
		Help: "Total unique devices seen across scans",
	})

	filterErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bt_filter_errors_total",
			Help: "Total swallowed filter errors by filter id",
		},
		[]string{"filter"},
	)
)

func init() {
	prometheus.MustRegister(
		activeConnections,
		connectionsTotal,
		messagesTotal,
		heartbeatsTotal,
		transfersTotal,
		transferBytesTotal,
		reconnectsTotal,
		scansTotal,
		devicesDiscoveredTotal,
		filterErrorsTotal,
	)
}

func AddActive(delta float64)        { activeConnections.Add(delta) }
func IncConnection(result string)    { connectionsTotal.WithLabelValues(result).Inc() }
func IncMessage(direction string)    { messagesTotal.WithLabelValues(direction).Inc() }
func IncHeartbeat()                  { heartbeatsTotal.Inc() }
func IncTransfer(outcome string)     { transfersTotal.WithLabelValues(outcome).Inc() }
func AddTransferBytes(n float64)     { transferBytesTotal.Add(n) }
func IncReconnect(outcome string)    { reconnectsTotal.WithLabelValues(outcome).Inc() }
func IncScan()                       { scansTotal.Inc() }
func IncDeviceDiscovered()           { devicesDiscoveredTotal.Inc() }
func IncFilterError(filterID string) { filterErrorsTotal.WithLabelValues(filterID).Inc() }
